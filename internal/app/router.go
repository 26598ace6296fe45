package app

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
	"github.com/dkeye/Monitor/internal/metrics"
)

// Router turns inbound envelopes into fan-out sends. The routing key is
// always the device id the sending connection was registered under.
type Router struct {
	Registry *Registry
	Metrics  *metrics.Metrics
}

func NewRouter(reg *Registry, m *metrics.Metrics) *Router {
	return &Router{Registry: reg, Metrics: m}
}

type handlerFunc func(r *Router, h *Handle, env domain.Envelope) core.DeliveryReport

var cameraRoutes = map[domain.Kind]handlerFunc{
	domain.KindVideoFrameMarker: nil,
	domain.KindHeartbeat:        (*Router).heartbeat,
	domain.KindStatusUpdate:     (*Router).statusUpdate,
}

var viewerRoutes = map[domain.Kind]handlerFunc{
	domain.KindVideoRequest:   (*Router).videoRequest,
	domain.KindControlCommand: (*Router).controlCommand,
	domain.KindHeartbeat:      (*Router).heartbeat,
}

// Route dispatches env received on h. Kinds the sender's role does not
// handle are dropped without reply. An error means the envelope could not be
// turned into a wire frame and the session should end.
func (r *Router) Route(h *Handle, env domain.Envelope) (core.DeliveryReport, error) {
	var table map[domain.Kind]handlerFunc
	switch h.Role() {
	case domain.RoleCamera:
		table = cameraRoutes
	case domain.RoleViewer:
		table = viewerRoutes
	}

	role, kind := string(h.Role()), env.Kind().String()
	fn, ok := table[env.Kind()]
	if !ok {
		r.Metrics.Envelope(role, kind, metrics.OutcomeDropped)
		log.Debug().
			Str("module", "app.router").
			Str("sid", string(h.ID())).
			Str("role", role).
			Str("type", kind).
			Msg("dropping unhandled envelope")
		return core.DeliveryReport{}, nil
	}
	if fn == nil {
		r.Metrics.Envelope(role, kind, metrics.OutcomeRecorded)
		log.Debug().
			Str("module", "app.router").
			Str("device_id", string(h.DeviceID())).
			Msg("video frame marker received")
		return core.DeliveryReport{}, nil
	}

	report := fn(r, h, env)
	r.Metrics.Envelope(role, kind, metrics.OutcomeRouted)
	for _, f := range report.Failures {
		if errors.Is(f.Err, ErrEncodeEnvelope) {
			return report, fmt.Errorf("route %s: %w", kind, f.Err)
		}
	}
	return report, nil
}

func (r *Router) heartbeat(h *Handle, env domain.Envelope) core.DeliveryReport {
	ts, _ := env.Field(domain.FieldTimestamp)
	return r.Registry.SendToDevice(h.DeviceID(), domain.NewHeartbeatResponse(h.DeviceID(), ts))
}

func (r *Router) statusUpdate(h *Handle, env domain.Envelope) core.DeliveryReport {
	status, _ := env.Field(domain.FieldStatus)
	ts, _ := env.Field(domain.FieldTimestamp)
	return r.Registry.SendToDevice(h.DeviceID(), domain.NewStatusUpdate(h.DeviceID(), status, ts))
}

func (r *Router) videoRequest(h *Handle, env domain.Envelope) core.DeliveryReport {
	reqID, _ := env.Field(domain.FieldRequestID)
	return r.Registry.SendToDevice(h.DeviceID(), domain.NewStartVideoStream(reqID, env.Str(domain.FieldQuality)))
}

func (r *Router) controlCommand(h *Handle, env domain.Envelope) core.DeliveryReport {
	cmd, _ := env.Field(domain.FieldCommand)
	params, _ := env.Field(domain.FieldParameters)
	p, _ := params.(map[string]any)
	return r.Registry.SendToDevice(h.DeviceID(), domain.NewControlCommand(cmd, p))
}
