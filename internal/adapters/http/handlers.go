package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Monitor/internal/adapters/signal"
	"github.com/dkeye/Monitor/internal/app"
	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
	"github.com/dkeye/Monitor/internal/metrics"
)

const maxBodyBytes = 64 << 10

type handlers struct {
	ctx     context.Context
	reg     *app.Registry
	ctl     *signal.SignalWSController
	metrics *metrics.Metrics
	gate    *connGate
}

func (h *handlers) connect(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		device, err := domain.NewDeviceID(c.Param("device_id"))
		if err != nil {
			h.metrics.Rejected("bad_request")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !h.gate.acquire() {
			h.metrics.Rejected("capacity")
			log.Warn().Str("module", "adapters.http").Str("device_id", string(device)).Msg("connection limit reached")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
			return
		}
		defer h.gate.release()

		id := identityFrom(c)
		log.Debug().
			Str("module", "adapters.http").
			Str("device_id", string(device)).
			Str("role", string(role)).
			Msg("ws signal endpoint hit")
		h.ctl.HandleSignal(h.ctx, c, signal.Peer{Role: role, DeviceID: device, UserID: id.UserID})
	}
}

type statusResponse struct {
	DeviceID        domain.DeviceID `json:"device_id"`
	IsOnline        bool            `json:"is_online"`
	ConnectionCount int             `json:"connection_count"`
}

func (h *handlers) status(c *gin.Context) {
	device, err := domain.NewDeviceID(c.Param("device_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		DeviceID:        device,
		IsOnline:        h.reg.IsDeviceOnline(device),
		ConnectionCount: h.reg.DeviceConnectionCount(device),
	})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.reg.Stats())
}

func (h *handlers) broadcast(c *gin.Context) {
	env, ok := bindEnvelope(c)
	if !ok {
		return
	}
	report := h.reg.BroadcastAll(env)
	c.JSON(http.StatusOK, newReportResponse(report))
}

func (h *handlers) notify(c *gin.Context) {
	user, err := domain.NewUserID(c.Param("user_id"))
	if err != nil || user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	env, ok := bindEnvelope(c)
	if !ok {
		return
	}
	report := h.reg.SendToUser(user, env)
	c.JSON(http.StatusOK, newReportResponse(report))
}

// bindEnvelope reads the request body as one envelope of a known kind.
func bindEnvelope(c *gin.Context) (domain.Envelope, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return domain.Envelope{}, false
	}
	env, err := domain.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return domain.Envelope{}, false
	}
	if env.Kind() == domain.KindUnknown {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown envelope type"})
		return domain.Envelope{}, false
	}
	return env, true
}

type failureResponse struct {
	Handle   domain.HandleID `json:"handle"`
	DeviceID domain.DeviceID `json:"device_id,omitempty"`
	Error    string          `json:"error"`
}

type reportResponse struct {
	Attempted int               `json:"attempted"`
	Delivered int               `json:"delivered"`
	Failed    int               `json:"failed"`
	Failures  []failureResponse `json:"failures,omitempty"`
}

func newReportResponse(r core.DeliveryReport) reportResponse {
	out := reportResponse{Attempted: r.Attempted, Delivered: r.Delivered, Failed: r.Failed()}
	for _, f := range r.Failures {
		reason := "error"
		switch {
		case errors.Is(f.Err, core.ErrBackpressure):
			reason = "backpressure"
		case errors.Is(f.Err, core.ErrClosed):
			reason = "closed"
		case errors.Is(f.Err, app.ErrEncodeEnvelope):
			reason = "encode"
		}
		out.Failures = append(out.Failures, failureResponse{Handle: f.Handle, DeviceID: f.DeviceID, Error: reason})
	}
	return out
}
