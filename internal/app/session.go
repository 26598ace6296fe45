package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
	"github.com/dkeye/Monitor/internal/metrics"
)

var ErrRoutingFault = errors.New("routing fault")

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

type SessionOptions struct {
	// RateLimit is the sustained inbound envelopes per second; zero disables
	// limiting.
	RateLimit rate.Limit
	Burst     int
	Metrics   *metrics.Metrics
}

// Session drives one connection from registration to removal.
type Session struct {
	handle   *Handle
	reader   core.FrameReader
	registry *Registry
	router   *Router
	limiter  *rate.Limiter
	metrics  *metrics.Metrics

	state atomic.Int32
}

func NewSession(h *Handle, reader core.FrameReader, reg *Registry, router *Router, opts SessionOptions) *Session {
	s := &Session{
		handle:   h,
		reader:   reader,
		registry: reg,
		router:   router,
		metrics:  opts.Metrics,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return s
}

func (s *Session) Handle() *Handle { return s.handle }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Run registers the handle, routes inbound envelopes until the connection
// ends, and unregisters on every exit path. A graceful disconnect returns
// nil. Malformed input, transport faults, routing faults and cancellation of
// ctx (including Handle.Kick) end the session with an error.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.handle.bindCancel(cancel)

	logger := log.With().
		Str("module", "app.session").
		Str("sid", string(s.handle.ID())).
		Str("device_id", string(s.handle.DeviceID())).
		Str("role", string(s.handle.Role())).
		Logger()

	s.registry.Register(s.handle)
	s.setState(StateOpen)
	logger.Info().Msg("session open")

	defer func() {
		s.setState(StateClosing)
		s.registry.Unregister(s.handle)
		s.setState(StateClosed)
		reason := closeReason(err)
		s.metrics.SessionClosed(string(s.handle.Role()), reason)
		if err != nil {
			logger.Warn().Err(err).Str("reason", reason).Msg("session closed")
		} else {
			logger.Info().Str("reason", reason).Msg("session closed")
		}
	}()

	for {
		frame, err := s.reader.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, core.ErrDisconnected) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.Envelope(string(s.handle.Role()), "", metrics.OutcomeLimited)
			logger.Warn().Msg("rate limit exceeded, dropping envelope")
			continue
		}

		env, err := domain.Decode(frame)
		if err != nil {
			return err
		}
		if err := s.route(env); err != nil {
			return err
		}
	}
}

func (s *Session) route(env domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRoutingFault, r)
		}
	}()
	if _, err := s.router.Route(s.handle, env); err != nil {
		return fmt.Errorf("%w: %w", ErrRoutingFault, err)
	}
	return nil
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "disconnect"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, domain.ErrMalformedEnvelope):
		return "malformed"
	case errors.Is(err, ErrRoutingFault):
		return "routing_fault"
	}
	return "transport"
}
