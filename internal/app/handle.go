package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
)

// Handle is one live connection as seen by the registry and the router.
// The session that created it owns the transport; everybody else only
// enqueues frames through it.
type Handle struct {
	id        domain.HandleID
	role      domain.Role
	device    domain.DeviceID
	user      domain.UserID
	createdAt time.Time
	conn      core.SignalConnection

	mu     sync.Mutex
	cancel context.CancelFunc
	kicked bool
}

func NewHandle(conn core.SignalConnection, role domain.Role, device domain.DeviceID, user domain.UserID) *Handle {
	return &Handle{
		id:        domain.NewHandleID(),
		role:      role,
		device:    device,
		user:      user,
		createdAt: time.Now(),
		conn:      conn,
	}
}

func (h *Handle) ID() domain.HandleID       { return h.id }
func (h *Handle) Role() domain.Role         { return h.role }
func (h *Handle) DeviceID() domain.DeviceID { return h.device }
func (h *Handle) UserID() domain.UserID     { return h.user }
func (h *Handle) CreatedAt() time.Time      { return h.createdAt }

// Send encodes env and enqueues it without blocking.
func (h *Handle) Send(env domain.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	return h.SendFrame(b)
}

func (h *Handle) SendFrame(f core.Frame) error {
	if err := h.conn.TrySend(f); err != nil {
		return fmt.Errorf("handle %s: %w", h.id, err)
	}
	return nil
}

// Kick asks the owning session to stop. It reports whether a session was
// bound. The transport is closed by the session, not here.
func (h *Handle) Kick() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicked = true
	if h.cancel == nil {
		return false
	}
	h.cancel()
	return true
}

func (h *Handle) Kicked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kicked
}

func (h *Handle) bindCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.kicked {
		cancel()
	}
}
