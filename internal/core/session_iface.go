package core

import (
	"context"
	"errors"
)

// ErrDisconnected is the terminal value of ReadFrame when the peer went away
// cleanly.
var ErrDisconnected = errors.New("disconnected")

// FrameReader yields inbound frames of one connection in arrival order.
// It returns ErrDisconnected (possibly wrapped) on a graceful close and any
// other error on a transport fault. Implementations must unblock when ctx is
// done.
type FrameReader interface {
	ReadFrame(ctx context.Context) (Frame, error)
}
