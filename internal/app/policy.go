package app

import (
	"errors"
	"fmt"

	"github.com/dkeye/Monitor/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	Disconnect
)

// Policy decides what happens to a connection that refused a frame.
type Policy interface {
	OnSendFailure(h *Handle, err error) BackpressureAction
}

// LogOnlyPolicy keeps every connection; the failure is only logged.
type LogOnlyPolicy struct{}

func (LogOnlyPolicy) OnSendFailure(*Handle, error) BackpressureAction { return NoAction }

// DisconnectSlowPolicy drops connections whose send queue is full.
type DisconnectSlowPolicy struct{}

func (DisconnectSlowPolicy) OnSendFailure(_ *Handle, err error) BackpressureAction {
	if errors.Is(err, core.ErrBackpressure) {
		return Disconnect
	}
	return NoAction
}

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "ignore":
		return LogOnlyPolicy{}, nil
	case "disconnect":
		return DisconnectSlowPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown slow consumer policy %q", name)
}
