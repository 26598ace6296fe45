package core

import "github.com/dkeye/Monitor/internal/domain"

// DeliveryFailure is one target that did not accept a frame.
type DeliveryFailure struct {
	Handle   domain.HandleID
	DeviceID domain.DeviceID
	Err      error
}

// DeliveryReport describes the outcome of one fan-out call. Attempted is the
// size of the target snapshot, Delivered the number of successful enqueues.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failures  []DeliveryFailure
}

func (r DeliveryReport) Failed() int { return len(r.Failures) }

// Merge adds o to r.
func (r *DeliveryReport) Merge(o DeliveryReport) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Failures = append(r.Failures, o.Failures...)
}
