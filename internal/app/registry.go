package app

import (
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
	"github.com/dkeye/Monitor/internal/metrics"
)

const DefaultShards = 32

var ErrEncodeEnvelope = errors.New("encode envelope")

// shard guards the connection sets of every key hashed to it.
type shard struct {
	mu   sync.RWMutex
	sets map[string]map[domain.HandleID]*Handle
}

// index maps a key to a set of handles. Keys are spread over shards so that
// unrelated keys do not share a lock.
type index struct {
	shards []*shard
}

func newIndex(n int) *index {
	if n <= 0 {
		n = DefaultShards
	}
	ix := &index{shards: make([]*shard, n)}
	for i := range ix.shards {
		ix.shards[i] = &shard{sets: make(map[string]map[domain.HandleID]*Handle)}
	}
	return ix
}

func (ix *index) shardFor(key string) *shard {
	return ix.shards[xxhash.Sum64String(key)%uint64(len(ix.shards))]
}

func (ix *index) add(key string, h *Handle) bool {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[domain.HandleID]*Handle)
		s.sets[key] = set
	}
	if _, dup := set[h.ID()]; dup {
		return false
	}
	set[h.ID()] = h
	return true
}

func (ix *index) remove(key string, h *Handle) bool {
	s := ix.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	if _, ok := set[h.ID()]; !ok {
		return false
	}
	delete(set, h.ID())
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return true
}

func (ix *index) snapshot(key string) []*Handle {
	s := ix.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (ix *index) count(key string) int {
	s := ix.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[key])
}

func (ix *index) has(key string) bool {
	s := ix.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sets[key]
	return ok
}

// keys counts live keys shard by shard; the sum is not an atomic snapshot.
func (ix *index) keys() int {
	n := 0
	for _, s := range ix.shards {
		s.mu.RLock()
		n += len(s.sets)
		s.mu.RUnlock()
	}
	return n
}

func (ix *index) collect(into map[domain.HandleID]*Handle) {
	for _, s := range ix.shards {
		s.mu.RLock()
		for _, set := range s.sets {
			for id, h := range set {
				into[id] = h
			}
		}
		s.mu.RUnlock()
	}
}

// Registry tracks live connections by device id and by user id.
// It never closes a connection: handles are owned by their sessions.
type Registry struct {
	devices *index
	users   *index

	policy  Policy
	metrics *metrics.Metrics
	now     func() time.Time
}

type RegistryOption func(*Registry)

func WithPolicy(p Policy) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithShards(n int) RegistryOption {
	return func(r *Registry) {
		r.devices = newIndex(n)
		r.users = newIndex(n)
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		devices: newIndex(DefaultShards),
		users:   newIndex(DefaultShards),
		policy:  LogOnlyPolicy{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds h under its device id and, when set, its user id. The first
// registration sends a connection_established envelope to h alone and
// returns true; registering the same handle again changes nothing.
func (r *Registry) Register(h *Handle) bool {
	added := r.devices.add(string(h.DeviceID()), h)
	if h.UserID() != "" {
		if r.users.add(string(h.UserID()), h) {
			added = true
		}
	}
	if !added {
		return false
	}
	r.metrics.Registered()
	log.Info().
		Str("module", "app.registry").
		Str("sid", string(h.ID())).
		Str("device_id", string(h.DeviceID())).
		Str("user_id", string(h.UserID())).
		Str("role", string(h.Role())).
		Msg("registered connection")

	if err := h.Send(domain.NewConnectionEstablished(h.DeviceID(), r.now())); err != nil {
		r.onFailure(h, err)
	}
	return true
}

// Unregister removes h from both indexes. It is safe to call for a handle
// that is not registered.
func (r *Registry) Unregister(h *Handle) {
	removed := r.devices.remove(string(h.DeviceID()), h)
	if h.UserID() != "" {
		if r.users.remove(string(h.UserID()), h) {
			removed = true
		}
	}
	if removed {
		log.Info().
			Str("module", "app.registry").
			Str("sid", string(h.ID())).
			Str("device_id", string(h.DeviceID())).
			Msg("unregistered connection")
	}
}

// SendToDevice attempts delivery to every connection registered under
// device. Individual failures are reported, logged and passed to the
// policy; they never stop the remaining sends. An unknown device yields an
// empty report.
func (r *Registry) SendToDevice(device domain.DeviceID, env domain.Envelope) core.DeliveryReport {
	return r.deliver(r.devices.snapshot(string(device)), env)
}

func (r *Registry) SendToUser(user domain.UserID, env domain.Envelope) core.DeliveryReport {
	return r.deliver(r.users.snapshot(string(user)), env)
}

// BroadcastAll sends env once to every distinct registered connection.
func (r *Registry) BroadcastAll(env domain.Envelope) core.DeliveryReport {
	all := make(map[domain.HandleID]*Handle)
	r.devices.collect(all)
	r.users.collect(all)
	targets := make([]*Handle, 0, len(all))
	for _, h := range all {
		targets = append(targets, h)
	}
	return r.deliver(targets, env)
}

// deliver runs without any registry lock held.
func (r *Registry) deliver(targets []*Handle, env domain.Envelope) core.DeliveryReport {
	report := core.DeliveryReport{Attempted: len(targets)}
	if len(targets) == 0 {
		return report
	}
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("kind", env.Kind().String()).Msg("encode failed")
		for _, h := range targets {
			report.Failures = append(report.Failures, core.DeliveryFailure{
				Handle:   h.ID(),
				DeviceID: h.DeviceID(),
				Err:      errors.Join(ErrEncodeEnvelope, err),
			})
		}
		return report
	}
	for _, h := range targets {
		if err := h.SendFrame(frame); err != nil {
			report.Failures = append(report.Failures, core.DeliveryFailure{
				Handle:   h.ID(),
				DeviceID: h.DeviceID(),
				Err:      err,
			})
			r.onFailure(h, err)
			continue
		}
		report.Delivered++
	}
	log.Debug().
		Str("module", "app.registry").
		Str("kind", env.Kind().String()).
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed()).
		Msg("delivery result")
	return report
}

func (r *Registry) onFailure(h *Handle, err error) {
	reason := "error"
	switch {
	case errors.Is(err, core.ErrBackpressure):
		reason = "backpressure"
	case errors.Is(err, core.ErrClosed):
		reason = "closed"
	}
	r.metrics.SendFailure(reason)
	log.Warn().
		Err(err).
		Str("module", "app.registry").
		Str("sid", string(h.ID())).
		Str("device_id", string(h.DeviceID())).
		Msg("send failed")

	if r.policy.OnSendFailure(h, err) == Disconnect {
		log.Info().Str("module", "app.registry").Str("sid", string(h.ID())).Msg("kicking slow connection")
		h.Kick()
	}
}

func (r *Registry) IsDeviceOnline(device domain.DeviceID) bool {
	return r.devices.has(string(device))
}

func (r *Registry) DeviceConnectionCount(device domain.DeviceID) int {
	return r.devices.count(string(device))
}

func (r *Registry) UserConnectionCount(user domain.UserID) int {
	return r.users.count(string(user))
}

// TotalConnectionCount counts distinct registered handles.
func (r *Registry) TotalConnectionCount() int {
	all := make(map[domain.HandleID]*Handle)
	r.devices.collect(all)
	r.users.collect(all)
	return len(all)
}

func (r *Registry) ActiveDeviceCount() int { return r.devices.keys() }
func (r *Registry) ActiveUserCount() int   { return r.users.keys() }

type Stats struct {
	TotalConnections int `json:"total_connections"`
	ActiveDevices    int `json:"active_devices"`
	ActiveUsers      int `json:"active_users"`
}

func (r *Registry) Stats() Stats {
	return Stats{
		TotalConnections: r.TotalConnectionCount(),
		ActiveDevices:    r.ActiveDeviceCount(),
		ActiveUsers:      r.ActiveUserCount(),
	}
}
