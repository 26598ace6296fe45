package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Monitor/internal/core"
	"github.com/dkeye/Monitor/internal/domain"
)

// fakeConn records every accepted frame. When limit > 0 it refuses frames
// beyond that many with ErrBackpressure.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	limit  int
	fail   error
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	if c.fail != nil {
		return c.fail
	}
	if c.limit > 0 && len(c.frames) >= c.limit {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

// ofType filters recorded messages by wire type.
func (c *fakeConn) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range c.messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeReader serves frames pushed into in; closing in reports a graceful
// disconnect, and a pushed error is returned as is.
type fakeReader struct {
	in chan any
}

func newFakeReader() *fakeReader {
	return &fakeReader{in: make(chan any, 16)}
}

func (r *fakeReader) ReadFrame(ctx context.Context) (core.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v, ok := <-r.in:
		if !ok {
			return nil, core.ErrDisconnected
		}
		switch t := v.(type) {
		case error:
			return nil, t
		case string:
			return core.Frame(t), nil
		}
		panic("unexpected fake frame")
	}
}

func newTestHandle(role domain.Role, device domain.DeviceID, user domain.UserID) (*Handle, *fakeConn) {
	conn := &fakeConn{}
	return NewHandle(conn, role, device, user), conn
}
