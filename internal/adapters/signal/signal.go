package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Monitor/internal/core"
)

type ConnOptions struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	return o
}

// WsSignalConn is the websocket side of one connection. Frames queued with
// TrySend are written by a single pump goroutine, so they leave in order.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}
	opts ConnOptions

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
}

func NewWsSignalConn(ws *websocket.Conn, opts ConnOptions) *WsSignalConn {
	opts = opts.withDefaults()
	c := &WsSignalConn{
		conn:      ws,
		send:      make(chan core.Frame, opts.SendBuffer),
		done:      make(chan struct{}),
		opts:      opts,
		closeCode: websocket.CloseNormalClosure,
	}
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	return c
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case <-c.done:
		return core.ErrClosed
	default:
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// CloseWith records the close frame sent to the peer when the connection is
// closed.
func (c *WsSignalConn) CloseWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closeCode, c.closeText = code, text
	}
}

// Close stops accepting frames, lets the pump flush what is queued, then
// tears the socket down. Safe to call more than once.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.opts.WriteWait):
	}
	_ = c.conn.Close()
}

func (c *WsSignalConn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}
