package signal

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Monitor/internal/app"
	"github.com/dkeye/Monitor/internal/domain"
)

// SignalWSController upgrades camera and viewer requests and runs one
// session per connection.
type SignalWSController struct {
	Registry *app.Registry
	Router   *app.Router
	Conn     ConnOptions
	Session  app.SessionOptions

	upgrader websocket.Upgrader
	pumps    conc.WaitGroup
}

func NewSignalWSController(reg *app.Registry, router *app.Router, conn ConnOptions, sess app.SessionOptions) *SignalWSController {
	return &SignalWSController{
		Registry: reg,
		Router:   router,
		Conn:     conn,
		Session:  sess,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Peer is the identity a connection is registered under.
type Peer struct {
	Role     domain.Role
	DeviceID domain.DeviceID
	UserID   domain.UserID
}

// HandleSignal blocks until the session ends. ctx is the server lifetime,
// not the request: cancelling it ends every session.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, peer Peer) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := NewWsSignalConn(ws, ctl.Conn)
	handle := app.NewHandle(conn, peer.Role, peer.DeviceID, peer.UserID)
	log.Info().
		Str("module", "signal").
		Str("sid", string(handle.ID())).
		Str("device_id", string(peer.DeviceID)).
		Str("role", string(peer.Role)).
		Msg("new WS connection")

	ctl.pumps.Go(func() { conn.writePump(handle.ID()) })

	sess := app.NewSession(handle, conn, ctl.Registry, ctl.Router, ctl.Session)
	err = sess.Run(ctx)

	switch {
	case errors.Is(err, domain.ErrMalformedEnvelope):
		conn.CloseWith(websocket.CloseUnsupportedData, "malformed envelope")
	case errors.Is(err, app.ErrRoutingFault):
		conn.CloseWith(websocket.CloseInternalServerErr, "routing fault")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
	case errors.Is(err, context.Canceled):
		conn.CloseWith(websocket.ClosePolicyViolation, "connection too slow")
	}
	conn.Close()
}

// Wait blocks until every write pump has exited or ctx is done. Call it
// after the server context is cancelled so close frames get flushed.
func (ctl *SignalWSController) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ctl.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
