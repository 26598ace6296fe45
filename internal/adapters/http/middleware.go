package http

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Monitor/internal/auth"
	"github.com/dkeye/Monitor/internal/metrics"
)

const identityKey = "identity"

// Authenticate resolves the caller before any handler runs and aborts with
// 401 when the credential is missing or does not verify.
func Authenticate(a auth.Authenticator, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := auth.CredentialFromRequest(c.Request)
		if err != nil && !errors.Is(err, auth.ErrMissingCredentials) {
			reject(c, m, err)
			return
		}
		id, err := a.Authenticate(cred)
		if err != nil {
			reject(c, m, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func reject(c *gin.Context, m *metrics.Metrics, err error) {
	m.Rejected("auth")
	log.Debug().Str("module", "adapters.http").Err(err).Str("path", c.FullPath()).Msg("unauthorized")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// RequireAdmin lets through admin tokens. With auth disabled every caller is
// anonymous and allowed.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identityFrom(c)
		if !id.Admin && !id.Anonymous {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{Anonymous: true}
	}
	id, _ := v.(auth.Identity)
	return id
}

// connGate caps concurrent websocket connections. A limit <= 0 means
// unlimited.
type connGate struct {
	limit  int64
	active atomic.Int64
}

func newConnGate(limit int) *connGate {
	return &connGate{limit: int64(limit)}
}

func (g *connGate) acquire() bool {
	n := g.active.Add(1)
	if g.limit > 0 && n > g.limit {
		g.active.Add(-1)
		return false
	}
	return true
}

func (g *connGate) release() { g.active.Add(-1) }
