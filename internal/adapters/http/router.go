package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Monitor/internal/adapters/signal"
	"github.com/dkeye/Monitor/internal/app"
	"github.com/dkeye/Monitor/internal/auth"
	"github.com/dkeye/Monitor/internal/config"
	"github.com/dkeye/Monitor/internal/domain"
	"github.com/dkeye/Monitor/internal/metrics"
)

type Deps struct {
	Registry *app.Registry
	Signal   *signal.SignalWSController
	Auth     auth.Authenticator
	Metrics  *metrics.Metrics
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Auth == nil {
		deps.Auth = auth.Anonymous{}
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{
		ctx:     ctx,
		reg:     deps.Registry,
		ctl:     deps.Signal,
		metrics: deps.Metrics,
		gate:    newConnGate(cfg.Signal.MaxConnections),
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := r.Group("/api/v1")
	ws := api.Group("/ws", Authenticate(deps.Auth, deps.Metrics))
	ws.GET("/camera/:device_id", h.connect(domain.RoleCamera))
	ws.GET("/viewer/:device_id", h.connect(domain.RoleViewer))
	ws.GET("/status/:device_id", h.status)
	ws.GET("/stats", h.stats)

	admin := ws.Group("", RequireAdmin())
	admin.POST("/broadcast", h.broadcast)
	admin.POST("/users/:user_id/notify", h.notify)

	log.Info().
		Str("module", "adapters.http").
		Int("max_connections", cfg.Signal.MaxConnections).
		Msg("router setup")
	return r
}
