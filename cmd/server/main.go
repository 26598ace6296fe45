package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	router "github.com/dkeye/Monitor/internal/adapters/http"
	sig "github.com/dkeye/Monitor/internal/adapters/signal"
	"github.com/dkeye/Monitor/internal/app"
	"github.com/dkeye/Monitor/internal/auth"
	"github.com/dkeye/Monitor/internal/config"
	"github.com/dkeye/Monitor/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(cfg.Level())
	cfg.WatchLogLevel(zerolog.SetGlobalLevel)

	policy, err := app.PolicyByName(cfg.Signal.SlowConsumerPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("bad slow consumer policy")
	}
	authenticator, err := auth.New(auth.Config{
		Mode:   auth.Mode(cfg.Auth.Mode),
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("bad auth config")
	}

	m := metrics.New()
	reg := app.NewRegistry(
		app.WithPolicy(policy),
		app.WithMetrics(m),
		app.WithShards(cfg.Registry.Shards),
	)
	m.ObserveRegistry(reg)

	ctl := sig.NewSignalWSController(reg, app.NewRouter(reg, m),
		sig.ConnOptions{
			SendBuffer: cfg.Signal.SendBuffer,
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			PongWait:   cfg.PongWait,
			WriteWait:  cfg.WriteWait,
		},
		app.SessionOptions{
			RateLimit: rate.Limit(cfg.Signal.RateLimit),
			Burst:     cfg.Signal.RateBurst,
			Metrics:   m,
		},
	)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Registry: reg,
		Signal:   ctl,
		Auth:     authenticator,
		Metrics:  m,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Monitor server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Int("connections", reg.TotalConnectionCount()).Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := ctl.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connections still draining")
	}
	log.Info().Msg("Server exited gracefully")
}
