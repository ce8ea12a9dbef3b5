package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/fedmesh/internal/adapters/http"
	wssignal "github.com/dkeye/fedmesh/internal/adapters/signal"
	"github.com/dkeye/fedmesh/internal/app"
	"github.com/dkeye/fedmesh/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	relay := app.NewRelay(app.NewRegistry())
	if cfg.JoinRateLimit > 0 && cfg.JoinRateInterval > 0 {
		limiter := wssignal.NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval)
		relay.Limiter = limiter
		go pruneLoop(ctx, limiter, cfg.JoinRateInterval)
	}

	r := router.SetupRouter(ctx, cfg, relay)
	addr := cfg.Addr()

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	relay.Close()
	log.Info().Msg("Server exited gracefully")
}

func pruneLoop(ctx context.Context, l *wssignal.JoinRateLimiter, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Prune()
		}
	}
}
