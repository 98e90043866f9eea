package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Rally/internal/adapters/http"
	"github.com/dkeye/Rally/internal/app"
	"github.com/dkeye/Rally/internal/app/orch"
	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/config"
	"github.com/dkeye/Rally/internal/observe"
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
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init metrics")
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create instruments")
	}

	clk := clock.Real()
	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Rooms:       app.NewRoomManager(),
		Policy:      app.SimplePolicy{},
		Metrics:     metrics,
		Clock:       clk,
		Capacity:    cfg.RoomCapacity,
		Grace:       cfg.MemberGrace,
		IdleTimeout: cfg.RoomIdleTimeout,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("public_url", cfg.PublicURL).Msg("Rally signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return o.RunReaper(gctx, clk, cfg.ReapInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return shutdownMetrics(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
