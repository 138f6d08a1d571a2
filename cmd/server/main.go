// Command server runs the HTTP API: read-only dashboard queries, background
// ingestion and rollup jobs, health probes and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"vapulse/internal/config"
	"vapulse/internal/infrastructure"
	"vapulse/internal/ingestion"
	"vapulse/internal/jobs"
	"vapulse/internal/rollup"
	"vapulse/internal/services"
	"vapulse/internal/store"
	transporthttp "vapulse/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := infrastructure.InitTelemetry(logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	metrics, err := infrastructure.NewMetrics(telemetry.Meter)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clock := clockwork.NewRealClock()
	sheets := ingestion.NewSheetRegistry(logger)
	fetcher := ingestion.NewFetcher(cfg.Fetch.URLTemplate, cfg.Fetch.Pause, cfg.Fetch.Timeout, logger)
	registry := ingestion.NewStationRegistry(clock, logger)
	engine := rollup.NewEngine(st, rollup.Config{
		IncrementalWindows: cfg.Rollup.IncrementalWindows,
		FullWindows:        cfg.Rollup.FullWindows,
		MarginDays:         cfg.Rollup.MarginDays,
	}, logger)
	coordinator := ingestion.NewCoordinator(st, fetcher, sheets, registry, engine, metrics, clock, logger)

	runner := jobs.NewRunner(cfg.Server.JobQueueDepth, logger)
	runner.Start(ctx)

	dataService := services.NewDataService(st, logger)
	healthService := services.NewHealthService(st, clock, logger)

	router := transporthttp.NewRouter(transporthttp.RouterDeps{
		Data:           transporthttp.NewDataHandler(dataService, logger),
		Operations:     transporthttp.NewOperationsHandler(runner, coordinator, engine, logger),
		Health:         transporthttp.NewHealthHandler(healthService, logger),
		MetricsHandler: telemetry.PrometheusHTTP,
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := runner.Drain(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("job runner drain incomplete", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}
