// Command ingest performs one synchronous ingestion run and exits: fetch
// every eligible station's workbook, store new reports, extract rows and
// refresh the incremental rollups. Suited to cron.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"vapulse/internal/config"
	"vapulse/internal/infrastructure"
	"vapulse/internal/ingestion"
	"vapulse/internal/rollup"
	"vapulse/internal/store"
)

func main() {
	stationID := flag.String("station", "", "restrict the run to one station")
	allActive := flag.Bool("all-active", false, "fetch every active station, not just the germane set")
	flag.Parse()

	if err := run(*stationID, !*allActive); err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		os.Exit(1)
	}
}

func run(stationID string, onlyGermane bool) error {
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
	coordinator := ingestion.NewCoordinator(st, fetcher, sheets, registry, engine, nil, clock, logger)

	summary, err := coordinator.Run(ctx, ingestion.RunOptions{
		StationID:   stationID,
		OnlyGermane: onlyGermane,
	})
	if err != nil {
		return err
	}

	logger.Info("run complete",
		slog.Int("stations", summary.Stations),
		slog.Int("stored", summary.Stored),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("failures", summary.Failures))
	return nil
}
