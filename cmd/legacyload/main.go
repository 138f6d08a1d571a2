// Command legacyload bulk-loads archived workbook files from a directory
// tree into the store, then rebuilds every rollup. Directories are named
// <prefix><YYYY-MM-DD> and processed in chronological order; content-level
// deduplication makes re-running the load over the same archive a no-op.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vapulse/internal/config"
	"vapulse/internal/infrastructure"
	"vapulse/internal/ingestion"
	"vapulse/internal/rollup"
	"vapulse/internal/store"
)

func main() {
	root := flag.String("root", ".", "archive root directory")
	dirPrefix := flag.String("dir-prefix", "VA_wait_times_", "directory name prefix to load")
	skipRollup := flag.Bool("skip-rollup", false, "skip the full rollup recompute after loading")
	flag.Parse()

	if err := run(*root, *dirPrefix, *skipRollup); err != nil {
		fmt.Fprintf(os.Stderr, "legacyload: %v\n", err)
		os.Exit(1)
	}
}

func run(root, dirPrefix string, skipRollup bool) error {
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

	sheets := ingestion.NewSheetRegistry(logger)
	loader := ingestion.NewLegacyLoader(st, sheets, logger)

	summary, err := loader.LoadTree(ctx, root, dirPrefix)
	if err != nil {
		return err
	}
	logger.Info("archive loaded",
		slog.Int("directories", summary.Directories),
		slog.Int("files", summary.Files),
		slog.Int("stored", summary.Stored),
		slog.Int("duplicates", summary.Duplicates))

	if skipRollup {
		return nil
	}
	engine := rollup.NewEngine(st, rollup.Config{
		IncrementalWindows: cfg.Rollup.IncrementalWindows,
		FullWindows:        cfg.Rollup.FullWindows,
		MarginDays:         cfg.Rollup.MarginDays,
	}, logger)
	return engine.RecomputeAll(ctx)
}
