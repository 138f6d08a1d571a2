package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"vapulse/internal/infrastructure"
	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

// RollupUpdater recomputes windowed statistics after a run touches the series.
type RollupUpdater interface {
	UpdateForDate(ctx context.Context, date time.Time) error
}

// RunOptions selects which stations one ingestion run covers.
type RunOptions struct {
	// StationID restricts the run to a single station when non-empty.
	StationID string
	// OnlyGermane restricts the run to germane stations (the routine set).
	OnlyGermane bool
}

// RunSummary reports what one run did.
type RunSummary struct {
	Stations      int        `json:"stations"`
	Stored        int        `json:"stored"`
	Duplicates    int        `json:"duplicates"`
	Uninteresting int        `json:"uninteresting"`
	Failures      int        `json:"failures"`
	RowsExtracted int        `json:"rows_extracted"`
	RollupDate    *time.Time `json:"rollup_date,omitempty"`
}

// Coordinator orchestrates one ingestion run: station registry, fetcher,
// content hasher, sheet registry and report store, strictly one station at a
// time. Each station's health update, raw report and derived rows commit in
// a single transaction, so a crash mid-run loses at most one station's work.
type Coordinator struct {
	store    store.Store
	fetcher  *Fetcher
	sheets   *SheetRegistry
	registry *StationRegistry
	rollup   RollupUpdater
	metrics  *infrastructure.Metrics
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewCoordinator wires a Coordinator. metrics may be nil.
func NewCoordinator(s store.Store, f *Fetcher, sheets *SheetRegistry, registry *StationRegistry,
	rollup RollupUpdater, metrics *infrastructure.Metrics, clock clockwork.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    s,
		fetcher:  f,
		sheets:   sheets,
		registry: registry,
		rollup:   rollup,
		metrics:  metrics,
		clock:    clock,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
}

// Run executes one ingestion run. Per-station errors are isolated: they are
// logged, recorded as that station's failure and never abort the remaining
// stations. Only an unreachable store (or context cancellation) fails the
// run itself.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	start := c.clock.Now()
	if err := c.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("storage unavailable: %w", err)
	}

	var stations []domain.Station
	if opts.StationID != "" {
		st, err := c.store.StationByID(ctx, opts.StationID)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", opts.StationID, err)
		}
		stations = []domain.Station{*st}
	} else {
		var err error
		stations, err = c.registry.ListEligible(ctx, c.store, opts.OnlyGermane)
		if err != nil {
			return nil, fmt.Errorf("list eligible stations: %w", err)
		}
	}

	c.logger.Info("ingestion run starting",
		slog.Int("stations", len(stations)),
		slog.Bool("only_germane", opts.OnlyGermane))

	summary := &RunSummary{Stations: len(stations)}
	for i := range stations {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		c.processStation(ctx, &stations[i], summary)
	}

	if date, err := c.store.MaxWaitTimeDate(ctx); err != nil {
		c.logger.Error("failed to resolve rollup target date", slog.String("error", err.Error()))
	} else if date != nil && c.rollup != nil {
		summary.RollupDate = date
		if err := c.rollup.UpdateForDate(ctx, *date); err != nil {
			c.logger.Error("incremental rollup failed",
				slog.String("report_date", date.Format("2006-01-02")),
				slog.String("error", err.Error()))
		}
	}

	c.metrics.ObserveRunDuration(ctx, c.clock.Since(start))
	c.logger.Info("ingestion run finished",
		slog.Int("stations", summary.Stations),
		slog.Int("stored", summary.Stored),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("uninteresting", summary.Uninteresting),
		slog.Int("failures", summary.Failures),
		slog.Int("rows_extracted", summary.RowsExtracted))
	return summary, nil
}

// processStation fetches and persists one station, translating every
// mishap — including panics out of workbook parsing — into a failure
// recorded against that station only.
func (c *Coordinator) processStation(ctx context.Context, st *domain.Station, summary *RunSummary) {
	logger := c.logger.With(slog.String("station_id", st.StationID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("station processing panicked", slog.Any("panic", r))
			summary.Failures++
			c.recordFailure(ctx, st, false)
		}
	}()

	outcome, failure, err := c.fetcher.Fetch(ctx, st.StationID)
	if err != nil {
		// Context cancellation; the run loop notices on its next pass.
		logger.Warn("fetch aborted", slog.String("error", err.Error()))
		return
	}
	if failure != nil {
		logger.Info("fetch failed",
			slog.String("reason", failure.Reason),
			slog.Int("status", failure.StatusCode),
			slog.Bool("html_page", failure.HTMLPage))
		summary.Failures++
		c.metrics.CountFetch(ctx, "failure")
		c.recordFailure(ctx, st, failure.HTMLPage)
		return
	}
	c.metrics.CountFetch(ctx, "success")

	fp := Fingerprint(outcome.FileName, outcome.Payload, c.sheets.Recognizes, logger)
	if fp == nil {
		logger.Info("workbook carries no recognized sheets")
		summary.Uninteresting++
		if err := c.store.RunInTx(ctx, func(tx store.Store) error {
			return c.registry.RecordUninteresting(ctx, tx, st, outcome.Prefix)
		}); err != nil {
			logger.Error("failed to record uninteresting outcome", slog.String("error", err.Error()))
		}
		return
	}
	defer fp.Workbook.Close()

	err = c.store.RunInTx(ctx, func(tx store.Store) error {
		report := &domain.RawReport{
			StationID:   st.StationID,
			FileName:    outcome.FileName,
			Size:        int64(len(outcome.Payload)),
			Payload:     outcome.Payload,
			Fingerprint: fp.Hash,
			Downloaded:  c.clock.Now().UTC(),
		}
		if err := tx.InsertRawReport(ctx, report); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				logger.Info("report already ingested, skipping extraction")
				summary.Duplicates++
				c.metrics.CountDuplicate(ctx)
				return c.registry.ConfirmSeen(ctx, tx, st, outcome.Prefix)
			}
			return err
		}

		rows := 0
		for _, sheet := range fp.Workbook.GetSheetList() {
			handler, ok := c.sheets.Handler(sheet)
			if !ok {
				continue
			}
			sheetRows, err := fp.Workbook.GetRows(sheet)
			if err != nil {
				return fmt.Errorf("read sheet %q: %w", sheet, err)
			}
			n, err := handler.Extract(ctx, tx, report, sheetRows)
			if err != nil {
				return fmt.Errorf("extract sheet %q: %w", strings.ToLower(sheet), err)
			}
			rows += n
		}

		summary.Stored++
		summary.RowsExtracted += rows
		c.metrics.CountReportStored(ctx, rows)
		logger.Info("report ingested",
			slog.Int64("report_id", report.ReportID),
			slog.Int("rows", rows),
			slog.String("file_name", report.FileName))
		return c.registry.RecordSuccess(ctx, tx, st, outcome.Prefix)
	})
	if err != nil {
		logger.Error("station processing failed", slog.String("error", err.Error()))
		summary.Failures++
		c.recordFailure(ctx, st, false)
	}
}

// recordFailure persists a failure outcome in its own transaction. Failing
// to do even that is logged and dropped; it must not stop the run.
func (c *Coordinator) recordFailure(ctx context.Context, st *domain.Station, wasHTML bool) {
	if err := c.store.RunInTx(ctx, func(tx store.Store) error {
		return c.registry.RecordFailure(ctx, tx, st, wasHTML)
	}); err != nil {
		c.logger.Error("failed to record station failure",
			slog.String("station_id", st.StationID),
			slog.String("error", err.Error()))
	}
}
