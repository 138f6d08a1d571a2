// Package rollup maintains trailing-window statistics (moving average,
// standard deviation, median) over the ingested wait-time series. Rollups
// are derived purely from the stored series and upserted in place, so
// recomputing any date is idempotent.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

// Config controls which windows are computed. The incremental set runs after
// every ingestion run; the full set runs during administrative recomputes.
type Config struct {
	IncrementalWindows []int
	FullWindows        []int
	// MarginDays widens the calendar scan beyond the window size to
	// accommodate missing or irregular report dates.
	MarginDays int
}

// DefaultConfig mirrors the historical behavior: 7 and 28 after each run,
// all three windows on a full recompute.
func DefaultConfig() Config {
	return Config{
		IncrementalWindows: []int{7, 28},
		FullWindows:        []int{7, 28, 90},
		MarginDays:         20,
	}
}

// Engine computes and upserts rollup records.
type Engine struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

// NewEngine builds an Engine over the given store.
func NewEngine(s store.Store, cfg Config, logger *slog.Logger) *Engine {
	if len(cfg.IncrementalWindows) == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:  s,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rollup")),
	}
}

// UpdateForDate recomputes rollups only for partitions with an observation
// on the target date — the cheap path run after each ingestion run.
func (e *Engine) UpdateForDate(ctx context.Context, date time.Time) error {
	partitions, err := e.store.WaitTimePartitions(ctx, &date)
	if err != nil {
		return fmt.Errorf("partitions on %s: %w", date.Format("2006-01-02"), err)
	}
	e.logger.Info("incremental rollup starting",
		slog.String("report_date", date.Format("2006-01-02")),
		slog.Int("partitions", len(partitions)))

	for _, p := range partitions {
		for _, w := range e.cfg.IncrementalWindows {
			if err := e.rollPartitionDate(ctx, p, date, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecomputeAll rebuilds every rollup row from the full series — the
// administrative backfill/repair path. It must not run concurrently with an
// ingestion run; the job runner serializes the two.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	partitions, err := e.store.WaitTimePartitions(ctx, nil)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	e.logger.Info("full rollup recompute starting", slog.Int("partitions", len(partitions)))

	minDate := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDate := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	for _, p := range partitions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		series, err := e.store.WaitTimeSeries(ctx, p.StationID, p.AppointmentType, minDate, maxDate)
		if err != nil {
			return err
		}
		for i := range series {
			for _, w := range e.cfg.FullWindows {
				rec := e.compute(series[:i+1], series[i], w)
				if err := e.store.UpsertRollup(ctx, rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// rollPartitionDate computes one (partition, date, window) rollup from the
// bounded trailing slice of the series.
func (e *Engine) rollPartitionDate(ctx context.Context, p store.Partition, date time.Time, window int) error {
	from := date.AddDate(0, 0, -(window + e.cfg.MarginDays))
	series, err := e.store.WaitTimeSeries(ctx, p.StationID, p.AppointmentType, from, date)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return nil
	}
	current := series[len(series)-1]
	if !current.ReportDate.Equal(date) {
		// The partition has no observation on the target date after all.
		return nil
	}
	rec := e.compute(series, current, window)
	if err := e.store.UpsertRollup(ctx, rec); err != nil {
		return err
	}
	return nil
}

// compute derives the rollup for the observation `current`, given the series
// up to and including it, over the trailing `window` observations. The scan
// is additionally bounded to window + margin calendar days before the
// current date.
func (e *Engine) compute(history []domain.WaitTimeRecord, current domain.WaitTimeRecord, window int) domain.RollupRecord {
	earliest := current.ReportDate.AddDate(0, 0, -(window + e.cfg.MarginDays))

	var established, newPatients []float64
	taken := 0
	for i := len(history) - 1; i >= 0 && taken < window; i-- {
		obs := history[i]
		if obs.ReportDate.After(current.ReportDate) || obs.ReportDate.Before(earliest) {
			continue
		}
		taken++
		if obs.Established != nil {
			established = append(established, *obs.Established)
		}
		if obs.New != nil {
			newPatients = append(newPatients, *obs.New)
		}
	}

	estAvg, estStd, estMed := summarize(established)
	newAvg, newStd, newMed := summarize(newPatients)
	return domain.RollupRecord{
		StationID:         current.StationID,
		ReportID:          current.ReportID,
		ReportDate:        current.ReportDate,
		AppointmentType:   current.AppointmentType,
		WindowDays:        window,
		EstablishedAvg:    estAvg,
		EstablishedStd:    estStd,
		EstablishedMedian: estMed,
		NewAvg:            newAvg,
		NewStd:            newStd,
		NewMedian:         newMed,
	}
}

// summarize computes mean, sample standard deviation and interpolated median
// over the given values. Mean and median are nil for an empty slice; the
// standard deviation is nil below two values, matching SQL aggregate
// semantics over NULL-skipped columns.
func summarize(values []float64) (avg, std, median *float64) {
	n := len(values)
	if n == 0 {
		return nil, nil, nil
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	avg = &mean

	if n >= 2 {
		ss := 0.0
		for _, v := range values {
			d := v - mean
			ss += d * d
		}
		s := math.Sqrt(ss / float64(n-1))
		std = &s
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	var med float64
	if n%2 == 1 {
		med = sorted[n/2]
	} else {
		med = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	median = &med
	return avg, std, median
}
