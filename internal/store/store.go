// Package store persists stations, raw reports, extracted time-series
// records and rollup statistics. Two backends are provided: SQLite for
// local single-node deployments and tests, PostgreSQL for shared
// deployments. The uniqueness constraints on raw_report.report_hash and on
// (station_id, report_date, appointment_type) are enforced in the schema,
// not in application code; concurrent and repeated ingestion runs rely on
// them for correctness.
package store

import (
	"context"
	"errors"
	"time"

	"vapulse/pkg/contracts/domain"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate indicates an insert collided with an existing unique key.
	// For raw reports this is the dedup verdict, not a failure.
	ErrDuplicate = errors.New("store: duplicate")
)

// StationFilter selects which stations ListStations returns.
type StationFilter int

const (
	// StationsAll returns every station regardless of health.
	StationsAll StationFilter = iota
	// StationsActive returns stations not disabled.
	StationsActive
	// StationsGermane returns germane, non-disabled stations — the set a
	// routine ingestion run fetches.
	StationsGermane
)

// SeriesQuery narrows a time-series listing. Zero fields are unconstrained.
type SeriesQuery struct {
	StationID       string
	AppointmentType string
	From            time.Time
	To              time.Time
	Limit           int
}

// RollupQuery narrows a rollup listing. WindowDays of zero matches all windows.
type RollupQuery struct {
	StationID       string
	AppointmentType string
	WindowDays      int
	From            time.Time
	To              time.Time
	Limit           int
}

// Partition identifies one (station, appointment type) series.
type Partition struct {
	StationID       string
	AppointmentType string
}

// Store is the persistence contract shared by the ingestion coordinator,
// the rollup engine, the legacy loader and the read-only dashboard API.
type Store interface {
	// RunInTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Nesting is not supported.
	RunInTx(ctx context.Context, fn func(tx Store) error) error

	CreateStation(ctx context.Context, st domain.Station) error
	UpdateStation(ctx context.Context, st domain.Station) error
	StationByID(ctx context.Context, stationID string) (*domain.Station, error)
	StationByPrefix(ctx context.Context, prefix string) (*domain.Station, error)
	ListStations(ctx context.Context, filter StationFilter) ([]domain.Station, error)

	// InsertRawReport stores a report and fills in its ReportID. A
	// fingerprint collision with an existing report returns ErrDuplicate
	// without aborting the enclosing transaction.
	InsertRawReport(ctx context.Context, r *domain.RawReport) error
	RawReportByFingerprint(ctx context.Context, fingerprint []byte) (*domain.RawReport, error)

	UpsertWaitTime(ctx context.Context, rec domain.WaitTimeRecord) error
	UpsertSatisfaction(ctx context.Context, rec domain.SatisfactionRecord) error
	ListWaitTimes(ctx context.Context, q SeriesQuery) ([]domain.WaitTimeRecord, error)
	ListSatisfaction(ctx context.Context, q SeriesQuery) ([]domain.SatisfactionRecord, error)

	// MaxWaitTimeDate returns the most recent observation date in the
	// wait-time series, or nil when the series is empty.
	MaxWaitTimeDate(ctx context.Context) (*time.Time, error)
	// WaitTimePartitions lists the distinct (station, appointment type)
	// partitions, optionally restricted to those with an observation on
	// the given date.
	WaitTimePartitions(ctx context.Context, onDate *time.Time) ([]Partition, error)
	// WaitTimeSeries returns one partition's observations within the
	// inclusive date range, ordered by report date ascending.
	WaitTimeSeries(ctx context.Context, stationID, appointmentType string, from, to time.Time) ([]domain.WaitTimeRecord, error)

	UpsertRollup(ctx context.Context, rec domain.RollupRecord) error
	ListRollups(ctx context.Context, q RollupQuery) ([]domain.RollupRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
