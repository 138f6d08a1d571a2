package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

// StationRegistry applies health transitions to stations. It holds no state
// of its own; every transition is persisted through the store passed in, so
// callers can run it inside the transaction covering the fetch outcome it
// describes.
type StationRegistry struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewStationRegistry builds a registry. A fake clock can be injected in tests.
func NewStationRegistry(clock clockwork.Clock, logger *slog.Logger) *StationRegistry {
	return &StationRegistry{
		clock:  clock,
		logger: logger.With(slog.String("component", "station_registry")),
	}
}

// ListEligible returns the stations a run should fetch, ordered by station
// identifier for reproducible runs.
func (r *StationRegistry) ListEligible(ctx context.Context, s store.Store, onlyGermane bool) ([]domain.Station, error) {
	filter := store.StationsActive
	if onlyGermane {
		filter = store.StationsGermane
	}
	return s.ListStations(ctx, filter)
}

// RecordSuccess clears the failure counter, restores the station to active
// germane health and stamps the last-report time. The display prefix is
// learned from the first ingested filename.
func (r *StationRegistry) RecordSuccess(ctx context.Context, s store.Store, st *domain.Station, prefix string) error {
	now := r.clock.Now().UTC()
	if st.Prefix == "" && prefix != "" {
		st.Prefix = prefix
	}
	st.ConsecutiveFailures = 0
	st.Active = true
	st.Germane = true
	st.AWOL = false
	st.LastReport = &now
	if err := s.UpdateStation(ctx, *st); err != nil {
		return fmt.Errorf("record success for station %s: %w", st.StationID, err)
	}
	return nil
}

// RecordFailure increments the failure counter and stamps the failure time.
// When the response was an HTML page the endpoint no longer serves this
// station, so it is additionally disabled.
func (r *StationRegistry) RecordFailure(ctx context.Context, s store.Store, st *domain.Station, wasHTML bool) error {
	now := r.clock.Now().UTC()
	st.ConsecutiveFailures++
	st.LastFailure = &now
	if wasHTML {
		st.Active = false
	}
	if err := s.UpdateStation(ctx, *st); err != nil {
		return fmt.Errorf("record failure for station %s: %w", st.StationID, err)
	}
	r.logger.Info("station failure recorded",
		slog.String("station_id", st.StationID),
		slog.Int("consecutive_failures", st.ConsecutiveFailures),
		slog.Bool("disabled", !st.Active))
	return nil
}

// RecordUninteresting marks a station whose workbook parsed but carried no
// recognized sheets: the fetch itself succeeded, so the station stays
// healthy, but it drops out of the germane set until a data-bearing workbook
// shows up again.
func (r *StationRegistry) RecordUninteresting(ctx context.Context, s store.Store, st *domain.Station, prefix string) error {
	now := r.clock.Now().UTC()
	if st.Prefix == "" && prefix != "" {
		st.Prefix = prefix
	}
	st.Germane = false
	st.LastReport = &now
	if err := s.UpdateStation(ctx, *st); err != nil {
		return fmt.Errorf("record uninteresting for station %s: %w", st.StationID, err)
	}
	return nil
}

// ConfirmSeen refreshes a station after a duplicate-content verdict: the
// series data is untouched, but a previously unknown prefix is confirmed and
// the last-report time advances.
func (r *StationRegistry) ConfirmSeen(ctx context.Context, s store.Store, st *domain.Station, prefix string) error {
	now := r.clock.Now().UTC()
	if st.Prefix == "" && prefix != "" {
		st.Prefix = prefix
	}
	st.ConsecutiveFailures = 0
	st.Active = true
	st.AWOL = false
	st.LastReport = &now
	if err := s.UpdateStation(ctx, *st); err != nil {
		return fmt.Errorf("confirm seen for station %s: %w", st.StationID, err)
	}
	return nil
}
