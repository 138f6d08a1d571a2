package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededService(t *testing.T) *DataService {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateStation(ctx, domain.Station{
		StationID: "515", Active: true, Germane: true, Created: now, Updated: now,
	}))
	v := 12.0
	require.NoError(t, s.UpsertWaitTime(ctx, domain.WaitTimeRecord{
		StationID: "515", ReportID: 1,
		ReportDate:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		AppointmentType: "PRIMARY CARE", Established: &v,
	}))
	return NewDataService(s, testLogger())
}

func TestListStationsFilterNames(t *testing.T) {
	ds := seededService(t)
	ctx := context.Background()

	for _, filter := range []string{"", "all", "active", "Germane"} {
		stations, err := ds.ListStations(ctx, filter)
		require.NoError(t, err, filter)
		assert.Len(t, stations, 1, filter)
	}

	_, err := ds.ListStations(ctx, "broken")
	assert.Error(t, err)
}

func TestWaitTimesDateParsing(t *testing.T) {
	ds := seededService(t)
	ctx := context.Background()

	recs, err := ds.WaitTimes(ctx, SeriesParams{StationID: "515", From: "2026-08-01", To: "2026-08-01"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = ds.WaitTimes(ctx, SeriesParams{StationID: "515", From: "2026-08-02"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = ds.WaitTimes(ctx, SeriesParams{From: "08/01/2026"})
	assert.Error(t, err)

	_, err = ds.WaitTimes(ctx, SeriesParams{To: "yesterday"})
	assert.Error(t, err)
}
