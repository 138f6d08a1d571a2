package rollup

import (
	"context"
	"fmt"
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

func newSeededStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now().UTC()
	require.NoError(t, s.CreateStation(context.Background(), domain.Station{
		StationID: "515", Active: true, Germane: true, Created: now, Updated: now,
	}))
	return s
}

func f64(v float64) *float64 { return &v }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// seedSeries inserts one observation per consecutive day starting at from.
func seedSeries(t *testing.T, s store.Store, from time.Time, established []*float64) time.Time {
	t.Helper()
	var last time.Time
	for i, v := range established {
		last = from.AddDate(0, 0, i)
		require.NoError(t, s.UpsertWaitTime(context.Background(), domain.WaitTimeRecord{
			StationID:       "515",
			ReportID:        int64(i + 1),
			ReportDate:      last,
			AppointmentType: "PRIMARY CARE",
			Established:     v,
			New:             v,
		}))
	}
	return last
}

func TestUpdateForDateComputesWindowStatistics(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	values := []*float64{f64(10), f64(20), f64(30), f64(40), f64(50), f64(60), f64(70)}
	last := seedSeries(t, s, day("2026-08-01"), values)

	e := NewEngine(s, Config{IncrementalWindows: []int{7}, FullWindows: []int{7}, MarginDays: 20}, testLogger())
	require.NoError(t, e.UpdateForDate(ctx, last))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, rollups, 1)

	rec := rollups[0]
	assert.Equal(t, day("2026-08-07"), rec.ReportDate)
	require.NotNil(t, rec.EstablishedAvg)
	assert.InDelta(t, 40.0, *rec.EstablishedAvg, 1e-9)
	require.NotNil(t, rec.EstablishedMedian)
	assert.InDelta(t, 40.0, *rec.EstablishedMedian, 1e-9)
	// Sample standard deviation over 10..70: sqrt(2800/6).
	require.NotNil(t, rec.EstablishedStd)
	assert.InDelta(t, 21.6024689947, *rec.EstablishedStd, 1e-6)
	require.NotNil(t, rec.NewAvg)
	assert.InDelta(t, 40.0, *rec.NewAvg, 1e-9)
}

func TestUpdateForDateOnlyTouchesPartitionsWithThatDate(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	seedSeries(t, s, day("2026-08-01"), []*float64{f64(10), f64(20)})
	// A second partition whose series stops a day earlier.
	require.NoError(t, s.UpsertWaitTime(ctx, domain.WaitTimeRecord{
		StationID: "515", ReportID: 9, ReportDate: day("2026-08-01"),
		AppointmentType: "MENTAL HEALTH", Established: f64(5),
	}))

	e := NewEngine(s, Config{IncrementalWindows: []int{7}, FullWindows: []int{7}, MarginDays: 20}, testLogger())
	require.NoError(t, e.UpdateForDate(ctx, day("2026-08-02")))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, "PRIMARY CARE", rollups[0].AppointmentType)
}

func TestWindowBoundedByCalendarMargin(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	// One stale observation far outside window+margin, one current.
	require.NoError(t, s.UpsertWaitTime(ctx, domain.WaitTimeRecord{
		StationID: "515", ReportID: 1, ReportDate: day("2026-06-01"),
		AppointmentType: "PRIMARY CARE", Established: f64(100),
	}))
	require.NoError(t, s.UpsertWaitTime(ctx, domain.WaitTimeRecord{
		StationID: "515", ReportID: 2, ReportDate: day("2026-08-01"),
		AppointmentType: "PRIMARY CARE", Established: f64(10),
	}))

	e := NewEngine(s, Config{IncrementalWindows: []int{7}, FullWindows: []int{7}, MarginDays: 20}, testLogger())
	require.NoError(t, e.UpdateForDate(ctx, day("2026-08-01")))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.NotNil(t, rollups[0].EstablishedAvg)
	assert.InDelta(t, 10.0, *rollups[0].EstablishedAvg, 1e-9, "the stale observation must not count")
	assert.Nil(t, rollups[0].EstablishedStd, "a single observation has no sample deviation")
}

func TestNilMeasuresAreSkippedNotZeroed(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	last := seedSeries(t, s, day("2026-08-01"), []*float64{f64(10), nil, f64(30)})

	e := NewEngine(s, Config{IncrementalWindows: []int{7}, FullWindows: []int{7}, MarginDays: 20}, testLogger())
	require.NoError(t, e.UpdateForDate(ctx, last))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.NotNil(t, rollups[0].EstablishedAvg)
	assert.InDelta(t, 20.0, *rollups[0].EstablishedAvg, 1e-9)
}

func TestMedianInterpolatesEvenCount(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	last := seedSeries(t, s, day("2026-08-01"), []*float64{f64(10), f64(20), f64(30), f64(41)})

	e := NewEngine(s, Config{IncrementalWindows: []int{7}, FullWindows: []int{7}, MarginDays: 20}, testLogger())
	require.NoError(t, e.UpdateForDate(ctx, last))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.NotNil(t, rollups[0].EstablishedMedian)
	assert.InDelta(t, 25.0, *rollups[0].EstablishedMedian, 1e-9)
}

func TestRecomputeAllBackfillsEveryObservation(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	seedSeries(t, s, day("2026-08-01"), []*float64{f64(10), f64(20), f64(30)})

	e := NewEngine(s, Config{IncrementalWindows: []int{7}, FullWindows: []int{7, 28}, MarginDays: 20}, testLogger())
	require.NoError(t, e.RecomputeAll(ctx))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515"})
	require.NoError(t, err)
	assert.Len(t, rollups, 6, "three observations times two full windows")

	// Recomputing is idempotent: same keys, same values.
	require.NoError(t, e.RecomputeAll(ctx))
	again, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515"})
	require.NoError(t, err)
	require.Len(t, again, 6)
	for i := range rollups {
		assert.Equal(t, fmt.Sprintf("%v", rollups[i]), fmt.Sprintf("%v", again[i]))
	}
}

func TestRecomputeAllUsesTrailingWindowPerObservation(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	seedSeries(t, s, day("2026-08-01"), []*float64{f64(10), f64(20), f64(30), f64(40)})

	e := NewEngine(s, Config{IncrementalWindows: []int{2}, FullWindows: []int{2}, MarginDays: 20}, testLogger())
	require.NoError(t, e.RecomputeAll(ctx))

	rollups, err := s.ListRollups(ctx, store.RollupQuery{StationID: "515", WindowDays: 2})
	require.NoError(t, err)
	require.Len(t, rollups, 4)

	// Fourth observation's 2-wide window covers 30 and 40.
	lastRec := rollups[len(rollups)-1]
	require.NotNil(t, lastRec.EstablishedAvg)
	assert.InDelta(t, 35.0, *lastRec.EstablishedAvg, 1e-9)
	// First observation has only itself.
	firstRec := rollups[0]
	require.NotNil(t, firstRec.EstablishedAvg)
	assert.InDelta(t, 10.0, *firstRec.EstablishedAvg, 1e-9)
	assert.Nil(t, firstRec.EstablishedStd)
}
