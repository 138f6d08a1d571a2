package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

func seedStation(t *testing.T, s store.Store, id string) *domain.Station {
	t.Helper()
	now := time.Now().UTC()
	st := domain.Station{
		StationID: id,
		Active:    true,
		Germane:   true,
		Created:   now,
		Updated:   now,
	}
	require.NoError(t, s.CreateStation(context.Background(), st))
	return &st
}

func TestRecordSuccessResetsHealth(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	r := NewStationRegistry(clock, testLogger())

	st := seedStation(t, s, "515")
	st.ConsecutiveFailures = 4
	st.Germane = false
	st.AWOL = true
	require.NoError(t, s.UpdateStation(ctx, *st))

	require.NoError(t, r.RecordSuccess(ctx, s, st, "Battle Creek VA Medical Center"))

	got, err := s.StationByID(ctx, "515")
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, got.Active)
	assert.True(t, got.Germane)
	assert.False(t, got.AWOL)
	assert.Equal(t, "Battle Creek VA Medical Center", got.Prefix)
	require.NotNil(t, got.LastReport)
	assert.Equal(t, clock.Now().UTC(), got.LastReport.UTC())
}

func TestRecordSuccessKeepsExistingPrefix(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r := NewStationRegistry(clockwork.NewFakeClock(), testLogger())
	st := seedStation(t, s, "515")
	st.Prefix = "Original Name"
	require.NoError(t, s.UpdateStation(ctx, *st))

	require.NoError(t, r.RecordSuccess(ctx, s, st, "New Name"))

	got, err := s.StationByID(ctx, "515")
	require.NoError(t, err)
	assert.Equal(t, "Original Name", got.Prefix)
}

func TestRecordFailureCountsAndDisables(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	clock := clockwork.NewFakeClock()
	r := NewStationRegistry(clock, testLogger())
	st := seedStation(t, s, "515")

	require.NoError(t, r.RecordFailure(ctx, s, st, false))
	got, err := s.StationByID(ctx, "515")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.True(t, got.Active)
	require.NotNil(t, got.LastFailure)

	// An HTML answer means the endpoint no longer serves the station.
	require.NoError(t, r.RecordFailure(ctx, s, got, true))
	got, err = s.StationByID(ctx, "515")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.False(t, got.Active)
}

func TestRecordUninterestingDropsGermane(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r := NewStationRegistry(clockwork.NewFakeClock(), testLogger())
	st := seedStation(t, s, "515")

	require.NoError(t, r.RecordUninteresting(ctx, s, st, "Some Clinic"))

	got, err := s.StationByID(ctx, "515")
	require.NoError(t, err)
	assert.False(t, got.Germane)
	assert.True(t, got.Active)
	assert.Equal(t, "Some Clinic", got.Prefix)
	assert.NotNil(t, got.LastReport)
}

func TestConfirmSeenRefreshesWithoutTouchingGermane(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r := NewStationRegistry(clockwork.NewFakeClock(), testLogger())
	st := seedStation(t, s, "515")
	st.ConsecutiveFailures = 2
	st.Germane = false
	require.NoError(t, s.UpdateStation(ctx, *st))

	require.NoError(t, r.ConfirmSeen(ctx, s, st, "Learned Prefix"))

	got, err := s.StationByID(ctx, "515")
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, got.Active)
	assert.False(t, got.Germane, "a duplicate workbook says nothing new about the data")
	assert.Equal(t, "Learned Prefix", got.Prefix)
	assert.NotNil(t, got.LastReport)
}

func TestListEligible(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r := NewStationRegistry(clockwork.NewFakeClock(), testLogger())
	seedStation(t, s, "A")
	b := seedStation(t, s, "B")
	b.Germane = false
	require.NoError(t, s.UpdateStation(ctx, *b))
	c := seedStation(t, s, "C")
	c.Active = false
	require.NoError(t, s.UpdateStation(ctx, *c))

	active, err := r.ListEligible(ctx, s, false)
	require.NoError(t, err)
	require.Len(t, active, 2)

	germane, err := r.ListEligible(ctx, s, true)
	require.NoError(t, err)
	require.Len(t, germane, 1)
	assert.Equal(t, "A", germane[0].StationID)
}
