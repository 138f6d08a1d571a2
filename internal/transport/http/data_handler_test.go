package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vapulse/internal/services"
	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f64(v float64) *float64 { return &v }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func seededDataServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CreateStation(ctx, domain.Station{
		StationID: "515", State: "MI", Active: true, Germane: true, Created: now, Updated: now,
	}))
	inactive := domain.Station{StationID: "666", Active: false, Created: now, Updated: now}
	require.NoError(t, s.CreateStation(ctx, inactive))

	for i, d := range []string{"2026-08-01", "2026-08-02"} {
		require.NoError(t, s.UpsertWaitTime(ctx, domain.WaitTimeRecord{
			StationID: "515", ReportID: int64(i + 1), ReportDate: day(d),
			AppointmentType: "PRIMARY CARE", Established: f64(float64(10 + i)),
		}))
	}
	require.NoError(t, s.UpsertSatisfaction(ctx, domain.SatisfactionRecord{
		StationID: "515", ReportID: 1, ReportDate: day("2026-08-01"),
		AppointmentType: "PRIMARY CARE", Percent: f64(90),
	}))
	require.NoError(t, s.UpsertRollup(ctx, domain.RollupRecord{
		StationID: "515", ReportID: 2, ReportDate: day("2026-08-02"),
		AppointmentType: "PRIMARY CARE", WindowDays: 7, EstablishedAvg: f64(10.5),
	}))

	logger := testLogger()
	router := NewRouter(RouterDeps{
		Data:       NewDataHandler(services.NewDataService(s, logger), logger),
		Operations: NewOperationsHandler(nil, nil, nil, logger),
		Health:     NewHealthHandler(services.NewHealthService(s, clockwork.NewRealClock(), logger), logger),
		Logger:     logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListStationsEndpoint(t *testing.T) {
	srv := seededDataServer(t)

	var all []domain.Station
	code := getJSON(t, srv.URL+"/api/data/stations", &all)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, all, 2)

	var active []domain.Station
	code = getJSON(t, srv.URL+"/api/data/stations?filter=active", &active)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, active, 1)
	assert.Equal(t, "515", active[0].StationID)

	code = getJSON(t, srv.URL+"/api/data/stations?filter=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetStationEndpoint(t *testing.T) {
	srv := seededDataServer(t)

	var st domain.Station
	code := getJSON(t, srv.URL+"/api/data/stations/515", &st)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "MI", st.State)

	code = getJSON(t, srv.URL+"/api/data/stations/000", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWaitTimesEndpoint(t *testing.T) {
	srv := seededDataServer(t)

	var recs []domain.WaitTimeRecord
	code := getJSON(t, srv.URL+"/api/data/wait-times?station_id=515", &recs)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, recs, 2)

	recs = nil
	code = getJSON(t, srv.URL+"/api/data/wait-times?station_id=515&from=2026-08-02", &recs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Established)
	assert.Equal(t, 11.0, *recs[0].Established)

	code = getJSON(t, srv.URL+"/api/data/wait-times?from=08/02/2026", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, srv.URL+"/api/data/wait-times?limit=notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSatisfactionEndpoint(t *testing.T) {
	srv := seededDataServer(t)

	var recs []domain.SatisfactionRecord
	code := getJSON(t, srv.URL+"/api/data/satisfaction?station_id=515", &recs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Percent)
	assert.Equal(t, 90.0, *recs[0].Percent)
}

func TestRollupsEndpoint(t *testing.T) {
	srv := seededDataServer(t)

	var recs []domain.RollupRecord
	code := getJSON(t, srv.URL+"/api/data/rollups?station_id=515&window=7", &recs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, recs, 1)
	assert.Equal(t, 7, recs[0].WindowDays)

	recs = nil
	code = getJSON(t, srv.URL+"/api/data/rollups?station_id=515&window=28", &recs)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, recs)
}

func TestHealthEndpoint(t *testing.T) {
	srv := seededDataServer(t)

	var status map[string]any
	code := getJSON(t, srv.URL+"/api/health", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status["status"])

	code = getJSON(t, srv.URL+"/api/health/live", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestTraceIDHeaderEcho(t *testing.T) {
	srv := seededDataServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/health/live", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-ID"))

	resp2, err := http.Get(srv.URL + "/api/health/live")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get("X-Trace-ID"))
}
