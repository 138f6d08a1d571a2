package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vapulse/internal/ingestion"
	"vapulse/internal/jobs"
)

type fakeIngest struct {
	calls atomic.Int32
	opts  ingestion.RunOptions
	err   error
}

func (f *fakeIngest) Run(ctx context.Context, opts ingestion.RunOptions) (*ingestion.RunSummary, error) {
	f.calls.Add(1)
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &ingestion.RunSummary{Stations: 3, Stored: 2}, nil
}

type fakeRollup struct {
	calls atomic.Int32
}

func (f *fakeRollup) RecomputeAll(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

func operationsServer(t *testing.T, ingest IngestRunner, rollup RollupRecomputer) *httptest.Server {
	t.Helper()
	logger := testLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runner := jobs.NewRunner(4, logger)
	runner.Start(ctx)

	r := NewOperationsHandler(runner, ingest, rollup, logger).Routes()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStartIngestSynchronous(t *testing.T) {
	ingest := &fakeIngest{}
	srv := operationsServer(t, ingest, &fakeRollup{})

	var job jobs.Job
	code := postJSON(t, srv.URL+"/ingest", `{"station_id":"515","only_germane":false,"wait":true}`, &job)
	assert.Equal(t, http.StatusOK, code)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, jobs.KindIngest, job.Kind)
	assert.EqualValues(t, 1, ingest.calls.Load())
	assert.Equal(t, "515", ingest.opts.StationID)
	assert.False(t, ingest.opts.OnlyGermane)

	result, ok := job.Result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, result["stored"])
}

func TestStartIngestAsyncAndPoll(t *testing.T) {
	srv := operationsServer(t, &fakeIngest{}, &fakeRollup{})

	var accepted jobs.Job
	code := postJSON(t, srv.URL+"/ingest", ``, &accepted)
	assert.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, accepted.ID)

	// Poll until the single worker finishes it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var job jobs.Job
		getJSON(t, srv.URL+"/jobs/"+accepted.ID, &job)
		if job.Status == jobs.StatusCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in status %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartIngestDefaultsToGermaneOnly(t *testing.T) {
	ingest := &fakeIngest{}
	srv := operationsServer(t, ingest, &fakeRollup{})

	var job jobs.Job
	code := postJSON(t, srv.URL+"/ingest", `{"wait":true}`, &job)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, ingest.opts.OnlyGermane)
}

func TestStartIngestFailureSurfaces(t *testing.T) {
	ingest := &fakeIngest{err: errors.New("storage unavailable")}
	srv := operationsServer(t, ingest, &fakeRollup{})

	var job jobs.Job
	code := postJSON(t, srv.URL+"/ingest", `{"wait":true}`, &job)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "storage unavailable")
}

func TestStartIngestRejectsMalformedBody(t *testing.T) {
	srv := operationsServer(t, &fakeIngest{}, &fakeRollup{})
	code := postJSON(t, srv.URL+"/ingest", `{"wait":`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStartRollup(t *testing.T) {
	rollup := &fakeRollup{}
	srv := operationsServer(t, &fakeIngest{}, rollup)

	var job jobs.Job
	code := postJSON(t, srv.URL+"/rollup", `{"wait":true}`, &job)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, jobs.KindRollupFull, job.Kind)
	assert.EqualValues(t, 1, rollup.calls.Load())
}

func TestGetJobNotFound(t *testing.T) {
	srv := operationsServer(t, &fakeIngest{}, &fakeRollup{})
	code := getJSON(t, srv.URL+"/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
