package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "vapulse/internal/errors"
	"vapulse/internal/ingestion"
	"vapulse/internal/jobs"
)

// IngestRunner runs one ingestion run.
type IngestRunner interface {
	Run(ctx context.Context, opts ingestion.RunOptions) (*ingestion.RunSummary, error)
}

// RollupRecomputer rebuilds every rollup row from the stored series.
type RollupRecomputer interface {
	RecomputeAll(ctx context.Context) error
}

// OperationsHandler exposes ingestion and rollup runs as background jobs.
type OperationsHandler struct {
	runner *jobs.Runner
	ingest IngestRunner
	rollup RollupRecomputer
	logger *slog.Logger
}

// NewOperationsHandler creates an operations handler.
func NewOperationsHandler(runner *jobs.Runner, ingest IngestRunner, rollup RollupRecomputer, logger *slog.Logger) *OperationsHandler {
	return &OperationsHandler{
		runner: runner,
		ingest: ingest,
		rollup: rollup,
		logger: logger.With(slog.String("component", "operations_handler")),
	}
}

// Routes returns the operation routes.
func (h *OperationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Post("/ingest", h.StartIngest)
	r.Post("/rollup", h.StartRollup)
	r.Get("/jobs/{jobID}", h.GetJob)

	return r
}

// ingestRequest is the body of POST /api/operations/ingest. Wait makes the
// request synchronous: the response carries the finished job instead of a
// pending one.
type ingestRequest struct {
	StationID   string `json:"station_id"`
	OnlyGermane bool   `json:"only_germane"`
	Wait        bool   `json:"wait"`
}

// StartIngest handles POST /api/operations/ingest.
func (h *OperationsHandler) StartIngest(w http.ResponseWriter, r *http.Request) {
	req := &ingestRequest{OnlyGermane: true}
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, req); err != nil {
			h.renderError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
	}

	opts := ingestion.RunOptions{StationID: req.StationID, OnlyGermane: req.OnlyGermane}
	handle, err := h.runner.Submit(jobs.KindIngest, func(ctx context.Context) (any, error) {
		return h.ingest.Run(ctx, opts)
	})
	if err != nil {
		h.renderError(w, r, apierrors.NewWithDetails(http.StatusConflict, "QUEUE_FULL", "Job queue full", err.Error()))
		return
	}
	h.respondWithJob(w, r, handle, req.Wait)
}

// rollupRequest is the body of POST /api/operations/rollup.
type rollupRequest struct {
	Wait bool `json:"wait"`
}

// StartRollup handles POST /api/operations/rollup. The full recompute shares
// the single job worker with ingestion runs, so the two never overlap.
func (h *OperationsHandler) StartRollup(w http.ResponseWriter, r *http.Request) {
	req := &rollupRequest{}
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, req); err != nil {
			h.renderError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
	}

	handle, err := h.runner.Submit(jobs.KindRollupFull, func(ctx context.Context) (any, error) {
		return nil, h.rollup.RecomputeAll(ctx)
	})
	if err != nil {
		h.renderError(w, r, apierrors.NewWithDetails(http.StatusConflict, "QUEUE_FULL", "Job queue full", err.Error()))
		return
	}
	h.respondWithJob(w, r, handle, req.Wait)
}

// GetJob handles GET /api/operations/jobs/{jobID}.
func (h *OperationsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	handle, ok := h.runner.Get(jobID)
	if !ok {
		h.renderError(w, r, apierrors.NotFoundError("job "+jobID))
		return
	}
	render.JSON(w, r, handle.Snapshot())
}

func (h *OperationsHandler) respondWithJob(w http.ResponseWriter, r *http.Request, handle *jobs.Handle, wait bool) {
	if wait {
		job, err := handle.Wait(r.Context())
		if err != nil {
			// Client went away; the job keeps running.
			h.logger.WarnContext(r.Context(), "wait aborted",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
		render.JSON(w, r, job)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, handle.Snapshot())
}

func (h *OperationsHandler) renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apiErr)
}
