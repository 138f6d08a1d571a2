// Package http exposes the read-only dashboard API and the operation
// endpoints over chi.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "vapulse/internal/errors"
	"vapulse/internal/services"
	"vapulse/internal/store"
)

// DataHandler serves the read-only station and series endpoints.
type DataHandler struct {
	service  *services.DataService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewDataHandler creates a data handler.
func NewDataHandler(service *services.DataService, logger *slog.Logger) *DataHandler {
	return &DataHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "data_handler")),
	}
}

// Routes returns the data routes.
func (h *DataHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/stations", h.ListStations)
	r.Get("/stations/{stationID}", h.GetStation)
	r.Get("/wait-times", h.ListWaitTimes)
	r.Get("/satisfaction", h.ListSatisfaction)
	r.Get("/rollups", h.ListRollups)

	return r
}

// seriesParams carries the validated query-string filters shared by the
// series endpoints.
type seriesParams struct {
	StationID       string `validate:"omitempty,max=32"`
	AppointmentType string `validate:"omitempty,max=64"`
	From            string `validate:"omitempty,datetime=2006-01-02"`
	To              string `validate:"omitempty,datetime=2006-01-02"`
	Limit           int    `validate:"min=0,max=10000"`
	WindowDays      int    `validate:"min=0,max=365"`
}

func (h *DataHandler) parseSeriesParams(r *http.Request) (*seriesParams, *apierrors.APIError) {
	q := r.URL.Query()
	p := &seriesParams{
		StationID:       q.Get("station_id"),
		AppointmentType: q.Get("appointment_type"),
		From:            q.Get("from"),
		To:              q.Get("to"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apierrors.NewValidationErrors([]apierrors.ValidationError{
				{Field: "limit", Message: "must be an integer"},
			})
		}
		p.Limit = n
	}
	if raw := q.Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apierrors.NewValidationErrors([]apierrors.ValidationError{
				{Field: "window", Message: "must be an integer"},
			})
		}
		p.WindowDays = n
	}

	if err := h.validate.Struct(p); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]apierrors.ValidationError, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, apierrors.ValidationError{
					Field:   fe.Field(),
					Message: "failed " + fe.Tag() + " validation",
				})
			}
			return nil, apierrors.NewValidationErrors(fields)
		}
		return nil, apierrors.InvalidRequestWithError(err)
	}
	return p, nil
}

// ListStations handles GET /api/data/stations.
func (h *DataHandler) ListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.service.ListStations(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	render.JSON(w, r, stations)
}

// GetStation handles GET /api/data/stations/{stationID}.
func (h *DataHandler) GetStation(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationID")
	st, err := h.service.Station(r.Context(), stationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.renderError(w, r, apierrors.NotFoundError("station "+stationID))
			return
		}
		h.serverError(w, r, err)
		return
	}
	render.JSON(w, r, st)
}

// ListWaitTimes handles GET /api/data/wait-times.
func (h *DataHandler) ListWaitTimes(w http.ResponseWriter, r *http.Request) {
	p, apiErr := h.parseSeriesParams(r)
	if apiErr != nil {
		h.renderError(w, r, apiErr)
		return
	}
	records, err := h.service.WaitTimes(r.Context(), toServiceParams(p))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	render.JSON(w, r, records)
}

// ListSatisfaction handles GET /api/data/satisfaction.
func (h *DataHandler) ListSatisfaction(w http.ResponseWriter, r *http.Request) {
	p, apiErr := h.parseSeriesParams(r)
	if apiErr != nil {
		h.renderError(w, r, apiErr)
		return
	}
	records, err := h.service.Satisfaction(r.Context(), toServiceParams(p))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	render.JSON(w, r, records)
}

// ListRollups handles GET /api/data/rollups.
func (h *DataHandler) ListRollups(w http.ResponseWriter, r *http.Request) {
	p, apiErr := h.parseSeriesParams(r)
	if apiErr != nil {
		h.renderError(w, r, apiErr)
		return
	}
	records, err := h.service.Rollups(r.Context(), toServiceParams(p))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	render.JSON(w, r, records)
}

func toServiceParams(p *seriesParams) services.SeriesParams {
	return services.SeriesParams{
		StationID:       p.StationID,
		AppointmentType: p.AppointmentType,
		From:            p.From,
		To:              p.To,
		Limit:           p.Limit,
		WindowDays:      p.WindowDays,
	}
}

func (h *DataHandler) renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apiErr)
}

func (h *DataHandler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	h.renderError(w, r, apierrors.InternalError(err))
}
