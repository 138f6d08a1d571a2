// Package services holds the read-side application services backing the HTTP
// API. They translate transport-level queries into store queries and keep the
// handlers free of persistence detail.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

const dateLayout = "2006-01-02"

// SeriesParams narrows a series listing. Dates are YYYY-MM-DD strings as they
// arrive from the query string; empty means unconstrained.
type SeriesParams struct {
	StationID       string
	AppointmentType string
	From            string
	To              string
	Limit           int
	WindowDays      int
}

// DataService answers the read-only dashboard queries.
type DataService struct {
	store  store.Store
	logger *slog.Logger
}

// NewDataService creates a data service over the given store.
func NewDataService(s store.Store, logger *slog.Logger) *DataService {
	return &DataService{
		store:  s,
		logger: logger.With(slog.String("component", "data_service")),
	}
}

// ListStations returns stations matching the filter: "all", "active" or
// "germane".
func (ds *DataService) ListStations(ctx context.Context, filter string) ([]domain.Station, error) {
	f := store.StationsAll
	switch strings.ToLower(filter) {
	case "", "all":
	case "active":
		f = store.StationsActive
	case "germane":
		f = store.StationsGermane
	default:
		return nil, fmt.Errorf("unknown station filter %q", filter)
	}
	return ds.store.ListStations(ctx, f)
}

// Station returns one station by identifier.
func (ds *DataService) Station(ctx context.Context, stationID string) (*domain.Station, error) {
	return ds.store.StationByID(ctx, stationID)
}

// WaitTimes lists wait-time observations matching the params.
func (ds *DataService) WaitTimes(ctx context.Context, p SeriesParams) ([]domain.WaitTimeRecord, error) {
	q, err := seriesQuery(p)
	if err != nil {
		return nil, err
	}
	return ds.store.ListWaitTimes(ctx, q)
}

// Satisfaction lists satisfaction observations matching the params.
func (ds *DataService) Satisfaction(ctx context.Context, p SeriesParams) ([]domain.SatisfactionRecord, error) {
	q, err := seriesQuery(p)
	if err != nil {
		return nil, err
	}
	return ds.store.ListSatisfaction(ctx, q)
}

// Rollups lists windowed statistics matching the params.
func (ds *DataService) Rollups(ctx context.Context, p SeriesParams) ([]domain.RollupRecord, error) {
	q, err := seriesQuery(p)
	if err != nil {
		return nil, err
	}
	return ds.store.ListRollups(ctx, store.RollupQuery{
		StationID:       q.StationID,
		AppointmentType: q.AppointmentType,
		WindowDays:      p.WindowDays,
		From:            q.From,
		To:              q.To,
		Limit:           q.Limit,
	})
}

func seriesQuery(p SeriesParams) (store.SeriesQuery, error) {
	q := store.SeriesQuery{
		StationID:       p.StationID,
		AppointmentType: p.AppointmentType,
		Limit:           p.Limit,
	}
	var err error
	if q.From, err = parseDateParam(p.From); err != nil {
		return q, fmt.Errorf("invalid from date: %w", err)
	}
	if q.To, err = parseDateParam(p.To); err != nil {
		return q, fmt.Errorf("invalid to date: %w", err)
	}
	return q, nil
}

func parseDateParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}
