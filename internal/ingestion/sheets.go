package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

// SheetHandler extracts typed records from one recognized sheet and persists
// them. Implementations return the number of rows persisted.
type SheetHandler interface {
	Extract(ctx context.Context, s store.Store, report *domain.RawReport, rows [][]string) (int, error)
}

// SheetRegistry maps a normalized (lower-cased) sheet name to its handler.
// Its key set doubles as the "is this workbook of interest" predicate used
// when fingerprinting.
type SheetRegistry struct {
	handlers map[string]SheetHandler
	logger   *slog.Logger
}

// NewSheetRegistry returns a registry with the two built-in handlers.
func NewSheetRegistry(logger *slog.Logger) *SheetRegistry {
	r := &SheetRegistry{
		handlers: make(map[string]SheetHandler),
		logger:   logger,
	}
	r.Register("wait times", &waitTimesHandler{logger: logger})
	r.Register("satisfaction with care", &satisfactionHandler{logger: logger})
	return r
}

// Register adds a handler under the normalized sheet name. New sheet kinds
// plug in here without touching the coordinator.
func (r *SheetRegistry) Register(sheetName string, h SheetHandler) {
	r.handlers[strings.ToLower(sheetName)] = h
}

// Recognizes reports whether a sheet name has a registered handler.
func (r *SheetRegistry) Recognizes(sheetName string) bool {
	_, ok := r.handlers[strings.ToLower(sheetName)]
	return ok
}

// Handler returns the handler for a sheet name, if any.
func (r *SheetRegistry) Handler(sheetName string) (SheetHandler, bool) {
	h, ok := r.handlers[strings.ToLower(sheetName)]
	return h, ok
}

// sheetColumns maps normalized header names to their column positions.
type sheetColumns map[string]int

// mapHeader locates the header row and maps the wanted columns. Returns the
// index of the first data row, or -1 when no row carries all wanted headers.
func mapHeader(rows [][]string, wanted []string) (sheetColumns, int) {
	for i, row := range rows {
		cols := make(sheetColumns)
		for j, cell := range row {
			cols[normalizeHeader(cell)] = j
		}
		found := true
		for _, w := range wanted {
			if _, ok := cols[w]; !ok {
				found = false
				break
			}
		}
		if found {
			return cols, i + 1
		}
	}
	return nil, -1
}

func normalizeHeader(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "")
}

func (c sheetColumns) cell(row []string, name string) string {
	idx, ok := c[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// sanitizeNumber turns a raw cell value into a measure. A percent-formatted
// string loses its % suffix; NaN and anything unparseable become nil
// (no value, not zero).
func sanitizeNumber(raw string) *float64 {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	return &v
}

// reportDateLayouts covers the date formats excelize renders for the
// ReportDate column across report vintages.
var reportDateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"01-02-06",
	"1/2/06",
	"2006-01-02 15:04:05",
	"1/2/2006 15:04",
	time.RFC3339,
}

func parseReportDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range reportDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized report date %q", raw)
}

// waitTimesHandler persists rows from a "Wait Times" sheet: one record per
// (report date, appointment type) with established- and new-patient waits.
type waitTimesHandler struct {
	logger *slog.Logger
}

func (h *waitTimesHandler) Extract(ctx context.Context, s store.Store, report *domain.RawReport, rows [][]string) (int, error) {
	cols, start := mapHeader(rows, []string{"reportdate", "appointmenttype", "establishedpatients", "newpatients"})
	if start < 0 {
		h.logger.Warn("wait times sheet missing expected header",
			slog.String("station_id", report.StationID),
			slog.Int64("report_id", report.ReportID))
		return 0, nil
	}

	count := 0
	for i := start; i < len(rows); i++ {
		row := rows[i]
		date, err := parseReportDate(cols.cell(row, "reportdate"))
		if err != nil {
			continue
		}
		category := cols.cell(row, "appointmenttype")
		if category == "" {
			continue
		}
		rec := domain.WaitTimeRecord{
			StationID:       report.StationID,
			ReportID:        report.ReportID,
			ReportDate:      date,
			AppointmentType: category,
			Established:     sanitizeNumber(cols.cell(row, "establishedpatients")),
			New:             sanitizeNumber(cols.cell(row, "newpatients")),
			Source:          cols.cell(row, "datasource"),
		}
		if err := s.UpsertWaitTime(ctx, rec); err != nil {
			return count, fmt.Errorf("persist wait time row %d: %w", i, err)
		}
		count++
	}
	return count, nil
}

// satisfactionHandler persists rows from a "Satisfaction with Care" sheet:
// one percent-satisfied measure per (report date, appointment type).
type satisfactionHandler struct {
	logger *slog.Logger
}

func (h *satisfactionHandler) Extract(ctx context.Context, s store.Store, report *domain.RawReport, rows [][]string) (int, error) {
	cols, start := mapHeader(rows, []string{"reportdate", "appointmenttype", "percent"})
	if start < 0 {
		h.logger.Warn("satisfaction sheet missing expected header",
			slog.String("station_id", report.StationID),
			slog.Int64("report_id", report.ReportID))
		return 0, nil
	}

	count := 0
	for i := start; i < len(rows); i++ {
		row := rows[i]
		date, err := parseReportDate(cols.cell(row, "reportdate"))
		if err != nil {
			continue
		}
		category := cols.cell(row, "appointmenttype")
		if category == "" {
			continue
		}
		rec := domain.SatisfactionRecord{
			StationID:       report.StationID,
			ReportID:        report.ReportID,
			ReportDate:      date,
			AppointmentType: category,
			Percent:         sanitizeNumber(cols.cell(row, "percent")),
		}
		if err := s.UpsertSatisfaction(ctx, rec); err != nil {
			return count, fmt.Errorf("persist satisfaction row %d: %w", i, err)
		}
		count++
	}
	return count, nil
}
