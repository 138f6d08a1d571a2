package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vapulse/internal/store"
	"vapulse/pkg/contracts/domain"
)

// renamedPrefixes maps display prefixes of facilities renamed between
// archive snapshots to their current prefix.
var renamedPrefixes = map[string]string{
	"Cadillac VA Clinic": "Duane E. Dewey VA Clinic",
}

// LegacyLoader bulk-loads archived workbook files from a directory tree into
// the same Fingerprint / sheet-handler / report-store path the live fetcher
// uses, so deduplication and parsing behave identically for both sources.
type LegacyLoader struct {
	store  store.Store
	sheets *SheetRegistry
	logger *slog.Logger
}

// NewLegacyLoader builds a loader over the given store and sheet registry.
func NewLegacyLoader(s store.Store, sheets *SheetRegistry, logger *slog.Logger) *LegacyLoader {
	return &LegacyLoader{
		store:  s,
		sheets: sheets,
		logger: logger.With(slog.String("component", "legacy_loader")),
	}
}

// LoadSummary reports what a bulk load did.
type LoadSummary struct {
	Directories   int
	Files         int
	Stored        int
	Duplicates    int
	UnknownPrefix int
}

// LoadTree processes every directory under root whose name starts with
// dirPrefix, in ascending (chronological) name order. Directory names end in
// an _YYYY-MM-DD date that is used as the report's download timestamp.
func (l *LegacyLoader) LoadTree(ctx context.Context, root, dirPrefix string) (*LoadSummary, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read archive root %s: %w", root, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), dirPrefix) {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	summary := &LoadSummary{}
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err := l.loadDirectory(ctx, filepath.Join(root, dir), summary); err != nil {
			return summary, err
		}
		summary.Directories++
	}

	l.logger.Info("legacy load finished",
		slog.Int("directories", summary.Directories),
		slog.Int("files", summary.Files),
		slog.Int("stored", summary.Stored),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("unknown_prefix", summary.UnknownPrefix))
	return summary, nil
}

func (l *LegacyLoader) loadDirectory(ctx context.Context, dir string, summary *LoadSummary) error {
	base := filepath.Base(dir)
	datePart := base[strings.LastIndex(base, "_")+1:]
	reportDate, err := time.Parse("2006-01-02", datePart)
	if err != nil {
		return fmt.Errorf("directory %s has no trailing date: %w", base, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.xlsx"))
	if err != nil {
		return fmt.Errorf("glob %s: %w", dir, err)
	}
	sort.Strings(files)

	l.logger.Info("processing archive directory",
		slog.String("dir", base),
		slog.Int("files", len(files)))

	for _, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary.Files++
		if err := l.loadFile(ctx, path, reportDate, summary); err != nil {
			l.logger.Error("archive file failed, continuing",
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// loadFile ingests one archived workbook: resolve its station by display
// prefix, fingerprint it and persist through the shared ingestion contracts.
func (l *LegacyLoader) loadFile(ctx context.Context, path string, reportDate time.Time, summary *LoadSummary) error {
	fileName := filepath.Base(path)
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	prefix := strings.TrimSpace(strings.SplitN(stem, " - ", 2)[0])

	station, err := l.store.StationByPrefix(ctx, prefix)
	if errors.Is(err, store.ErrNotFound) {
		if renamed, ok := renamedPrefixes[prefix]; ok {
			station, err = l.store.StationByPrefix(ctx, renamed)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		l.logger.Info("skipping archive file, station not found",
			slog.String("file", fileName),
			slog.String("prefix", prefix))
		summary.UnknownPrefix++
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve station for prefix %q: %w", prefix, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", fileName, err)
	}

	fp := Fingerprint(fileName, raw, l.sheets.Recognizes, l.logger)
	if fp == nil {
		return nil
	}
	defer fp.Workbook.Close()

	return l.store.RunInTx(ctx, func(tx store.Store) error {
		report := &domain.RawReport{
			StationID:   station.StationID,
			FileName:    fileName,
			Size:        int64(len(raw)),
			Payload:     raw,
			Fingerprint: fp.Hash,
			Downloaded:  reportDate,
		}
		if err := tx.InsertRawReport(ctx, report); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				l.logger.Info("archive report already stored, continuing",
					slog.String("file", fileName))
				summary.Duplicates++
				return nil
			}
			return err
		}

		for _, sheet := range fp.Workbook.GetSheetList() {
			handler, ok := l.sheets.Handler(sheet)
			if !ok {
				continue
			}
			rows, err := fp.Workbook.GetRows(sheet)
			if err != nil {
				return fmt.Errorf("read sheet %q: %w", sheet, err)
			}
			if _, err := handler.Extract(ctx, tx, report, rows); err != nil {
				return fmt.Errorf("extract sheet %q: %w", strings.ToLower(sheet), err)
			}
		}
		summary.Stored++
		return nil
	})
}
