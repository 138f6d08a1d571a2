package ingestion

import (
	"bytes"
	"crypto/sha512"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"
)

// FingerprintResult carries a workbook's content hash together with the
// opened workbook so sheet extraction does not parse the bytes twice.
// The caller owns the workbook and must Close it.
type FingerprintResult struct {
	Hash     []byte
	Workbook *excelize.File
}

// Fingerprint computes a stable content hash of an Excel workbook by
// hashing the encoded filename followed by every sheet's tabular content in
// sheet order. File properties (creation timestamps and the like) change the
// raw bytes between downloads of identical data, so the hash deliberately
// never sees them.
//
// Returns nil when the workbook has no sheet recognized by the registry
// (nothing we care about) or when it cannot be parsed at all. Both are
// filters, not failures; the caller treats nil as "carries no data".
func Fingerprint(filename string, raw []byte, recognized func(sheetName string) bool, logger *slog.Logger) *FingerprintResult {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("workbook failed to parse, skipping",
			slog.String("file_name", filename),
			slog.String("error", err.Error()))
		return nil
	}

	ofInterest := false
	h := sha512.New()
	h.Write([]byte(filename))

	for _, sheet := range f.GetSheetList() {
		if recognized(strings.ToLower(sheet)) {
			ofInterest = true
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			logger.Warn("sheet failed to read, skipping workbook",
				slog.String("file_name", filename),
				slog.String("sheet", sheet),
				slog.String("error", err.Error()))
			_ = f.Close()
			return nil
		}
		for _, row := range rows {
			h.Write([]byte(strings.Join(row, "\t")))
			h.Write([]byte("\n"))
		}
	}

	if !ofInterest {
		_ = f.Close()
		return nil
	}
	return &FingerprintResult{Hash: h.Sum(nil), Workbook: f}
}
