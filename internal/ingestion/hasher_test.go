package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sheetSpec struct {
	name string
	rows [][]string
}

// buildWorkbook renders sheets into xlsx bytes.
func buildWorkbook(t *testing.T, sheets ...sheetSpec) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, s := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", s.name))
		} else {
			_, err := f.NewSheet(s.name)
			require.NoError(t, err)
		}
		for r, row := range s.rows {
			cells := make([]any, len(row))
			for c, v := range row {
				cells[c] = v
			}
			require.NoError(t, f.SetSheetRow(s.name, fmt.Sprintf("A%d", r+1), &cells))
		}
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func waitTimesSheet(rows ...[]string) sheetSpec {
	all := [][]string{
		{"Report Date", "Appointment Type", "Established Patients", "New Patients", "Data Source"},
	}
	return sheetSpec{name: "Wait Times", rows: append(all, rows...)}
}

func stampDocProps(t *testing.T, raw []byte, creator string, created time.Time) []byte {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	stamp := created.Format(time.RFC3339)
	require.NoError(t, f.SetDocProps(&excelize.DocProperties{
		Creator:  creator,
		Created:  stamp,
		Modified: stamp,
	}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestFingerprintIgnoresDocProperties(t *testing.T) {
	sheets := NewSheetRegistry(testLogger())
	raw := buildWorkbook(t, waitTimesSheet([]string{"2026-08-01", "Primary Care", "10", "20", "survey"}))

	a := stampDocProps(t, raw, "exporter-a", time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC))
	b := stampDocProps(t, raw, "exporter-b", time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC))
	require.NotEqual(t, a, b, "raw bytes must differ for the test to mean anything")

	fpA := Fingerprint("station.xlsx", a, sheets.Recognizes, testLogger())
	require.NotNil(t, fpA)
	defer fpA.Workbook.Close()
	fpB := Fingerprint("station.xlsx", b, sheets.Recognizes, testLogger())
	require.NotNil(t, fpB)
	defer fpB.Workbook.Close()

	assert.Equal(t, fpA.Hash, fpB.Hash)
}

func TestFingerprintSensitiveToContent(t *testing.T) {
	sheets := NewSheetRegistry(testLogger())
	a := buildWorkbook(t, waitTimesSheet([]string{"2026-08-01", "Primary Care", "10", "20", "survey"}))
	b := buildWorkbook(t, waitTimesSheet([]string{"2026-08-01", "Primary Care", "11", "20", "survey"}))

	fpA := Fingerprint("station.xlsx", a, sheets.Recognizes, testLogger())
	require.NotNil(t, fpA)
	defer fpA.Workbook.Close()
	fpB := Fingerprint("station.xlsx", b, sheets.Recognizes, testLogger())
	require.NotNil(t, fpB)
	defer fpB.Workbook.Close()

	assert.NotEqual(t, fpA.Hash, fpB.Hash)
}

func TestFingerprintSensitiveToFilename(t *testing.T) {
	sheets := NewSheetRegistry(testLogger())
	raw := buildWorkbook(t, waitTimesSheet([]string{"2026-08-01", "Primary Care", "10", "20", "survey"}))

	fpA := Fingerprint("one.xlsx", raw, sheets.Recognizes, testLogger())
	require.NotNil(t, fpA)
	defer fpA.Workbook.Close()
	fpB := Fingerprint("two.xlsx", raw, sheets.Recognizes, testLogger())
	require.NotNil(t, fpB)
	defer fpB.Workbook.Close()

	assert.NotEqual(t, fpA.Hash, fpB.Hash)
}

func TestFingerprintNoRecognizedSheets(t *testing.T) {
	sheets := NewSheetRegistry(testLogger())
	raw := buildWorkbook(t, sheetSpec{
		name: "Bed Occupancy",
		rows: [][]string{{"Date", "Beds"}, {"2026-08-01", "12"}},
	})

	fp := Fingerprint("station.xlsx", raw, sheets.Recognizes, testLogger())
	assert.Nil(t, fp)
}

func TestFingerprintUnparseablePayload(t *testing.T) {
	sheets := NewSheetRegistry(testLogger())
	fp := Fingerprint("station.xlsx", []byte("<html>error page</html>"), sheets.Recognizes, testLogger())
	assert.Nil(t, fp)
}
