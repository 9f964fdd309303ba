package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fp(v float64) *float64 { return &v }

func sampleDivergences() []model.Divergence {
	return []model.Divergence{
		{
			InvoiceID:     "NF-1001",
			Kind:          model.KindTradeMarketingBonus,
			AffectedField: "dept_bonus",
			CurrentValue:  fp(100),
			ExpectedValue: fp(150),
			Period:        "2025-09",
			Confidence:    0.95,
			ViolatedRules: []string{"DEPT_BONUS_MISMATCH"},
		},
		{
			InvoiceID:     "NF-2001",
			Kind:          model.KindPendingVerification,
			AffectedField: "bonus_status",
			Period:        "2025-10",
			Confidence:    0.5,
			ViolatedRules: []string{"PENDING_VERIFICATION_AGED"},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	path, err := w.Write(sampleDivergences(), FormatCSV, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "divergences_"))
	assert.True(t, strings.HasSuffix(path, ".csv"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "invoice_id", rows[0][0])
	assert.Equal(t, "NF-1001", rows[1][0])
	assert.Equal(t, "150.00", rows[1][4])
	assert.Equal(t, "", rows[2][3], "nil value renders empty")
}

func TestWriteXLSX(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	path, err := w.Write(sampleDivergences(), FormatXLSX, filepath.Join(dir, "out.xlsx"))
	require.NoError(t, err)

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	sheet := f.Sheets[0]
	assert.Equal(t, "Divergences", sheet.Name)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "NF-1001", sheet.Rows[1].Cells[0].String())
	assert.Equal(t, "DEPT_BONUS_MISMATCH", sheet.Rows[1].Cells[7].String())
}

func TestExportRows(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	records := []model.DivergenceRecord{
		{
			ID:            5,
			InvoiceID:     "NF-1001",
			Kind:          model.KindTradeMarketingBonus,
			AffectedField: "dept_bonus",
			CurrentValue:  fp(100),
			ExpectedValue: fp(150),
			Confidence:    0.95,
			ViolatedRules: []string{"DEPT_BONUS_MISMATCH"},
			Status:        model.StatusAutoApplied,
			DetectedAt:    time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC),
		},
	}

	path, err := w.ExportRows(records, FormatCSV, filepath.Join(dir, "export.csv"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "AUTO_APPLIED")
	assert.Contains(t, string(data), "2025-09-15T10:00:00Z")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestWrite_CreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "reports")
	w := NewWriter(dir)

	path, err := w.Write(nil, FormatCSV, "")
	require.NoError(t, err)
	assert.FileExists(t, path)
}
