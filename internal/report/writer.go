// Package report renders divergence batches as CSV or XLSX files for
// the controlling team.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/model"
)

// Format selects the output encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("report: unknown format %q (want csv or xlsx)", s)
	}
}

var header = []string{
	"invoice_id", "kind", "affected_field", "current_value", "expected_value",
	"period", "confidence", "violated_rules", "status", "detected_at",
}

// Writer renders divergence reports into an output directory.
type Writer struct {
	outputDir string
	log       *zap.Logger
}

// NewWriter creates a Writer. The directory is created on first write.
func NewWriter(outputDir string) *Writer {
	return &Writer{
		outputDir: outputDir,
		log:       zap.L().With(zap.String("component", "report")),
	}
}

// Write renders detected divergences to a file and returns its path.
// An empty path generates `divergences_<timestamp>_<shortuuid>.<ext>`
// under the output directory.
func (w *Writer) Write(divergences []model.Divergence, format Format, path string) (string, error) {
	rows := make([][]string, 0, len(divergences))
	for _, d := range divergences {
		rows = append(rows, []string{
			d.InvoiceID,
			string(d.Kind),
			d.AffectedField,
			formatFloat(d.CurrentValue),
			formatFloat(d.ExpectedValue),
			d.Period,
			strconv.FormatFloat(d.Confidence, 'f', 2, 64),
			strings.Join(d.ViolatedRules, "; "),
			string(model.StatusDetected),
			"",
		})
	}
	return w.write(rows, format, path)
}

// ExportRows renders persisted ledger rows, used by the API export
// endpoint and the report command.
func (w *Writer) ExportRows(records []model.DivergenceRecord, format Format, path string) (string, error) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.InvoiceID,
			string(r.Kind),
			r.AffectedField,
			formatFloat(r.CurrentValue),
			formatFloat(r.ExpectedValue),
			r.Period,
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			strings.Join(r.ViolatedRules, "; "),
			string(r.Status),
			r.DetectedAt.Format(time.RFC3339),
		})
	}
	return w.write(rows, format, path)
}

func (w *Writer) write(rows [][]string, format Format, path string) (string, error) {
	if path == "" {
		path = filepath.Join(w.outputDir, defaultFilename(format))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", eris.Wrapf(err, "report: create output dir %s", dir)
		}
	}

	var err error
	switch format {
	case FormatCSV:
		err = writeCSV(path, rows)
	case FormatXLSX:
		err = writeXLSX(path, rows)
	default:
		return "", eris.Errorf("report: unknown format %q", format)
	}
	if err != nil {
		return "", err
	}

	w.log.Info("report written", zap.String("path", path), zap.Int("rows", len(rows)))
	return path, nil
}

func defaultFilename(format Format) string {
	ts := time.Now().Format("20060102_150405")
	short := uuid.NewString()[:8]
	return fmt.Sprintf("divergences_%s_%s.%s", ts, short, format)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "report: create %s", path)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "report: write csv row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "report: flush csv")
	}
	return nil
}

func writeXLSX(path string, rows [][]string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Divergences")
	if err != nil {
		return eris.Wrap(err, "report: add xlsx sheet")
	}

	hr := sheet.AddRow()
	for _, h := range header {
		hr.AddCell().SetString(h)
	}
	for _, row := range rows {
		xr := sheet.AddRow()
		for _, cell := range row {
			xr.AddCell().SetString(cell)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
