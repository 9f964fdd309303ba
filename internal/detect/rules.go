// Package detect runs the reconciliation rules over the warehouse
// review view and emits divergences for the applier and the ledger.
package detect

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/dealer-analytics/recon-cli/internal/config"
)

// Rule confidences are fixed per family. The trade-marketing rule is
// the only one precise enough for unattended correction.
const (
	TradeMarketingConfidence = 0.95
	PendingConfidence        = 0.5
	ValueRangeConfidence     = 0.7
)

// Annotation and status sentinels the controlling team places on rows
// needing review.
const (
	ReviewAnnotation = "Review Divergence!"
	PendingStatus    = "PENDING VERIFICATION"
)

// Rules holds the detection tunables. Defaults come from
// config.DetectConfig; a YAML rules file can override any subset.
type Rules struct {
	FieldTolerance     float64 `yaml:"field_tolerance"`
	ValueUpperBound    float64 `yaml:"value_upper_bound"`
	PendingWindowStart string  `yaml:"pending_window_start"`
	PendingWindowEnd   string  `yaml:"pending_window_end"`
}

// RulesFromConfig builds Rules from the loaded configuration.
func RulesFromConfig(cfg config.DetectConfig) Rules {
	return Rules{
		FieldTolerance:     cfg.FieldTolerance,
		ValueUpperBound:    cfg.ValueUpperBound,
		PendingWindowStart: cfg.PendingWindowStart,
		PendingWindowEnd:   cfg.PendingWindowEnd,
	}
}

// LoadRules reads a YAML rules file and overlays it on base. Only keys
// present in the file are overridden.
func LoadRules(path string, base Rules) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, eris.Wrapf(err, "detect: read rules file %s", path)
	}

	// Unmarshal over a copy of base so absent keys keep defaults.
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, eris.Wrapf(err, "detect: parse rules file %s", path)
	}

	if out.FieldTolerance < 0 {
		return base, eris.Errorf("detect: field_tolerance %v must be >= 0", out.FieldTolerance)
	}
	if out.ValueUpperBound <= 0 {
		return base, eris.Errorf("detect: value_upper_bound %v must be > 0", out.ValueUpperBound)
	}
	return out, nil
}

// pendingWindow parses the configured window bounds. The end date is
// inclusive, so the returned upper bound is the following midnight.
func (r Rules) pendingWindow() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", r.PendingWindowStart)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "detect: parse pending_window_start %q", r.PendingWindowStart)
	}
	end, err := time.Parse("2006-01-02", r.PendingWindowEnd)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "detect: parse pending_window_end %q", r.PendingWindowEnd)
	}
	return start, end.AddDate(0, 0, 1), nil
}

// PendingSeverity classifies the aggregate pending-verification volume.
type PendingSeverity string

const (
	SeverityLow       PendingSeverity = "LOW"
	SeverityAttention PendingSeverity = "ATTENTION"
	SeverityCritical  PendingSeverity = "CRITICAL"
)

// ClassifyPendingVolume maps a pending-row count to a severity band.
func ClassifyPendingVolume(n int) PendingSeverity {
	switch {
	case n > 20:
		return SeverityCritical
	case n >= 10:
		return SeverityAttention
	default:
		return SeverityLow
	}
}
