// Package session orchestrates a full reconciliation run: detect,
// apply, report, notify, with every stage accounted to the audit ledger.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/detect"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/dealer-analytics/recon-cli/internal/report"
)

// Detector produces divergences for a run.
type Detector interface {
	Detect(ctx context.Context, opts detect.Options) ([]model.Divergence, error)
}

// Applier processes a detected batch.
type Applier interface {
	Apply(ctx context.Context, divergences []model.Divergence, opts apply.Options) (*apply.Summary, error)
}

// Reporter renders the run's divergences to a file.
type Reporter interface {
	Write(divergences []model.Divergence, format report.Format, path string) (string, error)
}

// Notifier delivers run outcomes. Implementations must tolerate being
// called with partial data.
type Notifier interface {
	AlertDivergences(ctx context.Context, total, critical, pending int, period, attachment string) error
	SessionSummary(ctx context.Context, sessionID int64, status model.SessionStatus, metrics model.SessionMetrics, duration time.Duration, errs []string) error
	AlertCriticalFailure(ctx context.Context, component, msg string) error
}

// RunOpts configures one session.
type RunOpts struct {
	Start         *time.Time
	End           *time.Time
	Mode          apply.Mode
	Actor         string
	Source        model.OperationSource
	Kind          model.SessionKind
	DetectKind    model.Kind
	MinConfidence float64
	AutoThreshold float64
	ReportFormat  report.Format
}

// Result is the outcome of a session run.
type Result struct {
	SessionID  int64               `json:"session_id"`
	Status     model.SessionStatus `json:"status"`
	Detected   int                 `json:"detected"`
	Summary    *apply.Summary      `json:"summary,omitempty"`
	ReportPath string              `json:"report_path,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
}

// Runner wires the pipeline stages together.
type Runner struct {
	pool        db.Querier
	ledger      *audit.Ledger
	detector    Detector
	applier     Applier
	reporter    Reporter
	notifier    Notifier
	environment string
	log         *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(pool db.Querier, ledger *audit.Ledger, detector Detector, applier Applier, reporter Reporter, notifier Notifier, environment string) *Runner {
	return &Runner{
		pool:        pool,
		ledger:      ledger,
		detector:    detector,
		applier:     applier,
		reporter:    reporter,
		notifier:    notifier,
		environment: environment,
		log:         zap.L().With(zap.String("component", "session")),
	}
}

// Run executes one full reconciliation session. Detection or ledger
// failure before corrections fails the session; report and notification
// failures only downgrade it to PARTIAL.
func (r *Runner) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	kind := opts.Kind
	if kind == "" {
		kind = model.SessionManualRun
	}

	sessionID, err := r.ledger.BeginSession(ctx, kind, r.environment, sessionParams(opts))
	if err != nil {
		return nil, err
	}
	result := &Result{SessionID: sessionID}
	started := time.Now()

	r.log.Info("session started",
		zap.Int64("session_id", sessionID),
		zap.String("kind", string(kind)),
		zap.String("mode", string(opts.Mode)))

	divergences, err := r.detector.Detect(ctx, detect.Options{
		Start:         opts.Start,
		End:           opts.End,
		Kind:          opts.DetectKind,
		MinConfidence: opts.MinConfidence,
	})
	if err != nil {
		return r.fail(ctx, result, started, "detect", err)
	}
	result.Detected = len(divergences)

	threshold := opts.AutoThreshold
	if threshold == 0 {
		threshold = detect.TradeMarketingConfidence
	}
	summary, err := r.applier.Apply(ctx, divergences, apply.Options{
		Mode:          opts.Mode,
		Actor:         opts.Actor,
		Source:        opts.Source,
		AutoThreshold: threshold,
	})
	if err != nil {
		return r.fail(ctx, result, started, "apply", err)
	}
	result.Summary = summary

	// Report and notification are best-effort from here on.
	if len(divergences) > 0 && r.reporter != nil {
		format := opts.ReportFormat
		if format == "" {
			format = report.FormatXLSX
		}
		path, err := r.reporter.Write(divergences, format, "")
		if err != nil {
			r.log.Error("report generation failed", zap.Error(err))
			result.Errors = append(result.Errors, "report: "+err.Error())
		} else {
			result.ReportPath = path
		}
	}

	if len(divergences) > 0 && r.notifier != nil {
		period := periodLabel(opts.Start, opts.End)
		critical := criticalCount(divergences, summary)
		if err := r.notifier.AlertDivergences(ctx, len(divergences), critical, summary.Pending, period, result.ReportPath); err != nil {
			r.log.Error("divergence alert failed", zap.Error(err))
			result.Errors = append(result.Errors, "notify: "+err.Error())
		}
	}

	result.Status = model.SessionCompleted
	if len(result.Errors) > 0 || summary.Errors > 0 {
		result.Status = model.SessionPartial
	}

	metrics := r.metrics(ctx, opts, result)
	duration := time.Since(started)
	summaryLine := fmt.Sprintf("%d divergences, %d auto-applied, %d pending, %d errors",
		result.Detected, summary.AutoApplied, summary.Pending, summary.Errors)
	if err := r.ledger.EndSession(ctx, sessionID, result.Status, metrics, summaryLine); err != nil {
		return result, err
	}

	if r.notifier != nil {
		if err := r.notifier.SessionSummary(ctx, sessionID, result.Status, metrics, duration, result.Errors); err != nil {
			r.log.Error("session summary mail failed", zap.Error(err))
		}
	}

	r.log.Info("session finished",
		zap.Int64("session_id", sessionID),
		zap.String("status", string(result.Status)),
		zap.String("summary", summaryLine))
	return result, nil
}

// fail closes the session FAILED and fires a best-effort critical alert.
func (r *Runner) fail(ctx context.Context, result *Result, started time.Time, stage string, cause error) (*Result, error) {
	result.Status = model.SessionFailed
	result.Errors = append(result.Errors, stage+": "+cause.Error())

	metrics := model.SessionMetrics{
		DivergencesDetected: result.Detected,
		ErrorsFound:         1,
	}
	if err := r.ledger.EndSession(ctx, result.SessionID, model.SessionFailed, metrics, stage+" failed"); err != nil {
		r.log.Error("failed to close session", zap.Int64("session_id", result.SessionID), zap.Error(err))
	}

	if r.notifier != nil {
		if err := r.notifier.AlertCriticalFailure(ctx, stage, cause.Error()); err != nil {
			r.log.Error("critical failure alert failed", zap.Error(err))
		}
	}

	return result, eris.Wrapf(cause, "session: %s stage", stage)
}

// metrics assembles the final session counters. The analyzed-row count
// comes from a best-effort COUNT over the review view.
func (r *Runner) metrics(ctx context.Context, opts RunOpts, result *Result) model.SessionMetrics {
	m := model.SessionMetrics{
		DivergencesDetected: result.Detected,
		ErrorsFound:         len(result.Errors),
	}
	if result.Summary != nil {
		m.CorrectionsApplied = result.Summary.AutoApplied
		m.CorrectionsPending = result.Summary.Pending
		m.ErrorsFound += result.Summary.Errors
	}

	query := "SELECT count(*) FROM dw.bonus_review"
	var args []any
	if opts.Start != nil && opts.End != nil {
		query += " WHERE processed_at >= $1 AND processed_at < $2"
		args = append(args, *opts.Start, *opts.End)
	}
	var analyzed int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&analyzed); err != nil {
		r.log.Warn("analyzed-row count failed", zap.Error(err))
	} else {
		m.RecordsAnalyzed = analyzed
	}
	return m
}

// criticalCount bands the alert: warehouse bound violations and failed
// corrections both demand attention.
func criticalCount(divergences []model.Divergence, summary *apply.Summary) int {
	n := summary.Errors
	for _, d := range divergences {
		if d.Kind == model.KindValueValidation {
			n++
		}
	}
	return n
}

// sessionParams records what the run was asked to do, for replay and audit.
func sessionParams(opts RunOpts) map[string]any {
	params := map[string]any{
		"mode":  string(opts.Mode),
		"actor": opts.Actor,
	}
	if opts.Start != nil {
		params["start"] = opts.Start.Format("2006-01-02")
	}
	if opts.End != nil {
		params["end"] = opts.End.Format("2006-01-02")
	}
	if opts.DetectKind != "" {
		params["kind"] = string(opts.DetectKind)
	}
	if opts.MinConfidence > 0 {
		params["min_confidence"] = opts.MinConfidence
	}
	return params
}

func periodLabel(start, end *time.Time) string {
	switch {
	case start != nil && end != nil:
		return start.Format("2006-01-02") + " to " + end.Format("2006-01-02")
	case start != nil:
		return "from " + start.Format("2006-01-02")
	case end != nil:
		return "until " + end.Format("2006-01-02")
	default:
		return "all periods"
	}
}
