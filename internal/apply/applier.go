// Package apply writes confidence-gated corrections to the warehouse
// and records every outcome in the audit ledger.
package apply

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

// Mode selects between unattended correction and record-only runs.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Options configures an Apply batch.
type Options struct {
	Mode          Mode
	Actor         string
	Source        model.OperationSource
	AutoThreshold float64
}

// Detail is the per-divergence outcome inside a Summary.
type Detail struct {
	InvoiceID    string     `json:"invoice_id"`
	Kind         model.Kind `json:"kind"`
	DivergenceID int64      `json:"divergence_id,omitempty"`
	Outcome      string     `json:"outcome"`
	Error        string     `json:"error,omitempty"`
}

// Summary aggregates a batch. AutoApplied + Pending + Errors == Total.
type Summary struct {
	Total       int      `json:"total"`
	AutoApplied int      `json:"auto_applied"`
	Pending     int      `json:"pending"`
	Errors      int      `json:"errors"`
	Details     []Detail `json:"details"`
}

// correctionColumns is the allowlist of warehouse columns the applier
// may touch. AffectedField values outside it are never interpolated
// into SQL.
var correctionColumns = map[string]bool{
	"dept_bonus": true,
	"dept_trade": true,
}

// Applier executes corrections against dw.controlling.
type Applier struct {
	pool   db.Pool
	ledger *audit.Ledger
	log    *zap.Logger
}

// New creates an Applier sharing the ledger's pool.
func New(pool db.Pool, ledger *audit.Ledger) *Applier {
	return &Applier{
		pool:   pool,
		ledger: ledger,
		log:    zap.L().With(zap.String("component", "apply")),
	}
}

// Apply processes a detected batch. Eligible divergences are corrected
// in their own transaction; everything else is recorded as DETECTED for
// human review. A single failure never aborts the batch.
func (a *Applier) Apply(ctx context.Context, divergences []model.Divergence, opts Options) (*Summary, error) {
	summary := &Summary{Total: len(divergences)}

	for _, div := range divergences {
		var detail Detail
		if a.eligible(div, opts) {
			detail = a.applyOne(ctx, div, opts)
		} else {
			detail = a.recordPending(ctx, div, opts)
		}

		switch detail.Outcome {
		case "AUTO_APPLIED":
			summary.AutoApplied++
		case "PENDING":
			summary.Pending++
		default:
			summary.Errors++
		}
		summary.Details = append(summary.Details, detail)
	}

	a.log.Info("apply batch finished",
		zap.Int("total", summary.Total),
		zap.Int("auto_applied", summary.AutoApplied),
		zap.Int("pending", summary.Pending),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

// eligible gates unattended writes: auto mode, confidence at or above
// the threshold, and a kind with an unambiguous corrected value.
func (a *Applier) eligible(div model.Divergence, opts Options) bool {
	return opts.Mode == ModeAuto &&
		div.Confidence >= opts.AutoThreshold &&
		div.Kind.AutoApplicable()
}

// applyOne corrects a single divergence. The warehouse write, the
// divergence record, and its AUTO_APPLIED transition commit atomically;
// the surrounding operation rows commit on the pool so a FAILED record
// survives the rollback.
func (a *Applier) applyOne(ctx context.Context, div model.Divergence, opts Options) Detail {
	detail := Detail{InvoiceID: div.InvoiceID, Kind: div.Kind}

	column := div.AffectedField
	if !correctionColumns[column] {
		detail.Outcome = "ERROR"
		detail.Error = fmt.Sprintf("column %q not in correction allowlist", column)
		return detail
	}
	if div.ExpectedValue == nil {
		detail.Outcome = "ERROR"
		detail.Error = "no expected value to apply"
		return detail
	}

	updateQuery := "UPDATE dw.controlling SET " + column + " = $1 WHERE invoice_id = $2"
	opID, err := a.ledger.BeginOperation(ctx, audit.OperationStart{
		Kind:          "CORRECTION",
		Description:   fmt.Sprintf("auto-apply %s for invoice %s", column, div.InvoiceID),
		Actor:         opts.Actor,
		Source:        opts.Source,
		AffectedTable: "dw.controlling",
		Filters:       map[string]any{"invoice_id": div.InvoiceID},
		ExecutedQuery: updateQuery,
		Metadata: map[string]any{
			"confidence":     div.Confidence,
			"violated_rules": div.ViolatedRules,
		},
	})
	if err != nil {
		detail.Outcome = "ERROR"
		detail.Error = err.Error()
		return detail
	}

	outcome, err := a.correctInTx(ctx, opID, div, column, updateQuery, opts.Actor)
	if err != nil {
		a.log.Error("correction failed",
			zap.String("invoice_id", div.InvoiceID),
			zap.String("column", column),
			zap.Error(err))
		end := audit.OperationEnd{Status: model.OpFailed, ErrorMessage: err.Error()}
		if endErr := a.ledger.EndOperation(ctx, opID, end); endErr != nil {
			a.log.Error("failed to close operation", zap.Int64("operation_id", opID), zap.Error(endErr))
		}
		detail.Outcome = "ERROR"
		detail.Error = err.Error()
		return detail
	}

	end := audit.OperationEnd{
		Status:       model.OpSuccess,
		RowsAffected: outcome.rowsAffected,
		Before:       map[string]any{column: outcome.before},
		After:        map[string]any{column: *div.ExpectedValue},
	}
	if err := a.ledger.EndOperation(ctx, opID, end); err != nil {
		a.log.Error("failed to close operation", zap.Int64("operation_id", opID), zap.Error(err))
	}

	detail.DivergenceID = outcome.divergenceID
	detail.Outcome = "AUTO_APPLIED"
	return detail
}

// correction carries what a committed correction leaves behind: the
// ledger row, the warehouse value it replaced, and the update row count.
type correction struct {
	divergenceID int64
	before       *float64
	rowsAffected int64
}

// correctInTx runs the correction procedure inside one transaction.
func (a *Applier) correctInTx(ctx context.Context, opID int64, div model.Divergence, column, updateQuery, actor string) (*correction, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "apply: begin transaction")
	}
	defer tx.Rollback(ctx)

	// Snapshot the value as it stands now; the detector's read may be stale.
	var current *float64
	err = tx.QueryRow(ctx,
		"SELECT "+column+" FROM dw.controlling WHERE invoice_id = $1",
		div.InvoiceID,
	).Scan(&current)
	if err != nil {
		return nil, eris.Wrapf(err, "apply: read current %s for invoice %s", column, div.InvoiceID)
	}

	tag, err := tx.Exec(ctx, updateQuery, *div.ExpectedValue, div.InvoiceID)
	if err != nil {
		return nil, eris.Wrapf(err, "apply: update %s for invoice %s", column, div.InvoiceID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Errorf("apply: invoice %s not found in dw.controlling", div.InvoiceID)
	}

	snapshot := div
	snapshot.CurrentValue = current
	divID, err := a.ledger.RecordDivergence(ctx, tx, opID, snapshot)
	if err != nil {
		return nil, err
	}

	err = a.ledger.UpdateDivergenceStatus(ctx, tx, divID, audit.StatusUpdate{
		Status:       model.StatusAutoApplied,
		ProcessedBy:  actor,
		AppliedValue: div.ExpectedValue,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "apply: commit correction")
	}
	return &correction{
		divergenceID: divID,
		before:       current,
		rowsAffected: tag.RowsAffected(),
	}, nil
}

// recordPending persists a divergence for human review without touching
// the warehouse.
func (a *Applier) recordPending(ctx context.Context, div model.Divergence, opts Options) Detail {
	detail := Detail{InvoiceID: div.InvoiceID, Kind: div.Kind}

	opID, err := a.ledger.BeginOperation(ctx, audit.OperationStart{
		Kind:        "DETECTION",
		Description: fmt.Sprintf("record %s divergence for invoice %s", div.Kind, div.InvoiceID),
		Actor:       opts.Actor,
		Source:      opts.Source,
		Filters:     map[string]any{"invoice_id": div.InvoiceID},
		Metadata:    map[string]any{"confidence": div.Confidence},
	})
	if err != nil {
		detail.Outcome = "ERROR"
		detail.Error = err.Error()
		return detail
	}

	divID, err := a.ledger.RecordDivergence(ctx, a.pool, opID, div)
	if err != nil {
		end := audit.OperationEnd{Status: model.OpFailed, ErrorMessage: err.Error()}
		if endErr := a.ledger.EndOperation(ctx, opID, end); endErr != nil {
			a.log.Error("failed to close operation", zap.Int64("operation_id", opID), zap.Error(endErr))
		}
		detail.Outcome = "ERROR"
		detail.Error = err.Error()
		return detail
	}

	end := audit.OperationEnd{Status: model.OpSuccess, RowsAffected: 1}
	if err := a.ledger.EndOperation(ctx, opID, end); err != nil {
		a.log.Error("failed to close operation", zap.Int64("operation_id", opID), zap.Error(err))
	}

	detail.DivergenceID = divID
	detail.Outcome = "PENDING"
	return detail
}
