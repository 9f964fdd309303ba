package apply

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

// Approve applies a previously recorded divergence after human review.
// A custom value overrides the detector's expected value. Divergences
// without any value to write (status-only findings) just transition to
// APPROVED.
func (a *Applier) Approve(ctx context.Context, rec model.DivergenceRecord, actor string, customValue *float64, source model.OperationSource) error {
	if rec.Status != model.StatusDetected {
		return eris.Wrapf(audit.ErrTerminalStatus, "apply: divergence %d is %s", rec.ID, rec.Status)
	}

	value := rec.ExpectedValue
	if customValue != nil {
		value = customValue
	}

	// Nothing to write: approval is a ledger-only transition.
	if value == nil {
		return a.ledger.UpdateDivergenceStatus(ctx, a.pool, rec.ID, audit.StatusUpdate{
			Status:      model.StatusApproved,
			ProcessedBy: actor,
		})
	}

	column := rec.AffectedField
	if !correctionColumns[column] {
		return eris.Errorf("apply: column %q not in correction allowlist", column)
	}

	updateQuery := "UPDATE dw.controlling SET " + column + " = $1 WHERE invoice_id = $2"
	opID, err := a.ledger.BeginOperation(ctx, audit.OperationStart{
		Kind:          "CORRECTION",
		Description:   fmt.Sprintf("approve divergence %d for invoice %s", rec.ID, rec.InvoiceID),
		Actor:         actor,
		Source:        source,
		AffectedTable: "dw.controlling",
		Filters:       map[string]any{"invoice_id": rec.InvoiceID},
		ExecutedQuery: updateQuery,
		Metadata:      map[string]any{"divergence_id": rec.ID},
	})
	if err != nil {
		return err
	}

	rowsAffected, err := a.approveInTx(ctx, rec, column, updateQuery, *value, actor)
	if err != nil {
		end := audit.OperationEnd{Status: model.OpFailed, ErrorMessage: err.Error()}
		if endErr := a.ledger.EndOperation(ctx, opID, end); endErr != nil {
			a.log.Error("failed to close operation", zap.Int64("operation_id", opID), zap.Error(endErr))
		}
		return err
	}

	return a.ledger.EndOperation(ctx, opID, audit.OperationEnd{
		Status:       model.OpSuccess,
		RowsAffected: rowsAffected,
		Before:       map[string]any{column: rec.CurrentValue},
		After:        map[string]any{column: *value},
	})
}

func (a *Applier) approveInTx(ctx context.Context, rec model.DivergenceRecord, column, updateQuery string, value float64, actor string) (int64, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "apply: begin transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, updateQuery, value, rec.InvoiceID)
	if err != nil {
		return 0, eris.Wrapf(err, "apply: update %s for invoice %s", column, rec.InvoiceID)
	}
	if tag.RowsAffected() == 0 {
		return 0, eris.Errorf("apply: invoice %s not found in dw.controlling", rec.InvoiceID)
	}

	err = a.ledger.UpdateDivergenceStatus(ctx, tx, rec.ID, audit.StatusUpdate{
		Status:       model.StatusApproved,
		ProcessedBy:  actor,
		AppliedValue: &value,
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "apply: commit approval")
	}
	return tag.RowsAffected(), nil
}

// Reject marks a recorded divergence as a false positive. The warehouse
// is never touched.
func (a *Applier) Reject(ctx context.Context, id int64, actor, reason string) error {
	if reason == "" {
		return eris.New("apply: rejection requires a reason")
	}
	return a.ledger.UpdateDivergenceStatus(ctx, a.pool, id, audit.StatusUpdate{
		Status:          model.StatusRejected,
		ProcessedBy:     actor,
		RejectionReason: reason,
	})
}
