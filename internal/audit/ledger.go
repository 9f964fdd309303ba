package audit

import (
	"context"
	"encoding/json"

	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/rotisserie/eris"
)

// ErrTerminalStatus is returned when a status update targets a
// divergence that already left the DETECTED state.
var ErrTerminalStatus = eris.New("audit: divergence already in terminal status")

// OperationStart describes a warehouse mutation about to begin.
// Filters records the selection the mutation targets, ExecutedQuery the
// statement text, and Metadata anything else worth keeping with the row.
type OperationStart struct {
	Kind          string
	Description   string
	Actor         string
	Source        model.OperationSource
	AffectedTable string
	Filters       map[string]any
	ExecutedQuery string
	Metadata      map[string]any
}

// OperationEnd finalizes an audited operation. Before and After snapshot
// the touched fields as they stood around the mutation.
type OperationEnd struct {
	Status       model.OperationStatus
	RowsAffected int64
	Before       map[string]any
	After        map[string]any
	ErrorMessage string
}

// Ledger provides write access to the audit schema. Reads live in
// Query. Operation and session bookkeeping runs on the pool in
// autocommit mode so a PENDING or FAILED record survives a rolled-back
// correction; divergence writes accept a Querier so callers can place
// them inside the correction transaction.
type Ledger struct {
	pool db.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool db.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// BeginOperation records the start of an audited operation and returns its ID.
// The row is committed immediately, before the mutation it describes.
func (l *Ledger) BeginOperation(ctx context.Context, op OperationStart) (int64, error) {
	source := op.Source
	if source == "" {
		source = model.SourceManual
	}

	filters, err := jsonArg(op.Filters)
	if err != nil {
		return 0, eris.Wrapf(err, "audit: marshal operation filters")
	}
	metadata, err := jsonArg(op.Metadata)
	if err != nil {
		return 0, eris.Wrapf(err, "audit: marshal operation metadata")
	}

	var query *string
	if op.ExecutedQuery != "" {
		query = &op.ExecutedQuery
	}

	var id int64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO audit.operations
		   (kind, description, actor, source, affected_table, filters, executed_query, metadata, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), 'PENDING') RETURNING id`,
		op.Kind, op.Description, op.Actor, string(source), op.AffectedTable,
		filters, query, metadata,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "audit: begin operation %s", op.Kind)
	}
	return id, nil
}

// EndOperation closes an operation with its final status and state
// snapshots. Duration is computed server-side from the recorded start time.
func (l *Ledger) EndOperation(ctx context.Context, id int64, end OperationEnd) error {
	var errArg *string
	if end.ErrorMessage != "" {
		errArg = &end.ErrorMessage
	}
	before, err := jsonArg(end.Before)
	if err != nil {
		return eris.Wrapf(err, "audit: marshal before state for operation %d", id)
	}
	after, err := jsonArg(end.After)
	if err != nil {
		return eris.Wrapf(err, "audit: marshal after state for operation %d", id)
	}

	_, err = l.pool.Exec(ctx,
		`UPDATE audit.operations
		 SET status = $1, rows_affected = $2, before_state = $3, after_state = $4,
		     error_message = $5, ended_at = now(),
		     duration_secs = EXTRACT(EPOCH FROM now() - started_at)
		 WHERE id = $6`,
		string(end.Status), end.RowsAffected, before, after, errArg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "audit: end operation %d", id)
	}
	return nil
}

// jsonArg marshals a map for a JSONB column, keeping nil maps as NULL.
func jsonArg(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// RecordDivergence persists a detected divergence under an operation
// and returns its ID. Pass the correction transaction as q to keep the
// ledger row atomic with the warehouse write; pass the pool for
// detection-only runs.
func (l *Ledger) RecordDivergence(ctx context.Context, q db.Querier, operationID int64, d model.Divergence) (int64, error) {
	rulesJSON, err := json.Marshal(d.ViolatedRules)
	if err != nil {
		return 0, eris.Wrap(err, "audit: marshal violated rules")
	}
	ctxJSON, err := jsonArg(d.Context)
	if err != nil {
		return 0, eris.Wrap(err, "audit: marshal divergence context")
	}

	var id int64
	err = q.QueryRow(ctx,
		`INSERT INTO audit.divergences
		   (operation_id, invoice_id, kind, affected_field, current_value, expected_value,
		    period, confidence, violated_rules, context, status, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'DETECTED', now())
		 RETURNING id`,
		operationID, d.InvoiceID, string(d.Kind), d.AffectedField,
		d.CurrentValue, d.ExpectedValue, d.Period, d.Confidence, rulesJSON, ctxJSON,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "audit: record divergence for invoice %s", d.InvoiceID)
	}
	return id, nil
}

// StatusUpdate carries the fields of a divergence status transition.
type StatusUpdate struct {
	Status          model.DivergenceStatus
	ProcessedBy     string
	AppliedValue    *float64
	RejectionReason string
}

// UpdateDivergenceStatus moves a divergence out of DETECTED. The WHERE
// clause guards the transition: a divergence already approved, rejected,
// or auto-applied yields ErrTerminalStatus instead of a silent overwrite.
func (l *Ledger) UpdateDivergenceStatus(ctx context.Context, q db.Querier, id int64, upd StatusUpdate) error {
	var reason *string
	if upd.RejectionReason != "" {
		reason = &upd.RejectionReason
	}

	tag, err := q.Exec(ctx,
		`UPDATE audit.divergences
		 SET status = $1, processed_by = $2, applied_value = $3, rejection_reason = $4,
		     processed_at = now()
		 WHERE id = $5 AND status = 'DETECTED'`,
		string(upd.Status), upd.ProcessedBy, upd.AppliedValue, reason, id,
	)
	if err != nil {
		return eris.Wrapf(err, "audit: update divergence %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrTerminalStatus, "audit: divergence %d", id)
	}
	return nil
}

// BeginSession records the start of a processing session and returns its
// ID. Params captures the run parameters (date range, mode, actor) so a
// session can be replayed or audited later.
func (l *Ledger) BeginSession(ctx context.Context, kind model.SessionKind, environment string, params map[string]any) (int64, error) {
	paramsJSON, err := jsonArg(params)
	if err != nil {
		return 0, eris.Wrapf(err, "audit: marshal session parameters")
	}

	var id int64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO audit.sessions (kind, started_at, status, parameters, environment)
		 VALUES ($1, now(), 'RUNNING', $2, $3) RETURNING id`,
		string(kind), paramsJSON, environment,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "audit: begin session %s", kind)
	}
	return id, nil
}

// EndSession finalizes a session with its aggregate metrics.
func (l *Ledger) EndSession(ctx context.Context, id int64, status model.SessionStatus, metrics model.SessionMetrics, summary string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE audit.sessions
		 SET status = $1, records_analyzed = $2, divergences_detected = $3,
		     corrections_applied = $4, corrections_pending = $5, errors_found = $6,
		     result_summary = $7, ended_at = now(),
		     duration_secs = EXTRACT(EPOCH FROM now() - started_at)::int
		 WHERE id = $8`,
		string(status), metrics.RecordsAnalyzed, metrics.DivergencesDetected,
		metrics.CorrectionsApplied, metrics.CorrectionsPending, metrics.ErrorsFound,
		summary, id,
	)
	if err != nil {
		return eris.Wrapf(err, "audit: end session %d", id)
	}
	return nil
}
