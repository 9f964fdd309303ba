package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a requested ledger row does not exist.
var ErrNotFound = eris.New("audit: not found")

// DivergenceFilter narrows ListDivergences. Zero values mean "any".
type DivergenceFilter struct {
	Status    model.DivergenceStatus
	Kind      model.Kind
	InvoiceID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	Status model.OperationStatus
	Kind   string
	Limit  int
}

// MetricsSummary aggregates ledger counts for dashboards.
type MetricsSummary struct {
	TotalDivergences    int64            `json:"total_divergences"`
	ByStatus            map[string]int64 `json:"by_status"`
	ByKind              map[string]int64 `json:"by_kind"`
	ResolutionRate      float64          `json:"resolution_rate"`
	AvgDaysToResolution *float64         `json:"avg_days_to_resolution,omitempty"`
	TotalOperations     int64            `json:"total_operations"`
	FailedOperations    int64            `json:"failed_operations"`
	TotalSessions       int64            `json:"total_sessions"`
}

// Query provides read access to the audit schema.
type Query struct {
	pool db.Pool
}

// NewQuery creates a Query backed by the given connection pool.
func NewQuery(pool db.Pool) *Query {
	return &Query{pool: pool}
}

const divergenceColumns = `id, operation_id, invoice_id, kind, affected_field,
	current_value, expected_value, applied_value, period, confidence,
	violated_rules, context, status, detected_at, processed_at, processed_by, rejection_reason`

// ListDivergences returns divergences matching the filter, most recent first.
func (q *Query) ListDivergences(ctx context.Context, f DivergenceFilter) ([]model.DivergenceRecord, error) {
	query := `SELECT ` + divergenceColumns + ` FROM audit.divergences`

	var conditions []string
	var args []any
	argIdx := 1

	if f.Status != "" {
		conditions = append(conditions, "status = $"+strconv.Itoa(argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Kind != "" {
		conditions = append(conditions, "kind = $"+strconv.Itoa(argIdx))
		args = append(args, string(f.Kind))
		argIdx++
	}
	if f.InvoiceID != "" {
		conditions = append(conditions, "invoice_id = $"+strconv.Itoa(argIdx))
		args = append(args, f.InvoiceID)
		argIdx++
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "detected_at >= $"+strconv.Itoa(argIdx))
		args = append(args, f.Since)
		argIdx++
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "detected_at < $"+strconv.Itoa(argIdx))
		args = append(args, f.Until)
		argIdx++
	}

	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY detected_at DESC"
	if f.Limit > 0 {
		query += " LIMIT $" + strconv.Itoa(argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += " OFFSET $" + strconv.Itoa(argIdx)
		args = append(args, f.Offset)
	}

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list divergences")
	}
	defer rows.Close()

	var records []model.DivergenceRecord
	for rows.Next() {
		rec, err := scanDivergence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetDivergence returns a single divergence by ID, or ErrNotFound.
func (q *Query) GetDivergence(ctx context.Context, id int64) (*model.DivergenceRecord, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+divergenceColumns+` FROM audit.divergences WHERE id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: get divergence %d", id)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, eris.Wrapf(err, "audit: get divergence %d", id)
		}
		return nil, eris.Wrapf(ErrNotFound, "audit: divergence %d", id)
	}
	rec, err := scanDivergence(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanDivergence(rows pgx.Rows) (model.DivergenceRecord, error) {
	var rec model.DivergenceRecord
	var period, processedBy, reason *string
	var rulesJSON, ctxJSON []byte
	err := rows.Scan(
		&rec.ID, &rec.OperationID, &rec.InvoiceID, &rec.Kind, &rec.AffectedField,
		&rec.CurrentValue, &rec.ExpectedValue, &rec.AppliedValue, &period, &rec.Confidence,
		&rulesJSON, &ctxJSON, &rec.Status, &rec.DetectedAt, &rec.ProcessedAt, &processedBy, &reason,
	)
	if err != nil {
		return rec, eris.Wrap(err, "audit: scan divergence")
	}
	if period != nil {
		rec.Period = *period
	}
	if processedBy != nil {
		rec.ProcessedBy = *processedBy
	}
	if reason != nil {
		rec.RejectionReason = *reason
	}
	if rulesJSON != nil {
		_ = json.Unmarshal(rulesJSON, &rec.ViolatedRules)
	}
	if ctxJSON != nil {
		_ = json.Unmarshal(ctxJSON, &rec.Context)
	}
	return rec, nil
}

const operationColumns = `id, kind, description, actor, source, affected_table,
	filters, executed_query, rows_affected, before_state, after_state,
	started_at, ended_at, duration_secs, status, error_message, metadata`

func scanOperation(rows pgx.Rows) (model.Operation, error) {
	var op model.Operation
	var affectedTable, executedQuery, errMsg *string
	var filtersJSON, beforeJSON, afterJSON, metaJSON []byte
	err := rows.Scan(
		&op.ID, &op.Kind, &op.Description, &op.Actor, &op.Source, &affectedTable,
		&filtersJSON, &executedQuery, &op.RowsAffected, &beforeJSON, &afterJSON,
		&op.StartedAt, &op.EndedAt, &op.DurationSecs, &op.Status, &errMsg, &metaJSON,
	)
	if err != nil {
		return op, eris.Wrap(err, "audit: scan operation")
	}
	if affectedTable != nil {
		op.AffectedTable = *affectedTable
	}
	if executedQuery != nil {
		op.ExecutedQuery = *executedQuery
	}
	if errMsg != nil {
		op.ErrorMessage = *errMsg
	}
	if filtersJSON != nil {
		_ = json.Unmarshal(filtersJSON, &op.Filters)
	}
	if beforeJSON != nil {
		_ = json.Unmarshal(beforeJSON, &op.BeforeState)
	}
	if afterJSON != nil {
		_ = json.Unmarshal(afterJSON, &op.AfterState)
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &op.Metadata)
	}
	return op, nil
}

// ListOperations returns operations matching the filter, most recent first.
func (q *Query) ListOperations(ctx context.Context, f OperationFilter) ([]model.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM audit.operations`

	var conditions []string
	var args []any
	argIdx := 1

	if f.Status != "" {
		conditions = append(conditions, "status = $"+strconv.Itoa(argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Kind != "" {
		conditions = append(conditions, "kind = $"+strconv.Itoa(argIdx))
		args = append(args, f.Kind)
		argIdx++
	}

	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT $" + strconv.Itoa(argIdx)
		args = append(args, f.Limit)
	}

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list operations")
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListSessions returns the most recent sessions, newest first.
func (q *Query) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	query := `SELECT id, kind, started_at, ended_at, duration_secs, status,
		records_analyzed, divergences_detected, corrections_applied,
		corrections_pending, errors_found, parameters, environment, result_summary
		FROM audit.sessions ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		var env, summary *string
		var paramsJSON []byte
		if err := rows.Scan(
			&s.ID, &s.Kind, &s.StartedAt, &s.EndedAt, &s.DurationSecs, &s.Status,
			&s.Metrics.RecordsAnalyzed, &s.Metrics.DivergencesDetected,
			&s.Metrics.CorrectionsApplied, &s.Metrics.CorrectionsPending,
			&s.Metrics.ErrorsFound, &paramsJSON, &env, &summary,
		); err != nil {
			return nil, eris.Wrap(err, "audit: scan session")
		}
		if env != nil {
			s.Environment = *env
		}
		if summary != nil {
			s.ResultSummary = *summary
		}
		if paramsJSON != nil {
			_ = json.Unmarshal(paramsJSON, &s.Parameters)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Metrics aggregates ledger counts across divergences, operations, and sessions.
func (q *Query) Metrics(ctx context.Context) (*MetricsSummary, error) {
	sum := &MetricsSummary{
		ByStatus: make(map[string]int64),
		ByKind:   make(map[string]int64),
	}

	rows, err := q.pool.Query(ctx,
		`SELECT status, kind, count(*) FROM audit.divergences GROUP BY status, kind`)
	if err != nil {
		return nil, eris.Wrap(err, "audit: metrics divergences")
	}
	defer rows.Close()
	for rows.Next() {
		var status, kind string
		var n int64
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return nil, eris.Wrap(err, "audit: scan metrics row")
		}
		sum.TotalDivergences += n
		sum.ByStatus[status] += n
		sum.ByKind[kind] += n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "audit: metrics divergences")
	}

	resolved := sum.ByStatus[string(model.StatusAutoApplied)] +
		sum.ByStatus[string(model.StatusApproved)]
	if sum.TotalDivergences > 0 {
		sum.ResolutionRate = float64(resolved) / float64(sum.TotalDivergences)
	}

	err = q.pool.QueryRow(ctx,
		`SELECT avg(EXTRACT(EPOCH FROM processed_at - detected_at) / 86400) FROM audit.divergences WHERE processed_at IS NOT NULL`,
	).Scan(&sum.AvgDaysToResolution)
	if err != nil {
		return nil, eris.Wrap(err, "audit: metrics resolution time")
	}

	err = q.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status = 'FAILED') FROM audit.operations`,
	).Scan(&sum.TotalOperations, &sum.FailedOperations)
	if err != nil {
		return nil, eris.Wrap(err, "audit: metrics operations")
	}

	err = q.pool.QueryRow(ctx, `SELECT count(*) FROM audit.sessions`).Scan(&sum.TotalSessions)
	if err != nil {
		return nil, eris.Wrap(err, "audit: metrics sessions")
	}

	return sum, nil
}

// StalePendingOperations returns PENDING operations older than the
// cutoff. These are orphans from crashed runs; the sweep command moves
// them to ROLLED_BACK.
func (q *Query) StalePendingOperations(ctx context.Context, olderThan time.Duration) ([]model.Operation, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := q.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM audit.operations
		 WHERE status = 'PENDING' AND started_at < $1
		 ORDER BY started_at`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "audit: stale pending operations")
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
