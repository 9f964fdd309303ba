package detect

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/db"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

// Options narrows a detection run. Nil Start/End means no date filter;
// empty Kind runs every rule family.
type Options struct {
	Start         *time.Time
	End           *time.Time
	Kind          model.Kind
	MinConfidence float64
}

// Detector evaluates the review view against the reconciliation rules.
type Detector struct {
	pool  db.Querier
	rules Rules
	log   *zap.Logger
}

// New creates a Detector with the given rule tunables.
func New(pool db.Querier, rules Rules) *Detector {
	return &Detector{
		pool:  pool,
		rules: rules,
		log:   zap.L().With(zap.String("component", "detect")),
	}
}

// Detect runs the selected rule families and returns divergences at or
// above MinConfidence. Any query error aborts the whole run.
func (d *Detector) Detect(ctx context.Context, opts Options) ([]model.Divergence, error) {
	var all []model.Divergence

	if runKind(opts.Kind, model.KindTradeMarketingBonus) || runKind(opts.Kind, model.KindTradeMarketingTrade) {
		divs, err := d.detectTradeMarketing(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, divs...)
	}

	if runKind(opts.Kind, model.KindPendingVerification) {
		divs, err := d.detectPendingVerification(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, divs...)
	}

	if runKind(opts.Kind, model.KindValueValidation) {
		divs, err := d.detectValueRange(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, divs...)
	}

	if opts.MinConfidence > 0 {
		filtered := all[:0]
		for _, div := range all {
			if div.Confidence >= opts.MinConfidence {
				filtered = append(filtered, div)
			}
		}
		all = filtered
	}

	d.log.Info("detection complete",
		zap.Int("divergences", len(all)),
		zap.Float64("min_confidence", opts.MinConfidence))
	return all, nil
}

func runKind(requested, candidate model.Kind) bool {
	return requested == "" || requested == candidate
}

// detectTradeMarketing finds rows flagged for review where the
// controlling columns drifted from the source invoice values. Each
// differing field pair emits its own divergence.
func (d *Detector) detectTradeMarketing(ctx context.Context, opts Options) ([]model.Divergence, error) {
	query := `SELECT invoice_id, period, bonus_value, trade_value, dept_bonus, dept_trade
		FROM dw.bonus_review WHERE annotation = $1`
	args := []any{ReviewAnnotation}
	query, args = appendDateFilter(query, args, opts)

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "detect: query trade marketing rows")
	}
	defer rows.Close()

	var divs []model.Divergence
	for rows.Next() {
		var invoiceID string
		var period *string
		var bonusValue, tradeValue, deptBonus, deptTrade *float64
		if err := rows.Scan(&invoiceID, &period, &bonusValue, &tradeValue, &deptBonus, &deptTrade); err != nil {
			return nil, eris.Wrap(err, "detect: scan trade marketing row")
		}

		p := deref(period)
		if div, ok := fieldMismatch(invoiceID, p, "dept_bonus", deptBonus, bonusValue,
			model.KindTradeMarketingBonus, "DEPT_BONUS_MISMATCH", d.rules.FieldTolerance); ok {
			divs = append(divs, div)
		}
		if div, ok := fieldMismatch(invoiceID, p, "dept_trade", deptTrade, tradeValue,
			model.KindTradeMarketingTrade, "DEPT_TRADE_MISMATCH", d.rules.FieldTolerance); ok {
			divs = append(divs, div)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "detect: trade marketing rows")
	}
	return divs, nil
}

// fieldMismatch emits a divergence when current and expected differ by
// more than the tolerance. A NULL value counts as zero: a department
// column that was never filled in diverges from a non-zero invoice
// value and is correctable like any other mismatch.
func fieldMismatch(invoiceID, period, field string, current, expected *float64, kind model.Kind, rule string, tolerance float64) (model.Divergence, bool) {
	cur := coalesce(current)
	exp := coalesce(expected)
	delta := math.Abs(cur - exp)
	if delta <= tolerance {
		return model.Divergence{}, false
	}
	return model.Divergence{
		InvoiceID:     invoiceID,
		Kind:          kind,
		AffectedField: field,
		CurrentValue:  &cur,
		ExpectedValue: &exp,
		Period:        period,
		Confidence:    TradeMarketingConfidence,
		ViolatedRules: []string{rule},
		Context:       map[string]any{"delta": delta},
	}, true
}

// detectPendingVerification flags rows stuck in PENDING VERIFICATION
// inside the configured review window.
func (d *Detector) detectPendingVerification(ctx context.Context, opts Options) ([]model.Divergence, error) {
	winStart, winEnd, err := d.rules.pendingWindow()
	if err != nil {
		return nil, err
	}

	query := `SELECT invoice_id, period, processed_at
		FROM dw.bonus_review
		WHERE bonus_status = $1 AND processed_at >= $2 AND processed_at < $3`
	args := []any{PendingStatus, winStart, winEnd}
	query, args = appendDateFilter(query, args, opts)

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "detect: query pending verification rows")
	}
	defer rows.Close()

	now := time.Now()
	var divs []model.Divergence
	for rows.Next() {
		var invoiceID string
		var period *string
		var processedAt *time.Time
		if err := rows.Scan(&invoiceID, &period, &processedAt); err != nil {
			return nil, eris.Wrap(err, "detect: scan pending verification row")
		}

		ctxMap := map[string]any{}
		if processedAt != nil {
			ctxMap["days_pending"] = int(now.Sub(*processedAt).Hours() / 24)
		}
		divs = append(divs, model.Divergence{
			InvoiceID:     invoiceID,
			Kind:          model.KindPendingVerification,
			AffectedField: "bonus_status",
			Period:        deref(period),
			Confidence:    PendingConfidence,
			ViolatedRules: []string{"PENDING_VERIFICATION_AGED"},
			Context:       ctxMap,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "detect: pending verification rows")
	}

	if len(divs) > 0 {
		d.log.Info("pending verification volume",
			zap.Int("count", len(divs)),
			zap.String("severity", string(ClassifyPendingVolume(len(divs)))))
	}
	return divs, nil
}

// detectValueRange flags rows whose monitored values fall outside
// business bounds. ViolatedRules enumerates every failed bound.
func (d *Detector) detectValueRange(ctx context.Context, opts Options) ([]model.Divergence, error) {
	query := `SELECT invoice_id, period, bonus_value, trade_value, dept_bonus
		FROM dw.bonus_review
		WHERE (bonus_value < 0 OR trade_value < 0 OR dept_bonus < 0
		   OR bonus_value > $1 OR trade_value > $1)`
	args := []any{d.rules.ValueUpperBound}
	query, args = appendDateFilter(query, args, opts)

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "detect: query value range rows")
	}
	defer rows.Close()

	var divs []model.Divergence
	for rows.Next() {
		var invoiceID string
		var period *string
		var bonusValue, tradeValue, deptBonus *float64
		if err := rows.Scan(&invoiceID, &period, &bonusValue, &tradeValue, &deptBonus); err != nil {
			return nil, eris.Wrap(err, "detect: scan value range row")
		}

		var violated []string
		var affected string
		var current *float64
		check := func(field string, v *float64, negRule, outlierRule string) {
			if v == nil {
				return
			}
			if *v < 0 {
				violated = append(violated, negRule)
			} else if outlierRule != "" && *v > d.rules.ValueUpperBound {
				violated = append(violated, outlierRule)
			} else {
				return
			}
			if affected == "" {
				affected = field
				current = v
			}
		}
		check("bonus_value", bonusValue, "BONUS_NEGATIVE", "BONUS_OUTLIER")
		check("trade_value", tradeValue, "TRADE_NEGATIVE", "TRADE_OUTLIER")
		check("dept_bonus", deptBonus, "DEPT_BONUS_NEGATIVE", "")

		if len(violated) == 0 {
			continue
		}
		divs = append(divs, model.Divergence{
			InvoiceID:     invoiceID,
			Kind:          model.KindValueValidation,
			AffectedField: affected,
			CurrentValue:  current,
			Period:        deref(period),
			Confidence:    ValueRangeConfidence,
			ViolatedRules: violated,
			Context:       map[string]any{"upper_bound": d.rules.ValueUpperBound},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "detect: value range rows")
	}
	return divs, nil
}

// appendDateFilter adds the optional processed_at range from Options.
func appendDateFilter(query string, args []any, opts Options) (string, []any) {
	if opts.Start != nil {
		args = append(args, *opts.Start)
		query += " AND processed_at >= $" + strconv.Itoa(len(args))
	}
	if opts.End != nil {
		args = append(args, *opts.End)
		query += " AND processed_at < $" + strconv.Itoa(len(args))
	}
	return query, args
}

func coalesce(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
