package audit

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealer-analytics/recon-cli/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func TestBeginOperation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	query := "UPDATE dw.controlling SET dept_bonus = $1 WHERE invoice_id = $2"
	mock.ExpectQuery("INSERT INTO audit.operations").
		WithArgs("CORRECTION", "auto-apply trade marketing corrections", "recon-cli",
			"AUTOMATION", "dw.controlling", []byte(`{"invoice_id":"NF-1001"}`), &query,
			[]byte(`{"confidence":0.95}`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	ledger := NewLedger(mock)
	id, err := ledger.BeginOperation(context.Background(), OperationStart{
		Kind:          "CORRECTION",
		Description:   "auto-apply trade marketing corrections",
		Actor:         "recon-cli",
		Source:        model.SourceAutomation,
		AffectedTable: "dw.controlling",
		Filters:       map[string]any{"invoice_id": "NF-1001"},
		ExecutedQuery: query,
		Metadata:      map[string]any{"confidence": 0.95},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginOperation_DefaultsSourceManual(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO audit.operations").
		WithArgs("DETECTION", "", "analyst", "MANUAL", "",
			[]byte(nil), (*string)(nil), []byte(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	ledger := NewLedger(mock)
	id, err := ledger.BeginOperation(context.Background(), OperationStart{
		Kind:  "DETECTION",
		Actor: "analyst",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndOperation_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE audit.operations").
		WithArgs("SUCCESS", int64(5), []byte(`{"dept_bonus":100}`), []byte(`{"dept_bonus":150}`),
			(*string)(nil), int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ledger := NewLedger(mock)
	err = ledger.EndOperation(context.Background(), 42, OperationEnd{
		Status:       model.OpSuccess,
		RowsAffected: 5,
		Before:       map[string]any{"dept_bonus": 100.0},
		After:        map[string]any{"dept_bonus": 150.0},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndOperation_FailedWithMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := "update rejected by constraint"
	mock.ExpectExec("UPDATE audit.operations").
		WithArgs("FAILED", int64(0), []byte(nil), []byte(nil), &msg, int64(43)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ledger := NewLedger(mock)
	err = ledger.EndOperation(context.Background(), 43, OperationEnd{
		Status:       model.OpFailed,
		ErrorMessage: msg,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDivergence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO audit.divergences").
		WithArgs(int64(42), "NF-1001", "TRADE_MARKETING_BONUS", "dept_bonus",
			floatPtr(100.0), floatPtr(150.0), "2025-09", 0.95,
			[]byte(`["bonus_value_mismatch"]`), []byte(`{"delta":50}`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(101)))

	ledger := NewLedger(mock)
	id, err := ledger.RecordDivergence(context.Background(), mock, 42, model.Divergence{
		InvoiceID:     "NF-1001",
		Kind:          model.KindTradeMarketingBonus,
		AffectedField: "dept_bonus",
		CurrentValue:  floatPtr(100.0),
		ExpectedValue: floatPtr(150.0),
		Period:        "2025-09",
		Confidence:    0.95,
		ViolatedRules: []string{"bonus_value_mismatch"},
		Context:       map[string]any{"delta": 50.0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDivergenceStatus_AutoApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE audit.divergences").
		WithArgs("AUTO_APPLIED", "recon-cli", floatPtr(150.0), (*string)(nil), int64(101)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ledger := NewLedger(mock)
	err = ledger.UpdateDivergenceStatus(context.Background(), mock, 101, StatusUpdate{
		Status:       model.StatusAutoApplied,
		ProcessedBy:  "recon-cli",
		AppliedValue: floatPtr(150.0),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDivergenceStatus_AlreadyTerminal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The guarded WHERE matches zero rows when the divergence already
	// left DETECTED.
	mock.ExpectExec("UPDATE audit.divergences").
		WithArgs("APPROVED", "analyst", (*float64)(nil), (*string)(nil), int64(101)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ledger := NewLedger(mock)
	err = ledger.UpdateDivergenceStatus(context.Background(), mock, 101, StatusUpdate{
		Status:      model.StatusApproved,
		ProcessedBy: "analyst",
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrTerminalStatus))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDivergenceStatus_RejectedWithReason(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	reason := "value confirmed against source invoice"
	mock.ExpectExec("UPDATE audit.divergences").
		WithArgs("REJECTED", "analyst", (*float64)(nil), &reason, int64(102)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ledger := NewLedger(mock)
	err = ledger.UpdateDivergenceStatus(context.Background(), mock, 102, StatusUpdate{
		Status:          model.StatusRejected,
		ProcessedBy:     "analyst",
		RejectionReason: reason,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginAndEndSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO audit.sessions").
		WithArgs("DAILY_AUTO", []byte(`{"mode":"auto"}`), "PRODUCTION").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)))

	mock.ExpectExec("UPDATE audit.sessions").
		WithArgs("COMPLETED", 120, 6, 4, 2, 0, "6 divergences, 4 auto-applied", int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ledger := NewLedger(mock)
	id, err := ledger.BeginSession(context.Background(), model.SessionDailyAuto, "PRODUCTION",
		map[string]any{"mode": "auto"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	err = ledger.EndSession(context.Background(), id, model.SessionCompleted, model.SessionMetrics{
		RecordsAnalyzed:     120,
		DivergencesDetected: 6,
		CorrectionsApplied:  4,
		CorrectionsPending:  2,
	}, "6 divergences, 4 auto-applied")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
