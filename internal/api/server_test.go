package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/config"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/dealer-analytics/recon-cli/internal/report"
	"github.com/dealer-analytics/recon-cli/internal/session"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubRunner struct {
	result  *session.Result
	err     error
	gotOpts session.RunOpts
}

func (s *stubRunner) Run(_ context.Context, opts session.RunOpts) (*session.Result, error) {
	s.gotOpts = opts
	return s.result, s.err
}

func newTestServer(t *testing.T, runner Runner) (*Server, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	ledger := audit.NewLedger(mock)
	srv := NewServer(mock, audit.NewQuery(mock), apply.New(mock, ledger), runner,
		report.NewWriter(t.TempDir()), config.ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"https://lookerstudio.google.com"},
			WriteRateRPS:   100,
		})
	return srv, mock
}

func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

var divergenceCols = []string{
	"id", "operation_id", "invoice_id", "kind", "affected_field",
	"current_value", "expected_value", "applied_value", "period", "confidence",
	"violated_rules", "context", "status", "detected_at", "processed_at", "processed_by", "rejection_reason",
}

func fp(v float64) *float64 { return &v }

func divergenceRow(id int64, status string) []any {
	period := "2025-09"
	return []any{
		id, int64(42), "NF-1001", "TRADE_MARKETING_BONUS", "dept_bonus",
		fp(100.0), fp(150.0), (*float64)(nil), &period, 0.95,
		[]byte(`["DEPT_BONUS_MISMATCH"]`), []byte(nil), status, time.Now(),
		(*time.Time)(nil), (*string)(nil), (*string)(nil),
	}
}

func TestHandleHealth(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})
	mock.ExpectPing()

	rec := doRequest(srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleListDivergences(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})

	mock.ExpectQuery(`FROM audit\.divergences`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(divergenceCols).AddRow(divergenceRow(1, "DETECTED")...))

	rec := doRequest(srv, http.MethodGet, "/api/v1/divergences?status=DETECTED", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Divergences []model.DivergenceRecord `json:"divergences"`
		Count       int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "NF-1001", body.Divergences[0].InvoiceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleListDivergences_BadLimit(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})
	rec := doRequest(srv, http.MethodGet, "/api/v1/divergences?limit=99999", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetDivergence_NotFound(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})

	mock.ExpectQuery(`FROM audit\.divergences WHERE id`).
		WithArgs(int64(999)).
		WillReturnRows(pgxmock.NewRows(divergenceCols))

	rec := doRequest(srv, http.MethodGet, "/api/v1/divergences/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleProcess_ValidatesMode(t *testing.T) {
	runner := &stubRunner{}
	srv, _ := newTestServer(t, runner)

	rec := doRequest(srv, http.MethodPost, "/api/v1/divergences/process",
		map[string]string{"mode": "yolo", "actor": "dashboard"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.gotOpts.Actor, "runner must not be called")
}

func TestHandleProcess_RunsSession(t *testing.T) {
	runner := &stubRunner{result: &session.Result{
		SessionID: 9,
		Status:    model.SessionCompleted,
		Detected:  3,
	}}
	srv, _ := newTestServer(t, runner)

	rec := doRequest(srv, http.MethodPost, "/api/v1/divergences/process",
		map[string]string{"mode": "auto", "actor": "dashboard", "start": "2025-09-01"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apply.ModeAuto, runner.gotOpts.Mode)
	assert.Equal(t, model.SourceAPI, runner.gotOpts.Source)
	require.NotNil(t, runner.gotOpts.Start)
	assert.Contains(t, rec.Body.String(), `"session_id":9`)
}

func TestHandleApprove_MixedOutcomes(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})

	// First id: found and approved through the full correction path.
	mock.ExpectQuery(`FROM audit\.divergences WHERE id`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(divergenceCols).AddRow(divergenceRow(1, "DETECTED")...))
	mock.ExpectQuery("INSERT INTO audit.operations").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE dw.controlling SET dept_bonus").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE audit.divergences").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE audit.operations").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	// Second id: not found.
	mock.ExpectQuery(`FROM audit\.divergences WHERE id`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(divergenceCols))

	rec := doRequest(srv, http.MethodPost, "/api/v1/divergences/approve",
		map[string]any{"ids": []int64{1, 2}, "actor": "analyst"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Approved int             `json:"approved"`
		Errors   int             `json:"errors"`
		Details  []approveDetail `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Approved)
	assert.Equal(t, 1, body.Errors)
	require.Len(t, body.Details, 2)
	assert.Equal(t, "APPROVED", body.Details[0].Status)
	assert.Equal(t, "ERROR", body.Details[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReject_Conflict(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})

	mock.ExpectExec("UPDATE audit.divergences").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	rec := doRequest(srv, http.MethodPost, "/api/v1/divergences/5/reject",
		map[string]string{"actor": "analyst", "reason": "false positive"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReject_RequiresReason(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})
	rec := doRequest(srv, http.MethodPost, "/api/v1/divergences/5/reject",
		map[string]string{"actor": "analyst"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})

	mock.ExpectQuery("FROM audit.divergences GROUP BY status, kind").
		WillReturnRows(pgxmock.NewRows([]string{"status", "kind", "count"}).
			AddRow("DETECTED", "PENDING_VERIFICATION", int64(3)))
	mock.ExpectQuery("WHERE processed_at IS NOT NULL").
		WillReturnRows(pgxmock.NewRows([]string{"avg"}).AddRow((*float64)(nil)))
	mock.ExpectQuery("FROM audit.operations").
		WillReturnRows(pgxmock.NewRows([]string{"count", "failed"}).AddRow(int64(10), int64(1)))
	mock.ExpectQuery("FROM audit.sessions").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	rec := doRequest(srv, http.MethodGet, "/api/v1/metrics/summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_divergences":3`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleExport_CSV(t *testing.T) {
	srv, mock := newTestServer(t, &stubRunner{})

	mock.ExpectQuery(`FROM audit\.divergences`).
		WillReturnRows(pgxmock.NewRows(divergenceCols).AddRow(divergenceRow(1, "AUTO_APPLIED")...))

	rec := doRequest(srv, http.MethodGet, "/api/v1/reports/divergences/export?format=csv", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Body.String(), "NF-1001")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteLimiter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger := audit.NewLedger(mock)
	srv := NewServer(mock, audit.NewQuery(mock), apply.New(mock, ledger), &stubRunner{},
		report.NewWriter(t.TempDir()), config.ServerConfig{WriteRateRPS: 1})

	router := srv.Router()
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/divergences/process", bytes.NewBufferString("{}"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// Burst of 2, then throttled. The allowed requests fail validation
	// instead, never reaching the database.
	assert.Equal(t, http.StatusBadRequest, codes[0])
	assert.Equal(t, http.StatusBadRequest, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}
