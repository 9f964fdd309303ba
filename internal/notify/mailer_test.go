package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/config"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SeverityInfo, Classify(0))
	assert.Equal(t, SeverityInfo, Classify(5))
	assert.Equal(t, SeverityAttention, Classify(6))
	assert.Equal(t, SeverityAttention, Classify(10))
	assert.Equal(t, SeverityCritical, Classify(11))
}

func TestRenderAlert(t *testing.T) {
	body, err := renderAlert(alertData{
		Severity: SeverityCritical,
		Total:    25,
		Critical: 12,
		Pending:  13,
		Period:   "2025-09",
	})
	require.NoError(t, err)
	assert.Contains(t, body, "CRITICAL")
	assert.Contains(t, body, "<strong>25</strong>")
	assert.Contains(t, body, "2025-09")
}

func TestRenderSummary(t *testing.T) {
	body, err := renderSummary(summaryData{
		SessionID: 9,
		Status:    model.SessionPartial,
		Metrics: model.SessionMetrics{
			RecordsAnalyzed:     120,
			DivergencesDetected: 6,
			CorrectionsApplied:  4,
			CorrectionsPending:  1,
			ErrorsFound:         1,
		},
		Duration: "42s",
		Errors:   []string{"report generation failed"},
	})
	require.NoError(t, err)
	assert.Contains(t, body, "Session #9")
	assert.Contains(t, body, "PARTIAL")
	assert.Contains(t, body, "report generation failed")
}

func TestRenderSummary_NoErrorsSection(t *testing.T) {
	body, err := renderSummary(summaryData{
		SessionID: 10,
		Status:    model.SessionCompleted,
		Duration:  "5s",
	})
	require.NoError(t, err)
	assert.NotContains(t, body, "<h3>Errors</h3>")
}

func TestRenderFailure_EscapesHTML(t *testing.T) {
	body, err := renderFailure(failureData{
		Component: "detect",
		Message:   `connection refused: <script>alert(1)</script>`,
		At:        time.Now().Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Contains(t, body, "detect")
	assert.NotContains(t, body, "<script>")
}

func TestSend_DisabledIsNoop(t *testing.T) {
	m := NewMailer(config.SMTPConfig{})

	err := m.AlertDivergences(context.Background(), 5, 1, 4, "2025-09", "")
	assert.NoError(t, err)

	err = m.SessionSummary(context.Background(), 1, model.SessionCompleted, model.SessionMetrics{}, time.Minute, nil)
	assert.NoError(t, err)

	err = m.AlertCriticalFailure(context.Background(), "detect", "boom")
	assert.NoError(t, err)
}
