// Package model defines the core domain types shared across detection,
// correction, and the audit ledger.
package model

import "time"

// Kind identifies the rule family that produced a divergence.
type Kind string

const (
	KindTradeMarketingBonus Kind = "TRADE_MARKETING_BONUS"
	KindTradeMarketingTrade Kind = "TRADE_MARKETING_TRADE"
	KindPendingVerification Kind = "PENDING_VERIFICATION"
	KindValueValidation     Kind = "VALUE_VALIDATION"
)

// AutoApplicable reports whether this kind has an unambiguous corrected
// value and therefore may be written without human approval.
func (k Kind) AutoApplicable() bool {
	return k == KindTradeMarketingBonus || k == KindTradeMarketingTrade
}

// DivergenceStatus is the processing state of a persisted divergence.
// Transitions are one-directional: DETECTED is the only non-terminal
// status.
type DivergenceStatus string

const (
	StatusDetected    DivergenceStatus = "DETECTED"
	StatusApproved    DivergenceStatus = "APPROVED"
	StatusRejected    DivergenceStatus = "REJECTED"
	StatusAutoApplied DivergenceStatus = "AUTO_APPLIED"
)

// Terminal reports whether a divergence in this status can still change.
func (s DivergenceStatus) Terminal() bool {
	return s != StatusDetected
}

// OperationStatus is the lifecycle state of an audited operation.
type OperationStatus string

const (
	OpPending    OperationStatus = "PENDING"
	OpSuccess    OperationStatus = "SUCCESS"
	OpFailed     OperationStatus = "FAILED"
	OpRolledBack OperationStatus = "ROLLED_BACK"
)

// OperationSource records what initiated an audited operation.
type OperationSource string

const (
	SourceManual     OperationSource = "MANUAL"
	SourceAPI        OperationSource = "API"
	SourceAutomation OperationSource = "AUTOMATION"
)

// SessionKind classifies a processing session.
type SessionKind string

const (
	SessionDailyAuto    SessionKind = "DAILY_AUTO"
	SessionManualRun    SessionKind = "MANUAL_RUN"
	SessionReprocessing SessionKind = "REPROCESSING"
)

// SessionStatus is the lifecycle state of a processing session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionPartial   SessionStatus = "PARTIAL"
)

// Divergence is a detected mismatch between a recorded value and the
// value a business rule expects. It is transient: the detector produces
// it, the applier consumes it, and only the ledger persists it.
// Confidence is fixed per rule at creation and never mutated.
type Divergence struct {
	InvoiceID     string         `json:"invoice_id"`
	Kind          Kind           `json:"kind"`
	AffectedField string         `json:"affected_field"`
	CurrentValue  *float64       `json:"current_value,omitempty"`
	ExpectedValue *float64       `json:"expected_value,omitempty"`
	Period        string         `json:"period,omitempty"`
	Confidence    float64        `json:"confidence"`
	ViolatedRules []string       `json:"violated_rules"`
	Context       map[string]any `json:"context,omitempty"`
}

// DivergenceRecord is a persisted divergence row from audit.divergences.
type DivergenceRecord struct {
	ID              int64            `json:"id"`
	OperationID     int64            `json:"operation_id"`
	InvoiceID       string           `json:"invoice_id"`
	Kind            Kind             `json:"kind"`
	AffectedField   string           `json:"affected_field"`
	CurrentValue    *float64         `json:"current_value,omitempty"`
	ExpectedValue   *float64         `json:"expected_value,omitempty"`
	AppliedValue    *float64         `json:"applied_value,omitempty"`
	Period          string           `json:"period,omitempty"`
	Confidence      float64          `json:"confidence"`
	ViolatedRules   []string         `json:"violated_rules"`
	Context         map[string]any   `json:"context,omitempty"`
	Status          DivergenceStatus `json:"status"`
	DetectedAt      time.Time        `json:"detected_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	ProcessedBy     string           `json:"processed_by,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
}

// Operation is a persisted row from audit.operations. BeforeState and
// AfterState snapshot the touched warehouse fields around a correction.
type Operation struct {
	ID            int64           `json:"id"`
	Kind          string          `json:"kind"`
	Description   string          `json:"description"`
	Actor         string          `json:"actor"`
	Source        OperationSource `json:"source"`
	AffectedTable string          `json:"affected_table,omitempty"`
	Filters       map[string]any  `json:"filters,omitempty"`
	ExecutedQuery string          `json:"executed_query,omitempty"`
	RowsAffected  int64           `json:"rows_affected"`
	BeforeState   map[string]any  `json:"before_state,omitempty"`
	AfterState    map[string]any  `json:"after_state,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	DurationSecs  *float64        `json:"duration_secs,omitempty"`
	Status        OperationStatus `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// SessionMetrics are the aggregate counts a session finalizes with.
type SessionMetrics struct {
	RecordsAnalyzed     int `json:"records_analyzed"`
	DivergencesDetected int `json:"divergences_detected"`
	CorrectionsApplied  int `json:"corrections_applied"`
	CorrectionsPending  int `json:"corrections_pending"`
	ErrorsFound         int `json:"errors_found"`
}

// Session is a persisted row from audit.sessions wrapping one full
// detect, apply, report, notify run.
type Session struct {
	ID            int64          `json:"id"`
	Kind          SessionKind    `json:"kind"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	DurationSecs  *int           `json:"duration_secs,omitempty"`
	Status        SessionStatus  `json:"status"`
	Metrics       SessionMetrics `json:"metrics"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
}
