package domain

// Protocol lifecycle states.
const (
	ProtocolDraft      = "draft"
	ProtocolFinal      = "final"
	ProtocolDeprecated = "deprecated"
)

// Execution lifecycle states.
const (
	ExecutionNotStarted = "not_started"
	ExecutionActive     = "active"
	ExecutionDone       = "done"
)

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank returns an ordering value for a severity string; unknown
// severities rank below low.
func SeverityRank(s string) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type Protocol struct {
	ID           string  `json:"id"`
	WineryID     string  `json:"winery_id"`
	VarietalCode string  `json:"varietal_code"`
	VarietalName string  `json:"varietal_name,omitempty"`
	Version      int     `json:"version"`
	Status       string  `json:"status" enum:"draft,final,deprecated"`
	CreatedBy    string  `json:"created_by"`
	ApprovedBy   *string `json:"approved_by,omitempty"`
	ApprovedAt   *string `json:"approved_at,omitempty" format:"date-time"`
	EffectiveEnd *string `json:"effective_end,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Step trigger types.
const (
	TriggerDayOffset = "day_offset"
	TriggerThreshold = "measurement_threshold"
)

type Step struct {
	ID             string   `json:"id"`
	ProtocolID     string   `json:"protocol_id"`
	Sequence       int      `json:"sequence"`
	Name           string   `json:"name"`
	TriggerType    string   `json:"trigger_type" enum:"day_offset,measurement_threshold"`
	TriggerValue   float64  `json:"trigger_value"`
	ToleranceHours int      `json:"tolerance_hours"`
	Measurement    string   `json:"measurement,omitempty"`
	Critical       bool     `json:"critical"`
	ExpectedValue  *float64 `json:"expected_value,omitempty"`
	ExpectedLow    *float64 `json:"expected_low,omitempty"`
	ExpectedHigh   *float64 `json:"expected_high,omitempty"`
}

type Instance struct {
	ID              string `json:"id"`
	ProtocolID      string `json:"protocol_id"`
	ProtocolVersion int    `json:"protocol_version"`
	FermentationID  string `json:"fermentation_id"`
	WineryID        string `json:"winery_id"`
	Status          string `json:"status"`
	CreatedBy       string `json:"created_by"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// InstanceStep is the per-fermentation copy of a template step. Customization
// mutates the copy only, never the template row it came from.
type InstanceStep struct {
	ID             string   `json:"id"`
	InstanceID     string   `json:"instance_id"`
	TemplateStepID string   `json:"template_step_id"`
	Sequence       int      `json:"sequence"`
	Name           string   `json:"name"`
	TriggerType    string   `json:"trigger_type" enum:"day_offset,measurement_threshold"`
	TriggerValue   float64  `json:"trigger_value"`
	ToleranceHours int      `json:"tolerance_hours"`
	Measurement    string   `json:"measurement,omitempty"`
	Critical       bool     `json:"critical"`
	ExpectedValue  *float64 `json:"expected_value,omitempty"`
	ExpectedLow    *float64 `json:"expected_low,omitempty"`
	ExpectedHigh   *float64 `json:"expected_high,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// Customization kinds.
const (
	CustomizeTolerance = "tolerance_adjustment"
	CustomizeTiming    = "timing_adjustment"
	CustomizeNotes     = "notes_addition"
)

type Customization struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Kind       string `json:"kind" enum:"tolerance_adjustment,timing_adjustment,notes_addition"`
	OldValue   string `json:"old_value"`
	NewValue   string `json:"new_value"`
	Reason     string `json:"reason"`
	ActorID    string `json:"actor_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Execution struct {
	ID              string  `json:"id"`
	InstanceID      string  `json:"instance_id"`
	FermentationID  string  `json:"fermentation_id"`
	WineryID        string  `json:"winery_id"`
	Status          string  `json:"status" enum:"not_started,active,done"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	TotalSteps      int     `json:"total_steps"`
	CompletedSteps  int     `json:"completed_steps"`
	OnTimeSteps     int     `json:"on_time_steps"`
	LateSteps       int     `json:"late_steps"`
	SkippedSteps    int     `json:"skipped_steps"`
	WithinTolerance int     `json:"within_tolerance_steps"`
	OutOfTolerance  int     `json:"out_of_tolerance_steps"`
	CriticalSkipped int     `json:"critical_skipped_steps"`
	ComplianceScore float64 `json:"compliance_score"`
}

type StepCompletion struct {
	ID            string   `json:"id"`
	ExecutionID   string   `json:"execution_id"`
	StepID        string   `json:"step_id"`
	Skipped       bool     `json:"skipped"`
	SkipReason    string   `json:"skip_reason,omitempty"`
	CompletedAt   string   `json:"completed_at" format:"date-time"`
	MeasuredValue *float64 `json:"measured_value,omitempty"`
	Note          string   `json:"note,omitempty"`
	ActorID       string   `json:"actor_id"`
}

// Deviation kinds.
const (
	DeviationTiming  = "timing"
	DeviationSkip    = "skip"
	DeviationQuality = "execution_quality"
)

// Deviation is an append-only audit record. Rows are acknowledged, never
// deleted.
type Deviation struct {
	ID                    string  `json:"id"`
	Kind                  string  `json:"kind" enum:"timing,skip,execution_quality"`
	ExecutionID           string  `json:"execution_id"`
	StepID                string  `json:"step_id"`
	Severity              string  `json:"severity" enum:"low,medium,high,critical"`
	ReasonCode            string  `json:"reason_code"`
	Description           string  `json:"description"`
	DaysVariance          int     `json:"days_variance,omitempty"`
	RequiresInvestigation bool    `json:"requires_investigation,omitempty"`
	AckNote               *string `json:"ack_note,omitempty"`
	AckBy                 *string `json:"ack_by,omitempty"`
	AckAt                 *string `json:"ack_at,omitempty" format:"date-time"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

// Alert types, grouped by the severity the lookup table assigns them.
const (
	AlertCriticalStepMissed      = "critical_step_missed"
	AlertFermentationStalled     = "fermentation_stalled"
	AlertContaminationDetected   = "contamination_detected"
	AlertEquipmentFailure        = "equipment_failure"
	AlertCriticalStepLate        = "critical_step_late"
	AlertCriticalStepApproaching = "critical_step_approaching"
	AlertStepApproaching         = "step_approaching"
	AlertDeviationDetected       = "deviation_detected"
	AlertAdvisory                = "advisory"
	AlertStepCompleted           = "step_completed"
	AlertProtocolUpdated         = "protocol_updated"
)

type Alert struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Severity       string   `json:"severity" enum:"low,medium,high,critical"`
	WineryID       string   `json:"winery_id"`
	ExecutionID    string   `json:"execution_id,omitempty"`
	StepID         string   `json:"step_id,omitempty"`
	DeviationID    string   `json:"deviation_id,omitempty"`
	FermentationID string   `json:"fermentation_id,omitempty"`
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	Action         string   `json:"recommended_action,omitempty"`
	Channels       []string `json:"channels"`
	AckBy          *string  `json:"ack_by,omitempty"`
	AckAt          *string  `json:"ack_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type AlertPreference struct {
	UserID         string  `json:"user_id"`
	WineryID       string  `json:"winery_id"`
	InAppEnabled   bool    `json:"in_app_enabled"`
	SMSEnabled     bool    `json:"sms_enabled"`
	EmailEnabled   bool    `json:"email_enabled"`
	SuppressLow    bool    `json:"suppress_low"`
	QuietStart     string  `json:"quiet_start,omitempty"`
	QuietEnd       string  `json:"quiet_end,omitempty"`
	DNDUntil       *string `json:"dnd_until,omitempty" format:"date-time"`
	SMSRecipient   string  `json:"sms_recipient,omitempty"`
	EmailRecipient string  `json:"email_recipient,omitempty"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// CachedAlert is the durable per-user copy of an alert for offline clients.
// Its acknowledgment state is independent of the live Alert row so a
// disconnected client can ack and reconcile later.
type CachedAlert struct {
	ID             string  `json:"id"`
	AlertID        string  `json:"alert_id"`
	UserID         string  `json:"user_id"`
	FermentationID string  `json:"fermentation_id,omitempty"`
	Severity       string  `json:"severity" enum:"low,medium,high,critical"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	AckAt          *string `json:"ack_at,omitempty" format:"date-time"`
	ExpiresAt      string  `json:"expires_at" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Fermentation is the read-only batch context consumed from the
// fermentation domain.
type Fermentation struct {
	ID        string `json:"id"`
	WineryID  string `json:"winery_id"`
	BatchName string `json:"batch_name"`
	StartDate string `json:"start_date" format:"date-time"`
	Status    string `json:"status"`
	CreatedBy string `json:"created_by"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WineryID   string `json:"winery_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
