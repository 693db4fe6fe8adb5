package server

// Request payloads

type StepRequest struct {
	Sequence       int      `json:"sequence"`
	Name           string   `json:"name"`
	TriggerType    string   `json:"trigger_type" enum:"day_offset,measurement_threshold"`
	TriggerValue   float64  `json:"trigger_value"`
	ToleranceHours int      `json:"tolerance_hours"`
	Measurement    string   `json:"measurement,omitempty"`
	Critical       bool     `json:"critical,omitempty"`
	ExpectedValue  *float64 `json:"expected_value,omitempty"`
	ExpectedLow    *float64 `json:"expected_low,omitempty"`
	ExpectedHigh   *float64 `json:"expected_high,omitempty"`
}

type CreateProtocolRequest struct {
	VarietalCode string        `json:"varietal_code"`
	Version      int           `json:"version"`
	Steps        []StepRequest `json:"steps,omitempty"`
}

type NewVersionRequest struct {
	Version int `json:"version,omitempty"`
}

type InstantiateRequest struct {
	ProtocolID     string `json:"protocol_id"`
	FermentationID string `json:"fermentation_id"`
}

type CustomizeRequest struct {
	StepID         string   `json:"step_id"`
	Kind           string   `json:"kind" enum:"tolerance_adjustment,timing_adjustment,notes_addition"`
	ToleranceHours int      `json:"tolerance_hours,omitempty"`
	TriggerValue   *float64 `json:"trigger_value,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Reason         string   `json:"reason"`
}

type RecordCompletionRequest struct {
	StepID        string   `json:"step_id"`
	CompletedAt   string   `json:"completed_at,omitempty" format:"date-time"`
	MeasuredValue *float64 `json:"measured_value,omitempty"`
	Note          string   `json:"note,omitempty"`
}

type RecordSkipRequest struct {
	StepID     string `json:"step_id"`
	Reason     string `json:"reason,omitempty" enum:"condition_already_met,fermentation_complete,expert_override,equipment_failure,fermentation_failure,alternative_method,unspecified"`
	Note       string `json:"note,omitempty"`
	RecordedAt string `json:"recorded_at,omitempty" format:"date-time"`
}

type AckRequest struct {
	Note string `json:"note,omitempty"`
}

type RaiseAlertRequest struct {
	Type           string `json:"type"`
	ExecutionID    string `json:"execution_id,omitempty"`
	FermentationID string `json:"fermentation_id,omitempty"`
	Title          string `json:"title"`
	Message        string `json:"message,omitempty"`
	Action         string `json:"recommended_action,omitempty"`
}

type PreferenceRequest struct {
	InAppEnabled   bool    `json:"in_app_enabled"`
	SMSEnabled     bool    `json:"sms_enabled"`
	EmailEnabled   bool    `json:"email_enabled"`
	SuppressLow    bool    `json:"suppress_low,omitempty"`
	QuietStart     string  `json:"quiet_start,omitempty"`
	QuietEnd       string  `json:"quiet_end,omitempty"`
	DNDUntil       *string `json:"dnd_until,omitempty" format:"date-time"`
	SMSRecipient   string  `json:"sms_recipient,omitempty"`
	EmailRecipient string  `json:"email_recipient,omitempty"`
}

type CreateFermentationRequest struct {
	ID        string `json:"id,omitempty"`
	BatchName string `json:"batch_name"`
	StartDate string `json:"start_date,omitempty" format:"date-time"`
}
