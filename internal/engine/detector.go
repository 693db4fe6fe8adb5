package engine

import (
	"fmt"
	"time"

	"vintrack/internal/domain"
)

// Timing classifications.
const (
	TimingOnTime  = "on_time"
	TimingEarly   = "early"
	TimingLate    = "late"
	TimingUnknown = "unknown"
)

// The noise floor under which an early completion is not a deviation.
const earlyNoiseFloor = 24 * time.Hour

// TimingResult is the outcome of classifying one completion against its
// step's window.
type TimingResult struct {
	Classification string
	DaysVariance   int
	Severity       string
	ReasonCode     string
	Description    string
}

// ClassifyTiming is pure: it compares the actual completion time against the
// tolerance window around the step's expected time. Expected time is the
// execution start plus the step's day offset; the window extends
// tolerance_hours to each side.
func ClassifyTiming(step domain.InstanceStep, executionStart, actual time.Time) TimingResult {
	if step.TriggerType != domain.TriggerDayOffset {
		// Threshold-triggered steps have no clock expectation the detector
		// can resolve; the tracker records a data-quality advisory instead.
		return TimingResult{
			Classification: TimingUnknown,
			Severity:       domain.SeverityLow,
			ReasonCode:     "trigger_unresolved",
			Description:    fmt.Sprintf("step %q has trigger type %s; timing not classifiable", step.Name, step.TriggerType),
		}
	}
	expected := executionStart.Add(time.Duration(step.TriggerValue * 24 * float64(time.Hour)))
	tolerance := time.Duration(step.ToleranceHours) * time.Hour
	windowStart := expected.Add(-tolerance)
	windowEnd := expected.Add(tolerance)

	if !actual.Before(windowStart) && !actual.After(windowEnd) {
		return TimingResult{Classification: TimingOnTime}
	}
	if actual.Before(windowStart) {
		earlyBy := windowStart.Sub(actual)
		if earlyBy < earlyNoiseFloor {
			return TimingResult{Classification: TimingOnTime}
		}
		days := int(earlyBy.Hours() / 24)
		return TimingResult{
			Classification: TimingEarly,
			DaysVariance:   days,
			Severity:       domain.SeverityMedium,
			ReasonCode:     "completed_early",
			Description:    fmt.Sprintf("step %q completed %d day(s) before its window", step.Name, days),
		}
	}
	lateBy := actual.Sub(windowEnd)
	days := int(lateBy.Hours() / 24)
	return TimingResult{
		Classification: TimingLate,
		DaysVariance:   days,
		Severity:       lateSeverity(step.Critical, days),
		ReasonCode:     "completed_late",
		Description:    fmt.Sprintf("step %q completed %d day(s) after its window", step.Name, days),
	}
}

// lateSeverity maps whole days past the window to a severity. Lateness under
// a full day counts as zero days.
func lateSeverity(critical bool, days int) string {
	if critical {
		if days <= 1 {
			return domain.SeverityHigh
		}
		return domain.SeverityCritical
	}
	if days < 3 {
		return domain.SeverityLow
	}
	return domain.SeverityMedium
}

// Skip reason codes.
const (
	SkipConditionMet         = "condition_already_met"
	SkipFermentationComplete = "fermentation_complete"
	SkipExpertOverride       = "expert_override"
	SkipEquipmentFailure     = "equipment_failure"
	SkipFermentationFailure  = "fermentation_failure"
	SkipAlternativeMethod    = "alternative_method"
	SkipUnspecified          = "unspecified"
)

// skipRules is the static reason-code table: justified codes record no
// deviation at all.
var skipRules = map[string]struct{ Justified bool }{
	SkipConditionMet:         {Justified: true},
	SkipFermentationComplete: {Justified: true},
	SkipExpertOverride:       {Justified: true},
	SkipEquipmentFailure:     {Justified: false},
	SkipFermentationFailure:  {Justified: false},
	SkipAlternativeMethod:    {Justified: false},
	SkipUnspecified:          {Justified: false},
}

// KnownSkipReason reports whether the code is in the reason table.
func KnownSkipReason(code string) bool {
	_, ok := skipRules[code]
	return ok
}

// SkipResult describes how a skip is classified.
type SkipResult struct {
	Justified             bool
	Severity              string
	RequiresInvestigation bool
	Description           string
}

// ClassifySkip is pure. Unknown reason codes fall back to unspecified.
func ClassifySkip(step domain.InstanceStep, reasonCode string) SkipResult {
	rule, ok := skipRules[reasonCode]
	if !ok {
		rule = skipRules[SkipUnspecified]
	}
	if rule.Justified {
		return SkipResult{Justified: true}
	}
	severity := domain.SeverityMedium
	if step.Critical {
		severity = domain.SeverityCritical
	}
	return SkipResult{
		Severity:              severity,
		RequiresInvestigation: true,
		Description:           fmt.Sprintf("step %q skipped (%s)", step.Name, reasonCode),
	}
}

// QualityFinding is an advisory produced by the execution-quality checks.
type QualityFinding struct {
	ReasonCode  string
	Severity    string
	Description string
}

// CheckQuality runs heuristic pattern checks over a completion and its
// neighboring steps. Findings are advisory; they never block the write.
func CheckQuality(step domain.InstanceStep, completion domain.StepCompletion, steps []domain.InstanceStep, resolved map[string]domain.StepCompletion) []QualityFinding {
	var findings []QualityFinding
	if completion.Skipped {
		return findings
	}
	expectsValue := step.Measurement != "" || step.ExpectedValue != nil
	if expectsValue && completion.MeasuredValue == nil {
		findings = append(findings, QualityFinding{
			ReasonCode:  "measurement_missing",
			Severity:    domain.SeverityLow,
			Description: fmt.Sprintf("measurement step %q completed with no recorded value", step.Name),
		})
	}
	if completion.MeasuredValue != nil && step.ExpectedLow != nil && step.ExpectedHigh != nil {
		v := *completion.MeasuredValue
		if v < *step.ExpectedLow || v > *step.ExpectedHigh {
			findings = append(findings, QualityFinding{
				ReasonCode: "measurement_out_of_bounds",
				Severity:   domain.SeverityMedium,
				Description: fmt.Sprintf("step %q recorded %.2f outside expected range [%.2f, %.2f]",
					step.Name, v, *step.ExpectedLow, *step.ExpectedHigh),
			})
		}
	}
	for _, other := range steps {
		if other.ID == step.ID {
			continue
		}
		if other.Sequence != step.Sequence-1 && other.Sequence != step.Sequence+1 {
			continue
		}
		if int(other.TriggerValue) != int(step.TriggerValue) {
			continue
		}
		if c, ok := resolved[other.ID]; ok && c.Skipped {
			findings = append(findings, QualityFinding{
				ReasonCode: "adjacent_step_skipped",
				Severity:   domain.SeverityLow,
				Description: fmt.Sprintf("step %q completed while adjacent step %q due the same day was skipped",
					step.Name, other.Name),
			})
		}
	}
	return findings
}

// MeasuredWithinBounds reports whether a completion's value satisfies the
// step's expected range. Steps without bounds, and completions without a
// value, count as within.
func MeasuredWithinBounds(step domain.InstanceStep, completion domain.StepCompletion) bool {
	if completion.MeasuredValue == nil || step.ExpectedLow == nil || step.ExpectedHigh == nil {
		return true
	}
	v := *completion.MeasuredValue
	return v >= *step.ExpectedLow && v <= *step.ExpectedHigh
}
