package alerting

import "vintrack/internal/domain"

// severityTable maps alert types to the severity the engine assigns them.
// Types absent from the table default to medium.
var severityTable = map[string]string{
	domain.AlertCriticalStepMissed:      domain.SeverityCritical,
	domain.AlertFermentationStalled:     domain.SeverityCritical,
	domain.AlertContaminationDetected:   domain.SeverityCritical,
	domain.AlertEquipmentFailure:        domain.SeverityCritical,
	domain.AlertCriticalStepLate:        domain.SeverityHigh,
	domain.AlertCriticalStepApproaching: domain.SeverityHigh,
	domain.AlertStepApproaching:         domain.SeverityMedium,
	domain.AlertDeviationDetected:       domain.SeverityMedium,
	domain.AlertAdvisory:                domain.SeverityMedium,
	domain.AlertStepCompleted:           domain.SeverityLow,
	domain.AlertProtocolUpdated:         domain.SeverityLow,
}

// SeverityFor returns the severity for an alert type.
func SeverityFor(alertType string) string {
	if s, ok := severityTable[alertType]; ok {
		return s
	}
	return domain.SeverityMedium
}

// KnownAlertType reports whether the type is in the severity table.
func KnownAlertType(alertType string) bool {
	_, ok := severityTable[alertType]
	return ok
}

// Channel names.
const (
	ChannelInApp = "in_app"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// BaseChannels returns the channels an alert of the given severity is routed
// to before per-user preferences are applied. Email carries everything;
// SMS only high and critical.
func BaseChannels(severity string) []string {
	channels := []string{ChannelInApp, ChannelEmail}
	if domain.SeverityRank(severity) >= domain.SeverityRank(domain.SeverityHigh) {
		channels = append(channels, ChannelSMS)
	}
	return channels
}
