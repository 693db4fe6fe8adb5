package alerting

import (
	"time"

	"vintrack/internal/domain"
)

// ShouldNotify applies per-user suppression to an alert. Critical alerts
// always go through; quiet hours and do-not-disturb only hold back the rest.
func ShouldNotify(pref domain.AlertPreference, severity string, now time.Time) bool {
	if severity == domain.SeverityCritical {
		return true
	}
	if pref.SuppressLow && severity == domain.SeverityLow {
		return false
	}
	if pref.DNDUntil != nil {
		until, err := time.Parse(time.RFC3339, *pref.DNDUntil)
		if err == nil && now.Before(until) {
			return false
		}
	}
	if inQuietHours(pref.QuietStart, pref.QuietEnd, now) {
		return false
	}
	return true
}

// inQuietHours checks the clock time against a HH:MM window. A window whose
// start is after its end crosses midnight.
func inQuietHours(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return false
	}
	s, err := minutesOfDay(start)
	if err != nil {
		return false
	}
	e, err := minutesOfDay(end)
	if err != nil {
		return false
	}
	if s == e {
		return false
	}
	n := now.Hour()*60 + now.Minute()
	if s < e {
		return n >= s && n < e
	}
	return n >= s || n < e
}

func minutesOfDay(clock string) (int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ChannelsFor intersects the alert's routed channels with the user's enabled
// ones. A channel without a recipient address is dropped for that user.
func ChannelsFor(pref domain.AlertPreference, routed []string) []string {
	var out []string
	for _, ch := range routed {
		switch ch {
		case ChannelInApp:
			if pref.InAppEnabled {
				out = append(out, ch)
			}
		case ChannelSMS:
			if pref.SMSEnabled && pref.SMSRecipient != "" {
				out = append(out, ch)
			}
		case ChannelEmail:
			if pref.EmailEnabled && pref.EmailRecipient != "" {
				out = append(out, ch)
			}
		}
	}
	return out
}
