package alerting

import (
	"context"
	"log"
	"sort"
	"time"

	"vintrack/internal/domain"
	"vintrack/internal/repo"
)

const routerQueueSize = 256

// Router fans an alert out to each recipient's enabled channels after the
// raising transaction has committed. Delivery failures are logged and never
// propagate back to the operation that raised the alert.
type Router struct {
	Repo  repo.Repo
	SMS   Channel
	Email Channel
	Now   func() time.Time

	queue chan domain.Alert
}

func NewRouter(r repo.Repo, sms, email Channel) *Router {
	return &Router{
		Repo:  r,
		SMS:   sms,
		Email: email,
		queue: make(chan domain.Alert, routerQueueSize),
	}
}

// Start runs the delivery worker until ctx is done.
func (rt *Router) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-rt.queue:
				rt.deliver(ctx, alert)
			}
		}
	}()
}

// Enqueue hands an alert to the worker. A full queue drops the delivery with
// a log line; the alert row and its cached copies are already durable.
func (rt *Router) Enqueue(alert domain.Alert) {
	select {
	case rt.queue <- alert:
	default:
		log.Printf("alert router: queue full, dropping delivery for alert %s", alert.ID)
	}
}

func (rt *Router) deliver(ctx context.Context, alert domain.Alert) {
	recipients, err := rt.Repo.ListAlertRecipients(ctx, alert.WineryID)
	if err != nil {
		log.Printf("alert router: list recipients failed: %v", err)
		return
	}
	now := rt.now()
	used := map[string]bool{}
	for _, pref := range recipients {
		if !ShouldNotify(pref, alert.Severity, now) {
			continue
		}
		for _, ch := range ChannelsFor(pref, alert.Channels) {
			switch ch {
			case ChannelInApp:
				// The cached copy written at raise time is the in-app
				// delivery; nothing to push.
				used[ChannelInApp] = true
			case ChannelSMS:
				if rt.sendSMS(ctx, pref, alert) {
					used[ChannelSMS] = true
				}
			case ChannelEmail:
				if rt.sendEmail(ctx, pref.EmailRecipient, alert) {
					used[ChannelEmail] = true
				}
			}
		}
	}
	if len(used) == 0 {
		return
	}
	delivered := make([]string, 0, len(used))
	for ch := range used {
		delivered = append(delivered, ch)
	}
	sort.Strings(delivered)
	if err := rt.Repo.UpdateAlertChannels(ctx, alert.ID, delivered); err != nil {
		log.Printf("alert router: record channels for %s failed: %v", alert.ID, err)
	}
}

// sendSMS attempts SMS delivery and falls back to email when the provider
// fails, so high-severity alerts still reach the recipient somewhere.
func (rt *Router) sendSMS(ctx context.Context, pref domain.AlertPreference, alert domain.Alert) bool {
	if rt.SMS == nil {
		return rt.fallbackEmail(ctx, pref, alert)
	}
	if err := rt.SMS.Send(ctx, pref.SMSRecipient, alert); err != nil {
		log.Printf("alert router: sms to %s failed: %v", pref.SMSRecipient, err)
		rt.fallbackEmail(ctx, pref, alert)
		return false
	}
	return true
}

func (rt *Router) fallbackEmail(ctx context.Context, pref domain.AlertPreference, alert domain.Alert) bool {
	if pref.EmailRecipient == "" {
		return false
	}
	return rt.sendEmail(ctx, pref.EmailRecipient, alert)
}

func (rt *Router) sendEmail(ctx context.Context, recipient string, alert domain.Alert) bool {
	if rt.Email == nil {
		return false
	}
	if err := rt.Email.Send(ctx, recipient, alert); err != nil {
		log.Printf("alert router: email to %s failed: %v", recipient, err)
		return false
	}
	return true
}

func (rt *Router) now() time.Time {
	if rt.Now == nil {
		return time.Now().UTC()
	}
	return rt.Now().UTC()
}
