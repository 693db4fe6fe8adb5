package alerting

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"vintrack/internal/domain"
	"vintrack/internal/events"
	"vintrack/internal/repo"
)

// Alerts at or above this severity get a durable per-user cached copy for
// offline clients.
const cacheSeverityFloor = domain.SeverityMedium

// cacheTTL is how long a cached alert stays retrievable before expiry.
const cacheTTL = 7 * 24 * time.Hour

// Generator raises alerts inside a caller-owned transaction so the alert,
// its cached copies, and the triggering write commit or roll back together.
type Generator struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

// Notice is the input to EmitTx. Severity and channels are derived from Type.
type Notice struct {
	Type           string
	WineryID       string
	ExecutionID    string
	StepID         string
	DeviationID    string
	FermentationID string
	Title          string
	Message        string
	Action         string
	ActorID        string
}

// EmitTx inserts the alert row, writes cached copies for every recipient
// with a preference row in the winery, and appends the audit event. Delivery
// over outbound channels happens after commit, never here.
func (g Generator) EmitTx(ctx context.Context, tx *sql.Tx, n Notice) (domain.Alert, error) {
	now := g.now()
	severity := SeverityFor(n.Type)
	alert := domain.Alert{
		ID:             uuid.NewString(),
		Type:           n.Type,
		Severity:       severity,
		WineryID:       n.WineryID,
		ExecutionID:    n.ExecutionID,
		StepID:         n.StepID,
		DeviationID:    n.DeviationID,
		FermentationID: n.FermentationID,
		Title:          n.Title,
		Message:        n.Message,
		Action:         n.Action,
		Channels:       BaseChannels(severity),
		CreatedAt:      now.Format(time.RFC3339),
	}
	if err := g.Repo.InsertAlert(ctx, tx, alert); err != nil {
		return domain.Alert{}, err
	}
	if domain.SeverityRank(severity) >= domain.SeverityRank(cacheSeverityFloor) {
		recipients, err := g.Repo.ListAlertRecipientsTx(ctx, tx, n.WineryID)
		if err != nil {
			return domain.Alert{}, err
		}
		expires := now.Add(cacheTTL).Format(time.RFC3339)
		for _, r := range recipients {
			cached := domain.CachedAlert{
				ID:             uuid.NewString(),
				AlertID:        alert.ID,
				UserID:         r.UserID,
				FermentationID: alert.FermentationID,
				Severity:       severity,
				Title:          alert.Title,
				Message:        alert.Message,
				ExpiresAt:      expires,
				CreatedAt:      alert.CreatedAt,
			}
			if err := g.Repo.InsertCachedAlert(ctx, tx, cached); err != nil {
				return domain.Alert{}, err
			}
		}
	}
	err := g.Events.Append(ctx, tx, "alert.raised", n.WineryID, "alert", alert.ID, n.ActorID, events.EventPayload{
		"type":     n.Type,
		"severity": severity,
	})
	if err != nil {
		return domain.Alert{}, err
	}
	return alert, nil
}

func (g Generator) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}
