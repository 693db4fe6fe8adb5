package engine

import (
	"context"
	"time"

	"vintrack/internal/alerting"
	"vintrack/internal/domain"
	"vintrack/internal/engine/auth"
	"vintrack/internal/events"
	"vintrack/internal/repo"
)

// RaiseAlertOptions are parameters for a manually reported alert, such as
// contamination spotted at the tank.
type RaiseAlertOptions struct {
	Type           string
	WineryID       string
	ExecutionID    string
	FermentationID string
	Title          string
	Message        string
	Action         string
	Actor          auth.Actor
}

// RaiseAlert raises an operator-reported alert through the same pipeline the
// detector uses, so routing and caching behave identically.
func (e Engine) RaiseAlert(ctx context.Context, opts RaiseAlertOptions) (domain.Alert, error) {
	if !alerting.KnownAlertType(opts.Type) {
		return domain.Alert{}, validationErrorf("unknown alert type %q", opts.Type)
	}
	if opts.Title == "" {
		return domain.Alert{}, validationErrorf("alert title is required")
	}
	if opts.ExecutionID != "" {
		exec, err := e.Repo.GetExecution(ctx, opts.ExecutionID)
		if err != nil {
			return domain.Alert{}, err
		}
		if opts.WineryID == "" {
			opts.WineryID = exec.WineryID
		}
		if opts.FermentationID == "" {
			opts.FermentationID = exec.FermentationID
		}
	}
	if opts.WineryID == "" {
		return domain.Alert{}, validationErrorf("winery is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, err
	}
	defer tx.Rollback()
	alert, err := e.alertGen().EmitTx(ctx, tx, alerting.Notice{
		Type:           opts.Type,
		WineryID:       opts.WineryID,
		ExecutionID:    opts.ExecutionID,
		FermentationID: opts.FermentationID,
		Title:          opts.Title,
		Message:        opts.Message,
		Action:         opts.Action,
		ActorID:        opts.Actor.ID,
	})
	if err != nil {
		return domain.Alert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, err
	}
	e.dispatch([]domain.Alert{alert})
	return alert, nil
}

// AcknowledgeAlert marks a live alert handled. Idempotent: a second ack
// returns the row unchanged.
func (e Engine) AcknowledgeAlert(ctx context.Context, alertID string, actor auth.Actor) (domain.Alert, error) {
	a, err := e.Repo.GetAlert(ctx, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	if a.AckAt != nil {
		return a, nil
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AcknowledgeAlert(ctx, tx, alertID, actor.ID, now); err != nil {
		return domain.Alert{}, err
	}
	err = e.Events.Append(ctx, tx, "alert.acknowledged", a.WineryID, "alert", a.ID, actor.ID, events.EventPayload{
		"type":     a.Type,
		"severity": a.Severity,
	})
	if err != nil {
		return domain.Alert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, err
	}
	return e.Repo.GetAlert(ctx, alertID)
}

// ListAlerts filters the winery's alert history.
func (e Engine) ListAlerts(ctx context.Context, f repo.AlertFilters) ([]domain.Alert, error) {
	if f.WineryID == "" && e.Config != nil {
		f.WineryID = e.Config.Winery.ID
	}
	return e.Repo.ListAlerts(ctx, f)
}

// SetAlertPreference stores a user's delivery preferences for a winery.
func (e Engine) SetAlertPreference(ctx context.Context, p domain.AlertPreference) (domain.AlertPreference, error) {
	if p.UserID == "" || p.WineryID == "" {
		return domain.AlertPreference{}, validationErrorf("user and winery are required")
	}
	if err := validateClock(p.QuietStart); err != nil {
		return domain.AlertPreference{}, validationErrorf("quiet_start: %v", err)
	}
	if err := validateClock(p.QuietEnd); err != nil {
		return domain.AlertPreference{}, validationErrorf("quiet_end: %v", err)
	}
	if (p.QuietStart == "") != (p.QuietEnd == "") {
		return domain.AlertPreference{}, validationErrorf("quiet hours need both a start and an end")
	}
	if p.DNDUntil != nil {
		if _, err := time.Parse(time.RFC3339, *p.DNDUntil); err != nil {
			return domain.AlertPreference{}, validationErrorf("dnd_until: %v", err)
		}
	}
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpsertAlertPreference(ctx, p); err != nil {
		return domain.AlertPreference{}, err
	}
	return e.Repo.GetAlertPreference(ctx, p.UserID, p.WineryID)
}

// GetAlertPreference returns a user's stored preference, or the defaults
// when none is saved yet.
func (e Engine) GetAlertPreference(ctx context.Context, userID, wineryID string) (domain.AlertPreference, error) {
	p, err := e.Repo.GetAlertPreference(ctx, userID, wineryID)
	if err == repo.ErrNotFound {
		return domain.AlertPreference{
			UserID:       userID,
			WineryID:     wineryID,
			InAppEnabled: true,
			EmailEnabled: true,
		}, nil
	}
	return p, err
}

// CachedAlerts is the offline feed for a user.
func (e Engine) CachedAlerts(ctx context.Context, userID, fermentationID string) ([]domain.CachedAlert, error) {
	c := alerting.Cache{DB: e.DB, Repo: e.Repo, Now: e.Now}
	return c.List(ctx, userID, fermentationID)
}

// AcknowledgeCachedAlert acks one offline feed entry for the user.
func (e Engine) AcknowledgeCachedAlert(ctx context.Context, cachedID string, actor auth.Actor) (domain.CachedAlert, error) {
	c := alerting.Cache{DB: e.DB, Repo: e.Repo, Now: e.Now}
	return c.Acknowledge(ctx, cachedID, actor.ID)
}

func validateClock(v string) error {
	if v == "" {
		return nil
	}
	_, err := time.Parse("15:04", v)
	return err
}
