package alerting

import (
	"context"
	"database/sql"
	"time"

	"vintrack/internal/domain"
	"vintrack/internal/repo"
)

// Cache serves the offline alert feed. Clients poll List after reconnecting
// and acknowledge entries they handled while disconnected.
type Cache struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

// List returns the user's unacknowledged, unexpired cached alerts newest
// first, optionally scoped to one fermentation.
func (c Cache) List(ctx context.Context, userID, fermentationID string) ([]domain.CachedAlert, error) {
	now := c.now().Format(time.RFC3339)
	return c.Repo.ListCachedAlerts(ctx, userID, fermentationID, now)
}

// Acknowledge marks a cached alert acknowledged. The call is idempotent: a
// second ack returns the row with its original ack timestamp unchanged.
func (c Cache) Acknowledge(ctx context.Context, cachedID, userID string) (domain.CachedAlert, error) {
	cached, err := c.Repo.GetCachedAlert(ctx, cachedID)
	if err != nil {
		return domain.CachedAlert{}, err
	}
	if cached.UserID != userID {
		return domain.CachedAlert{}, repo.ErrNotFound
	}
	if cached.AckAt != nil {
		return cached, nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CachedAlert{}, err
	}
	defer tx.Rollback()
	now := c.now().Format(time.RFC3339)
	if err := c.Repo.AcknowledgeCachedAlert(ctx, tx, cachedID, now); err != nil {
		return domain.CachedAlert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CachedAlert{}, err
	}
	return c.Repo.GetCachedAlert(ctx, cachedID)
}

func (c Cache) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}
