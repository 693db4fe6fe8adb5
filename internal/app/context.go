package app

import (
	"context"
	"fmt"
	"time"

	"vintrack/internal/config"
	"vintrack/internal/repo"
)

// ResolveWinery picks the active winery and ensures it exists in the DB,
// seeding the default config on first use. File config wins; otherwise the
// override flag; a brand-new workspace gets defaults for the override.
func ResolveWinery(ctx context.Context, workspace, wineryOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	wineryID := wineryOverride
	if cfg != nil && wineryID == "" {
		wineryID = cfg.Winery.ID
	}
	if wineryID == "" {
		return "", nil, fmt.Errorf("winery not specified; use --winery or run vt init")
	}
	if cfg == nil {
		cfg = config.Default(wineryID)
	}
	if err := ensureWinery(ctx, r, wineryID, cfg.Winery.Name, actorID); err != nil {
		return "", nil, err
	}
	cfg.Winery.ID = wineryID
	return wineryID, cfg, nil
}

func ensureWinery(ctx context.Context, r repo.Repo, wineryID, name, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureWinery(ctx, tx, wineryID, name, now); err != nil {
		return fmt.Errorf("ensure winery: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
