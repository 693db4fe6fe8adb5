package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"vintrack/internal/alerting"
	"vintrack/internal/config"
	"vintrack/internal/domain"
	"vintrack/internal/engine/auth"
	"vintrack/internal/events"
	"vintrack/internal/repo"

	"database/sql"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Alerts alerting.Generator
	// Dispatch, when set, receives every alert raised by an operation after
	// its transaction commits.
	Dispatch func(domain.Alert)
	Now      func() time.Time

	locks *executionLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: w,
		Config: cfg,
		Alerts: alerting.Generator{Repo: r, Events: w},
		Now:    time.Now,
		locks:  &executionLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) timestamp() string {
	return e.now().Format(time.RFC3339)
}

// alertGen returns the generator with the engine's clock applied, so tests
// that inject Now get deterministic alert timestamps.
func (e Engine) alertGen() alerting.Generator {
	g := e.Alerts
	if g.Now == nil {
		g.Now = e.Now
	}
	return g
}

// dispatch fans committed alerts out to the async delivery hook.
func (e Engine) dispatch(alerts []domain.Alert) {
	if e.Dispatch == nil {
		return
	}
	for _, a := range alerts {
		e.Dispatch(a)
	}
}

// requireElevated checks the actor's token roles, then the winery role table.
func (e Engine) requireElevated(ctx context.Context, wineryID string, actor auth.Actor) error {
	if e.Config != nil && e.Config.ElevatedRole(actor.Roles) {
		return nil
	}
	roles, err := e.Repo.ActorWineryRoles(ctx, wineryID, actor.ID)
	if err != nil {
		return err
	}
	if e.Config != nil && e.Config.ElevatedRole(roles) {
		return nil
	}
	required := ""
	if e.Config != nil {
		required = strings.Join(e.Config.Roles.Elevated, ", ")
	}
	return auth.AuthorizationError{Role: required}
}

// executionLocks serializes completion writes per execution so concurrent
// recordings of the same execution cannot interleave counter updates.
type executionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *executionLocks) lock(executionID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	em, ok := l.m[executionID]
	if !ok {
		em = &sync.Mutex{}
		l.m[executionID] = em
	}
	l.mu.Unlock()
	em.Lock()
	return em.Unlock
}

func (e Engine) lockExecution(executionID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(executionID)
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
