package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"vintrack/internal/config"
	"vintrack/internal/domain"
	"vintrack/internal/repo"
)

// An identical approaching or missed alert for the same step is not raised
// again within this window.
const duplicateWindow = 6 * time.Hour

const schedulerActor = "scheduler"

// UpcomingStep is one unresolved step the scan surfaced.
type UpcomingStep struct {
	Execution domain.Execution
	Step      domain.InstanceStep
	Due       time.Time
	WindowEnd time.Time
	Missed    bool
}

// FindUpcoming is pure: it returns the pending day-offset steps of an active
// execution that are either due within the lookahead horizon or already past
// their window. Threshold-triggered steps have no clock due time and are
// never surfaced.
func FindUpcoming(exec domain.Execution, steps []domain.InstanceStep, completions []domain.StepCompletion, now time.Time, lookahead time.Duration) []UpcomingStep {
	if exec.Status != domain.ExecutionActive || exec.StartedAt == nil {
		return nil
	}
	started, err := time.Parse(time.RFC3339, *exec.StartedAt)
	if err != nil {
		return nil
	}
	resolved := make(map[string]bool, len(completions))
	for _, c := range completions {
		resolved[c.StepID] = true
	}
	var out []UpcomingStep
	for _, step := range steps {
		if resolved[step.ID] || step.TriggerType != domain.TriggerDayOffset {
			continue
		}
		due := started.Add(time.Duration(step.TriggerValue * 24 * float64(time.Hour)))
		windowEnd := due.Add(time.Duration(step.ToleranceHours) * time.Hour)
		switch {
		case windowEnd.Before(now):
			out = append(out, UpcomingStep{Execution: exec, Step: step, Due: due, WindowEnd: windowEnd, Missed: true})
		case !due.After(now.Add(lookahead)):
			out = append(out, UpcomingStep{Execution: exec, Step: step, Due: due, WindowEnd: windowEnd})
		}
	}
	return out
}

// AlertTypeFor maps a surfaced step to the alert type the scan raises.
func AlertTypeFor(u UpcomingStep) string {
	switch {
	case u.Missed && u.Step.Critical:
		return domain.AlertCriticalStepMissed
	case u.Missed:
		return domain.AlertDeviationDetected
	case u.Step.Critical:
		return domain.AlertCriticalStepApproaching
	default:
		return domain.AlertStepApproaching
	}
}

// Scheduler periodically scans active executions for approaching and missed
// steps and raises alerts for them, with duplicate suppression.
type Scheduler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Gen      Generator
	Config   *config.Config
	Dispatch func(domain.Alert)
	Now      func() time.Time
}

// Run scans on the configured interval until ctx is done.
func (s Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.Config.SchedulerInterval()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan runs one pass over the winery's active executions. Errors are logged;
// a failing execution does not stop the rest of the pass.
func (s Scheduler) Scan(ctx context.Context) {
	now := s.now()
	execs, err := s.Repo.ListActiveExecutions(ctx, s.Config.Winery.ID)
	if err != nil {
		log.Printf("scheduler: list executions failed: %v", err)
		return
	}
	lookahead := time.Duration(s.Config.SchedulerLookahead()) * time.Hour
	for _, exec := range execs {
		steps, err := s.Repo.ListInstanceSteps(ctx, exec.InstanceID)
		if err != nil {
			log.Printf("scheduler: list steps for %s failed: %v", exec.ID, err)
			continue
		}
		completions, err := s.Repo.ListStepCompletions(ctx, exec.ID)
		if err != nil {
			log.Printf("scheduler: list completions for %s failed: %v", exec.ID, err)
			continue
		}
		for _, u := range FindUpcoming(exec, steps, completions, now, lookahead) {
			if err := s.raise(ctx, u, now); err != nil {
				log.Printf("scheduler: raise alert for step %s failed: %v", u.Step.ID, err)
			}
		}
	}
	if _, err := s.Repo.PurgeExpiredCachedAlerts(ctx, now.Format(time.RFC3339)); err != nil {
		log.Printf("scheduler: purge cached alerts failed: %v", err)
	}
}

func (s Scheduler) raise(ctx context.Context, u UpcomingStep, now time.Time) error {
	alertType := AlertTypeFor(u)
	cutoff := now.Add(-duplicateWindow).Format(time.RFC3339)
	dup, err := s.Repo.RecentAlertExists(ctx, alertType, u.Execution.ID, u.Step.ID, cutoff)
	if err != nil {
		return err
	}
	if dup {
		return nil
	}
	title := fmt.Sprintf("Step %q due %s", u.Step.Name, u.Due.Format("Jan 2 15:04"))
	message := fmt.Sprintf("step %q is due at %s (window closes %s)",
		u.Step.Name, u.Due.Format(time.RFC3339), u.WindowEnd.Format(time.RFC3339))
	action := "complete or skip the step before its window closes"
	if u.Missed {
		title = fmt.Sprintf("Step %q missed", u.Step.Name)
		message = fmt.Sprintf("step %q passed its window at %s without a completion",
			u.Step.Name, u.WindowEnd.Format(time.RFC3339))
		action = "record the step late or skip it with a reason"
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	alert, err := s.Gen.EmitTx(ctx, tx, Notice{
		Type:           alertType,
		WineryID:       u.Execution.WineryID,
		ExecutionID:    u.Execution.ID,
		StepID:         u.Step.ID,
		FermentationID: u.Execution.FermentationID,
		Title:          title,
		Message:        message,
		Action:         action,
		ActorID:        schedulerActor,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.Dispatch != nil {
		s.Dispatch(alert)
	}
	return nil
}

func (s Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
