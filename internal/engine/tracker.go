package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"vintrack/internal/alerting"
	"vintrack/internal/domain"
	"vintrack/internal/engine/auth"
	"vintrack/internal/events"
	"vintrack/internal/repo"
)

// Start activates a not-started execution. Step windows are anchored to the
// start time recorded here.
func (e Engine) Start(ctx context.Context, executionID string, actor auth.Actor) (domain.Execution, error) {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Status != domain.ExecutionNotStarted {
		return domain.Execution{}, stateErrorf("execution %s is %s; only a not-started execution can start", executionID, exec.Status)
	}
	now := e.timestamp()
	exec.Status = domain.ExecutionActive
	exec.StartedAt = optionalString(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecution(ctx, tx, exec); err != nil {
		return domain.Execution{}, err
	}
	err = e.Events.Append(ctx, tx, "execution.started", exec.WineryID, "execution", exec.ID, actor.ID, events.EventPayload{
		"instance": exec.InstanceID,
	})
	if err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// RecordOptions are parameters for recording a completion or skip.
type RecordOptions struct {
	ExecutionID   string
	StepID        string
	CompletedAt   string
	MeasuredValue *float64
	Note          string
	SkipReason    string
	Actor         auth.Actor
}

// RecordResult is what one recording produced: the updated execution, the
// completion row, any deviations detected, and the alerts raised for them.
type RecordResult struct {
	Execution  domain.Execution
	Completion domain.StepCompletion
	Deviations []domain.Deviation
	Alerts     []domain.Alert
}

// RecordCompletion records a step as done, runs deviation detection against
// the step's window, updates the counters and score, and marks the execution
// done when every step is resolved.
func (e Engine) RecordCompletion(ctx context.Context, opts RecordOptions) (RecordResult, error) {
	return e.record(ctx, opts, false)
}

// RecordSkip records a step as intentionally not performed. The reason code
// decides whether a deviation is raised.
func (e Engine) RecordSkip(ctx context.Context, opts RecordOptions) (RecordResult, error) {
	return e.record(ctx, opts, true)
}

func (e Engine) record(ctx context.Context, opts RecordOptions, skipped bool) (RecordResult, error) {
	unlock := e.lockExecution(opts.ExecutionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, opts.ExecutionID)
	if err != nil {
		return RecordResult{}, err
	}
	switch exec.Status {
	case domain.ExecutionDone:
		return RecordResult{}, stateErrorf("execution %s is done; no further recordings are accepted", exec.ID)
	case domain.ExecutionNotStarted:
		return RecordResult{}, stateErrorf("execution %s has not started", exec.ID)
	}
	step, err := e.Repo.GetInstanceStep(ctx, opts.StepID)
	if err != nil {
		return RecordResult{}, err
	}
	if step.InstanceID != exec.InstanceID {
		return RecordResult{}, validationErrorf("step %s does not belong to execution %s", opts.StepID, exec.ID)
	}
	if _, err := e.Repo.GetStepCompletion(ctx, exec.ID, step.ID); err == nil {
		return RecordResult{}, stateErrorf("step %q is already resolved in execution %s", step.Name, exec.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return RecordResult{}, err
	}

	now := e.now()
	completedAt := now
	if opts.CompletedAt != "" {
		completedAt, err = time.Parse(time.RFC3339, opts.CompletedAt)
		if err != nil {
			return RecordResult{}, validationErrorf("completed_at: %v", err)
		}
		completedAt = completedAt.UTC()
	}
	reason := opts.SkipReason
	if skipped && reason == "" {
		reason = SkipUnspecified
	}
	completion := domain.StepCompletion{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		StepID:        step.ID,
		Skipped:       skipped,
		SkipReason:    reason,
		CompletedAt:   completedAt.Format(time.RFC3339),
		MeasuredValue: opts.MeasuredValue,
		Note:          opts.Note,
		ActorID:       opts.Actor.ID,
	}

	steps, err := e.Repo.ListInstanceSteps(ctx, exec.InstanceID)
	if err != nil {
		return RecordResult{}, err
	}
	prior, err := e.Repo.ListStepCompletions(ctx, exec.ID)
	if err != nil {
		return RecordResult{}, err
	}
	resolved := make(map[string]domain.StepCompletion, len(prior))
	for _, c := range prior {
		resolved[c.StepID] = c
	}

	var startedAt time.Time
	if exec.StartedAt != nil {
		startedAt, err = time.Parse(time.RFC3339, *exec.StartedAt)
		if err != nil {
			return RecordResult{}, fmt.Errorf("execution %s has invalid start time: %w", exec.ID, err)
		}
	}

	var deviations []domain.Deviation
	var notices []alerting.Notice
	nowStr := now.Format(time.RFC3339)

	addDeviation := func(kind, severity, reasonCode, description string, daysVariance int, investigate bool) domain.Deviation {
		d := domain.Deviation{
			ID:                    uuid.NewString(),
			Kind:                  kind,
			ExecutionID:           exec.ID,
			StepID:                step.ID,
			Severity:              severity,
			ReasonCode:            reasonCode,
			Description:           description,
			DaysVariance:          daysVariance,
			RequiresInvestigation: investigate,
			CreatedAt:             nowStr,
		}
		deviations = append(deviations, d)
		return d
	}
	addNotice := func(alertType string, dev domain.Deviation, title, action string) {
		notices = append(notices, alerting.Notice{
			Type:           alertType,
			WineryID:       exec.WineryID,
			ExecutionID:    exec.ID,
			StepID:         step.ID,
			DeviationID:    dev.ID,
			FermentationID: exec.FermentationID,
			Title:          title,
			Message:        dev.Description,
			Action:         action,
			ActorID:        opts.Actor.ID,
		})
	}

	if skipped {
		exec.SkippedSteps++
		if step.Critical {
			exec.CriticalSkipped++
		}
		res := ClassifySkip(step, reason)
		if !res.Justified {
			dev := addDeviation(domain.DeviationSkip, res.Severity, reason, res.Description, 0, res.RequiresInvestigation)
			if step.Critical {
				addNotice(domain.AlertCriticalStepMissed, dev,
					fmt.Sprintf("Critical step %q skipped", step.Name),
					"review the skip reason and assess fermentation risk")
			} else {
				addNotice(domain.AlertDeviationDetected, dev,
					fmt.Sprintf("Step %q skipped", step.Name),
					"review the skip reason")
			}
		}
	} else {
		exec.CompletedSteps++
		tr := ClassifyTiming(step, startedAt, completedAt)
		switch tr.Classification {
		case TimingOnTime:
			exec.OnTimeSteps++
		case TimingLate:
			exec.LateSteps++
			dev := addDeviation(domain.DeviationTiming, tr.Severity, tr.ReasonCode, tr.Description, tr.DaysVariance, false)
			if step.Critical {
				addNotice(domain.AlertCriticalStepLate, dev,
					fmt.Sprintf("Critical step %q late", step.Name),
					"check the fermentation for impact of the delay")
			} else if domain.SeverityRank(tr.Severity) >= domain.SeverityRank(domain.SeverityMedium) {
				addNotice(domain.AlertDeviationDetected, dev,
					fmt.Sprintf("Step %q late", step.Name), "")
			}
		case TimingEarly:
			dev := addDeviation(domain.DeviationTiming, tr.Severity, tr.ReasonCode, tr.Description, tr.DaysVariance, false)
			addNotice(domain.AlertDeviationDetected, dev,
				fmt.Sprintf("Step %q completed early", step.Name),
				"confirm the step conditions were actually met")
		case TimingUnknown:
			addDeviation(domain.DeviationQuality, tr.Severity, tr.ReasonCode, tr.Description, 0, false)
		}
		if MeasuredWithinBounds(step, completion) {
			exec.WithinTolerance++
		} else {
			exec.OutOfTolerance++
		}
		for _, q := range CheckQuality(step, completion, steps, resolved) {
			dev := addDeviation(domain.DeviationQuality, q.Severity, q.ReasonCode, q.Description, 0, false)
			if domain.SeverityRank(q.Severity) >= domain.SeverityRank(domain.SeverityMedium) {
				addNotice(domain.AlertAdvisory, dev,
					fmt.Sprintf("Check reading on step %q", step.Name),
					"verify the measurement and re-test if needed")
			}
		}
		if step.Critical {
			notices = append(notices, alerting.Notice{
				Type:           domain.AlertStepCompleted,
				WineryID:       exec.WineryID,
				ExecutionID:    exec.ID,
				StepID:         step.ID,
				FermentationID: exec.FermentationID,
				Title:          fmt.Sprintf("Critical step %q completed", step.Name),
				Message:        fmt.Sprintf("critical step %q recorded at %s", step.Name, completion.CompletedAt),
				ActorID:        opts.Actor.ID,
			})
		}
	}

	totalCritical := 0
	for _, s := range steps {
		if s.Critical {
			totalCritical++
		}
	}
	exec.ComplianceScore = RecomputeScore(exec, totalCritical)
	if exec.CompletedSteps+exec.SkippedSteps >= exec.TotalSteps {
		exec.Status = domain.ExecutionDone
		exec.CompletedAt = optionalString(nowStr)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecordResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, opts.Actor.ID, nowStr); err != nil {
		return RecordResult{}, err
	}
	if err := e.Repo.InsertStepCompletion(ctx, tx, completion); err != nil {
		return RecordResult{}, err
	}
	for _, d := range deviations {
		if err := e.Repo.InsertDeviation(ctx, tx, d); err != nil {
			return RecordResult{}, err
		}
	}
	if err := e.Repo.UpdateExecution(ctx, tx, exec); err != nil {
		return RecordResult{}, err
	}
	evtType := "execution.step.completed"
	if skipped {
		evtType = "execution.step.skipped"
	}
	err = e.Events.Append(ctx, tx, evtType, exec.WineryID, "execution", exec.ID, opts.Actor.ID, events.EventPayload{
		"step":       step.Name,
		"deviations": len(deviations),
		"score":      exec.ComplianceScore,
		"status":     exec.Status,
	})
	if err != nil {
		return RecordResult{}, err
	}
	gen := e.alertGen()
	alerts := make([]domain.Alert, 0, len(notices))
	for _, n := range notices {
		a, err := gen.EmitTx(ctx, tx, n)
		if err != nil {
			return RecordResult{}, err
		}
		alerts = append(alerts, a)
	}
	if exec.Status == domain.ExecutionDone {
		err = e.Events.Append(ctx, tx, "execution.done", exec.WineryID, "execution", exec.ID, opts.Actor.ID, events.EventPayload{
			"score": exec.ComplianceScore,
		})
		if err != nil {
			return RecordResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RecordResult{}, err
	}
	e.dispatch(alerts)
	return RecordResult{Execution: exec, Completion: completion, Deviations: deviations, Alerts: alerts}, nil
}

// StepState is one step's position in the execution as of now.
type StepState struct {
	Step       domain.InstanceStep    `json:"step"`
	Due        string                 `json:"due,omitempty"`
	WindowEnd  string                 `json:"window_end,omitempty"`
	Resolution *domain.StepCompletion `json:"resolution,omitempty"`
	State      string                 `json:"state" enum:"pending,due,missed,completed,skipped"`
}

// ExecutionStatus is the aggregate view served to dashboards.
type ExecutionStatus struct {
	Execution      domain.Execution   `json:"execution"`
	Current        *StepState         `json:"current_step,omitempty"`
	Upcoming       []StepState        `json:"upcoming_steps,omitempty"`
	Missed         []StepState        `json:"missed_steps,omitempty"`
	Resolved       []StepState        `json:"resolved_steps,omitempty"`
	OpenDeviations []domain.Deviation `json:"open_deviations,omitempty"`
}

// Status assembles the live view of an execution: its counters and score,
// the current and upcoming steps, pending steps already past their window,
// and unacknowledged deviations.
func (e Engine) Status(ctx context.Context, executionID string) (ExecutionStatus, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	steps, err := e.Repo.ListInstanceSteps(ctx, exec.InstanceID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	completions, err := e.Repo.ListStepCompletions(ctx, exec.ID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	open, err := e.Repo.ListDeviations(ctx, repo.DeviationFilters{ExecutionID: exec.ID, Unacked: true})
	if err != nil {
		return ExecutionStatus{}, err
	}
	resolved := make(map[string]domain.StepCompletion, len(completions))
	for _, c := range completions {
		resolved[c.StepID] = c
	}

	var started time.Time
	haveStart := false
	if exec.StartedAt != nil {
		if t, perr := time.Parse(time.RFC3339, *exec.StartedAt); perr == nil {
			started = t
			haveStart = true
		}
	}
	now := e.now()

	st := ExecutionStatus{Execution: exec, OpenDeviations: open}
	var pending []StepState
	for _, step := range steps {
		state := StepState{Step: step, State: "pending"}
		if c, ok := resolved[step.ID]; ok {
			cc := c
			state.Resolution = &cc
			state.State = "completed"
			if c.Skipped {
				state.State = "skipped"
			}
			st.Resolved = append(st.Resolved, state)
			continue
		}
		if haveStart && step.TriggerType == domain.TriggerDayOffset {
			due := started.Add(time.Duration(step.TriggerValue * 24 * float64(time.Hour)))
			windowEnd := due.Add(time.Duration(step.ToleranceHours) * time.Hour)
			state.Due = due.Format(time.RFC3339)
			state.WindowEnd = windowEnd.Format(time.RFC3339)
			if windowEnd.Before(now) {
				state.State = "missed"
				st.Missed = append(st.Missed, state)
				continue
			}
			if !due.After(now) {
				state.State = "due"
			}
		}
		pending = append(pending, state)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Step.Sequence < pending[j].Step.Sequence
	})
	if exec.Status == domain.ExecutionActive && len(pending) > 0 {
		st.Current = &pending[0]
		st.Upcoming = pending[1:]
	} else {
		st.Upcoming = pending
	}
	return st, nil
}

// AcknowledgeDeviation marks a deviation reviewed. The row itself is never
// deleted or rewritten beyond the ack fields.
func (e Engine) AcknowledgeDeviation(ctx context.Context, deviationID, note string, actor auth.Actor) (domain.Deviation, error) {
	d, err := e.Repo.GetDeviation(ctx, deviationID)
	if err != nil {
		return domain.Deviation{}, err
	}
	if d.AckAt != nil {
		return d, nil
	}
	exec, err := e.Repo.GetExecution(ctx, d.ExecutionID)
	if err != nil {
		return domain.Deviation{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deviation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AcknowledgeDeviation(ctx, tx, deviationID, note, actor.ID, now); err != nil {
		return domain.Deviation{}, err
	}
	err = e.Events.Append(ctx, tx, "deviation.acknowledged", exec.WineryID, "deviation", d.ID, actor.ID, events.EventPayload{
		"severity": d.Severity,
		"note":     note,
	})
	if err != nil {
		return domain.Deviation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deviation{}, err
	}
	return e.Repo.GetDeviation(ctx, deviationID)
}
