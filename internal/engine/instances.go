package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"vintrack/internal/domain"
	"vintrack/internal/engine/auth"
	"vintrack/internal/events"
	"vintrack/internal/repo"
)

// Instantiate copies a final protocol's steps into a per-fermentation
// instance and creates its execution in the not-started state. The copy is
// frozen: later template versions never touch it.
func (e Engine) Instantiate(ctx context.Context, protocolID, fermentationID string, actor auth.Actor) (domain.Instance, domain.Execution, error) {
	p, err := e.Repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	if p.Status != domain.ProtocolFinal {
		return domain.Instance{}, domain.Execution{}, stateErrorf("protocol %s is %s; only final protocols can be instantiated", protocolID, p.Status)
	}
	f, err := e.Repo.GetFermentation(ctx, fermentationID)
	if err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	if f.WineryID != p.WineryID {
		return domain.Instance{}, domain.Execution{}, validationErrorf("fermentation %s belongs to a different winery", fermentationID)
	}
	steps, err := e.Repo.ListSteps(ctx, protocolID)
	if err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}

	now := e.timestamp()
	in := domain.Instance{
		ID:              uuid.NewString(),
		ProtocolID:      p.ID,
		ProtocolVersion: p.Version,
		FermentationID:  f.ID,
		WineryID:        p.WineryID,
		Status:          "active",
		CreatedBy:       actor.ID,
		CreatedAt:       now,
	}
	exec := domain.Execution{
		ID:              uuid.NewString(),
		InstanceID:      in.ID,
		FermentationID:  f.ID,
		WineryID:        p.WineryID,
		Status:          domain.ExecutionNotStarted,
		TotalSteps:      len(steps),
		ComplianceScore: 100,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	if err := e.Repo.InsertInstance(ctx, tx, in); err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	for _, s := range steps {
		is := domain.InstanceStep{
			ID:             uuid.NewString(),
			InstanceID:     in.ID,
			TemplateStepID: s.ID,
			Sequence:       s.Sequence,
			Name:           s.Name,
			TriggerType:    s.TriggerType,
			TriggerValue:   s.TriggerValue,
			ToleranceHours: s.ToleranceHours,
			Measurement:    s.Measurement,
			Critical:       s.Critical,
			ExpectedValue:  s.ExpectedValue,
			ExpectedLow:    s.ExpectedLow,
			ExpectedHigh:   s.ExpectedHigh,
		}
		if err := e.Repo.InsertInstanceStep(ctx, tx, is); err != nil {
			return domain.Instance{}, domain.Execution{}, err
		}
	}
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	err = e.Events.Append(ctx, tx, "instance.created", in.WineryID, "instance", in.ID, actor.ID, events.EventPayload{
		"protocol":     p.ID,
		"version":      p.Version,
		"fermentation": f.ID,
		"steps":        len(steps),
	})
	if err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, domain.Execution{}, err
	}
	return in, exec, nil
}

// CustomizeOptions are parameters for a bounded instance customization.
type CustomizeOptions struct {
	InstanceID     string
	StepID         string
	Kind           string
	ToleranceHours int
	TriggerValue   *float64
	Notes          string
	Reason         string
	Actor          auth.Actor
}

// Customize adjusts one copied step before the execution starts. Templates
// are never writable through this path, and a started execution freezes its
// instance.
func (e Engine) Customize(ctx context.Context, opts CustomizeOptions) (domain.InstanceStep, error) {
	in, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if _, perr := e.Repo.GetProtocol(ctx, opts.InstanceID); perr == nil {
				return domain.InstanceStep{}, stateErrorf("%s is a protocol template; customization applies to instances only", opts.InstanceID)
			}
		}
		return domain.InstanceStep{}, err
	}
	exec, err := e.Repo.GetExecutionByInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.InstanceStep{}, err
	}
	if exec.Status != domain.ExecutionNotStarted {
		return domain.InstanceStep{}, stateErrorf("execution %s is %s; customization is only allowed before start", exec.ID, exec.Status)
	}
	step, err := e.Repo.GetInstanceStep(ctx, opts.StepID)
	if err != nil {
		return domain.InstanceStep{}, err
	}
	if step.InstanceID != opts.InstanceID {
		return domain.InstanceStep{}, validationErrorf("step %s does not belong to instance %s", opts.StepID, opts.InstanceID)
	}
	if opts.Reason == "" {
		return domain.InstanceStep{}, validationErrorf("customization reason is required")
	}

	var oldValue, newValue string
	switch opts.Kind {
	case domain.CustomizeTolerance:
		if opts.ToleranceHours <= 0 {
			return domain.InstanceStep{}, validationErrorf("tolerance must be a positive number of hours")
		}
		oldValue = strconv.Itoa(step.ToleranceHours)
		step.ToleranceHours = opts.ToleranceHours
		newValue = strconv.Itoa(step.ToleranceHours)
	case domain.CustomizeTiming:
		if step.TriggerType != domain.TriggerDayOffset {
			return domain.InstanceStep{}, validationErrorf("step %q is not day-offset triggered", step.Name)
		}
		if opts.TriggerValue == nil || *opts.TriggerValue < 0 {
			return domain.InstanceStep{}, validationErrorf("timing adjustment needs a non-negative day offset")
		}
		oldValue = strconv.FormatFloat(step.TriggerValue, 'f', -1, 64)
		step.TriggerValue = *opts.TriggerValue
		newValue = strconv.FormatFloat(step.TriggerValue, 'f', -1, 64)
	case domain.CustomizeNotes:
		if opts.Notes == "" {
			return domain.InstanceStep{}, validationErrorf("notes addition needs note text")
		}
		oldValue = step.Notes
		if step.Notes == "" {
			step.Notes = opts.Notes
		} else {
			step.Notes = step.Notes + "\n" + opts.Notes
		}
		newValue = step.Notes
	default:
		return domain.InstanceStep{}, validationErrorf("unknown customization kind %q", opts.Kind)
	}

	now := e.timestamp()
	c := domain.Customization{
		ID:         uuid.NewString(),
		InstanceID: opts.InstanceID,
		StepID:     step.ID,
		Kind:       opts.Kind,
		OldValue:   oldValue,
		NewValue:   newValue,
		Reason:     opts.Reason,
		ActorID:    opts.Actor.ID,
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InstanceStep{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceStep(ctx, tx, step); err != nil {
		return domain.InstanceStep{}, err
	}
	if err := e.Repo.InsertCustomization(ctx, tx, c); err != nil {
		return domain.InstanceStep{}, err
	}
	err = e.Events.Append(ctx, tx, "instance.customized", in.WineryID, "instance", in.ID, opts.Actor.ID, events.EventPayload{
		"step":      step.Name,
		"kind":      opts.Kind,
		"old_value": oldValue,
		"new_value": newValue,
		"reason":    opts.Reason,
	})
	if err != nil {
		return domain.InstanceStep{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InstanceStep{}, err
	}
	return step, nil
}

// GetInstance returns an instance with its steps and customization history.
func (e Engine) GetInstance(ctx context.Context, instanceID string) (domain.Instance, []domain.InstanceStep, []domain.Customization, error) {
	in, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, nil, nil, err
	}
	steps, err := e.Repo.ListInstanceSteps(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, nil, nil, err
	}
	customs, err := e.Repo.ListCustomizations(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, nil, nil, err
	}
	return in, steps, customs, nil
}

// CreateFermentation registers a batch so instances can attach to it.
func (e Engine) CreateFermentation(ctx context.Context, f domain.Fermentation, actor auth.Actor) (domain.Fermentation, error) {
	if f.BatchName == "" {
		return domain.Fermentation{}, validationErrorf("batch name is required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = "active"
	}
	now := e.timestamp()
	if f.StartDate == "" {
		f.StartDate = now
	}
	f.CreatedBy = actor.ID
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Fermentation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureWinery(ctx, tx, f.WineryID, e.wineryName(f.WineryID), now); err != nil {
		return domain.Fermentation{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Fermentation{}, err
	}
	if err := e.Repo.InsertFermentation(ctx, tx, f); err != nil {
		return domain.Fermentation{}, err
	}
	err = e.Events.Append(ctx, tx, "fermentation.created", f.WineryID, "fermentation", f.ID, actor.ID, events.EventPayload{
		"batch": f.BatchName,
	})
	if err != nil {
		return domain.Fermentation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Fermentation{}, err
	}
	return f, nil
}
