package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vintrack/internal/alerting"
	"vintrack/internal/domain"
	"vintrack/internal/engine/auth"
	"vintrack/internal/events"
	"vintrack/internal/repo"
)

// StepSpec is one step definition supplied at protocol creation.
type StepSpec struct {
	Sequence       int
	Name           string
	TriggerType    string
	TriggerValue   float64
	ToleranceHours int
	Measurement    string
	Critical       bool
	ExpectedValue  *float64
	ExpectedLow    *float64
	ExpectedHigh   *float64
}

// ProtocolCreateOptions are parameters for creating a draft protocol.
type ProtocolCreateOptions struct {
	WineryID     string
	VarietalCode string
	Version      int
	Steps        []StepSpec
	Actor        auth.Actor
}

// CreateProtocol creates a draft template. Steps may be added sparse or out
// of order while drafting; contiguity is only enforced at approval.
func (e Engine) CreateProtocol(ctx context.Context, opts ProtocolCreateOptions) (domain.Protocol, []domain.Step, error) {
	if e.Config == nil {
		return domain.Protocol{}, nil, errors.New("config not loaded")
	}
	if err := e.requireElevated(ctx, opts.WineryID, opts.Actor); err != nil {
		return domain.Protocol{}, nil, err
	}
	if opts.VarietalCode == "" {
		return domain.Protocol{}, nil, validationErrorf("varietal code is required")
	}
	if !e.Config.KnownVarietal(opts.VarietalCode) {
		return domain.Protocol{}, nil, validationErrorf("unknown varietal code %s", opts.VarietalCode)
	}
	if opts.Version < 1 {
		return domain.Protocol{}, nil, validationErrorf("version must be at least 1")
	}
	exists, err := e.Repo.ProtocolVersionExists(ctx, opts.WineryID, opts.VarietalCode, opts.Version)
	if err != nil {
		return domain.Protocol{}, nil, err
	}
	if exists {
		return domain.Protocol{}, nil, validationErrorf("protocol version %d already exists for varietal %s", opts.Version, opts.VarietalCode)
	}
	if err := validateStepSpecs(opts.Steps); err != nil {
		return domain.Protocol{}, nil, err
	}

	now := e.timestamp()
	p := domain.Protocol{
		ID:           uuid.NewString(),
		WineryID:     opts.WineryID,
		VarietalCode: opts.VarietalCode,
		VarietalName: e.varietalName(opts.VarietalCode),
		Version:      opts.Version,
		Status:       domain.ProtocolDraft,
		CreatedBy:    opts.Actor.ID,
		CreatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureWinery(ctx, tx, opts.WineryID, e.wineryName(opts.WineryID), now); err != nil {
		return domain.Protocol{}, nil, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.Actor.ID, now); err != nil {
		return domain.Protocol{}, nil, err
	}
	if err := e.Repo.InsertProtocol(ctx, tx, p); err != nil {
		return domain.Protocol{}, nil, err
	}
	steps := make([]domain.Step, 0, len(opts.Steps))
	for _, spec := range opts.Steps {
		s := stepFromSpec(p.ID, spec)
		if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
			return domain.Protocol{}, nil, err
		}
		steps = append(steps, s)
	}
	err = e.Events.Append(ctx, tx, "protocol.created", p.WineryID, "protocol", p.ID, opts.Actor.ID, events.EventPayload{
		"varietal": p.VarietalCode,
		"version":  p.Version,
		"steps":    len(steps),
	})
	if err != nil {
		return domain.Protocol{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, nil, err
	}
	return p, steps, nil
}

// AddStep appends a step to a draft protocol.
func (e Engine) AddStep(ctx context.Context, protocolID string, spec StepSpec, actor auth.Actor) (domain.Step, error) {
	p, err := e.Repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return domain.Step{}, err
	}
	if p.Status != domain.ProtocolDraft {
		return domain.Step{}, stateErrorf("protocol %s is %s; steps can only be added to a draft", protocolID, p.Status)
	}
	if err := e.requireElevated(ctx, p.WineryID, actor); err != nil {
		return domain.Step{}, err
	}
	if err := validateStepSpecs([]StepSpec{spec}); err != nil {
		return domain.Step{}, err
	}
	existing, err := e.Repo.ListSteps(ctx, protocolID)
	if err != nil {
		return domain.Step{}, err
	}
	for _, s := range existing {
		if s.Sequence == spec.Sequence {
			return domain.Step{}, validationErrorf("sequence %d already used by step %q", spec.Sequence, s.Name)
		}
	}
	s := stepFromSpec(protocolID, spec)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
		return domain.Step{}, err
	}
	err = e.Events.Append(ctx, tx, "protocol.step.added", p.WineryID, "protocol", p.ID, actor.ID, events.EventPayload{
		"step":     s.Name,
		"sequence": s.Sequence,
	})
	if err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

// ApproveProtocol moves a draft to final. The step list must be non-empty
// and contiguous from sequence 1; approving an empty draft is rejected.
func (e Engine) ApproveProtocol(ctx context.Context, protocolID string, actor auth.Actor) (domain.Protocol, error) {
	p, err := e.Repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return domain.Protocol{}, err
	}
	if err := e.requireElevated(ctx, p.WineryID, actor); err != nil {
		return domain.Protocol{}, err
	}
	if p.Status != domain.ProtocolDraft {
		return domain.Protocol{}, stateErrorf("protocol %s is %s; only drafts can be approved", protocolID, p.Status)
	}
	steps, err := e.Repo.ListSteps(ctx, protocolID)
	if err != nil {
		return domain.Protocol{}, err
	}
	if err := ensureContiguous(steps); err != nil {
		return domain.Protocol{}, err
	}

	now := e.timestamp()
	p.Status = domain.ProtocolFinal
	p.ApprovedBy = optionalString(actor.ID)
	p.ApprovedAt = optionalString(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProtocol(ctx, tx, p); err != nil {
		return domain.Protocol{}, err
	}
	err = e.Events.Append(ctx, tx, "protocol.approved", p.WineryID, "protocol", p.ID, actor.ID, events.EventPayload{
		"varietal": p.VarietalCode,
		"version":  p.Version,
	})
	if err != nil {
		return domain.Protocol{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, err
	}
	return p, nil
}

// NewVersion deprecates a final protocol and opens the next version as a
// draft carrying a copy of the steps. Running instances keep their frozen
// copies; only new instantiations see the change.
func (e Engine) NewVersion(ctx context.Context, protocolID string, newVersion int, actor auth.Actor) (domain.Protocol, error) {
	p, err := e.Repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return domain.Protocol{}, err
	}
	if err := e.requireElevated(ctx, p.WineryID, actor); err != nil {
		return domain.Protocol{}, err
	}
	if p.Status != domain.ProtocolFinal {
		return domain.Protocol{}, stateErrorf("protocol %s is %s; only final protocols can be versioned", protocolID, p.Status)
	}
	if newVersion == 0 {
		newVersion = p.Version + 1
	}
	if newVersion <= p.Version {
		return domain.Protocol{}, validationErrorf("new version %d must be greater than %d", newVersion, p.Version)
	}
	exists, err := e.Repo.ProtocolVersionExists(ctx, p.WineryID, p.VarietalCode, newVersion)
	if err != nil {
		return domain.Protocol{}, err
	}
	if exists {
		return domain.Protocol{}, validationErrorf("protocol version %d already exists for varietal %s", newVersion, p.VarietalCode)
	}
	steps, err := e.Repo.ListSteps(ctx, protocolID)
	if err != nil {
		return domain.Protocol{}, err
	}

	now := e.timestamp()
	next := domain.Protocol{
		ID:           uuid.NewString(),
		WineryID:     p.WineryID,
		VarietalCode: p.VarietalCode,
		VarietalName: p.VarietalName,
		Version:      newVersion,
		Status:       domain.ProtocolDraft,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
	}
	p.Status = domain.ProtocolDeprecated
	p.EffectiveEnd = optionalString(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Protocol{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProtocol(ctx, tx, p); err != nil {
		return domain.Protocol{}, err
	}
	if err := e.Repo.InsertProtocol(ctx, tx, next); err != nil {
		return domain.Protocol{}, err
	}
	for _, s := range steps {
		copied := s
		copied.ID = uuid.NewString()
		copied.ProtocolID = next.ID
		if err := e.Repo.InsertStep(ctx, tx, copied); err != nil {
			return domain.Protocol{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "protocol.versioned", p.WineryID, "protocol", next.ID, actor.ID, events.EventPayload{
		"varietal":     p.VarietalCode,
		"from_version": p.Version,
		"to_version":   newVersion,
	})
	if err != nil {
		return domain.Protocol{}, err
	}
	alert, err := e.alertGen().EmitTx(ctx, tx, alerting.Notice{
		Type:     domain.AlertProtocolUpdated,
		WineryID: p.WineryID,
		Title:    fmt.Sprintf("Protocol %s v%d opened", p.VarietalCode, newVersion),
		Message: fmt.Sprintf("protocol for %s was deprecated at v%d; v%d is now drafting",
			p.VarietalCode, p.Version, newVersion),
		ActorID: actor.ID,
	})
	if err != nil {
		return domain.Protocol{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Protocol{}, err
	}
	e.dispatch([]domain.Alert{alert})
	return next, nil
}

// GetProtocol returns a protocol with its steps.
func (e Engine) GetProtocol(ctx context.Context, protocolID string) (domain.Protocol, []domain.Step, error) {
	p, err := e.Repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return domain.Protocol{}, nil, err
	}
	steps, err := e.Repo.ListSteps(ctx, protocolID)
	if err != nil {
		return domain.Protocol{}, nil, err
	}
	return p, steps, nil
}

// ListProtocols filters the winery's templates.
func (e Engine) ListProtocols(ctx context.Context, f repo.ProtocolFilters) ([]domain.Protocol, error) {
	return e.Repo.ListProtocols(ctx, f)
}

// LatestFinal returns the highest-version final protocol for a varietal.
func (e Engine) LatestFinal(ctx context.Context, wineryID, varietalCode string) (domain.Protocol, error) {
	return e.Repo.LatestFinalProtocol(ctx, wineryID, varietalCode)
}

func stepFromSpec(protocolID string, spec StepSpec) domain.Step {
	return domain.Step{
		ID:             uuid.NewString(),
		ProtocolID:     protocolID,
		Sequence:       spec.Sequence,
		Name:           spec.Name,
		TriggerType:    spec.TriggerType,
		TriggerValue:   spec.TriggerValue,
		ToleranceHours: spec.ToleranceHours,
		Measurement:    spec.Measurement,
		Critical:       spec.Critical,
		ExpectedValue:  spec.ExpectedValue,
		ExpectedLow:    spec.ExpectedLow,
		ExpectedHigh:   spec.ExpectedHigh,
	}
}

func validateStepSpecs(specs []StepSpec) error {
	seen := map[int]string{}
	for _, s := range specs {
		if s.Name == "" {
			return validationErrorf("step name is required")
		}
		if s.Sequence < 1 {
			return validationErrorf("step %q has sequence %d; sequences start at 1", s.Name, s.Sequence)
		}
		if prev, dup := seen[s.Sequence]; dup {
			return validationErrorf("sequence %d used by both %q and %q", s.Sequence, prev, s.Name)
		}
		seen[s.Sequence] = s.Name
		switch s.TriggerType {
		case domain.TriggerDayOffset:
			if s.TriggerValue < 0 {
				return validationErrorf("step %q has negative day offset", s.Name)
			}
		case domain.TriggerThreshold:
			if s.Measurement == "" {
				return validationErrorf("step %q has a threshold trigger but no measurement", s.Name)
			}
		default:
			return validationErrorf("step %q has unknown trigger type %q", s.Name, s.TriggerType)
		}
		if s.ToleranceHours <= 0 {
			return validationErrorf("step %q needs a positive tolerance window", s.Name)
		}
		if s.ExpectedLow != nil && s.ExpectedHigh != nil && *s.ExpectedLow > *s.ExpectedHigh {
			return validationErrorf("step %q has expected_low above expected_high", s.Name)
		}
	}
	return nil
}

// ensureContiguous requires sequences 1..n with no gaps or duplicates.
func ensureContiguous(steps []domain.Step) error {
	if len(steps) == 0 {
		return validationErrorf("protocol has no steps; add at least one before approval")
	}
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if seen[s.Sequence] {
			return validationErrorf("duplicate sequence %d", s.Sequence)
		}
		seen[s.Sequence] = true
	}
	for i := 1; i <= len(steps); i++ {
		if !seen[i] {
			return validationErrorf("step sequences must be contiguous from 1; missing %d", i)
		}
	}
	return nil
}

func (e Engine) varietalName(code string) string {
	if e.Config == nil {
		return ""
	}
	if v, ok := e.Config.Varietals.Catalog[code]; ok {
		return v.Name
	}
	return ""
}

func (e Engine) wineryName(id string) string {
	if e.Config != nil && e.Config.Winery.ID == id {
		return e.Config.Winery.Name
	}
	return id
}
