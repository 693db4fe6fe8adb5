package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vintrack/internal/config"
	"vintrack/internal/db"
	"vintrack/internal/domain"
	"vintrack/internal/engine"
	"vintrack/internal/engine/auth"
	"vintrack/internal/migrate"
	"vintrack/internal/repo"
)

var winemaker = auth.Actor{ID: "vm-1", Roles: []string{"winemaker"}}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("winery-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) setNow(t time.Time) {
	env.Engine.Now = func() time.Time { return t }
}

func fptr(v float64) *float64 { return &v }

var cabSteps = []engine.StepSpec{
	{Sequence: 1, Name: "Yeast inoculation", TriggerType: domain.TriggerDayOffset, TriggerValue: 0, ToleranceHours: 12, Critical: true},
	{Sequence: 2, Name: "Brix reading", TriggerType: domain.TriggerDayOffset, TriggerValue: 2, ToleranceHours: 24, Measurement: "brix", ExpectedLow: fptr(5), ExpectedHigh: fptr(15)},
	{Sequence: 3, Name: "Press off", TriggerType: domain.TriggerDayOffset, TriggerValue: 7, ToleranceHours: 24, Critical: true},
}

func (env *testEnv) finalProtocol(t *testing.T) domain.Protocol {
	t.Helper()
	p, _, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{
		WineryID:     "winery-1",
		VarietalCode: "CAB",
		Version:      1,
		Steps:        cabSteps,
		Actor:        winemaker,
	})
	if err != nil {
		t.Fatalf("create protocol: %v", err)
	}
	p, err = env.Engine.ApproveProtocol(env.Ctx, p.ID, winemaker)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return p
}

func (env *testEnv) activeExecution(t *testing.T) (domain.Instance, domain.Execution) {
	t.Helper()
	p := env.finalProtocol(t)
	ferm, err := env.Engine.CreateFermentation(env.Ctx, domain.Fermentation{
		WineryID:  "winery-1",
		BatchName: "Tank 4 Cab",
	}, winemaker)
	if err != nil {
		t.Fatalf("fermentation: %v", err)
	}
	in, exec, err := env.Engine.Instantiate(env.Ctx, p.ID, ferm.ID, winemaker)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	exec, err = env.Engine.Start(env.Ctx, exec.ID, winemaker)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return in, exec
}

func TestProtocolLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p, steps, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{
		WineryID:     "winery-1",
		VarietalCode: "CAB",
		Steps:        cabSteps,
		Actor:        winemaker,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != domain.ProtocolDraft || p.Version != 1 || len(steps) != 3 {
		t.Fatalf("unexpected draft: %+v steps=%d", p, len(steps))
	}

	p, err = env.Engine.ApproveProtocol(env.Ctx, p.ID, winemaker)
	if err != nil || p.Status != domain.ProtocolFinal {
		t.Fatalf("approve: %v status=%s", err, p.Status)
	}
	// frozen after approval
	_, err = env.Engine.AddStep(env.Ctx, p.ID, engine.StepSpec{Sequence: 4, Name: "Extra", TriggerType: domain.TriggerDayOffset}, winemaker)
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error adding step to final, got %v", err)
	}
	// approving twice is also a state error
	_, err = env.Engine.ApproveProtocol(env.Ctx, p.ID, winemaker)
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error on re-approve, got %v", err)
	}

	next, err := env.Engine.NewVersion(env.Ctx, p.ID, 0, winemaker)
	if err != nil {
		t.Fatalf("new version: %v", err)
	}
	if next.Version != 2 || next.Status != domain.ProtocolDraft {
		t.Fatalf("unexpected next version: %+v", next)
	}
	old, _, err := env.Engine.GetProtocol(env.Ctx, p.ID)
	if err != nil || old.Status != domain.ProtocolDeprecated || old.EffectiveEnd == nil {
		t.Fatalf("expected deprecated prior version: %v %+v", err, old)
	}
	_, nextSteps, err := env.Engine.GetProtocol(env.Ctx, next.ID)
	if err != nil || len(nextSteps) != 3 {
		t.Fatalf("expected steps copied to new version: %v steps=%d", err, len(nextSteps))
	}
	latest, err := env.Engine.LatestFinal(env.Ctx, "winery-1", "CAB")
	if err != nil || latest.ID != p.ID {
		t.Fatalf("latest final should still be v1 until v2 approved: %v %+v", err, latest)
	}
}

func TestApprovalRequiresContiguousSteps(t *testing.T) {
	env := newTestEnv(t)
	p, _, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{
		WineryID:     "winery-1",
		VarietalCode: "PIN",
		Steps: []engine.StepSpec{
			{Sequence: 1, Name: "Crush", TriggerType: domain.TriggerDayOffset, ToleranceHours: 12},
			{Sequence: 3, Name: "Press", TriggerType: domain.TriggerDayOffset, TriggerValue: 7, ToleranceHours: 12},
		},
		Actor: winemaker,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.ApproveProtocol(env.Ctx, p.ID, winemaker)
	var vErr engine.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error for sequence gap, got %v", err)
	}
	if _, err = env.Engine.AddStep(env.Ctx, p.ID, engine.StepSpec{
		Sequence: 2, Name: "Cold soak", TriggerType: domain.TriggerDayOffset, TriggerValue: 1, ToleranceHours: 12,
	}, winemaker); err != nil {
		t.Fatalf("fill gap: %v", err)
	}
	if _, err = env.Engine.ApproveProtocol(env.Ctx, p.ID, winemaker); err != nil {
		t.Fatalf("approve after fill: %v", err)
	}
}

func TestCreateProtocolRequiresElevatedRole(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{
		WineryID:     "winery-1",
		VarietalCode: "CAB",
		Steps:        cabSteps,
		Actor:        auth.Actor{ID: "intern-1"},
	})
	var authErr auth.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestCustomizeOnlyBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	p := env.finalProtocol(t)
	ferm, err := env.Engine.CreateFermentation(env.Ctx, domain.Fermentation{WineryID: "winery-1", BatchName: "Tank 2"}, winemaker)
	if err != nil {
		t.Fatal(err)
	}
	in, exec, err := env.Engine.Instantiate(env.Ctx, p.ID, ferm.ID, winemaker)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	_, steps, _, err := env.Engine.GetInstance(env.Ctx, in.ID)
	if err != nil || len(steps) != 3 {
		t.Fatalf("instance steps: %v %d", err, len(steps))
	}

	step, err := env.Engine.Customize(env.Ctx, engine.CustomizeOptions{
		InstanceID:     in.ID,
		StepID:         steps[1].ID,
		Kind:           domain.CustomizeTolerance,
		ToleranceHours: 48,
		Reason:         "cellar crew only on site every other day",
		Actor:          winemaker,
	})
	if err != nil {
		t.Fatalf("customize: %v", err)
	}
	if step.ToleranceHours != 48 {
		t.Fatalf("tolerance not applied: %+v", step)
	}
	_, _, customs, err := env.Engine.GetInstance(env.Ctx, in.ID)
	if err != nil || len(customs) != 1 {
		t.Fatalf("expected customization audit row: %v %d", err, len(customs))
	}

	// reason is mandatory
	_, err = env.Engine.Customize(env.Ctx, engine.CustomizeOptions{
		InstanceID: in.ID, StepID: steps[0].ID, Kind: domain.CustomizeNotes, Notes: "x", Actor: winemaker,
	})
	var vErr engine.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error without reason, got %v", err)
	}

	// once started the instance is locked
	if _, err := env.Engine.Start(env.Ctx, exec.ID, winemaker); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = env.Engine.Customize(env.Ctx, engine.CustomizeOptions{
		InstanceID:     in.ID,
		StepID:         steps[1].ID,
		Kind:           domain.CustomizeTolerance,
		ToleranceHours: 72,
		Reason:         "too late",
		Actor:          winemaker,
	})
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error after start, got %v", err)
	}

	// protocol templates are never customized directly
	_, err = env.Engine.Customize(env.Ctx, engine.CustomizeOptions{
		InstanceID: p.ID, StepID: steps[0].ID, Kind: domain.CustomizeNotes, Notes: "n", Reason: "r", Actor: winemaker,
	})
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error for template target, got %v", err)
	}
}

func TestInstantiateRequiresFinal(t *testing.T) {
	env := newTestEnv(t)
	p, _, err := env.Engine.CreateProtocol(env.Ctx, engine.ProtocolCreateOptions{
		WineryID: "winery-1", VarietalCode: "CAB", Steps: cabSteps, Actor: winemaker,
	})
	if err != nil {
		t.Fatal(err)
	}
	ferm, err := env.Engine.CreateFermentation(env.Ctx, domain.Fermentation{WineryID: "winery-1", BatchName: "Tank 9"}, winemaker)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.Instantiate(env.Ctx, p.ID, ferm.ID, winemaker)
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error instantiating a draft, got %v", err)
	}
}

func TestTimingClassification(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	step := domain.InstanceStep{
		Name:           "Brix reading",
		TriggerType:    domain.TriggerDayOffset,
		TriggerValue:   5,
		ToleranceHours: 12,
	}
	critical := step
	critical.Critical = true

	cases := []struct {
		name     string
		step     domain.InstanceStep
		actual   time.Time
		class    string
		days     int
		severity string
	}{
		{"exact", step, start.AddDate(0, 0, 5), engine.TimingOnTime, 0, ""},
		{"window edge", step, start.AddDate(0, 0, 5).Add(12 * time.Hour), engine.TimingOnTime, 0, ""},
		{"slightly early is noise", step, start.AddDate(0, 0, 4).Add(20 * time.Hour), engine.TimingOnTime, 0, ""},
		{"early", step, start.AddDate(0, 0, 2), engine.TimingEarly, 2, domain.SeverityMedium},
		{"late under a day", step, start.AddDate(0, 0, 5).Add(20 * time.Hour), engine.TimingLate, 0, domain.SeverityLow},
		{"late two days", step, start.AddDate(0, 0, 7).Add(13 * time.Hour), engine.TimingLate, 2, domain.SeverityLow},
		{"late three days", step, start.AddDate(0, 0, 8).Add(13 * time.Hour), engine.TimingLate, 3, domain.SeverityMedium},
		{"critical late one day", critical, start.AddDate(0, 0, 6).Add(13 * time.Hour), engine.TimingLate, 1, domain.SeverityHigh},
		{"critical late three days", critical, start.AddDate(0, 0, 8).Add(13 * time.Hour), engine.TimingLate, 3, domain.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := engine.ClassifyTiming(tc.step, start, tc.actual)
			if res.Classification != tc.class {
				t.Fatalf("classification %s, want %s", res.Classification, tc.class)
			}
			if res.DaysVariance != tc.days {
				t.Fatalf("days %d, want %d", res.DaysVariance, tc.days)
			}
			if tc.severity != "" && res.Severity != tc.severity {
				t.Fatalf("severity %s, want %s", res.Severity, tc.severity)
			}
		})
	}

	threshold := domain.InstanceStep{Name: "Rack at dryness", TriggerType: domain.TriggerThreshold, Measurement: "brix", TriggerValue: 0}
	res := engine.ClassifyTiming(threshold, start, start.AddDate(0, 0, 10))
	if res.Classification != engine.TimingUnknown || res.ReasonCode != "trigger_unresolved" {
		t.Fatalf("threshold step should be unclassifiable: %+v", res)
	}
}

func TestSkipClassification(t *testing.T) {
	plain := domain.InstanceStep{Name: "Punch down"}
	critical := domain.InstanceStep{Name: "Inoculate", Critical: true}

	for _, reason := range []string{engine.SkipConditionMet, engine.SkipFermentationComplete, engine.SkipExpertOverride} {
		if res := engine.ClassifySkip(critical, reason); !res.Justified {
			t.Fatalf("%s should be justified", reason)
		}
	}
	res := engine.ClassifySkip(plain, engine.SkipEquipmentFailure)
	if res.Justified || res.Severity != domain.SeverityMedium || !res.RequiresInvestigation {
		t.Fatalf("unexpected: %+v", res)
	}
	res = engine.ClassifySkip(critical, engine.SkipFermentationFailure)
	if res.Severity != domain.SeverityCritical {
		t.Fatalf("critical skip should be critical severity: %+v", res)
	}
	// unknown codes are treated as unspecified, never justified
	res = engine.ClassifySkip(plain, "dog ate it")
	if res.Justified {
		t.Fatalf("unknown reason must not be justified")
	}
}

func TestComplianceScore(t *testing.T) {
	if got := engine.ComplianceScore(0, 0, 0, 0, 0); got != 100 {
		t.Fatalf("fresh execution should score 100, got %v", got)
	}
	if got := engine.ComplianceScore(2, 2, 0, 0, 4); got != 0 {
		t.Fatalf("worst case should score 0, got %v", got)
	}
	if got := engine.ComplianceScore(1, 2, 1, 1, 2); got != 50 {
		t.Fatalf("want 50, got %v", got)
	}
	// no critical steps at all: full critical credit
	if got := engine.ComplianceScore(0, 0, 3, 3, 3); got != 100 {
		t.Fatalf("want 100, got %v", got)
	}
}

func TestRecordFlow(t *testing.T) {
	env := newTestEnv(t)
	// register a recipient so alerts get cached for the offline feed
	if _, err := env.Engine.SetAlertPreference(env.Ctx, domain.AlertPreference{
		UserID: "vm-1", WineryID: "winery-1", InAppEnabled: true, EmailEnabled: true,
	}); err != nil {
		t.Fatalf("preference: %v", err)
	}
	_, exec := env.activeExecution(t)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, steps, _, err := env.Engine.GetInstance(env.Ctx, exec.InstanceID)
	if err != nil {
		t.Fatal(err)
	}

	// step 1 on time, critical: no deviation, a low completion alert
	res, err := env.Engine.RecordCompletion(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[0].ID, Actor: winemaker,
	})
	if err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if len(res.Deviations) != 0 || res.Execution.ComplianceScore != 100 {
		t.Fatalf("on-time critical completion: %+v", res.Execution)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].Type != domain.AlertStepCompleted {
		t.Fatalf("expected step_completed alert, got %+v", res.Alerts)
	}

	// step 2 two days late with an out-of-range reading
	res, err = env.Engine.RecordCompletion(env.Ctx, engine.RecordOptions{
		ExecutionID:   exec.ID,
		StepID:        steps[1].ID,
		CompletedAt:   start.AddDate(0, 0, 5).Add(time.Hour).Format(time.RFC3339),
		MeasuredValue: fptr(21.5),
		Actor:         winemaker,
	})
	if err != nil {
		t.Fatalf("record 2: %v", err)
	}
	if len(res.Deviations) != 2 {
		t.Fatalf("expected timing + quality deviations, got %+v", res.Deviations)
	}
	for _, d := range res.Deviations {
		switch d.Kind {
		case domain.DeviationTiming:
			if d.Severity != domain.SeverityLow || d.DaysVariance != 2 {
				t.Fatalf("timing deviation: %+v", d)
			}
		case domain.DeviationQuality:
			if d.ReasonCode != "measurement_out_of_bounds" {
				t.Fatalf("quality deviation: %+v", d)
			}
		default:
			t.Fatalf("unexpected kind %s", d.Kind)
		}
	}
	if res.Execution.OutOfTolerance != 1 || res.Execution.LateSteps != 1 {
		t.Fatalf("counters: %+v", res.Execution)
	}
	if res.Execution.ComplianceScore != 75 {
		t.Fatalf("score after late out-of-range reading: %v", res.Execution.ComplianceScore)
	}

	// re-recording a resolved step is rejected
	_, err = env.Engine.RecordCompletion(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[1].ID, Actor: winemaker,
	})
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error on duplicate resolution, got %v", err)
	}

	// step 3 skipped for equipment failure: critical deviation and alert
	res, err = env.Engine.RecordSkip(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[2].ID, SkipReason: engine.SkipEquipmentFailure, Actor: winemaker,
	})
	if err != nil {
		t.Fatalf("record 3: %v", err)
	}
	if len(res.Deviations) != 1 || res.Deviations[0].Severity != domain.SeverityCritical || !res.Deviations[0].RequiresInvestigation {
		t.Fatalf("skip deviation: %+v", res.Deviations)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].Type != domain.AlertCriticalStepMissed {
		t.Fatalf("expected critical_step_missed alert, got %+v", res.Alerts)
	}
	if res.Execution.Status != domain.ExecutionDone || res.Execution.CompletedAt == nil {
		t.Fatalf("all steps resolved, execution should be done: %+v", res.Execution)
	}
	if res.Execution.ComplianceScore != 50 {
		t.Fatalf("final score: %v", res.Execution.ComplianceScore)
	}

	// done means closed
	_, err = env.Engine.RecordSkip(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[2].ID, Actor: winemaker,
	})
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error after done, got %v", err)
	}

	// the critical alert landed in the recipient's offline feed
	cached, err := env.Engine.CachedAlerts(env.Ctx, "vm-1", "")
	if err != nil {
		t.Fatalf("cached: %v", err)
	}
	found := false
	for _, c := range cached {
		if c.Severity == domain.SeverityCritical {
			found = true
		}
		if c.Severity == domain.SeverityLow {
			t.Fatalf("low severity alerts must not be cached: %+v", c)
		}
	}
	if !found {
		t.Fatalf("expected the critical alert in the cache, got %+v", cached)
	}
}

func TestJustifiedSkipRecordsNoDeviation(t *testing.T) {
	env := newTestEnv(t)
	_, exec := env.activeExecution(t)
	_, steps, _, err := env.Engine.GetInstance(env.Ctx, exec.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.RecordSkip(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[2].ID, SkipReason: engine.SkipFermentationComplete, Actor: winemaker,
	})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if len(res.Deviations) != 0 || len(res.Alerts) != 0 {
		t.Fatalf("justified skip should be silent: %+v %+v", res.Deviations, res.Alerts)
	}
	if res.Execution.CriticalSkipped != 1 {
		t.Fatalf("critical skip still counts against the score: %+v", res.Execution)
	}
}

func TestRecordBeforeStartRejected(t *testing.T) {
	env := newTestEnv(t)
	p := env.finalProtocol(t)
	ferm, err := env.Engine.CreateFermentation(env.Ctx, domain.Fermentation{WineryID: "winery-1", BatchName: "Tank 7"}, winemaker)
	if err != nil {
		t.Fatal(err)
	}
	in, exec, err := env.Engine.Instantiate(env.Ctx, p.ID, ferm.ID, winemaker)
	if err != nil {
		t.Fatal(err)
	}
	_, steps, _, err := env.Engine.GetInstance(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RecordCompletion(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[0].ID, Actor: winemaker,
	})
	var stateErr engine.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected state error before start, got %v", err)
	}
}

func TestStatusView(t *testing.T) {
	env := newTestEnv(t)
	_, exec := env.activeExecution(t)
	_, steps, _, err := env.Engine.GetInstance(env.Ctx, exec.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordCompletion(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[0].ID, Actor: winemaker,
	}); err != nil {
		t.Fatal(err)
	}

	// four days in: the brix reading window has closed, press-off is ahead
	env.setNow(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))
	st, err := env.Engine.Status(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Resolved) != 1 || len(st.Missed) != 1 {
		t.Fatalf("resolved=%d missed=%d", len(st.Resolved), len(st.Missed))
	}
	if st.Missed[0].Step.Name != "Brix reading" {
		t.Fatalf("missed step: %+v", st.Missed[0].Step)
	}
	if st.Current == nil || st.Current.Step.Name != "Press off" {
		t.Fatalf("current step: %+v", st.Current)
	}
}

func TestAcknowledgeDeviationIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, exec := env.activeExecution(t)
	_, steps, _, err := env.Engine.GetInstance(env.Ctx, exec.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.RecordSkip(env.Ctx, engine.RecordOptions{
		ExecutionID: exec.ID, StepID: steps[0].ID, SkipReason: engine.SkipEquipmentFailure, Actor: winemaker,
	})
	if err != nil || len(res.Deviations) != 1 {
		t.Fatalf("skip: %v %d", err, len(res.Deviations))
	}
	d, err := env.Engine.AcknowledgeDeviation(env.Ctx, res.Deviations[0].ID, "pump repaired, re-running", winemaker)
	if err != nil || d.AckAt == nil {
		t.Fatalf("ack: %v %+v", err, d)
	}
	first := *d.AckAt
	env.setNow(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))
	d, err = env.Engine.AcknowledgeDeviation(env.Ctx, res.Deviations[0].ID, "again", winemaker)
	if err != nil || d.AckAt == nil || *d.AckAt != first {
		t.Fatalf("second ack must not rewrite: %v %+v", err, d)
	}
}

func TestCachedAlertAckIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetAlertPreference(env.Ctx, domain.AlertPreference{
		UserID: "vm-1", WineryID: "winery-1", InAppEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RaiseAlert(env.Ctx, engine.RaiseAlertOptions{
		Type:     domain.AlertContaminationDetected,
		WineryID: "winery-1",
		Title:    "Film on tank 3",
		Actor:    winemaker,
	}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	cached, err := env.Engine.CachedAlerts(env.Ctx, "vm-1", "")
	if err != nil || len(cached) != 1 {
		t.Fatalf("cached: %v %d", err, len(cached))
	}
	c, err := env.Engine.AcknowledgeCachedAlert(env.Ctx, cached[0].ID, winemaker)
	if err != nil || c.AckAt == nil {
		t.Fatalf("ack: %v %+v", err, c)
	}
	first := *c.AckAt
	env.setNow(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))
	c, err = env.Engine.AcknowledgeCachedAlert(env.Ctx, cached[0].ID, winemaker)
	if err != nil || c.AckAt == nil || *c.AckAt != first {
		t.Fatalf("second ack must keep the original timestamp: %v %+v", err, c)
	}
	// acking someone else's entry is a not-found, not a reveal
	_, err = env.Engine.AcknowledgeCachedAlert(env.Ctx, cached[0].ID, auth.Actor{ID: "other"})
	if err == nil {
		t.Fatalf("expected error for foreign cached alert")
	}
}

func TestVersioningEmitsProtocolUpdatedAlert(t *testing.T) {
	env := newTestEnv(t)
	p := env.finalProtocol(t)
	if _, err := env.Engine.NewVersion(env.Ctx, p.ID, 0, winemaker); err != nil {
		t.Fatalf("version: %v", err)
	}
	alerts, err := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WineryID: "winery-1", Type: domain.AlertProtocolUpdated})
	if err != nil || len(alerts) != 1 {
		t.Fatalf("expected protocol_updated alert: %v %d", err, len(alerts))
	}
	if alerts[0].Severity != domain.SeverityLow {
		t.Fatalf("severity: %+v", alerts[0])
	}
}
