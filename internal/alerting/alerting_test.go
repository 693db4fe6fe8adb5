package alerting_test

import (
	"context"
	"testing"
	"time"

	"vintrack/internal/alerting"
	"vintrack/internal/config"
	"vintrack/internal/db"
	"vintrack/internal/domain"
	"vintrack/internal/engine"
	"vintrack/internal/engine/auth"
	"vintrack/internal/migrate"
	"vintrack/internal/repo"
)

func at(hour, min int) time.Time {
	return time.Date(2025, 3, 1, hour, min, 0, 0, time.UTC)
}

func TestShouldNotify(t *testing.T) {
	quiet := domain.AlertPreference{QuietStart: "22:00", QuietEnd: "06:00"}
	cases := []struct {
		name     string
		pref     domain.AlertPreference
		severity string
		now      time.Time
		want     bool
	}{
		{"no suppression", domain.AlertPreference{}, domain.SeverityMedium, at(12, 0), true},
		{"quiet hours suppress medium", quiet, domain.SeverityMedium, at(23, 0), false},
		{"quiet hours cross midnight", quiet, domain.SeverityMedium, at(3, 30), false},
		{"quiet window end is exclusive", quiet, domain.SeverityMedium, at(6, 0), true},
		{"daytime passes", quiet, domain.SeverityHigh, at(10, 0), true},
		{"critical bypasses quiet hours", quiet, domain.SeverityCritical, at(23, 0), true},
		{"suppress low", domain.AlertPreference{SuppressLow: true}, domain.SeverityLow, at(12, 0), false},
		{"suppress low leaves medium alone", domain.AlertPreference{SuppressLow: true}, domain.SeverityMedium, at(12, 0), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := alerting.ShouldNotify(tc.pref, tc.severity, tc.now); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	dnd := "2025-03-02T00:00:00Z"
	pref := domain.AlertPreference{DNDUntil: &dnd}
	if alerting.ShouldNotify(pref, domain.SeverityHigh, at(12, 0)) {
		t.Fatalf("dnd should suppress high")
	}
	if !alerting.ShouldNotify(pref, domain.SeverityHigh, time.Date(2025, 3, 2, 0, 1, 0, 0, time.UTC)) {
		t.Fatalf("expired dnd should not suppress")
	}
	if !alerting.ShouldNotify(pref, domain.SeverityCritical, at(12, 0)) {
		t.Fatalf("critical bypasses dnd")
	}
}

func TestChannelsFor(t *testing.T) {
	pref := domain.AlertPreference{
		InAppEnabled:   true,
		SMSEnabled:     true,
		EmailEnabled:   true,
		EmailRecipient: "vm@example.com",
	}
	routed := []string{alerting.ChannelInApp, alerting.ChannelEmail, alerting.ChannelSMS}
	got := alerting.ChannelsFor(pref, routed)
	// sms enabled but no recipient on file: dropped
	if len(got) != 2 || got[0] != alerting.ChannelInApp || got[1] != alerting.ChannelEmail {
		t.Fatalf("got %v", got)
	}
	pref.SMSRecipient = "+15551234"
	if got = alerting.ChannelsFor(pref, routed); len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	pref.EmailEnabled = false
	got = alerting.ChannelsFor(pref, routed)
	for _, ch := range got {
		if ch == alerting.ChannelEmail {
			t.Fatalf("disabled channel routed: %v", got)
		}
	}
}

func TestBaseChannels(t *testing.T) {
	low := alerting.BaseChannels(domain.SeverityLow)
	if len(low) != 2 {
		t.Fatalf("low should route in-app and email: %v", low)
	}
	high := alerting.BaseChannels(domain.SeverityHigh)
	if len(high) != 3 {
		t.Fatalf("high should add sms: %v", high)
	}
}

func TestSeverityTable(t *testing.T) {
	if alerting.SeverityFor(domain.AlertCriticalStepMissed) != domain.SeverityCritical {
		t.Fatalf("critical_step_missed")
	}
	if alerting.SeverityFor(domain.AlertCriticalStepLate) != domain.SeverityHigh {
		t.Fatalf("critical_step_late")
	}
	if alerting.SeverityFor(domain.AlertStepCompleted) != domain.SeverityLow {
		t.Fatalf("step_completed")
	}
	if alerting.SeverityFor("made_up") != domain.SeverityMedium {
		t.Fatalf("unknown types default to medium")
	}
	if alerting.KnownAlertType("made_up") {
		t.Fatalf("made_up should not be known")
	}
}

func TestFindUpcoming(t *testing.T) {
	startedAt := "2025-03-01T00:00:00Z"
	exec := domain.Execution{ID: "x-1", Status: domain.ExecutionActive, StartedAt: &startedAt}
	steps := []domain.InstanceStep{
		{ID: "s-1", Name: "Inoculate", TriggerType: domain.TriggerDayOffset, TriggerValue: 0, ToleranceHours: 12, Critical: true},
		{ID: "s-2", Name: "Brix", TriggerType: domain.TriggerDayOffset, TriggerValue: 2, ToleranceHours: 24},
		{ID: "s-3", Name: "Press", TriggerType: domain.TriggerDayOffset, TriggerValue: 7, ToleranceHours: 24, Critical: true},
		{ID: "s-4", Name: "Rack at dryness", TriggerType: domain.TriggerThreshold, Measurement: "brix"},
	}
	completions := []domain.StepCompletion{{StepID: "s-1"}}

	now := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
	// s-3 is due Mar 8: outside a 12h lookahead
	got := alerting.FindUpcoming(exec, steps, completions, now, 12*time.Hour)
	if len(got) != 1 {
		t.Fatalf("want 1 surfaced step, got %+v", got)
	}
	// s-2 closed its window on Mar 4
	if got[0].Step.ID != "s-2" || !got[0].Missed {
		t.Fatalf("first: %+v", got[0])
	}
	if alerting.AlertTypeFor(got[0]) != domain.AlertDeviationDetected {
		t.Fatalf("missed non-critical type: %s", alerting.AlertTypeFor(got[0]))
	}
	got = alerting.FindUpcoming(exec, steps, completions, now, 24*time.Hour)
	if len(got) != 2 || got[1].Step.ID != "s-3" {
		t.Fatalf("24h lookahead should add press-off: %+v", got)
	}
	if !got[1].Missed && alerting.AlertTypeFor(got[1]) != domain.AlertCriticalStepApproaching {
		t.Fatalf("approaching critical type: %s", alerting.AlertTypeFor(got[1]))
	}

	// inactive executions surface nothing
	idle := exec
	idle.Status = domain.ExecutionNotStarted
	if res := alerting.FindUpcoming(idle, steps, nil, now, 12*time.Hour); res != nil {
		t.Fatalf("idle execution surfaced %+v", res)
	}
}

func schedulerEnv(t *testing.T) (engine.Engine, context.Context) {
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
	eng := engine.New(conn, config.Default("winery-1"))
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return eng, context.Background()
}

func TestSchedulerScanSuppressesDuplicates(t *testing.T) {
	eng, ctx := schedulerEnv(t)
	actor := auth.Actor{ID: "vm-1", Roles: []string{"winemaker"}}
	p, _, err := eng.CreateProtocol(ctx, engine.ProtocolCreateOptions{
		WineryID:     "winery-1",
		VarietalCode: "CAB",
		Steps: []engine.StepSpec{
			{Sequence: 1, Name: "Inoculate", TriggerType: domain.TriggerDayOffset, TriggerValue: 0, ToleranceHours: 12, Critical: true},
		},
		Actor: actor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ApproveProtocol(ctx, p.ID, actor); err != nil {
		t.Fatal(err)
	}
	ferm, err := eng.CreateFermentation(ctx, domain.Fermentation{WineryID: "winery-1", BatchName: "Tank 1"}, actor)
	if err != nil {
		t.Fatal(err)
	}
	_, exec, err := eng.Instantiate(ctx, p.ID, ferm.ID, actor)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Start(ctx, exec.ID, actor); err != nil {
		t.Fatal(err)
	}

	// two days in, the only step is well past its window
	scanNow := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	sched := alerting.Scheduler{
		DB:     eng.DB,
		Repo:   eng.Repo,
		Gen:    alerting.Generator{Repo: eng.Repo, Events: eng.Events, Now: func() time.Time { return scanNow }},
		Config: eng.Config,
		Now:    func() time.Time { return scanNow },
	}
	sched.Scan(ctx)
	alerts, err := eng.Repo.ListAlerts(ctx, repo.AlertFilters{WineryID: "winery-1", Type: domain.AlertCriticalStepMissed})
	if err != nil || len(alerts) != 1 {
		t.Fatalf("first scan: %v alerts=%d", err, len(alerts))
	}

	// a second scan inside the duplicate window stays quiet
	sched.Scan(ctx)
	alerts, _ = eng.Repo.ListAlerts(ctx, repo.AlertFilters{WineryID: "winery-1", Type: domain.AlertCriticalStepMissed})
	if len(alerts) != 1 {
		t.Fatalf("duplicate suppressed scan raised again: %d", len(alerts))
	}

	// past the window the reminder fires again
	later := scanNow.Add(7 * time.Hour)
	sched.Now = func() time.Time { return later }
	sched.Gen.Now = sched.Now
	sched.Scan(ctx)
	alerts, _ = eng.Repo.ListAlerts(ctx, repo.AlertFilters{WineryID: "winery-1", Type: domain.AlertCriticalStepMissed})
	if len(alerts) != 2 {
		t.Fatalf("expected a second alert after the window: %d", len(alerts))
	}
}
