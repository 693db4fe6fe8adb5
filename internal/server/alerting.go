package server

import (
	"context"

	"vintrack/internal/alerting"
	"vintrack/internal/engine"
)

// StartAlerting starts the delivery worker and the approaching-step
// scheduler for a serving engine, and returns the engine with its dispatch
// hook installed. Both stop when ctx is done.
func StartAlerting(ctx context.Context, e engine.Engine) engine.Engine {
	var sms, email alerting.Channel
	if e.Config != nil {
		sms = alerting.NewChannel(alerting.ChannelSMS, e.Config.Alerting.SMS)
		email = alerting.NewChannel(alerting.ChannelEmail, e.Config.Alerting.Email)
	}
	router := alerting.NewRouter(e.Repo, sms, email)
	router.Now = e.Now
	router.Start(ctx)
	e.Dispatch = router.Enqueue

	sched := alerting.Scheduler{
		DB:       e.DB,
		Repo:     e.Repo,
		Gen:      alerting.Generator{Repo: e.Repo, Events: e.Events, Now: e.Now},
		Config:   e.Config,
		Dispatch: router.Enqueue,
		Now:      e.Now,
	}
	go sched.Run(ctx)
	return e
}
