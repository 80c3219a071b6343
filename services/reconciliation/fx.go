package reconciliation

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(NewService),
)

// SchedulerModule attaches the sweep/audit loop to the fx lifecycle. Only
// the worker process registers it.
var SchedulerModule = fx.Module("reconciliation.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
