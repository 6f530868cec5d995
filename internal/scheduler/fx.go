package scheduler

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
)

// Providers builds a Scheduler without starting the run loop. The sweep
// command uses it for a single pass.
var Providers = fx.Options(
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

var Module = fx.Module("scheduler",
	Providers,
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	// cloud deployments trigger passes externally through the sweep command
	if cfg.IsCloud() {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
