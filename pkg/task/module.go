package task

import (
	"context"
	"os"

	"nova-core/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("task.client",
	fx.Provide(newClient, NewEnqueuer),
)

func newClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	if err := client.Ping(); err != nil {
		zap.L().Error("task queue unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		os.Exit(1)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("task.server",
	fx.Provide(newServeMux),
	fx.Invoke(runServer),
)

func newServeMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// queueConfig maps the configured queue weights, falling back to the
// standard critical/default/low split when the config is silent.
func queueConfig(cfg *config.Config) (int, map[string]int) {
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	q := cfg.Worker.Queues
	queues := map[string]int{"critical": q.Critical, "default": q.Default, "low": q.Low}
	if q.Critical+q.Default+q.Low == 0 {
		queues = map[string]int{"critical": 10, "default": 5, "low": 3}
	}
	return concurrency, queues
}

func runServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	concurrency, queues := queueConfig(cfg)

	server := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency:    concurrency,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues:         queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			zap.L().Error("task handler failed",
				zap.String("task_type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(mux); err != nil {
					zap.L().Error("task server exited", zap.Error(err))
					os.Exit(1)
				}
			}()
			zap.L().Info("task server started",
				zap.String("addr", cfg.Redis.Addr),
				zap.Int("concurrency", concurrency),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Stop()
			return nil
		},
	})
}
