package jobqueue

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("jobqueue",
	fx.Provide(NewRedisClient),
	fx.Provide(provideQueue),
	fx.Provide(NewClaimer),
	fx.Provide(NewPublisher),
	fx.Provide(NewWorker),
)

// WorkerModule starts the polling loop; processes that only enqueue leave it out.
var WorkerModule = fx.Module("jobqueue.worker",
	fx.Invoke(RunWorker),
)

// NewRedisClient returns nil when REDIS_ADDR is unset.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideQueue(client *redis.Client, cfg config.Config) Queue {
	return NewRedisQueue(client, cfg.Redis.QueueKey)
}

func RunWorker(lc fx.Lifecycle, worker *Worker, log *zap.Logger) {
	if !worker.Enabled() {
		log.Warn("job worker disabled: redis is not configured")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				worker.Run(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
			return nil
		},
	})
}
