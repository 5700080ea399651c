package queuefx

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/queue"
	"github.com/smallbiznis/payauth/internal/queue/memory"
	"github.com/smallbiznis/payauth/internal/queue/redisq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the queue drivers. It lives apart from the queue package so
// the drivers can depend on the queue types without a cycle.
var Module = fx.Module("queue",
	fx.Provide(ProvideRedis),
	fx.Provide(ProvideQueues),
)

// ProvideRedis builds the shared redis client, nil when no address is
// configured. The redis driver and the rate limiter both refuse to start
// without one.
func ProvideRedis(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

type QueuesResult struct {
	fx.Out

	Auth     queue.AuthQueue
	Void     queue.VoidQueue
	Registry *queue.Registry
}

func ProvideQueues(cfg config.Config, rdb *redis.Client, log *zap.Logger) (QueuesResult, error) {
	build := func(name string) queue.Queue {
		switch strings.ToLower(strings.TrimSpace(cfg.QueueDriver)) {
		case "redis":
			return redisq.New(name, rdb,
				redisq.WithVisibilityTimeout(cfg.VisibilityTimeout),
				redisq.WithMaxReceiveCount(cfg.MaxReceiveCount),
			)
		default:
			return memory.New(name,
				memory.WithVisibilityTimeout(cfg.VisibilityTimeout),
				memory.WithMaxReceiveCount(cfg.MaxReceiveCount),
			)
		}
	}

	if strings.EqualFold(cfg.QueueDriver, "redis") && rdb == nil {
		log.Warn("queue driver is redis but no redis addr configured, falling back to memory")
		cfg.QueueDriver = "memory"
	}

	auth := build(cfg.AuthQueueName)
	void := build(cfg.VoidQueueName)

	registry := queue.NewRegistry()
	registry.Register(auth)
	registry.Register(void)

	log.Info("queues ready",
		zap.String("driver", cfg.QueueDriver),
		zap.String("auth_queue", auth.Name()),
		zap.String("void_queue", void.Name()),
	)

	return QueuesResult{
		Auth:     queue.AuthQueue{Queue: auth},
		Void:     queue.VoidQueue{Queue: void},
		Registry: registry,
	}, nil
}
