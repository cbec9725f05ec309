package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/config"
)

// RedisBroker is a Broker backed by Redis PUBLISH/SUBSCRIBE, for deployments
// running more than one hub node.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(cfg config.PubSubConfig, logger *slog.Logger) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithCancel(context.Background())

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisBroker{
		rdb:    rdb,
		logger: logger.With("component", "pubsub"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(topic string, h Handler) (func(), error) {
	sub := b.rdb.Subscribe(b.ctx, topic)

	// Wait for the subscription to be confirmed so a publish immediately
	// after Subscribe returns is not missed.
	recvCtx, recvCancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer recvCancel()
	if _, err := sub.Receive(recvCtx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	subCtx, subCancel := context.WithCancel(b.ctx)
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			msg, err := sub.ReceiveMessage(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				b.logger.Warn("redis receive failed", "topic", topic, "error", err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			h([]byte(msg.Payload))
		}
	}()

	return subCancel, nil
}

func (b *RedisBroker) Close() error {
	b.cancel()
	return b.rdb.Close()
}

// NewBroker creates a Broker from configuration.
func NewBroker(cfg config.PubSubConfig, logger *slog.Logger) (Broker, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBroker(), nil
	case "redis":
		return NewRedisBroker(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported pubsub backend: %q", cfg.Backend)
	}
}
