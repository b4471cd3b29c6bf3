package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "noteshare:"

// RedisCoordinator implements Coordinator on a Redis backend. Document state
// lives under "noteshare:doc:<id>:state"; live updates travel over the
// "noteshare:doc:<id>:updates" channel.
type RedisCoordinator struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCoordinator connects to Redis and verifies the connection.
func NewRedisCoordinator(redisURL string, logger *zap.Logger) (*RedisCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Coordination cache connected", zap.String("addr", opts.Addr))
	return &RedisCoordinator{client: client, logger: logger}, nil
}

func stateKey(docID string) string {
	return keyPrefix + "doc:" + docID + ":state"
}

func updatesChannel(docID string) string {
	return keyPrefix + "doc:" + docID + ":updates"
}

// GetState returns the cached document state.
func (c *RedisCoordinator) GetState(ctx context.Context, docID string) ([]byte, error) {
	data, err := c.client.Get(ctx, stateKey(docID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get state from redis: %w", err)
	}
	return data, nil
}

// SetState caches the document state with a TTL.
func (c *RedisCoordinator) SetState(ctx context.Context, docID string, state []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, stateKey(docID), state, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state in redis: %w", err)
	}
	return nil
}

// Invalidate drops the cached document state.
func (c *RedisCoordinator) Invalidate(ctx context.Context, docID string) error {
	if err := c.client.Del(ctx, stateKey(docID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate state in redis: %w", err)
	}
	return nil
}

// Publish sends a fan-out message to all instances holding the document.
func (c *RedisCoordinator) Publish(ctx context.Context, docID string, msg Message) error {
	if err := c.client.Publish(ctx, updatesChannel(docID), msg.Encode()).Err(); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// Subscribe opens a live feed for a document. Malformed messages on the
// channel are logged and dropped.
func (c *RedisCoordinator) Subscribe(ctx context.Context, docID string) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, updatesChannel(docID))
	// Force the subscription to be established before returning, so no
	// published update slips past a freshly attached instance.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to updates: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 256),
	}
	go sub.pump(c.logger, docID)
	return sub, nil
}

// Ping verifies connectivity.
func (c *RedisCoordinator) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close disconnects from Redis.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump(logger *zap.Logger, docID string) {
	defer close(s.out)
	for raw := range s.pubsub.Channel() {
		msg, err := DecodeMessage([]byte(raw.Payload))
		if err != nil {
			logger.Warn("Dropping malformed fanout message",
				zap.String("doc_id", docID),
				zap.Error(err))
			continue
		}
		select {
		case s.out <- msg:
		default:
			// A stalled consumer must not block the pump; the consumer
			// recovers by resyncing from the document store.
			logger.Warn("Dropping fanout message for slow consumer",
				zap.String("doc_id", docID))
		}
	}
}

func (s *redisSubscription) C() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
