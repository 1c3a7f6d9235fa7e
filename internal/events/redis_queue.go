package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// DefaultQueueKey is the Redis list events are pushed to.
const DefaultQueueKey = "schemakeeper:events"

// RedisQueue keeps events in a Redis list so that several processes can
// share one journal.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	owned  bool
	logger hclog.Logger
	closed atomic.Bool
}

// NewRedisQueue creates a queue on the list key. The client is not closed
// by Close.
func NewRedisQueue(client redis.UniversalClient, key string, logger hclog.Logger) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RedisQueue{client: client, key: key, logger: logger}
}

// Enqueue serializes the event and pushes it to the tail of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, event *core.Event) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := validate(event); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	q.logger.Trace("event enqueued", "key", q.key, "type", event.Type, "run_id", event.RunID)
	return nil
}

// Dequeue pops up to batchSize events from the head of the list. Entries
// that cannot be decoded are dropped.
func (q *RedisQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Event, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	events := make([]*core.Event, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		data, err := q.client.LPop(ctx, q.key).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return events, fmt.Errorf("failed to dequeue event: %w", err)
		}

		var event core.Event
		if err := json.Unmarshal(data, &event); err != nil {
			q.logger.Warn("dropping undecodable event", "key", q.key, "error", err)
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// Size returns the list length, or 0 when it cannot be read.
func (q *RedisQueue) Size() int {
	if q.closed.Load() {
		return 0
	}
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		q.logger.Warn("failed to read queue length", "key", q.key, "error", err)
		return 0
	}
	return int(n)
}

// Close stops the queue, closing the client when the queue created it.
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.owned {
		return q.client.Close()
	}
	return nil
}

type redisQueueFactory struct{}

func (redisQueueFactory) Type() string { return "redis" }

func (redisQueueFactory) Create(ctx context.Context, cfg config.EventsConfig, logger hclog.Logger) (core.EventQueue, error) {
	if len(cfg.Redis.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required for the redis event queue")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Endpoints[0],
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	q := NewRedisQueue(client, cfg.QueueKey, logger)
	q.owned = true
	return q, nil
}

func init() {
	RegisterQueue(redisQueueFactory{})
}
