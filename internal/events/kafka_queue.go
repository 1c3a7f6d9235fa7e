package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// DefaultKafkaGroupID is the consumer group used when none is configured.
const DefaultKafkaGroupID = "schemakeeper-journal"

// KafkaQueue publishes journal events to a Kafka topic so that other
// services can follow migrations. Events are keyed by database name, which
// keeps the events of one database on one partition and in order.
type KafkaQueue struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	topic   string
	groupID string
	timeout time.Duration
	logger  hclog.Logger

	mu     sync.RWMutex
	closed bool
	size   int
}

// NewKafkaQueue creates a producer and a consumer group reader for the
// configured topic.
func NewKafkaQueue(cfg config.KafkaConfig, logger hclog.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultKafkaGroupID
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	logger.Info("kafka event queue initialized", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)

	return &KafkaQueue{
		writer:  writer,
		reader:  reader,
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
		timeout: cfg.ReadTimeout,
		logger:  logger,
	}, nil
}

// Enqueue produces the event to the topic.
func (q *KafkaQueue) Enqueue(ctx context.Context, event *core.Event) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
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

	message := kafka.Message{
		Key:   []byte(event.Database),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "run_id", Value: []byte(event.RunID)},
		},
	}

	start := time.Now()
	if err := q.writer.WriteMessages(ctx, message); err != nil {
		q.logger.Error("failed to produce event", "topic", q.topic, "type", event.Type, "duration", time.Since(start), "error", err)
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	q.mu.Lock()
	q.size++
	q.mu.Unlock()

	q.logger.Debug("event produced", "topic", q.topic, "type", event.Type, "run_id", event.RunID, "duration", time.Since(start))
	return nil
}

// Dequeue consumes up to batchSize events. It stops early when no message
// arrives within the read timeout.
func (q *KafkaQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Event, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return nil, ErrQueueClosed
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	events := make([]*core.Event, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		readCtx, cancel := context.WithTimeout(ctx, q.timeout)
		message, err := q.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return events, fmt.Errorf("failed to read message from Kafka: %w", err)
		}

		var event core.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			q.logger.Warn("dropping undecodable event", "partition", message.Partition, "offset", message.Offset, "error", err)
		} else {
			events = append(events, &event)
		}

		if err := q.reader.CommitMessages(ctx, message); err != nil {
			q.logger.Warn("failed to commit offset", "partition", message.Partition, "offset", message.Offset, "error", err)
		}
	}

	if len(events) > 0 {
		q.mu.Lock()
		q.size -= len(events)
		if q.size < 0 {
			q.size = 0
		}
		q.mu.Unlock()
	}
	return events, nil
}

// Size returns the number of events produced by this queue and not yet
// consumed. Kafka exposes no exact backlog, so this is approximate.
func (q *KafkaQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.size
}

// Close closes the producer and the consumer.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var result error
	if err := q.writer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close kafka writer: %w", err))
	}
	if err := q.reader.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close kafka reader: %w", err))
	}
	return result
}

type kafkaQueueFactory struct{}

func (kafkaQueueFactory) Type() string { return "kafka" }

func (kafkaQueueFactory) Create(_ context.Context, cfg config.EventsConfig, logger hclog.Logger) (core.EventQueue, error) {
	return NewKafkaQueue(cfg.Kafka, logger)
}

func init() {
	RegisterQueue(kafkaQueueFactory{})
}
