// Package events journals migration runs. The engine publishes events to a
// queue; a rate limited Drainer delivers them to handlers such as the log
// or the database's history table.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

var (
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("event queue is closed")

	// ErrQueueFull is returned when a bounded queue has no room left.
	ErrQueueFull = errors.New("event queue is full")

	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
)

// QueueFactory creates event queues of one type.
type QueueFactory interface {
	Create(ctx context.Context, cfg config.EventsConfig, logger hclog.Logger) (core.EventQueue, error)
	Type() string
}

var (
	queueRegistry = make(map[string]QueueFactory)
	queueMu       sync.RWMutex
)

// RegisterQueue registers a queue factory.
// This is called automatically by each queue's init() function.
func RegisterQueue(f QueueFactory) {
	if f == nil {
		panic("queue factory cannot be nil")
	}
	if f.Type() == "" {
		panic("queue type cannot be empty")
	}

	queueMu.Lock()
	defer queueMu.Unlock()

	if _, exists := queueRegistry[f.Type()]; exists {
		panic(fmt.Sprintf("queue for type %q is already registered", f.Type()))
	}
	queueRegistry[f.Type()] = f
}

// NewQueue creates the queue named by cfg.QueueType.
func NewQueue(ctx context.Context, cfg config.EventsConfig, logger hclog.Logger) (core.EventQueue, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	queueMu.RLock()
	f, ok := queueRegistry[cfg.QueueType]
	queueMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported event queue type: %s", cfg.QueueType)
	}
	return f.Create(ctx, cfg, logger.Named(cfg.QueueType))
}

// RegisteredQueues returns the registered queue types.
func RegisteredQueues() []string {
	queueMu.RLock()
	defer queueMu.RUnlock()

	types := make([]string, 0, len(queueRegistry))
	for t := range queueRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func validate(event *core.Event) error {
	if event == nil {
		return ErrInvalidEvent
	}
	if event.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidEvent)
	}
	if event.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	return nil
}
