package events

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// MemoryQueue is a bounded, channel based queue. Events are lost when the
// process exits.
type MemoryQueue struct {
	queue  chan *core.Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding up to bufferSize events.
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &MemoryQueue{queue: make(chan *core.Event, bufferSize)}
}

// Enqueue adds an event without blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, event *core.Event) error {
	if err := validate(event); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Dequeue returns up to batchSize events in FIFO order.
func (q *MemoryQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Event, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	events := make([]*core.Event, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		select {
		case event, ok := <-q.queue:
			if !ok {
				return events, nil
			}
			events = append(events, event)
		case <-ctx.Done():
			return events, ctx.Err()
		default:
			return events, nil
		}
	}
	return events, nil
}

// Size returns the number of queued events.
func (q *MemoryQueue) Size() int {
	return len(q.queue)
}

// Close stops accepting events. Queued events can still be dequeued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.queue)
	return nil
}

type memoryQueueFactory struct{}

func (memoryQueueFactory) Type() string { return "memory" }

func (memoryQueueFactory) Create(_ context.Context, cfg config.EventsConfig, _ hclog.Logger) (core.EventQueue, error) {
	return NewMemoryQueue(cfg.QueueBufferSize), nil
}

func init() {
	RegisterQueue(memoryQueueFactory{})
}
