package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// Handler delivers journal events somewhere.
type Handler interface {
	Handle(ctx context.Context, event *core.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *core.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *core.Event) error {
	return f(ctx, event)
}

// DrainerConfig contains configuration for the drainer.
type DrainerConfig struct {
	// DrainRate is the maximum number of events delivered per second.
	DrainRate int

	// BatchSize is how many events to dequeue at once.
	BatchSize int

	// PollInterval is how often to check for new events when the queue is
	// empty.
	PollInterval time.Duration

	// MaxRetries is how many times a failed delivery is retried before the
	// event is dropped.
	MaxRetries int

	// RetryBackoff is the initial interval between retries.
	RetryBackoff time.Duration
}

// DefaultDrainerConfig returns the defaults used for unset fields.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		DrainRate:    50,
		BatchSize:    10,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Drainer moves events from a queue to its handlers at a bounded rate.
type Drainer struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	queue    core.EventQueue
	handlers []Handler
	config   DrainerConfig
	limiter  *rate.Limiter
	logger   hclog.Logger
}

// NewDrainer creates a drainer delivering every event of queue to each
// handler in order.
func NewDrainer(queue core.EventQueue, config DrainerConfig, logger hclog.Logger, handlers ...Handler) *Drainer {
	defaults := DefaultDrainerConfig()
	if config.DrainRate <= 0 {
		config.DrainRate = defaults.DrainRate
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Drainer{
		queue:    queue,
		handlers: handlers,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.DrainRate), 1),
		logger:   logger,
	}
}

// Start runs the drain loop in a goroutine until Stop is called or ctx is
// done.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go d.run(ctx, d.stopCh, d.doneCh)
	d.logger.Debug("drainer started", "drain_rate", d.config.DrainRate)
}

// Stop stops the drain loop and waits for the current batch to finish.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	d.logger.Debug("drainer stopped")
}

// IsRunning reports whether the drain loop is active.
func (d *Drainer) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Flush delivers queued events until the queue is empty, ignoring the rate
// limit. It returns the number of events delivered.
func (d *Drainer) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		batch, err := d.queue.Dequeue(ctx, d.config.BatchSize)
		if err != nil && !errors.Is(err, ErrQueueClosed) {
			return delivered, fmt.Errorf("failed to dequeue events: %w", err)
		}
		if len(batch) == 0 {
			return delivered, nil
		}
		for _, event := range batch {
			d.deliver(ctx, event)
			delivered++
		}
	}
}

func (d *Drainer) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	processed := 0
	start := time.Now()
	for {
		select {
		case <-stopCh:
			d.logger.Debug("drainer received stop signal", "processed", processed, "elapsed", time.Since(start))
			return
		case <-ctx.Done():
			d.logger.Debug("drainer context cancelled", "processed", processed, "elapsed", time.Since(start))
			return
		default:
		}

		batch, err := d.queue.Dequeue(ctx, d.config.BatchSize)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			d.logger.Warn("failed to dequeue events", "error", err)
		}
		if len(batch) == 0 {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(d.config.PollInterval):
			}
			continue
		}

		for _, event := range batch {
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, event)
			processed++
		}
	}
}

// deliver hands event to every handler, retrying each failed handler with
// exponential backoff. Events that still fail are dropped and logged.
func (d *Drainer) deliver(ctx context.Context, event *core.Event) {
	if event == nil {
		return
	}
	for _, h := range d.handlers {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.config.RetryBackoff
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxRetries)), ctx)

		attempt := 0
		err := backoff.Retry(func() error {
			if attempt > 0 {
				event.RetryCount++
			}
			attempt++
			return h.Handle(ctx, event)
		}, policy)
		if err != nil {
			d.logger.Error("dropping event after failed delivery",
				"run_id", event.RunID, "type", event.Type, "retries", event.RetryCount, "error", err)
		}
	}
}
