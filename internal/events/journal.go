package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// Journal publishes the events of migration runs against one database.
// A nil *Journal is valid and discards everything.
type Journal struct {
	queue    core.EventQueue
	database string
	logger   hclog.Logger
}

// NewJournal creates a journal publishing to queue.
func NewJournal(queue core.EventQueue, database string, logger hclog.Logger) *Journal {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Journal{queue: queue, database: database, logger: logger}
}

// Begin starts a run with a fresh run id.
func (j *Journal) Begin() *Run {
	return &Run{journal: j, ID: uuid.NewString(), started: time.Now()}
}

// Run groups the events of one migration run.
type Run struct {
	journal *Journal
	started time.Time

	// ID is shared by every event of the run.
	ID string
}

// Emit publishes an event of the run. Publishing failures are logged and
// never fail the migration.
func (r *Run) Emit(ctx context.Context, e core.Event) {
	if r == nil || r.journal == nil || r.journal.queue == nil {
		return
	}
	e.RunID = r.ID
	e.Database = r.journal.database
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := r.journal.queue.Enqueue(ctx, &e); err != nil {
		r.journal.logger.Warn("failed to publish event", "run_id", r.ID, "type", e.Type, "error", err)
	}
}

// Elapsed is the time since the run began.
func (r *Run) Elapsed() time.Duration {
	return time.Since(r.started)
}

// Pipeline wires a queue, its journal and the drainer delivering it.
type Pipeline struct {
	Journal *Journal
	Drainer *Drainer
	queue   core.EventQueue
}

// NewPipeline builds the event pipeline described by cfg. Events are always
// logged; with RecordHistory they are also written to the history table
// through exec. The drainer is started.
func NewPipeline(ctx context.Context, cfg config.EventsConfig, database string, exec core.Executor, logger hclog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	queue, err := NewQueue(ctx, cfg, logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event queue: %w", err)
	}

	handlers := []Handler{LogHandler(logger.Named("journal"))}
	if cfg.RecordHistory && exec != nil {
		handlers = append(handlers, NewHistoryRecorder(exec))
	}

	drainer := NewDrainer(queue, DrainerConfig{
		DrainRate:  cfg.DrainRate,
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
	}, logger.Named("drainer"), handlers...)
	drainer.Start(ctx)

	return &Pipeline{
		Journal: NewJournal(queue, database, logger),
		Drainer: drainer,
		queue:   queue,
	}, nil
}

// Close stops the drainer, delivers what is still queued and closes the
// queue.
func (p *Pipeline) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.Drainer.Stop()

	var result error
	if _, err := p.Drainer.Flush(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.queue.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close event queue: %w", err))
	}
	return result
}
