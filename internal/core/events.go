package core

import (
	"context"
	"time"
)

// EventType identifies what happened during a migration run.
type EventType string

const (
	// EventRunStarted is emitted after the migration lock is acquired.
	EventRunStarted EventType = "run_started"

	// EventSchemaCreated is emitted when a fresh database was created at
	// the target version.
	EventSchemaCreated EventType = "schema_created"

	// EventStepApplied is emitted after each upgrade or downgrade step.
	EventStepApplied EventType = "step_applied"

	// EventRunCompleted is emitted when the database reached the target version.
	EventRunCompleted EventType = "run_completed"

	// EventRunFailed is emitted when the run aborted.
	EventRunFailed EventType = "run_failed"

	// EventVerificationFailed is emitted when post-migration verification
	// found discrepancies.
	EventVerificationFailed EventType = "verification_failed"
)

// Event is one entry of the migration journal.
type Event struct {
	// RunID groups all events of one migration run.
	RunID string `json:"run_id"`

	// Type is what happened.
	Type EventType `json:"type"`

	// Database names the migrated database.
	Database string `json:"database"`

	// FromVersion and ToVersion describe the transition. For step events
	// they are the step's own range.
	FromVersion int `json:"from_version"`
	ToVersion   int `json:"to_version"`

	// Step is the step name, if any.
	Step string `json:"step,omitempty"`

	// Error is the failure message for failed events.
	Error string `json:"error,omitempty"`

	// Duration is how long the step or run took.
	Duration time.Duration `json:"duration,omitempty"`

	// Timestamp is when the event was recorded.
	Timestamp time.Time `json:"timestamp"`

	// RetryCount tracks how many times delivery to handlers was retried.
	RetryCount int `json:"retry_count,omitempty"`
}

// EventQueue buffers journal events between the migration engine and
// the handlers that deliver them.
type EventQueue interface {
	// Enqueue adds an event to the queue.
	Enqueue(ctx context.Context, event *Event) error

	// Dequeue retrieves up to batchSize events.
	// Returns an empty slice if no events are available.
	Dequeue(ctx context.Context, batchSize int) ([]*Event, error)

	// Size returns the current number of queued events.
	Size() int

	// Close closes the queue and releases resources.
	Close() error
}
