package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// HistoryTable is the table journal events are recorded in. Its name
// carries the reserved prefix, so introspection and verification skip it.
const HistoryTable = "schemakeeper_history"

const createHistoryTable = `CREATE TABLE IF NOT EXISTS ` + HistoryTable + ` (
	run_id VARCHAR(36) NOT NULL,
	event_type VARCHAR(32) NOT NULL,
	database_name VARCHAR(255) NOT NULL,
	from_version INTEGER NOT NULL,
	to_version INTEGER NOT NULL,
	step VARCHAR(255) NOT NULL,
	error_message TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	recorded_at VARCHAR(40) NOT NULL
)`

// historyTimeFormat sorts lexically in time order.
const historyTimeFormat = "2006-01-02T15:04:05.000000000Z"

// LogHandler writes each event to logger.
func LogHandler(logger hclog.Logger) Handler {
	return HandlerFunc(func(_ context.Context, e *core.Event) error {
		args := []interface{}{"run_id", e.RunID, "database", e.Database, "from", e.FromVersion, "to", e.ToVersion}
		if e.Step != "" {
			args = append(args, "step", e.Step)
		}
		if e.Duration > 0 {
			args = append(args, "duration", e.Duration)
		}
		if e.Error != "" {
			args = append(args, "error", e.Error)
			logger.Error(string(e.Type), args...)
			return nil
		}
		logger.Info(string(e.Type), args...)
		return nil
	})
}

// HistoryRecorder appends events to the history table of a database.
type HistoryRecorder struct {
	exec core.Executor
	once sync.Once
	err  error
}

// NewHistoryRecorder creates a recorder writing through exec. The table is
// created on first use.
func NewHistoryRecorder(exec core.Executor) *HistoryRecorder {
	return &HistoryRecorder{exec: exec}
}

// Handle inserts event as one history row.
func (r *HistoryRecorder) Handle(ctx context.Context, e *core.Event) error {
	r.once.Do(func() {
		if _, err := r.exec.Exec(ctx, createHistoryTable); err != nil {
			r.err = fmt.Errorf("failed to create history table: %w", err)
		}
	})
	if r.err != nil {
		return r.err
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.exec.Exec(ctx,
		`INSERT INTO `+HistoryTable+` (run_id, event_type, database_name, from_version, to_version, step, error_message, duration_ms, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, string(e.Type), e.Database, e.FromVersion, e.ToVersion, e.Step, e.Error,
		e.Duration.Milliseconds(), ts.UTC().Format(historyTimeFormat))
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", e.Type, err)
	}
	return nil
}

// History returns up to limit recorded events, newest first. The history
// table is created if it does not exist yet.
func History(ctx context.Context, exec core.Executor, limit int) ([]*core.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if _, err := exec.Exec(ctx, createHistoryTable); err != nil {
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	rows, err := exec.Query(ctx, fmt.Sprintf(
		`SELECT run_id, event_type, database_name, from_version, to_version, step, error_message, duration_ms, recorded_at FROM %s ORDER BY recorded_at DESC LIMIT %d`,
		HistoryTable, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		var (
			e          core.Event
			eventType  string
			durationMs int64
			recordedAt string
		)
		if err := rows.Scan(&e.RunID, &eventType, &e.Database, &e.FromVersion, &e.ToVersion,
			&e.Step, &e.Error, &durationMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Type = core.EventType(eventType)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if ts, err := time.Parse(historyTimeFormat, recordedAt); err == nil {
			e.Timestamp = ts
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return events, nil
}
