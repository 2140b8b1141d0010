// internal/taskqueue/queue.go
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neo-alexandria/alexandria/internal/kernel"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Queue is the task queue client. It enqueues tasks durably and lets the
// worker pool claim and settle them.
type Queue struct {
	db    *kernel.DB
	clock kernel.Clock
}

// New creates a queue client over the canonical store.
func New(db *kernel.DB) *Queue {
	return &Queue{db: db, clock: db.Clock()}
}

// EnqueueOption adjusts a single enqueue.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	countdown   *time.Duration
	priority    *int
	maxAttempts int
}

// WithCountdown overrides the task type's default countdown.
func WithCountdown(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.countdown = &d }
}

// WithPriority overrides the task type's default priority (0-9).
func WithPriority(pri int) EnqueueOption {
	return func(p *enqueueParams) { p.priority = &pri }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) EnqueueOption {
	return func(p *enqueueParams) { p.maxAttempts = n }
}

// EnqueueTx inserts a task inside the caller's transaction, so the task
// becomes visible if and only if the transaction commits. This is the
// post-commit enqueue guarantee: an aborted change schedules nothing.
func (q *Queue) EnqueueTx(ctx context.Context, tx *kernel.Tx, taskType string, payload map[string]any, opts ...EnqueueOption) error {
	stmt, args, err := q.insertStatement(taskType, payload, opts...)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	tasksEnqueued.WithLabelValues(taskType).Inc()
	return nil
}

// Enqueue inserts a task outside any caller transaction.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload map[string]any, opts ...EnqueueOption) error {
	return q.db.InTx(ctx, func(tx *kernel.Tx) error {
		return q.EnqueueTx(ctx, tx, taskType, payload, opts...)
	})
}

func (q *Queue) insertStatement(taskType string, payload map[string]any, opts ...EnqueueOption) (string, []any, error) {
	params := enqueueParams{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&params)
	}

	r := routeFor(taskType)
	priority := r.priority
	if params.priority != nil {
		priority = *params.priority
	}
	countdown := r.countdown
	if params.countdown != nil {
		countdown = *params.countdown
	}

	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal payload for %s: %w", taskType, err)
	}

	now := q.clock.Now()
	stmt := `INSERT INTO tasks (type, queue, payload, priority, earliest_run_at, max_attempts, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`
	args := []any{
		taskType, r.queue, string(data), priority,
		now.Add(countdown).Format(timeLayout), params.maxAttempts,
		now.Format(timeLayout), now.Format(timeLayout),
	}
	return stmt, args, nil
}

// ErrNoTask is returned by claim when nothing is runnable.
var ErrNoTask = errors.New("no runnable task")

// claim atomically moves the highest-priority runnable task to running.
// Priority descending, then earliest_run_at, then id gives priority-then-FIFO
// order within a queue.
func (q *Queue) claim(ctx context.Context) (*Task, error) {
	now := q.clock.Now().Format(timeLayout)
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'queued' AND earliest_run_at <= ?
			ORDER BY priority DESC, earliest_run_at, id
			LIMIT 1
		) AND status = 'queued'
		RETURNING id, type, queue, payload, priority, earliest_run_at, attempts, max_attempts`,
		now, now)

	var (
		t          Task
		payloadRaw string
		earliest   string
	)
	err := row.Scan(&t.ID, &t.Type, &t.Queue, &payloadRaw, &t.Priority, &earliest, &t.Attempts, &t.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadRaw), &t.Payload); err != nil {
		return nil, fmt.Errorf("task %d has corrupt payload: %w", t.ID, err)
	}
	if ts, parseErr := time.Parse(timeLayout, earliest); parseErr == nil {
		t.EarliestRunAt = ts
	}
	t.Status = StatusRunning
	return &t, nil
}

// settle records the outcome of a handled task.
func (q *Queue) settle(ctx context.Context, t *Task, handlerErr error) error {
	now := q.clock.Now()
	if handlerErr == nil {
		_, err := q.db.SQL().ExecContext(ctx,
			`UPDATE tasks SET status = 'succeeded', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now.Format(timeLayout), t.ID)
		tasksProcessed.WithLabelValues(t.Type, "succeeded").Inc()
		return err
	}

	attempts := t.Attempts + 1
	if attempts >= t.MaxAttempts {
		_, err := q.db.SQL().ExecContext(ctx,
			`UPDATE tasks SET status = 'dead', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, handlerErr.Error(), now.Format(timeLayout), t.ID)
		tasksProcessed.WithLabelValues(t.Type, "dead").Inc()
		return err
	}

	retryAt := now.Add(backoffFor(attempts))
	_, err := q.db.SQL().ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', attempts = ?, last_error = ?, earliest_run_at = ?, updated_at = ? WHERE id = ?`,
		attempts, handlerErr.Error(), retryAt.Format(timeLayout), now.Format(timeLayout), t.ID)
	tasksProcessed.WithLabelValues(t.Type, "retried").Inc()
	return err
}

// Depth returns the number of queued tasks, for monitoring.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'queued'`).Scan(&n)
	return n, err
}

// DeadLetters returns dead tasks, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, type, queue, payload, priority, attempts, max_attempts, last_error
		 FROM tasks WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t          Task
			payloadRaw string
		)
		if err := rows.Scan(&t.ID, &t.Type, &t.Queue, &payloadRaw, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.LastError); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadRaw), &t.Payload)
		t.Status = StatusDead
		out = append(out, t)
	}
	return out, rows.Err()
}
