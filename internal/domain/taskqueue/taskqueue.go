// Package taskqueue is the at-least-once persistent task queue (C9): a
// relational table, claimed with a lease, retried with exponential
// backoff, and reaped back to pending when a worker dies mid-lease.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/almudeer/engine/internal/infra/store"
	"github.com/almudeer/engine/internal/infra/throttle"
)

// leaseTTL bounds how long a claimed task may run before the reaper
// considers its worker dead and returns it to pending.
const leaseTTL = 30 * time.Second

// Handler processes one claimed task. Returning an error marks the task
// for retry (or terminal failure once max_attempts is exhausted);
// returning nil completes it.
type Handler func(ctx context.Context, task Task) error

// Task is one claimed row; its JSON payload stays in RawPayload until the
// handler decodes it with Task.Decode.
type Task struct {
	ID          int64
	Type        string
	RawPayload  []byte
	Attempts    int
	MaxAttempts int
}

// Decode unmarshals the task's JSON payload into v.
func (t Task) Decode(v any) error {
	return json.Unmarshal(t.RawPayload, v)
}

// Queue wraps a store.Backend with enqueue/fetch/complete/fail
// operations matching the distilled task-queue contract.
type Queue struct {
	backend     store.Backend
	maxAttempts int
}

// New builds a Queue. maxAttempts <= 0 defaults to 3.
func New(backend store.Backend, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{backend: backend, maxAttempts: maxAttempts}
}

// Enqueue inserts a pending task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: marshal payload: %w", err)
	}
	now := time.Now().UTC()
	dialect := q.backend.Dialect()

	res, err := q.backend.Exec(ctx,
		`INSERT INTO task_queue (task_type, payload, status, attempts, max_attempts, next_attempt_at, created_at)
			VALUES (?, ?, 'pending', 0, ?, ?, ?)`,
		taskType, string(raw), q.maxAttempts, store.TimeValue(dialect, now), store.TimeValue(dialect, now))
	if err != nil {
		return 0, fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	return res.LastInsertId()
}

// FetchNext atomically claims one ready task for worker, or returns
// (Task{}, false, nil) if none are ready.
func (q *Queue) FetchNext(ctx context.Context, worker string) (Task, bool, error) {
	now := time.Now().UTC()
	id, err := store.ClaimNext(ctx, q.backend, now, now.Add(leaseTTL), worker)
	if err != nil {
		return Task{}, false, fmt.Errorf("taskqueue: claim: %w", err)
	}
	if id == 0 {
		return Task{}, false, nil
	}

	var task Task
	var rawPayload string
	row := q.backend.QueryRow(ctx, `SELECT id, task_type, payload, attempts, max_attempts FROM task_queue WHERE id = ?`, id)
	if err := row.Scan(&task.ID, &task.Type, &rawPayload, &task.Attempts, &task.MaxAttempts); err != nil {
		return Task{}, false, fmt.Errorf("taskqueue: load claimed task: %w", err)
	}
	task.RawPayload = []byte(rawPayload)
	return task, true, nil
}

// Complete marks a task done.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	now := store.TimeValue(q.backend.Dialect(), time.Now().UTC())
	_, err := q.backend.Exec(ctx, `UPDATE task_queue SET status = 'done', completed_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("taskqueue: complete %d: %w", id, err)
	}
	return nil
}

// Fail records a task failure: re-enqueues with exponential backoff if
// attempts remain under max_attempts, else marks it terminally failed.
func (q *Queue) Fail(ctx context.Context, task Task, taskErr error) error {
	dialect := q.backend.Dialect()
	errMsg := ""
	if taskErr != nil {
		errMsg = taskErr.Error()
	}
	if task.Attempts < task.MaxAttempts {
		next := time.Now().UTC().Add(throttle.Backoff(task.Attempts))
		_, err := q.backend.Exec(ctx,
			`UPDATE task_queue SET status = 'pending', next_attempt_at = ?, last_error = ? WHERE id = ?`,
			store.TimeValue(dialect, next), errMsg, task.ID)
		if err != nil {
			return fmt.Errorf("taskqueue: requeue %d: %w", task.ID, err)
		}
		return nil
	}
	_, err := q.backend.Exec(ctx, `UPDATE task_queue SET status = 'failed', last_error = ? WHERE id = ?`, errMsg, task.ID)
	if err != nil {
		return fmt.Errorf("taskqueue: terminal fail %d: %w", task.ID, err)
	}
	return nil
}

// ReapExpiredLeases returns every leased task whose lease_expires_at has
// passed back to pending, preserving at-least-once delivery across a
// worker crash. Returns the number of rows reaped.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int64, error) {
	now := store.TimeValue(q.backend.Dialect(), time.Now().UTC())
	res, err := q.backend.Exec(ctx,
		`UPDATE task_queue SET status = 'pending', leased_by = NULL, lease_expires_at = NULL
			WHERE status = 'leased' AND lease_expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: reap: %w", err)
	}
	return res.RowsAffected()
}

// Run drives the worker loop: fetch, dispatch, complete or fail, idle
// sleep when empty. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, worker string, dispatch func(taskType string) (Handler, bool)) error {
	const idleSleep = time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, ok, err := q.FetchNext(ctx, worker)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}

		handler, known := dispatch(task.Type)
		if !known {
			_ = q.Fail(ctx, task, fmt.Errorf("taskqueue: no handler for task_type %q", task.Type))
			continue
		}
		if err := handler(ctx, task); err != nil {
			_ = q.Fail(ctx, task, err)
			continue
		}
		_ = q.Complete(ctx, task.ID)
	}
}
