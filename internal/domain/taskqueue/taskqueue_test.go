package taskqueue_test

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/taskqueue"
	"github.com/almudeer/engine/internal/infra/store"
)

func newTestBackend(t *testing.T) store.Backend {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.Open(store.DialectSQLite, "sqlite3", dir+"/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	schema := `CREATE TABLE task_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 3,
		next_attempt_at TIMESTAMP NOT NULL,
		leased_by TEXT,
		lease_expires_at TIMESTAMP,
		created_at TIMESTAMP,
		completed_at TIMESTAMP,
		last_error TEXT
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func TestEnqueueFetchComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	q := taskqueue.New(backend, 3)

	id, err := q.Enqueue(ctx, "analyze_message", map[string]any{"message_id": 42})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, ok, err := q.FetchNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("FetchNext: %v", err)
	}
	if !ok {
		t.Fatal("expected a claimed task")
	}
	if task.ID != id {
		t.Fatalf("task.ID = %d, want %d", task.ID, id)
	}
	if task.Type != "analyze_message" {
		t.Fatalf("task.Type = %q", task.Type)
	}

	var payload struct {
		MessageID int `json:"message_id"`
	}
	if err := task.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.MessageID != 42 {
		t.Fatalf("payload.MessageID = %d, want 42", payload.MessageID)
	}

	if err := q.Complete(ctx, task.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, ok, err = q.FetchNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("FetchNext after complete: %v", err)
	}
	if ok {
		t.Fatal("expected no more ready tasks")
	}
}

func TestFailRetriesThenTerminates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	q := taskqueue.New(backend, 2)

	id, err := q.Enqueue(ctx, "send_outbox", map[string]any{"id": 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, ok, err := q.FetchNext(ctx, "w")
	if err != nil || !ok {
		t.Fatalf("FetchNext: ok=%v err=%v", ok, err)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts after first claim = %d, want 1", task.Attempts)
	}

	// backoff(1) is seconds-scale, so push next_attempt_at into the past to
	// make the row immediately claimable again rather than sleeping in the test.
	if err := q.Fail(ctx, task, context.DeadlineExceeded); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	_, err = backend.Exec(ctx, `UPDATE task_queue SET next_attempt_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano), id)
	if err != nil {
		t.Fatalf("force next_attempt_at: %v", err)
	}

	task2, ok, err := q.FetchNext(ctx, "w")
	if err != nil || !ok {
		t.Fatalf("FetchNext second attempt: ok=%v err=%v", ok, err)
	}
	if task2.Attempts != 2 {
		t.Fatalf("attempts after second claim = %d, want 2", task2.Attempts)
	}

	if err := q.Fail(ctx, task2, context.DeadlineExceeded); err != nil {
		t.Fatalf("Fail terminal: %v", err)
	}

	var status string
	row := backend.QueryRow(ctx, `SELECT status FROM task_queue WHERE id = ?`, id)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "failed" {
		t.Fatalf("status = %q, want failed", status)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	q := taskqueue.New(backend, 3)

	id, err := q.Enqueue(ctx, "poll_receipts", map[string]any{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := q.FetchNext(ctx, "dead-worker"); err != nil {
		t.Fatalf("FetchNext: %v", err)
	}

	_, err = backend.Exec(ctx, `UPDATE task_queue SET lease_expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano), id)
	if err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	reaped, err := q.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	_, ok, err := q.FetchNext(ctx, "worker-2")
	if err != nil {
		t.Fatalf("FetchNext after reap: %v", err)
	}
	if !ok {
		t.Fatal("expected the reaped task to be claimable again")
	}
}
