package analysis_test

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/analysis"
	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/ratelimit"
	"github.com/almudeer/engine/internal/infra/store"
)

type fakeAnalyzer struct {
	result analysis.Result
	err    error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, body, history, urlContext string) (analysis.Result, error) {
	return f.result, f.err
}

func newTestBackend(t *testing.T) store.Backend {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.Open(store.DialectSQLite, "sqlite3", dir+"/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	schema := `
	CREATE TABLE inbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, sender_contact TEXT,
		body TEXT, status TEXT, intent TEXT, urgency TEXT, sentiment TEXT, language TEXT,
		dialect TEXT, ai_summary TEXT, ai_draft_response TEXT, deleted_at TIMESTAMP
	);
	CREATE TABLE outbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, recipient_id TEXT,
		body TEXT, deleted_at TIMESTAMP
	);
	CREATE TABLE customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, email TEXT, phone TEXT,
		lead_score INTEGER DEFAULT 0, created_at TIMESTAMP, updated_at TIMESTAMP
	);
	CREATE TABLE customer_messages (
		customer_id INTEGER, inbox_message_id INTEGER
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func TestAnalyzePersistsResultAndLinksCustomer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	res, err := backend.Exec(ctx, `INSERT INTO inbox_messages (license_key_id, sender_contact, body, status)
		VALUES (1, '9665551234', 'hello', 'pending')`)
	if err != nil {
		t.Fatalf("seed inbox: %v", err)
	}
	msgID, _ := res.LastInsertId()

	fa := &fakeAnalyzer{result: analysis.Result{
		Intent: "greeting", Urgency: model.UrgencyNormal, Sentiment: "positive",
		Language: "ar", Dialect: "gulf", Summary: "says hi", DraftResponse: "Hello there",
	}}
	limiter := ratelimit.NewInProc()
	orch := analysis.New(backend, fa, nil, limiter, nil, 50, 1)

	if err := orch.Analyze(ctx, analysis.Input{
		MessageID: msgID, LicenseID: 1, SenderContact: "9665551234", Body: "hello",
	}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var status, draft string
	row := backend.QueryRow(ctx, `SELECT status, ai_draft_response FROM inbox_messages WHERE id = ?`, msgID)
	if err := row.Scan(&status, &draft); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "analyzed" {
		t.Fatalf("status = %q, want analyzed", status)
	}
	if draft != "Hello there" {
		t.Fatalf("draft = %q", draft)
	}

	var customerCount int
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM customers WHERE phone = '9665551234'`).Scan(&customerCount); err != nil {
		t.Fatalf("scan customers: %v", err)
	}
	if customerCount != 1 {
		t.Fatalf("customerCount = %d, want 1", customerCount)
	}
}

func TestAnalyzeDoesNotOverwriteOperatorDecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	res, err := backend.Exec(ctx, `INSERT INTO inbox_messages (license_key_id, sender_contact, body, status)
		VALUES (1, 'a@b.com', 'hi', 'approved')`)
	if err != nil {
		t.Fatalf("seed inbox: %v", err)
	}
	msgID, _ := res.LastInsertId()

	fa := &fakeAnalyzer{result: analysis.Result{DraftResponse: "late draft"}}
	orch := analysis.New(backend, fa, nil, ratelimit.NewInProc(), nil, 50, 1)

	if err := orch.Analyze(ctx, analysis.Input{MessageID: msgID, LicenseID: 1, SenderContact: "a@b.com", Body: "hi"}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var status string
	if err := backend.QueryRow(ctx, `SELECT status FROM inbox_messages WHERE id = ?`, msgID).Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "approved" {
		t.Fatalf("status = %q, want still approved (guarded update must not overwrite)", status)
	}
}

func TestAnalyzeRejectsWhenCooldownActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	limiter := ratelimit.NewInProc()
	if err := limiter.SetCooldown(ctx, time.Minute); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}

	fa := &fakeAnalyzer{result: analysis.Result{DraftResponse: "should not run"}}
	orch := analysis.New(backend, fa, nil, limiter, nil, 50, 1)

	err := orch.Analyze(ctx, analysis.Input{MessageID: 1, LicenseID: 1, SenderContact: "x", Body: "hi"})
	if err == nil {
		t.Fatal("Analyze() under cooldown: want error, got nil")
	}
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.KindRateLimited {
		t.Fatalf("Analyze() error = %v, want KindRateLimited", err)
	}
}
