package ingest_test

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/credential"
	"github.com/almudeer/engine/internal/domain/ingest"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/taskqueue"
	"github.com/almudeer/engine/internal/domain/transport"
	"github.com/almudeer/engine/internal/infra/store"
)

type fakeAdapter struct {
	fetch func(ctx context.Context, cred model.Credential, sinceHours float64, limit int, exclude map[string]struct{}) ([]transport.NormalizedMessage, error)
}

func (f *fakeAdapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, exclude map[string]struct{}) ([]transport.NormalizedMessage, error) {
	return f.fetch(ctx, cred, sinceHours, limit, exclude)
}
func (f *fakeAdapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyTo string) (transport.SendResult, error) {
	return transport.SendResult{}, nil
}
func (f *fakeAdapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	return transport.SendResult{}, nil
}
func (f *fakeAdapter) MarkRead(ctx context.Context, cred model.Credential, chat, upToID string) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (transport.ParsedWebhook, error) {
	return transport.ParsedWebhook{}, nil
}
func (f *fakeAdapter) PollReceipts(ctx context.Context, cred model.Credential, outstanding []string) (map[string]model.DeliveryStatus, error) {
	return nil, nil
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
	CREATE TABLE credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER NOT NULL, kind TEXT NOT NULL,
		oauth_access_token TEXT, oauth_refresh_token TEXT, last_checked_at TIMESTAMP,
		auto_reply_enabled BOOLEAN DEFAULT 0, check_interval_sec INTEGER DEFAULT 300,
		bot_token TEXT, bot_username TEXT, session_string TEXT, telegram_user_id INTEGER,
		phone TEXT, phone_number_id TEXT, access_token TEXT, verify_token TEXT, app_secret TEXT,
		is_active BOOLEAN DEFAULT 1
	);
	CREATE TABLE inbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER NOT NULL, channel TEXT NOT NULL,
		channel_message_id TEXT, sender_id TEXT, sender_contact TEXT, sender_name TEXT,
		original_sender TEXT, subject TEXT, body TEXT, attachments TEXT, received_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending', is_read BOOLEAN DEFAULT 0, intent TEXT, urgency TEXT,
		sentiment TEXT, language TEXT, dialect TEXT, ai_summary TEXT, ai_draft_response TEXT,
		platform_message_id TEXT, reply_to_platform_id TEXT, deleted_at TIMESTAMP,
		UNIQUE (license_key_id, channel, channel_message_id)
	);
	CREATE TABLE outbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, channel TEXT,
		recipient_id TEXT, body TEXT, created_at TIMESTAMP, sent_at TIMESTAMP, deleted_at TIMESTAMP
	);
	CREATE TABLE conversations (
		license_key_id INTEGER NOT NULL, sender_contact TEXT NOT NULL, last_message_id INTEGER,
		last_message_body TEXT, last_message_ai_summary TEXT, last_message_at TIMESTAMP,
		channel TEXT, sender_name TEXT, status TEXT, unread_count INTEGER DEFAULT 0,
		message_count INTEGER DEFAULT 0, updated_at TIMESTAMP,
		PRIMARY KEY (license_key_id, sender_contact)
	);
	CREATE TABLE task_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT, task_type TEXT NOT NULL, payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending', attempts INTEGER DEFAULT 0, max_attempts INTEGER DEFAULT 3,
		next_attempt_at TIMESTAMP NOT NULL, leased_by TEXT, lease_expires_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP, completed_at TIMESTAMP, last_error TEXT
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func setup(t *testing.T) (store.Backend, *ingest.Scheduler, *fakeAdapter) {
	backend := newTestBackend(t)
	secretStore, _ := credential.New("test-key")
	repo := credential.NewRepository(backend, secretStore)
	conv := conversation.New(backend, nil)
	queue := taskqueue.New(backend, 3)
	adapter := &fakeAdapter{}

	if _, err := backend.Exec(context.Background(), `INSERT INTO credentials
		(license_key_id, kind, is_active, auto_reply_enabled) VALUES (1, 'whatsapp', 1, 1)`); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	sched := ingest.New(backend, repo, map[model.Channel]transport.Adapter{
		model.ChannelWhatsApp: adapter,
	}, queue, conv, nil, 30)
	return backend, sched, adapter
}

func TestPollLicensePersistsAndEnqueuesSingleMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, sched, adapter := setup(t)

	adapter.fetch = func(ctx context.Context, cred model.Credential, sinceHours float64, limit int, exclude map[string]struct{}) ([]transport.NormalizedMessage, error) {
		return []transport.NormalizedMessage{{
			Channel: model.ChannelWhatsApp, ChannelMessageID: "wamid.1", SenderContact: "9665551234",
			SenderName: "Ali", Body: "hello there, I need help", ReceivedAt: time.Now().UTC(),
		}}, nil
	}

	if err := sched.PollLicense(ctx, 1, model.CredentialWhatsApp); err != nil {
		t.Fatalf("PollLicense: %v", err)
	}

	var inboxCount, taskCount int
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_messages`).Scan(&inboxCount); err != nil {
		t.Fatalf("count inbox: %v", err)
	}
	if inboxCount != 1 {
		t.Fatalf("inboxCount = %d, want 1", inboxCount)
	}
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM task_queue WHERE task_type = 'analyze_message'`).Scan(&taskCount); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if taskCount != 1 {
		t.Fatalf("taskCount = %d, want 1", taskCount)
	}
}

func TestPollLicenseSkipsRejectedAndInCycleDuplicateMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, sched, adapter := setup(t)

	now := time.Now().UTC()
	adapter.fetch = func(ctx context.Context, cred model.Credential, sinceHours float64, limit int, exclude map[string]struct{}) ([]transport.NormalizedMessage, error) {
		return []transport.NormalizedMessage{
			// too short, rejected by the empty-body filter rule.
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "wamid.1", SenderContact: "9665", Body: "ok", ReceivedAt: now},
			// a genuine message, kept.
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "wamid.2", SenderContact: "9665", Body: "is the shop open today", ReceivedAt: now},
			// same channel_message_id as above, repeated within the same batch: suppressed by the in-process dedup cache.
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "wamid.2", SenderContact: "9665", Body: "is the shop open today", ReceivedAt: now},
		}, nil
	}

	if err := sched.PollLicense(ctx, 1, model.CredentialWhatsApp); err != nil {
		t.Fatalf("PollLicense: %v", err)
	}

	var count int
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("inboxCount = %d, want 1 (short body rejected, repeat deduped)", count)
	}
}

func TestPollLicenseBurstMergesRapidFireMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, sched, adapter := setup(t)

	base := time.Now().UTC().Add(-time.Minute)
	adapter.fetch = func(ctx context.Context, cred model.Credential, sinceHours float64, limit int, exclude map[string]struct{}) ([]transport.NormalizedMessage, error) {
		return []transport.NormalizedMessage{
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "burst.1", SenderContact: "9665", Body: "hello there", ReceivedAt: base},
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "burst.2", SenderContact: "9665", Body: "are you open", ReceivedAt: base.Add(time.Second)},
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "burst.3", SenderContact: "9665", Body: "today please", ReceivedAt: base.Add(2 * time.Second)},
		}, nil
	}

	if err := sched.PollLicense(ctx, 1, model.CredentialWhatsApp); err != nil {
		t.Fatalf("PollLicense: %v", err)
	}

	var mergedCount, taskCount, totalCount int
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_messages`).Scan(&totalCount); err != nil {
		t.Fatalf("count total: %v", err)
	}
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_messages WHERE status = 'merged'`).Scan(&mergedCount); err != nil {
		t.Fatalf("count merged: %v", err)
	}
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM task_queue`).Scan(&taskCount); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if totalCount != 3 {
		t.Fatalf("totalCount = %d, want 3 (every fragment keeps its own row)", totalCount)
	}
	if mergedCount != 2 {
		t.Fatalf("mergedCount = %d, want 2", mergedCount)
	}
	if taskCount != 1 {
		t.Fatalf("taskCount = %d, want 1 (single AI call for the burst)", taskCount)
	}
}

func TestIngestWebhookPersistsParsedMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	secretStore, _ := credential.New("test-key")
	repo := credential.NewRepository(backend, secretStore)
	conv := conversation.New(backend, nil)
	queue := taskqueue.New(backend, 3)

	if _, err := backend.Exec(ctx, `INSERT INTO credentials (license_key_id, kind, is_active) VALUES (1, 'whatsapp', 1)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	adapter := &webhookAdapter{
		parsed: transport.ParsedWebhook{Messages: []transport.NormalizedMessage{
			{Channel: model.ChannelWhatsApp, ChannelMessageID: "wh.1", SenderContact: "966500", Body: "webhook message", ReceivedAt: time.Now().UTC()},
		}},
	}

	sched := ingest.New(backend, repo, map[model.Channel]transport.Adapter{model.ChannelWhatsApp: adapter}, queue, conv, nil, 30)
	if err := sched.IngestWebhook(ctx, 1, model.CredentialWhatsApp, []byte(`{}`), nil); err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}

	var count int
	if err := backend.QueryRow(ctx, `SELECT COUNT(*) FROM inbox_messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

type webhookAdapter struct {
	parsed transport.ParsedWebhook
}

func (w *webhookAdapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, exclude map[string]struct{}) ([]transport.NormalizedMessage, error) {
	return nil, nil
}
func (w *webhookAdapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyTo string) (transport.SendResult, error) {
	return transport.SendResult{}, nil
}
func (w *webhookAdapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	return transport.SendResult{}, nil
}
func (w *webhookAdapter) MarkRead(ctx context.Context, cred model.Credential, chat, upToID string) (bool, error) {
	return true, nil
}
func (w *webhookAdapter) ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (transport.ParsedWebhook, error) {
	return w.parsed, nil
}
func (w *webhookAdapter) PollReceipts(ctx context.Context, cred model.Credential, outstanding []string) (map[string]model.DeliveryStatus, error) {
	return nil, nil
}
