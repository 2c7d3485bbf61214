package outbound_test

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/outbound"
	"github.com/almudeer/engine/internal/domain/transport"
	"github.com/almudeer/engine/internal/infra/store"
)

type fakeAdapter struct {
	sentText  []string
	sentMedia []model.Attachment
	failNext  bool
}

func (f *fakeAdapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, excludeIDs map[string]struct{}) ([]transport.NormalizedMessage, error) {
	return nil, nil
}

func (f *fakeAdapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyTo string) (transport.SendResult, error) {
	if f.failNext {
		return transport.SendResult{}, errFakeSendFailed
	}
	f.sentText = append(f.sentText, text)
	return transport.SendResult{PlatformMessageID: "platform-1"}, nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	f.sentMedia = append(f.sentMedia, att)
	return transport.SendResult{PlatformMessageID: "platform-audio-1"}, nil
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

var errFakeSendFailed = fakeSendError{}

type fakeSendError struct{}

func (fakeSendError) Error() string { return "fake send failed" }

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
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, channel TEXT,
		channel_message_id TEXT, sender_id TEXT, sender_contact TEXT, sender_name TEXT,
		body TEXT, attachments TEXT, received_at TIMESTAMP, status TEXT, is_read BOOLEAN DEFAULT 0,
		ai_summary TEXT, deleted_at TIMESTAMP
	);
	CREATE TABLE outbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, inbox_message_id INTEGER,
		channel TEXT, recipient_id TEXT, recipient_email TEXT, body TEXT,
		status TEXT NOT NULL DEFAULT 'pending', platform_message_id TEXT, delivery_status TEXT,
		original_body TEXT, edit_count INTEGER DEFAULT 0, edited_at TIMESTAMP, error_message TEXT,
		reply_to_platform_id TEXT, created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		approved_at TIMESTAMP, sent_at TIMESTAMP, failed_at TIMESTAMP, deleted_at TIMESTAMP
	);
	CREATE TABLE conversations (
		license_key_id INTEGER NOT NULL, sender_contact TEXT NOT NULL, last_message_id INTEGER,
		last_message_body TEXT, last_message_ai_summary TEXT, last_message_at TIMESTAMP,
		channel TEXT, sender_name TEXT, status TEXT, unread_count INTEGER DEFAULT 0,
		message_count INTEGER DEFAULT 0, updated_at TIMESTAMP,
		PRIMARY KEY (license_key_id, sender_contact)
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func testCreds(ctx context.Context, licenseID int64, channel model.Channel) (model.Credential, error) {
	return model.Credential{LicenseID: licenseID, Kind: model.CredentialWhatsApp}, nil
}

func TestCreateApproveSendText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)
	adapter := &fakeAdapter{}

	d := outbound.New(backend, conv, map[model.Channel]transport.Adapter{
		model.ChannelWhatsApp: adapter,
	}, testCreds, nil, nil)

	id, err := d.Create(ctx, 1, nil, model.ChannelWhatsApp, "hello there", "9665551234", "", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := d.Approve(ctx, 1, id, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if err := d.Send(ctx, 1, id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(adapter.sentText) != 1 || adapter.sentText[0] != "hello there" {
		t.Fatalf("sentText = %v, want [\"hello there\"]", adapter.sentText)
	}

	var status, platformID string
	row := backend.QueryRow(ctx, `SELECT status, platform_message_id FROM outbox_messages WHERE id = ?`, id)
	if err := row.Scan(&status, &platformID); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "sent" {
		t.Fatalf("status = %q, want sent", status)
	}
	if platformID != "platform-1" {
		t.Fatalf("platform_message_id = %q, want platform-1", platformID)
	}
}

func TestSendWithAudioTagSendsMediaNotText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)
	adapter := &fakeAdapter{}

	d := outbound.New(backend, conv, map[model.Channel]transport.Adapter{
		model.ChannelWhatsApp: adapter,
	}, testCreds, nil, nil)

	id, err := d.Create(ctx, 1, nil, model.ChannelWhatsApp, "here you go\n[AUDIO: /tmp/reply.mp3]", "9665551234", "", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.Approve(ctx, 1, id, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := d.Send(ctx, 1, id); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(adapter.sentText) != 0 {
		t.Fatalf("sentText = %v, want none when audio present", adapter.sentText)
	}
	if len(adapter.sentMedia) != 1 || adapter.sentMedia[0].Path != "/tmp/reply.mp3" {
		t.Fatalf("sentMedia = %v, want one attachment at /tmp/reply.mp3", adapter.sentMedia)
	}
}

func TestSendFailureMarksFailedAndReturnsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)
	adapter := &fakeAdapter{failNext: true}

	d := outbound.New(backend, conv, map[model.Channel]transport.Adapter{
		model.ChannelWhatsApp: adapter,
	}, testCreds, nil, nil)

	id, err := d.Create(ctx, 1, nil, model.ChannelWhatsApp, "hi", "9665551234", "", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.Approve(ctx, 1, id, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if err := d.Send(ctx, 1, id); err == nil {
		t.Fatal("Send: want error, got nil")
	}

	var status string
	if err := backend.QueryRow(ctx, `SELECT status FROM outbox_messages WHERE id = ?`, id).Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "failed" {
		t.Fatalf("status = %q, want failed", status)
	}
}

func TestEditWithinWindowPreservesOriginalBodyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)

	d := outbound.New(backend, conv, map[model.Channel]transport.Adapter{}, testCreds, nil, nil)

	id, err := d.Create(ctx, 1, nil, model.ChannelWhatsApp, "first draft", "9665551234", "", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.Edit(ctx, 1, id, "second draft"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := d.Edit(ctx, 1, id, "third draft"); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	var body, original string
	var editCount int
	row := backend.QueryRow(ctx, `SELECT body, original_body, edit_count FROM outbox_messages WHERE id = ?`, id)
	if err := row.Scan(&body, &original, &editCount); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if body != "third draft" {
		t.Fatalf("body = %q, want third draft", body)
	}
	if original != "first draft" {
		t.Fatalf("original_body = %q, want first draft (set once)", original)
	}
	if editCount != 2 {
		t.Fatalf("edit_count = %d, want 2", editCount)
	}
}

func TestSoftDeleteOutboxSetsDeletedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)

	d := outbound.New(backend, conv, map[model.Channel]transport.Adapter{}, testCreds, nil, nil)

	id, err := d.Create(ctx, 1, nil, model.ChannelWhatsApp, "hi", "9665551234", "", nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.SoftDeleteOutbox(ctx, 1, id); err != nil {
		t.Fatalf("SoftDeleteOutbox: %v", err)
	}

	var deletedAt *string
	if err := backend.QueryRow(ctx, `SELECT deleted_at FROM outbox_messages WHERE id = ?`, id).Scan(&deletedAt); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if deletedAt == nil {
		t.Fatal("deleted_at is nil, want set")
	}
}
