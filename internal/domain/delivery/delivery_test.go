package delivery_test

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/delivery"
	"github.com/almudeer/engine/internal/domain/model"
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

	schema := `
	CREATE TABLE inbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, sender_contact TEXT
	);
	CREATE TABLE outbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER, inbox_message_id INTEGER,
		channel TEXT, recipient_id TEXT, recipient_email TEXT, platform_message_id TEXT,
		delivery_status TEXT
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

func TestUpdateStatusProgressesMonotonically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)
	rec := delivery.New(backend, conv)

	_, err := backend.Exec(ctx, `INSERT INTO outbox_messages
		(license_key_id, recipient_id, platform_message_id, delivery_status)
		VALUES (1, '9665551234', 'wamid.1', 'sent')`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	applied, err := rec.UpdateStatus(ctx, "wamid.1", model.DeliveryDelivered, time.Now().UTC())
	if err != nil || !applied {
		t.Fatalf("UpdateStatus(delivered) = %v, %v", applied, err)
	}

	var status string
	if err := backend.QueryRow(ctx, `SELECT delivery_status FROM outbox_messages WHERE platform_message_id = 'wamid.1'`).Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "delivered" {
		t.Fatalf("status = %q, want delivered", status)
	}

	// A regression to "sent" must be ignored (not a progression).
	if _, err := rec.UpdateStatus(ctx, "wamid.1", model.DeliverySent, time.Now().UTC()); err != nil {
		t.Fatalf("UpdateStatus(sent, regression): %v", err)
	}
	if err := backend.QueryRow(ctx, `SELECT delivery_status FROM outbox_messages WHERE platform_message_id = 'wamid.1'`).Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "delivered" {
		t.Fatalf("status = %q, want still delivered (regression must be ignored)", status)
	}
}

func TestUpdateStatusFailedIsAlwaysTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)
	rec := delivery.New(backend, conv)

	_, err := backend.Exec(ctx, `INSERT INTO outbox_messages
		(license_key_id, recipient_id, platform_message_id, delivery_status)
		VALUES (1, '9665551234', 'wamid.2', 'read')`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := rec.UpdateStatus(ctx, "wamid.2", model.DeliveryFailed, time.Now().UTC()); err != nil {
		t.Fatalf("UpdateStatus(failed): %v", err)
	}

	var status string
	if err := backend.QueryRow(ctx, `SELECT delivery_status FROM outbox_messages WHERE platform_message_id = 'wamid.2'`).Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "failed" {
		t.Fatalf("status = %q, want failed even though read already happened", status)
	}
}

func TestUpdateStatusUnknownPlatformIDReturnsFalse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	conv := conversation.New(backend, nil)
	rec := delivery.New(backend, conv)

	applied, err := rec.UpdateStatus(ctx, "does-not-exist", model.DeliverySent, time.Now().UTC())
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if applied {
		t.Fatal("applied = true, want false for unknown platform id")
	}
}

func TestDeliveryIconWhatsAppAndTelegram(t *testing.T) {
	t.Parallel()
	if got := delivery.DeliveryIcon(model.DeliveryRead, model.ChannelWhatsApp); got != "double_blue" {
		t.Fatalf("whatsapp read icon = %q, want double_blue", got)
	}
	if got := delivery.DeliveryIcon(model.DeliveryRead, model.ChannelTelegram); got != "double_check" {
		t.Fatalf("telegram read icon = %q, want double_check", got)
	}
	if got := delivery.DeliveryIcon(model.DeliverySent, model.ChannelTelegramBot); got != "single_check" {
		t.Fatalf("telegram sent icon = %q, want single_check", got)
	}
}
