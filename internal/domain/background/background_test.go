package background_test

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/background"
	"github.com/almudeer/engine/internal/infra/store"
)

type fakeBroadcaster struct {
	sent []struct {
		licenseID int64
		event     string
		payload   any
	}
}

func (f *fakeBroadcaster) SendToLicense(licenseID int64, event string, payload any) {
	f.sent = append(f.sent, struct {
		licenseID int64
		event     string
		payload   any
	}{licenseID, event, payload})
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
	CREATE TABLE license_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT, key_hash TEXT UNIQUE NOT NULL, company_name TEXT NOT NULL,
		is_active BOOLEAN DEFAULT 1, expires_at TIMESTAMP
	);
	CREATE TABLE push_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER NOT NULL, token TEXT NOT NULL,
		platform TEXT DEFAULT 'web', last_active_at TIMESTAMP, created_at TIMESTAMP,
		UNIQUE (license_key_id, token)
	);
	CREATE TABLE inbox_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT, license_key_id INTEGER NOT NULL, channel TEXT,
		sender_contact TEXT, received_at TIMESTAMP NOT NULL, status TEXT NOT NULL DEFAULT 'pending',
		deleted_at TIMESTAMP
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func TestSubscriptionExpiryReminderNotifiesLicensesExpiringInThreeDays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	bcast := &fakeBroadcaster{}
	jobs := background.New(backend, bcast)

	threeDaysOut := time.Now().UTC().Add(3 * 24 * time.Hour)
	tenDaysOut := time.Now().UTC().Add(10 * 24 * time.Hour)

	if _, err := backend.Exec(ctx, `INSERT INTO license_keys (key_hash, company_name, is_active, expires_at) VALUES (?, ?, 1, ?)`,
		"hash-1", "Expiring Co", store.TimeValue(backend.Dialect(), threeDaysOut)); err != nil {
		t.Fatalf("seed expiring: %v", err)
	}
	if _, err := backend.Exec(ctx, `INSERT INTO license_keys (key_hash, company_name, is_active, expires_at) VALUES (?, ?, 1, ?)`,
		"hash-2", "Far Out Co", store.TimeValue(backend.Dialect(), tenDaysOut)); err != nil {
		t.Fatalf("seed far-out: %v", err)
	}

	count, err := jobs.SubscriptionExpiryReminder(ctx)
	if err != nil {
		t.Fatalf("SubscriptionExpiryReminder: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if len(bcast.sent) != 1 || bcast.sent[0].event != "notification" {
		t.Fatalf("bcast.sent = %+v, want one notification event", bcast.sent)
	}
}

func TestCredentialCleanupPurgesOnlyStaleTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	jobs := background.New(backend, nil)

	stale := time.Now().UTC().Add(-45 * 24 * time.Hour)
	fresh := time.Now().UTC().Add(-2 * 24 * time.Hour)

	if _, err := backend.Exec(ctx, `INSERT INTO push_tokens (license_key_id, token, last_active_at) VALUES (1, 'stale-token', ?)`,
		store.TimeValue(backend.Dialect(), stale)); err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	if _, err := backend.Exec(ctx, `INSERT INTO push_tokens (license_key_id, token, last_active_at) VALUES (1, 'fresh-token', ?)`,
		store.TimeValue(backend.Dialect(), fresh)); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	removed, err := jobs.CredentialCleanup(ctx)
	if err != nil {
		t.Fatalf("CredentialCleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	var remaining string
	if err := backend.QueryRow(ctx, `SELECT token FROM push_tokens`).Scan(&remaining); err != nil {
		t.Fatalf("query remaining: %v", err)
	}
	if remaining != "fresh-token" {
		t.Fatalf("remaining = %q, want fresh-token", remaining)
	}
}

func TestStaleInboxRepairPromotesRowsWithLaterTerminalEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	jobs := background.New(backend, nil)

	base := time.Now().UTC().Add(-time.Hour)
	seed := func(licenseID int64, sender, status string, offset time.Duration) {
		if _, err := backend.Exec(ctx, `INSERT INTO inbox_messages (license_key_id, channel, sender_contact, received_at, status)
			VALUES (?, 'whatsapp', ?, ?, ?)`, licenseID, sender, store.TimeValue(backend.Dialect(), base.Add(offset)), status); err != nil {
			t.Fatalf("seed inbox: %v", err)
		}
	}

	// stuck pending row, followed by a later approved row for the same sender: should be promoted.
	seed(1, "9665", "pending", 0)
	seed(1, "9665", "approved", time.Minute)

	// stuck pending row with no later terminal event: should stay pending.
	seed(1, "9666", "pending", 0)

	if _, err := jobs.StaleInboxRepair(ctx, nil); err != nil {
		t.Fatalf("StaleInboxRepair: %v", err)
	}

	var statusForFirstSender string
	if err := backend.QueryRow(ctx, `SELECT status FROM inbox_messages WHERE sender_contact = '9665' ORDER BY received_at ASC LIMIT 1`).
		Scan(&statusForFirstSender); err != nil {
		t.Fatalf("query first sender: %v", err)
	}
	if statusForFirstSender != "approved" {
		t.Fatalf("first sender's stuck row status = %q, want approved", statusForFirstSender)
	}

	var statusForSecondSender string
	if err := backend.QueryRow(ctx, `SELECT status FROM inbox_messages WHERE sender_contact = '9666'`).
		Scan(&statusForSecondSender); err != nil {
		t.Fatalf("query second sender: %v", err)
	}
	if statusForSecondSender != "pending" {
		t.Fatalf("second sender's row status = %q, want pending (no later terminal event)", statusForSecondSender)
	}
}
