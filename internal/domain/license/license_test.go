package license_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/license"
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

	schema := `CREATE TABLE license_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT, key_hash TEXT UNIQUE NOT NULL, company_name TEXT NOT NULL,
		is_active BOOLEAN DEFAULT 1, expires_at TIMESTAMP, max_requests_per_day INTEGER DEFAULT 100,
		requests_today INTEGER DEFAULT 0, last_request_date DATE
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func TestValidateAcceptsActiveUnexpiredUnderQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	if _, err := backend.Exec(ctx, `INSERT INTO license_keys (key_hash, company_name, max_requests_per_day)
		VALUES (?, 'Acme', 10)`, license.HashKey("secret-key")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v := license.New(backend)
	result, err := v.Validate(ctx, "secret-key")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.RequestsRemaining != 10 {
		t.Fatalf("RequestsRemaining = %d, want 10", result.RequestsRemaining)
	}
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	v := license.New(backend)

	_, err := v.Validate(ctx, "nonexistent")
	if !errors.Is(err, license.ErrInvalid) {
		t.Fatalf("Validate() error = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsDisabledLicense(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	if _, err := backend.Exec(ctx, `INSERT INTO license_keys (key_hash, company_name, is_active) VALUES (?, 'Acme', 0)`,
		license.HashKey("disabled-key")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v := license.New(backend)
	if _, err := v.Validate(ctx, "disabled-key"); !errors.Is(err, license.ErrInvalid) {
		t.Fatalf("Validate() error = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsExpiredLicense(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := backend.Exec(ctx, `INSERT INTO license_keys (key_hash, company_name, expires_at) VALUES (?, 'Acme', ?)`,
		license.HashKey("expired-key"), store.TimeValue(backend.Dialect(), past)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v := license.New(backend)
	if _, err := v.Validate(ctx, "expired-key"); !errors.Is(err, license.ErrInvalid) {
		t.Fatalf("Validate() error = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsQuotaExhaustedToday(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	today := time.Now().UTC().Format("2006-01-02")
	if _, err := backend.Exec(ctx, `INSERT INTO license_keys
		(key_hash, company_name, max_requests_per_day, requests_today, last_request_date)
		VALUES (?, 'Acme', 5, 5, ?)`, license.HashKey("maxed-key"), today); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v := license.New(backend)
	if _, err := v.Validate(ctx, "maxed-key"); !errors.Is(err, license.ErrInvalid) {
		t.Fatalf("Validate() error = %v, want ErrInvalid", err)
	}
}

func TestIncrementUsageResetsOnNewDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	yesterday := time.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02")
	if _, err := backend.Exec(ctx, `INSERT INTO license_keys
		(key_hash, company_name, max_requests_per_day, requests_today, last_request_date)
		VALUES (?, 'Acme', 10, 9, ?)`, license.HashKey("rollover-key"), yesterday); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var licenseID int64
	if err := backend.QueryRow(ctx, `SELECT id FROM license_keys WHERE key_hash = ?`, license.HashKey("rollover-key")).
		Scan(&licenseID); err != nil {
		t.Fatalf("lookup id: %v", err)
	}

	v := license.New(backend)
	if err := v.IncrementUsage(ctx, licenseID); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	var requestsToday int
	if err := backend.QueryRow(ctx, `SELECT requests_today FROM license_keys WHERE id = ?`, licenseID).
		Scan(&requestsToday); err != nil {
		t.Fatalf("query: %v", err)
	}
	if requestsToday != 1 {
		t.Fatalf("requests_today = %d, want 1 (reset on new day, not 10)", requestsToday)
	}
}
