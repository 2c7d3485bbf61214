package credential_test

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/almudeer/engine/internal/domain/credential"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/store"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		key       string
		plaintext string
	}{
		{name: "passphraseKey", key: "a-long-passphrase-not-32-bytes", plaintext: "bot-token-abc123"},
		{name: "rawThirtyTwoByteKey", key: "01234567890123456789012345678901", plaintext: "session-string-xyz"},
		{name: "emptyPlaintext", key: "another-passphrase", plaintext: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store, err := credential.New(tc.key)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			encrypted, err := store.Encrypt(tc.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if tc.plaintext == "" && encrypted != "" {
				t.Fatalf("Encrypt(\"\") = %q, want empty", encrypted)
			}

			decrypted, err := store.Decrypt(encrypted)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if decrypted != tc.plaintext {
				t.Fatalf("Decrypt() = %q, want %q", decrypted, tc.plaintext)
			}
		})
	}
}

func TestDecryptLegacyBase64Fallback(t *testing.T) {
	t.Parallel()

	store, err := credential.New("some-passphrase")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// A pre-encryption record stored as bare base64, never produced by
	// Encrypt, must still round-trip through Decrypt.
	legacy := "bGVnYWN5LXRva2Vu" // base64("legacy-token")

	got, err := store.Decrypt(legacy)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "legacy-token" {
		t.Fatalf("Decrypt() = %q, want %q", got, "legacy-token")
	}
}

func TestNewRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	if _, err := credential.New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
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
	);`
	if _, err := backend.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return backend
}

func TestRepositoryLoadDecryptsSecretFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)

	secretStore, err := credential.New("repo-test-passphrase")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	encryptedToken, err := secretStore.Encrypt("shhh-bot-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = backend.Exec(ctx, `INSERT INTO credentials
		(license_key_id, kind, bot_token, bot_username, is_active)
		VALUES (1, 'telegram_bot', ?, 'support_bot', 1)`, encryptedToken)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	repo := credential.NewRepository(backend, secretStore)
	cred, err := repo.Load(ctx, 1, model.CredentialTelegramBot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cred.BotToken != "shhh-bot-token" {
		t.Fatalf("BotToken = %q, want shhh-bot-token", cred.BotToken)
	}
	if cred.BotUsername != "support_bot" {
		t.Fatalf("BotUsername = %q, want support_bot", cred.BotUsername)
	}
}

func TestRepositoryLoadNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	secretStore, _ := credential.New("x")
	repo := credential.NewRepository(backend, secretStore)

	_, err := repo.Load(ctx, 99, model.CredentialEmail)
	if err != credential.ErrNotFound {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestActiveLicenseChannelsListsOnlyActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newTestBackend(t)
	secretStore, _ := credential.New("x")

	if _, err := backend.Exec(ctx, `INSERT INTO credentials (license_key_id, kind, is_active) VALUES (1, 'email', 1)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := backend.Exec(ctx, `INSERT INTO credentials (license_key_id, kind, is_active) VALUES (2, 'whatsapp', 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	repo := credential.NewRepository(backend, secretStore)
	active, err := repo.ActiveLicenseChannels(ctx)
	if err != nil {
		t.Fatalf("ActiveLicenseChannels: %v", err)
	}
	if len(active) != 1 || active[0].LicenseID != 1 {
		t.Fatalf("ActiveLicenseChannels = %v, want exactly license 1", active)
	}
}
