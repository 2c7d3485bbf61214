// Package credential encrypts and decrypts the per-license, per-transport
// secrets (OAuth tokens, bot tokens, MTProto session strings, WhatsApp app
// secrets) stored in the credentials table. Grounded on
// original_source/database.py's bare-base64 storage plus the upgrade path
// implied by the encryption-key environment variable, generalized to
// authenticated AES-256-GCM with a PBKDF2-derived key, matching the
// golang.org/x/crypto usage in orris-inc-orris's auth package.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/store"
)

// fixedSalt keeps key derivation deterministic across process restarts
// without persisting a separate salt column; the encryption key itself is
// the actual secret.
const fixedSalt = "almudeer-engine-v1"

const (
	pbkdf2Iterations = 100000
	keyLenBytes      = 32
)

// Store encrypts and decrypts credential field values.
type Store struct {
	key []byte
}

// New builds a Store. If rawKey is exactly 32 bytes it is used directly as
// the AES-256 key; otherwise it is treated as a passphrase and stretched
// via PBKDF2-SHA256.
func New(rawKey string) (*Store, error) {
	if rawKey == "" {
		return nil, errors.New("credential: empty encryption key")
	}
	var key []byte
	if len(rawKey) == keyLenBytes {
		key = []byte(rawKey)
	} else {
		key = pbkdf2.Key([]byte(rawKey), []byte(fixedSalt), pbkdf2Iterations, keyLenBytes, sha256.New)
	}
	return &Store{key: key}, nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("credential: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt returns the base64url-encoded nonce||ciphertext for plaintext.
// Empty input short-circuits to empty output so optional credential
// fields round-trip without needless ciphertext.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credential: read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It tries authenticated decryption first; on
// failure it falls back to a legacy bare-base64 decode, since records
// written before encryption was introduced stored plain base64. The
// fallback never runs first: a legacy value is never mistaken for
// ciphertext because AEAD open would simply fail (and it must be tried
// first, since a random legacy base64 blob could coincidentally decode
// without error only if it happened to match the expected sizes, which a
// failed-auth-tag check rules out).
func (s *Store) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("credential: decode base64: %w", err)
	}
	if len(raw) >= gcm.NonceSize() {
		nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
		if plaintext, err := gcm.Open(nil, nonce, ciphertext, nil); err == nil {
			return string(plaintext), nil
		}
	}
	return string(raw), nil
}

// ErrNotFound is returned by Load when no active credential row matches.
var ErrNotFound = errors.New("credential: not found")

// Repository loads and decrypts credentials rows for the ingestion
// scheduler and outbound dispatcher, the two call sites that need a
// fully hydrated model.Credential rather than a single field.
type Repository struct {
	backend store.Backend
	store   *Store
}

// NewRepository builds a Repository over backend, decrypting secret
// fields with secretStore.
func NewRepository(backend store.Backend, secretStore *Store) *Repository {
	return &Repository{backend: backend, store: secretStore}
}

// Load fetches and decrypts the active credential for (licenseID, kind).
func (r *Repository) Load(ctx context.Context, licenseID int64, kind model.CredentialKind) (model.Credential, error) {
	var c model.Credential
	var oauthAccess, oauthRefresh, botToken, sessionString, phone, phoneNumberID, accessToken, verifyToken, appSecret sql.NullString
	var lastCheckedAt sql.NullTime
	var telegramUserID sql.NullInt64
	var active bool

	row := r.backend.QueryRow(ctx, `SELECT oauth_access_token, oauth_refresh_token, last_checked_at,
		auto_reply_enabled, check_interval_sec, bot_token, bot_username, session_string,
		telegram_user_id, phone, phone_number_id, access_token, verify_token, app_secret, is_active
		FROM credentials WHERE license_key_id = ? AND kind = ? AND is_active = 1`, licenseID, kind)

	var botUsername sql.NullString
	var autoReply bool
	var checkIntervalSec int
	if err := row.Scan(&oauthAccess, &oauthRefresh, &lastCheckedAt, &autoReply, &checkIntervalSec,
		&botToken, &botUsername, &sessionString, &telegramUserID, &phone, &phoneNumberID,
		&accessToken, &verifyToken, &appSecret, &active); err != nil {
		if err == sql.ErrNoRows {
			return model.Credential{}, ErrNotFound
		}
		return model.Credential{}, fmt.Errorf("credential: load %d/%s: %w", licenseID, kind, err)
	}

	decrypt := func(encoded sql.NullString) string {
		if !encoded.Valid || encoded.String == "" {
			return ""
		}
		v, err := r.store.Decrypt(encoded.String)
		if err != nil {
			return ""
		}
		return v
	}

	c.LicenseID = licenseID
	c.Kind = kind
	c.OAuthAccessToken = decrypt(oauthAccess)
	c.OAuthRefreshToken = decrypt(oauthRefresh)
	if lastCheckedAt.Valid {
		c.LastCheckedAt = &lastCheckedAt.Time
	}
	c.AutoReplyEnabled = autoReply
	c.CheckIntervalSec = checkIntervalSec
	c.BotToken = decrypt(botToken)
	c.BotUsername = botUsername.String
	c.SessionString = decrypt(sessionString)
	c.TelegramUserID = telegramUserID.Int64
	c.Phone = decrypt(phone)
	c.PhoneNumberID = phoneNumberID.String
	c.AccessToken = decrypt(accessToken)
	c.VerifyToken = verifyToken.String
	c.AppSecret = decrypt(appSecret)
	c.Active = active
	return c, nil
}

// ActiveLicenseChannels returns every (license_key_id, kind) pair with an
// active credential row — the set the polling scheduler iterates.
func (r *Repository) ActiveLicenseChannels(ctx context.Context) ([]struct {
	LicenseID int64
	Kind      model.CredentialKind
}, error) {
	rows, err := r.backend.Query(ctx, `SELECT license_key_id, kind FROM credentials WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("credential: list active: %w", err)
	}
	defer rows.Close()

	var out []struct {
		LicenseID int64
		Kind      model.CredentialKind
	}
	for rows.Next() {
		var licenseID int64
		var kind model.CredentialKind
		if err := rows.Scan(&licenseID, &kind); err != nil {
			return nil, fmt.Errorf("credential: scan active: %w", err)
		}
		out = append(out, struct {
			LicenseID int64
			Kind      model.CredentialKind
		}{licenseID, kind})
	}
	return out, rows.Err()
}
