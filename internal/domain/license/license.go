// Package license validates the opaque per-tenant license key every
// inbound HTTP request (other than webhook intake) carries, and tracks
// its daily request quota. Grounded on
// original_source/database.py's validate_license_key/increment_usage and
// dependencies.py's header-based resolution — the engine has no user
// accounts, only an opaque license key, per the distilled spec's
// explicit Non-goal of "no user authentication beyond opaque license-key".
package license

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/store"
)

// ErrInvalid covers every rejection reason (unknown key, disabled,
// expired, quota exhausted) — callers render the distinct message via
// the error returned alongside it, not by switching on this sentinel.
var ErrInvalid = errors.New("license: invalid")

// HashKey returns the stored-form hash of a raw license key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validator resolves and rate-limits license keys against the store.
type Validator struct {
	backend store.Backend
}

// New builds a Validator.
func New(backend store.Backend) *Validator {
	return &Validator{backend: backend}
}

// Result is what a successful Validate returns: enough of the license
// row for the HTTP layer to key every subsequent query by license id.
type Result struct {
	LicenseID         int64
	CompanyName       string
	RequestsRemaining int
}

// Validate resolves rawKey to a license, rejecting it with a specific
// message for each failure mode: unknown key, inactive, expired, or
// today's quota exhausted. It does not increment the counter; callers
// that want the request to count call IncrementUsage separately, since
// some callers (health checks, websocket upgrades) validate without
// spending quota.
func (v *Validator) Validate(ctx context.Context, rawKey string) (Result, error) {
	if rawKey == "" {
		return Result{}, fmt.Errorf("%w: license key required", ErrInvalid)
	}

	row := v.backend.QueryRow(ctx, `SELECT id, company_name, is_active, expires_at,
		max_requests_per_day, requests_today, last_request_date
		FROM license_keys WHERE key_hash = ?`, HashKey(rawKey))

	var lic model.License
	var expiresAt sql.NullTime
	var lastRequestDate sql.NullTime
	if err := row.Scan(&lic.ID, &lic.CompanyName, &lic.Active, &expiresAt,
		&lic.MaxRequestsPerDay, &lic.RequestsToday, &lastRequestDate); err != nil {
		if err == sql.ErrNoRows {
			return Result{}, fmt.Errorf("%w: unknown license key", ErrInvalid)
		}
		return Result{}, fmt.Errorf("license: lookup: %w", err)
	}

	if !lic.Active {
		return Result{}, fmt.Errorf("%w: license disabled", ErrInvalid)
	}
	if expiresAt.Valid && time.Now().UTC().After(expiresAt.Time) {
		return Result{}, fmt.Errorf("%w: license expired", ErrInvalid)
	}

	today := time.Now().UTC().Format("2006-01-02")
	usedToday := 0
	if lastRequestDate.Valid && lastRequestDate.Time.UTC().Format("2006-01-02") == today {
		usedToday = lic.RequestsToday
	}
	if usedToday >= lic.MaxRequestsPerDay {
		return Result{}, fmt.Errorf("%w: daily request limit exceeded", ErrInvalid)
	}

	return Result{
		LicenseID:         lic.ID,
		CompanyName:       lic.CompanyName,
		RequestsRemaining: lic.MaxRequestsPerDay - usedToday,
	}, nil
}

// IncrementUsage bumps today's counter for licenseID, resetting it to 1
// first if the last recorded request was on an earlier day.
func (v *Validator) IncrementUsage(ctx context.Context, licenseID int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	_, err := v.backend.Exec(ctx, `UPDATE license_keys SET
		requests_today = CASE WHEN last_request_date = ? THEN requests_today + 1 ELSE 1 END,
		last_request_date = ?
		WHERE id = ?`, today, today, licenseID)
	if err != nil {
		return fmt.Errorf("license: increment usage: %w", err)
	}
	return nil
}
