// Package background is the home for the three standing maintenance jobs
// that run outside any request or ingestion cycle (C14): a subscription-
// expiry reminder, a push-token cleanup sweep, and stale-inbox repair.
// Each is a pure function over the store plus an optional broadcast, and
// a *Scheduler wires the first two onto robfig/cron/v3 for the
// long-running process; stale-inbox repair is called directly.
package background

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
	"go.uber.org/zap"
)

// Broadcaster is the narrow websocket fan-out dependency the expiry
// reminder needs, kept local so this package never imports wsfanout
// directly — same shape as conversation.Broadcaster.
type Broadcaster interface {
	SendToLicense(licenseID int64, event string, payload any)
}

// expiryWindow is how far ahead of expires_at the reminder fires.
const expiryWindow = 3 * 24 * time.Hour

// pushTokenMaxAge is the inactivity threshold past which a push token is
// purged.
const pushTokenMaxAge = 30 * 24 * time.Hour

// Jobs runs the three maintenance sweeps against backend, broadcasting
// expiry reminders through bcast (nil is valid: the sweep still runs,
// it just has nothing to notify).
type Jobs struct {
	backend store.Backend
	bcast   Broadcaster
}

// New builds a Jobs runner.
func New(backend store.Backend, bcast Broadcaster) *Jobs {
	return &Jobs{backend: backend, bcast: bcast}
}

// ExpiryNotice is the payload broadcast on the wsfanout "notification"
// event when a license is within expiryWindow of expiring.
type ExpiryNotice struct {
	Type      string    `json:"type"`
	LicenseID int64     `json:"license_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SubscriptionExpiryReminder finds every active license whose expires_at
// falls exactly expiryWindow (3 days) from now and broadcasts a
// high-priority "notification" event for each. Returns the count
// notified.
func (j *Jobs) SubscriptionExpiryReminder(ctx context.Context) (int, error) {
	targetDate := time.Now().UTC().Add(expiryWindow).Format("2006-01-02")

	rows, err := j.backend.Query(ctx, `SELECT id, expires_at FROM license_keys
		WHERE is_active = 1 AND expires_at IS NOT NULL AND date(expires_at) = date(?)`, targetDate)
	if err != nil {
		return 0, fmt.Errorf("background: query expiring licenses: %w", err)
	}
	defer rows.Close()

	type expiring struct {
		id        int64
		expiresAt time.Time
	}
	var licenses []expiring
	for rows.Next() {
		var e expiring
		if err := rows.Scan(&e.id, &e.expiresAt); err != nil {
			return 0, fmt.Errorf("background: scan expiring license: %w", err)
		}
		licenses = append(licenses, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, l := range licenses {
		if j.bcast != nil {
			j.bcast.SendToLicense(l.id, "notification", ExpiryNotice{
				Type: "subscription_expiring", LicenseID: l.id, ExpiresAt: l.expiresAt,
			})
		}
		count++
	}
	return count, nil
}

// CredentialCleanup purges push-notification tokens that have had no
// activity in pushTokenMaxAge. Returns the number of rows removed.
func (j *Jobs) CredentialCleanup(ctx context.Context) (int64, error) {
	cutoff := store.TimeValue(j.backend.Dialect(), time.Now().UTC().Add(-pushTokenMaxAge))
	res, err := j.backend.Exec(ctx, `DELETE FROM push_tokens WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("background: purge push tokens: %w", err)
	}
	return res.RowsAffected()
}

// StaleInboxRepair promotes inbox rows stuck at a non-terminal status
// when a later event for the same sender_contact already reached a
// terminal status ("approved", "sent", "auto_replied") — the row was
// effectively handled but its own status update was lost (a crash
// between reply and status write, a race between two workers). When
// licenseID is nil, every license is repaired (the startup path);
// otherwise only the named license (the license-authenticated
// POST /api/v1/inbox/cleanup path).
// Returns the number of rows promoted.
func (j *Jobs) StaleInboxRepair(ctx context.Context, licenseID *int64) (int64, error) {
	const terminal = `('approved', 'sent', 'auto_replied')`

	query := `UPDATE inbox_messages SET status = 'approved'
		WHERE deleted_at IS NULL
		AND status NOT IN ` + terminal + `
		AND status != 'merged'
		AND EXISTS (
			SELECT 1 FROM inbox_messages later
			WHERE later.license_key_id = inbox_messages.license_key_id
			AND later.sender_contact = inbox_messages.sender_contact
			AND later.status IN ` + terminal + `
			AND later.received_at > inbox_messages.received_at
		)`
	args := []any{}
	if licenseID != nil {
		query += ` AND license_key_id = ?`
		args = append(args, *licenseID)
	}

	res, err := j.backend.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("background: stale inbox repair: %w", err)
	}
	return res.RowsAffected()
}

// Scheduler drives two of the Jobs (expiry reminder, credential cleanup)
// on a daily cadence via robfig/cron/v3,
// mirroring the teacher pack's cron-based tick loop
// (zkoranges-go-claw's internal/cron.Scheduler) rather than a bespoke
// ticker per job.
type Scheduler struct {
	jobs *Jobs
	cron *cron.Cron
}

// NewScheduler builds a Scheduler over jobs. The caller owns jobs'
// lifetime; Start/Stop only manage the cron runner.
func NewScheduler(jobs *Jobs) *Scheduler {
	return &Scheduler{jobs: jobs, cron: cron.New(cron.WithLocation(time.UTC))}
}

// Start registers and starts the two cron entries:
//   - subscription-expiry reminder, daily at 03:00 UTC
//   - credential/token cleanup, daily at 04:00 UTC ±1h: the entry fires at
//     03:00 UTC and the job itself first waits a random 0-2h
//
// Stale-inbox repair is not cron-driven; callers invoke
// (*Jobs).StaleInboxRepair directly once at process startup and from the
// license-authenticated inbox cleanup endpoint.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("0 3 * * *", func() {
		count, err := s.jobs.SubscriptionExpiryReminder(ctx)
		if err != nil {
			logger.Warn("background: subscription expiry reminder failed", zap.Error(err))
			return
		}
		logger.Info("background: subscription expiry reminder sent", zap.Int("count", count))
	}); err != nil {
		return fmt.Errorf("background: schedule expiry reminder: %w", err)
	}

	if _, err := s.cron.AddFunc("0 3 * * *", func() {
		jitter := time.Duration(rand.Int64N(int64(2 * time.Hour)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return
		}
		removed, err := s.jobs.CredentialCleanup(ctx)
		if err != nil {
			logger.Warn("background: credential cleanup failed", zap.Error(err))
			return
		}
		logger.Info("background: push tokens purged", zap.Int64("count", removed))
	}); err != nil {
		return fmt.Errorf("background: schedule credential cleanup: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
