// Package ingest is the ingestion scheduler (C6): the convergence point
// for both polling and webhook intake. Every inbound message, regardless
// of origin, passes through the same dedup → filter → persist →
// burst-group → enqueue pipeline before the AI orchestrator ever sees it.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/almudeer/engine/internal/domain/burst"
	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/credential"
	"github.com/almudeer/engine/internal/domain/dedup"
	"github.com/almudeer/engine/internal/domain/delivery"
	"github.com/almudeer/engine/internal/domain/filters"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/taskqueue"
	"github.com/almudeer/engine/internal/domain/transport"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
	"go.uber.org/zap"
)

// maxSinceHours caps since_hours for a steady-state poll whose
// last_checked_at lies far in the past; a first poll uses backfillDays.
const maxSinceHours = 720

// AnalyzeTaskType is the taskqueue task_type the analysis worker
// dispatches on.
const AnalyzeTaskType = "analyze_message"

// AnalyzePayload is the JSON body enqueued for one analyzable message.
type AnalyzePayload struct {
	MessageID         int64              `json:"message_id"`
	LicenseID         int64              `json:"license_id"`
	Channel           model.Channel      `json:"channel"`
	Body              string             `json:"body"`
	SenderContact     string             `json:"sender_contact"`
	PlatformMessageID string             `json:"platform_message_id"`
	ReplyToPlatformID string             `json:"reply_to_platform_id"`
	Attachments       []model.Attachment `json:"attachments"`
	AutoReply         bool               `json:"auto_reply"`
}

// Scheduler drives both polling and webhook ingestion through one shared
// pipeline.
type Scheduler struct {
	backend      store.Backend
	creds        *credential.Repository
	adapters     map[model.Channel]transport.Adapter
	dedupCache   *dedup.Cache
	filterChain  *filters.Chain
	queue        *taskqueue.Queue
	conv         *conversation.Engine
	reconcile    *delivery.Reconciler
	backfillDays int
}

// New builds a Scheduler. backfillDays defaults to 30 when <= 0. reconcile
// may be nil, in which case webhook payloads that carry delivery-status
// events (WhatsApp's combined messages+statuses payload) simply drop them
// instead of updating outbox delivery state.
func New(backend store.Backend, creds *credential.Repository, adapters map[model.Channel]transport.Adapter,
	queue *taskqueue.Queue, conv *conversation.Engine, reconcile *delivery.Reconciler, backfillDays int) *Scheduler {
	if backfillDays <= 0 {
		backfillDays = 30
	}
	return &Scheduler{
		backend:      backend,
		creds:        creds,
		adapters:     adapters,
		dedupCache:   dedup.New(),
		filterChain:  filters.Default(),
		queue:        queue,
		conv:         conv,
		reconcile:    reconcile,
		backfillDays: backfillDays,
	}
}

func channelForKind(kind model.CredentialKind) model.Channel {
	return model.Channel(kind)
}

// PollLicense runs one poll-based adapter fetch for a single (license,
// channel) pair: the per-license unit of work the main 300s loop stages
// 10-15s apart across licenses.
func (s *Scheduler) PollLicense(ctx context.Context, licenseID int64, kind model.CredentialKind) error {
	cred, err := s.creds.Load(ctx, licenseID, kind)
	if err != nil {
		return fmt.Errorf("ingest: load credential %d/%s: %w", licenseID, kind, err)
	}
	channel := channelForKind(kind)
	adapter, ok := s.adapters[channel]
	if !ok {
		return fmt.Errorf("ingest: no adapter for channel %s", channel)
	}

	sinceHours, limit := s.pollWindow(cred)
	excludeIDs, err := s.recentChannelMessageIDs(ctx, licenseID, channel, 500)
	if err != nil {
		return fmt.Errorf("ingest: recent ids: %w", err)
	}

	msgs, err := adapter.FetchNew(ctx, cred, sinceHours, limit, excludeIDs)
	if err != nil {
		return fmt.Errorf("ingest: fetch new: %w", err)
	}

	if _, err := s.ingestBatch(ctx, licenseID, channel, cred.AutoReplyEnabled, msgs); err != nil {
		return fmt.Errorf("ingest: batch: %w", err)
	}

	now := store.TimeValue(s.backend.Dialect(), time.Now().UTC())
	_, err = s.backend.Exec(ctx, `UPDATE credentials SET last_checked_at = ? WHERE license_key_id = ? AND kind = ?`,
		now, licenseID, kind)
	return err
}

// pollWindow computes since_hours and the fetch limit per the
// first-poll-vs-steady-state and backfill rules.
func (s *Scheduler) pollWindow(cred model.Credential) (sinceHours float64, limit int) {
	if cred.LastCheckedAt == nil {
		return float64(s.backfillDays * 24), 500
	}
	elapsed := time.Since(*cred.LastCheckedAt).Hours() + 1
	if elapsed > maxSinceHours {
		elapsed = maxSinceHours
	}
	return elapsed, 100
}

func (s *Scheduler) recentChannelMessageIDs(ctx context.Context, licenseID int64, channel model.Channel, limit int) (map[string]struct{}, error) {
	rows, err := s.backend.Query(ctx, `SELECT channel_message_id FROM inbox_messages
		WHERE license_key_id = ? AND channel = ? AND channel_message_id IS NOT NULL
		ORDER BY id DESC LIMIT ?`, licenseID, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// IngestWebhook parses a raw webhook payload through the channel's
// adapter and runs its messages through the same pipeline polling uses.
// Always returns a nil error once any rows are persisted, even if some
// candidates were rejected by the filter chain or duplicate — per the
// "webhook handlers always return 200 once persisted" rule, the caller's
// HTTP layer should respond 200 whenever this returns nil.
func (s *Scheduler) IngestWebhook(ctx context.Context, licenseID int64, kind model.CredentialKind, payload []byte, headers map[string]string) error {
	cred, err := s.creds.Load(ctx, licenseID, kind)
	if err != nil {
		return fmt.Errorf("ingest: load credential %d/%s: %w", licenseID, kind, err)
	}
	channel := channelForKind(kind)
	adapter, ok := s.adapters[channel]
	if !ok {
		return fmt.Errorf("ingest: no adapter for channel %s", channel)
	}

	parsed, err := adapter.ParseWebhook(ctx, cred, payload, headers)
	if err != nil {
		return fmt.Errorf("ingest: parse webhook: %w", err)
	}

	if len(parsed.Messages) > 0 {
		if _, err := s.ingestBatch(ctx, licenseID, channel, cred.AutoReplyEnabled, parsed.Messages); err != nil {
			return fmt.Errorf("ingest: batch: %w", err)
		}
	}

	if s.reconcile != nil {
		for _, evt := range parsed.Statuses {
			if _, err := s.reconcile.UpdateStatus(ctx, evt.PlatformMessageID, evt.Status, evt.OccurredAt); err != nil {
				logger.Warn("ingest: delivery status reconcile failed",
					zap.String("platform_message_id", evt.PlatformMessageID), zap.Error(err))
			}
		}
	}
	return nil
}

// ingestBatch runs dedup, filter, persist, burst-group and enqueue for
// one batch of normalized messages sharing a license and channel.
func (s *Scheduler) ingestBatch(ctx context.Context, licenseID int64, channel model.Channel, autoReply bool, msgs []transport.NormalizedMessage) (int, error) {
	type inserted struct {
		id  int64
		msg transport.NormalizedMessage
	}
	var kept []inserted

	for _, msg := range msgs {
		if msg.ChannelMessageID != "" && !s.dedupCache.Record(msg.ChannelMessageID) {
			continue
		}

		if pass, reason := s.filterChain.Apply(msg, filters.RuleContext{}); !pass {
			logger.Debug("ingest: message rejected by filter chain", zap.String("reason", reason))
			continue
		}

		id, err := s.persist(ctx, licenseID, channel, msg)
		if err != nil {
			if store.IsUniqueViolation(err) {
				logger.Debug("ingest: duplicate channel_message_id, already ingested",
					zap.String("channel_message_id", msg.ChannelMessageID))
				continue
			}
			logger.Warn("ingest: persist failed, skipping message", zap.Error(err))
			continue
		}
		kept = append(kept, inserted{id: id, msg: msg})

		if err := s.conv.Recompute(ctx, licenseID, msg.SenderContact); err != nil {
			logger.Warn("ingest: recompute after persist failed", zap.Error(err))
		}
	}

	if len(kept) == 0 {
		return 0, nil
	}

	keptMsgs := make([]transport.NormalizedMessage, len(kept))
	for i, k := range kept {
		keptMsgs[i] = k.msg
	}
	outcomes := burst.Group(keptMsgs)

	for i, outcome := range outcomes {
		row := kept[i]
		if outcome.Merged {
			if _, err := s.backend.Exec(ctx, `UPDATE inbox_messages SET status = 'merged', intent = 'merged',
				ai_summary = ?, ai_draft_response = '' WHERE id = ?`, burst.MergedSummary(), row.id); err != nil {
				logger.Warn("ingest: mark merged failed", zap.Int64("id", row.id), zap.Error(err))
			}
			continue
		}

		payload := AnalyzePayload{
			MessageID:         row.id,
			LicenseID:         licenseID,
			Channel:           channel,
			Body:              outcome.DrivingBody,
			SenderContact:     row.msg.SenderContact,
			PlatformMessageID: row.msg.ChannelMessageID,
			ReplyToPlatformID: row.msg.ReplyToPlatformID,
			Attachments:       outcome.Attachments,
			AutoReply:         autoReply,
		}
		if _, err := s.queue.Enqueue(ctx, AnalyzeTaskType, payload); err != nil {
			logger.Warn("ingest: enqueue analyze task failed", zap.Int64("message_id", row.id), zap.Error(err))
		}
	}

	return len(kept), nil
}

func (s *Scheduler) persist(ctx context.Context, licenseID int64, channel model.Channel, msg transport.NormalizedMessage) (int64, error) {
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return 0, fmt.Errorf("ingest: marshal attachments: %w", err)
	}
	receivedAt := store.TimeValue(s.backend.Dialect(), msg.ReceivedAt)

	res, err := s.backend.Exec(ctx, `INSERT INTO inbox_messages
		(license_key_id, channel, channel_message_id, sender_id, sender_contact, sender_name,
		 original_sender, subject, body, attachments, received_at, status, reply_to_platform_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		licenseID, channel, msg.ChannelMessageID, msg.SenderID, msg.SenderContact, msg.SenderName,
		msg.OriginalSender, msg.Subject, msg.Body, string(attachmentsJSON), receivedAt, msg.ReplyToPlatformID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RetryPlaceholders re-enqueues analysis for messages still carrying the
// placeholder draft after analysis should have completed. At most one
// re-enqueue per message per call (the caller's cron job is the "per
// cycle" boundary); skips entirely when cooldownActive is true.
func (s *Scheduler) RetryPlaceholders(ctx context.Context, licenseID int64, cooldownActive bool, maxAge time.Duration) (int, error) {
	if cooldownActive {
		return 0, nil
	}

	cutoff := store.TimeValue(s.backend.Dialect(), time.Now().UTC().Add(-maxAge))
	rows, err := s.backend.Query(ctx, `SELECT id, license_key_id, channel, body, sender_contact,
		COALESCE(platform_message_id, ''), COALESCE(reply_to_platform_id, ''), attachments FROM inbox_messages
		WHERE license_key_id = ? AND received_at >= ?
		AND (ai_draft_response IS NULL OR ai_draft_response = '' OR ai_draft_response = ?)
		AND deleted_at IS NULL`, licenseID, cutoff, model.PlaceholderDraft)
	if err != nil {
		return 0, fmt.Errorf("ingest: list placeholders: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id                int64
		licenseID         int64
		channel           model.Channel
		body              string
		senderContact     string
		platformMessageID string
		replyToPlatformID string
		attachmentsJSON   string
	}
	var candidates []candidate
	seen := make(map[int64]struct{})
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.licenseID, &c.channel, &c.body, &c.senderContact,
			&c.platformMessageID, &c.replyToPlatformID, &c.attachmentsJSON); err != nil {
			return 0, fmt.Errorf("ingest: scan placeholder: %w", err)
		}
		if _, dup := seen[c.id]; dup {
			continue
		}
		seen[c.id] = struct{}{}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, c := range candidates {
		var attachments []model.Attachment
		_ = json.Unmarshal([]byte(c.attachmentsJSON), &attachments)

		payload := AnalyzePayload{
			MessageID:         c.id,
			LicenseID:         c.licenseID,
			Channel:           c.channel,
			Body:              c.body,
			SenderContact:     c.senderContact,
			PlatformMessageID: c.platformMessageID,
			ReplyToPlatformID: c.replyToPlatformID,
			Attachments:       attachments,
		}
		if _, err := s.queue.Enqueue(ctx, AnalyzeTaskType, payload); err != nil {
			logger.Warn("ingest: retry enqueue failed", zap.Int64("message_id", c.id), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}
