// Package conversation recomputes the denormalized per-(license,
// sender_contact) conversation projection (C8). It is never itself the
// source of truth: every field is derived fresh from inbox/outbox rows on
// every call, so a racing recompute from a concurrent writer is safe —
// last writer wins with identical or fresher data.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/store"
)

// Broadcaster is the narrow slice of the websocket fan-out registry the
// conversation engine needs; kept as an interface here so this package
// never imports internal/infra/wsfanout directly.
type Broadcaster interface {
	SendToLicense(licenseID int64, event string, payload any)
}

// Engine recomputes conversation rows and broadcasts the result.
type Engine struct {
	backend store.Backend
	bcast   Broadcaster
}

// New builds a conversation engine. bcast may be nil, in which case
// Recompute performs no broadcast (useful for offline batch repair).
func New(backend store.Backend, bcast Broadcaster) *Engine {
	return &Engine{backend: backend, bcast: bcast}
}

// ResolveAliases returns every sender_contact/sender_id value that should
// be treated as the same correspondent as contact: the contact itself,
// the contact with a "tg:" prefix stripped, and, when the whole contact is
// numeric, the bare digits as a possible sender_id. This is the single
// exported source of truth callers outside this package (the
// telegram-user adapter resolving an alias to a peer, the outbound
// dispatcher picking a recipient_id) must use instead of re-deriving it.
func ResolveAliases(contact string) []string {
	seen := map[string]struct{}{contact: {}}
	aliases := []string{contact}

	stripped := strings.TrimPrefix(contact, "tg:")
	if _, ok := seen[stripped]; !ok {
		seen[stripped] = struct{}{}
		aliases = append(aliases, stripped)
	}

	numeric := strings.TrimFunc(stripped, func(r rune) bool { return r < '0' || r > '9' })
	if numeric != "" && numeric == stripped {
		if _, ok := seen[numeric]; !ok {
			seen[numeric] = struct{}{}
			aliases = append(aliases, numeric)
		}
	}
	return aliases
}

// Recompute is the single entry point for refreshing one conversation row.
// Idempotent: callers invoke it after every inbox/outbox mutation for the
// affected sender without needing to know which fields changed.
func (e *Engine) Recompute(ctx context.Context, licenseID int64, senderContact string) error {
	aliases := ResolveAliases(senderContact)
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)+1)
	args = append(args, licenseID)
	for i, a := range aliases {
		placeholders[i] = "?"
		args = append(args, a)
	}
	inClause := strings.Join(placeholders, ",")

	unreadCount, err := e.count(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM inbox_messages WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))
			AND status = 'analyzed' AND is_read = 0 AND deleted_at IS NULL`, inClause, inClause),
		doubled(args)...)
	if err != nil {
		return fmt.Errorf("conversation: unread count: %w", err)
	}

	inboxCount, err := e.count(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM inbox_messages WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))
			AND status != 'pending' AND deleted_at IS NULL`, inClause, inClause),
		doubled(args)...)
	if err != nil {
		return fmt.Errorf("conversation: inbox count: %w", err)
	}

	outboxCount, err := e.count(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM outbox_messages WHERE license_key_id = ? AND recipient_id IN (%s) AND deleted_at IS NULL`, inClause),
		args...)
	if err != nil {
		return fmt.Errorf("conversation: outbox count: %w", err)
	}

	last, found, err := e.lastMessage(ctx, licenseID, aliases)
	if err != nil {
		return fmt.Errorf("conversation: last message: %w", err)
	}

	conv := model.Conversation{
		LicenseID:     licenseID,
		SenderContact: senderContact,
		UnreadCount:   unreadCount,
		MessageCount:  inboxCount + outboxCount,
		UpdatedAt:     time.Now().UTC(),
	}
	if found {
		conv.LastMessageID = last.id
		conv.LastMessageBody = last.preview
		conv.LastMessageAISummary = last.summary
		conv.LastMessageAt = last.at
		conv.Channel = last.channel
		conv.SenderName = last.senderName
		conv.Status = last.status
	}

	if err := e.upsert(ctx, conv); err != nil {
		return fmt.Errorf("conversation: upsert: %w", err)
	}

	if e.bcast != nil {
		event := "message_status_update"
		if found && time.Since(conv.LastMessageAt) < 5*time.Second {
			event = "new_message"
		}
		e.bcast.SendToLicense(licenseID, event, map[string]any{
			"sender_contact": senderContact,
			"unread_count":   conv.UnreadCount,
			"message_count":  conv.MessageCount,
			"last_message":   conv.LastMessageBody,
			"last_message_at": conv.LastMessageAt,
		})
	}
	return nil
}

func (e *Engine) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := e.backend.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type lastMessageRow struct {
	id         int64
	preview    string
	summary    string
	at         time.Time
	channel    model.Channel
	senderName string
	status     model.InboxStatus
}

// lastMessage finds the newest of (latest non-pending, non-deleted inbox
// row) and (latest non-deleted outbox row) across the alias set, by
// effective timestamp.
func (e *Engine) lastMessage(ctx context.Context, licenseID int64, aliases []string) (lastMessageRow, bool, error) {
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)+1)
	args = append(args, licenseID)
	for i, a := range aliases {
		placeholders[i] = "?"
		args = append(args, a)
	}
	inClause := strings.Join(placeholders, ",")

	var inboxFound bool
	var inbox lastMessageRow
	var inboxAttachmentsJSON, inboxBody string
	row := e.backend.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, body, COALESCE(ai_summary, ''), received_at, channel, sender_name, status, attachments
			FROM inbox_messages WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))
			AND status != 'pending' AND deleted_at IS NULL
			ORDER BY received_at DESC, id DESC LIMIT 1`, inClause, inClause), doubled(args)...)
	switch err := row.Scan(&inbox.id, &inboxBody, &inbox.summary, &inbox.at, &inbox.channel, &inbox.senderName, &inbox.status, &inboxAttachmentsJSON); err {
	case nil:
		inbox.preview = previewText(inboxBody, inboxAttachmentsJSON)
		inboxFound = true
	case sql.ErrNoRows:
	default:
		return lastMessageRow{}, false, err
	}

	var outboxFound bool
	var outbox lastMessageRow
	var outboxBody string
	var sentAt, createdAt time.Time
	orow := e.backend.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, body, channel, COALESCE(sent_at, created_at), created_at
			FROM outbox_messages WHERE license_key_id = ? AND recipient_id IN (%s) AND deleted_at IS NULL
			ORDER BY COALESCE(sent_at, created_at) DESC, id DESC LIMIT 1`, inClause), args...)
	switch err := orow.Scan(&outbox.id, &outboxBody, &outbox.channel, &sentAt, &createdAt); err {
	case nil:
		outbox.preview = outboxBody
		outbox.at = sentAt
		outboxFound = true
	case sql.ErrNoRows:
	default:
		return lastMessageRow{}, false, err
	}

	switch {
	case inboxFound && outboxFound:
		if inbox.at.After(outbox.at) {
			return inbox, true, nil
		}
		return outbox, true, nil
	case inboxFound:
		return inbox, true, nil
	case outboxFound:
		return outbox, true, nil
	default:
		return lastMessageRow{}, false, nil
	}
}

// previewText substitutes a glyph when body is empty and the stored
// attachments JSON is non-trivial; the caller already has the raw column
// value so this avoids a second round trip through model.Attachment
// unmarshalling just to pick a glyph.
func previewText(body, attachmentsJSON string) string {
	if strings.TrimSpace(body) != "" {
		return body
	}
	switch {
	case strings.Contains(attachmentsJSON, `"voice"`):
		return model.Attachment{Type: model.AttachmentVoice}.Glyph()
	case strings.Contains(attachmentsJSON, `"image"`):
		return model.Attachment{Type: model.AttachmentImage}.Glyph()
	case strings.Contains(attachmentsJSON, `"video"`):
		return model.Attachment{Type: model.AttachmentVideo}.Glyph()
	case attachmentsJSON != "" && attachmentsJSON != "[]":
		return model.Attachment{Type: model.AttachmentDocument}.Glyph()
	default:
		return ""
	}
}

func (e *Engine) upsert(ctx context.Context, c model.Conversation) error {
	dialect := e.backend.Dialect()
	now := store.TimeValue(dialect, c.UpdatedAt)
	lastAt := store.TimeValue(dialect, c.LastMessageAt)

	upsertSQL := `INSERT INTO conversations
		(license_key_id, sender_contact, last_message_id, last_message_body, last_message_ai_summary,
		 last_message_at, channel, sender_name, status, unread_count, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_key_id, sender_contact) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_body = excluded.last_message_body,
			last_message_ai_summary = excluded.last_message_ai_summary,
			last_message_at = excluded.last_message_at,
			channel = excluded.channel,
			sender_name = excluded.sender_name,
			status = excluded.status,
			unread_count = excluded.unread_count,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`

	_, err := e.backend.Exec(ctx, upsertSQL,
		c.LicenseID, c.SenderContact, c.LastMessageID, c.LastMessageBody, c.LastMessageAISummary,
		lastAt, c.Channel, c.SenderName, c.Status, c.UnreadCount, c.MessageCount, now)
	return err
}

// doubled repeats the per-alias args a second time, for queries that test
// the same IN-clause against two different columns.
func doubled(args []any) []any {
	out := make([]any, 0, len(args)*2-1)
	out = append(out, args[0])
	out = append(out, args[1:]...)
	out = append(out, args[1:]...)
	return out
}
