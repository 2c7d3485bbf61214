// Package outbound is the outbound dispatcher (C11): create → approve →
// (background) send → sent|failed, plus edit and soft-delete. The audio
// tag convention ("[AUDIO: <path>]") produced by the AI orchestrator's
// TTS step is parsed back out here and sent as a separate media part.
package outbound

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/taskqueue"
	"github.com/almudeer/engine/internal/domain/transport"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
	"go.uber.org/zap"
)

// editWindow bounds how long after creation an outbox message may be edited.
const editWindow = 15 * time.Minute

// SendTaskType is the taskqueue task_type the send worker dispatches to.
const SendTaskType = "send_outbox_message"

// SendPayload is the JSON body enqueued for one approved outbox row.
type SendPayload struct {
	LicenseID int64 `json:"license_id"`
	OutboxID  int64 `json:"outbox_id"`
}

// CredentialLookup resolves the active credential for a channel so Send
// never needs a direct dependency on the credential store's encryption.
type CredentialLookup func(ctx context.Context, licenseID int64, channel model.Channel) (model.Credential, error)

// Dispatcher wires the outbox lifecycle to a transport adapter registry,
// the conversation engine (for recompute-after-mutation), and a
// websocket broadcaster for lifecycle events.
type Dispatcher struct {
	backend   store.Backend
	conv      *conversation.Engine
	adapters  map[model.Channel]transport.Adapter
	creds     CredentialLookup
	broadcast conversation.Broadcaster
	queue     *taskqueue.Queue
}

// New builds a Dispatcher. adapters maps channel to its transport
// implementation; broadcast may be nil to disable direct lifecycle events
// (recompute still broadcasts through conv). queue may be nil, in which
// case Approve no longer enqueues a send task of its own and the caller
// is responsible for driving Send (tests exercising Send directly do
// this, for instance).
func New(backend store.Backend, conv *conversation.Engine, adapters map[model.Channel]transport.Adapter, creds CredentialLookup, broadcast conversation.Broadcaster, queue *taskqueue.Queue) *Dispatcher {
	return &Dispatcher{backend: backend, conv: conv, adapters: adapters, creds: creds, broadcast: broadcast, queue: queue}
}

// Create inserts a new outbox row in status=pending and returns its id.
func (d *Dispatcher) Create(ctx context.Context, licenseID int64, inboxRef *int64, channel model.Channel, body, recipientID, recipientEmail string, attachments []model.Attachment, replyToPlatformID string) (int64, error) {
	now := store.TimeValue(d.backend.Dialect(), time.Now().UTC())
	res, err := d.backend.Exec(ctx, `INSERT INTO outbox_messages
		(license_key_id, inbox_message_id, channel, recipient_id, recipient_email, body,
		 status, reply_to_platform_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		licenseID, inboxRef, channel, recipientID, recipientEmail, body, replyToPlatformID, now)
	if err != nil {
		return 0, fmt.Errorf("outbound: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := d.conv.Recompute(ctx, licenseID, recipientID); err != nil {
		logger.Warn("outbound: recompute after create failed", zap.Error(err))
	}
	return id, nil
}

// CreateAndApprove is the analysis orchestrator's auto-reply entry
// point: create the outbox row and approve it in one call, so the
// operator never sees an intermediate pending auto-reply.
func (d *Dispatcher) CreateAndApprove(ctx context.Context, licenseID int64, inboxID int64, channel model.Channel, recipientID, body, replyToPlatformID string) error {
	id, err := d.Create(ctx, licenseID, &inboxID, channel, body, recipientID, "", nil, replyToPlatformID)
	if err != nil {
		return err
	}
	_, err = d.Approve(ctx, licenseID, id, "")
	return err
}

// Approve moves an outbox row to status=approved and broadcasts an
// outgoing "sending" event immediately, before the background send even
// runs, so the operator sees their message appear in the chat right away.
func (d *Dispatcher) Approve(ctx context.Context, licenseID, id int64, editedBody string) (model.OutboxMessage, error) {
	if strings.TrimSpace(editedBody) != "" {
		if _, err := d.backend.Exec(ctx, `UPDATE outbox_messages SET body = ? WHERE id = ?`, editedBody, id); err != nil {
			return model.OutboxMessage{}, fmt.Errorf("outbound: approve edit: %w", err)
		}
	}

	now := store.TimeValue(d.backend.Dialect(), time.Now().UTC())
	if _, err := d.backend.Exec(ctx, `UPDATE outbox_messages SET status = 'approved', approved_at = ? WHERE id = ?`, now, id); err != nil {
		return model.OutboxMessage{}, fmt.Errorf("outbound: approve: %w", err)
	}

	msg, err := d.load(ctx, id)
	if err != nil {
		return model.OutboxMessage{}, err
	}

	if err := d.conv.Recompute(ctx, licenseID, msg.RecipientID); err != nil {
		logger.Warn("outbound: recompute after approve failed", zap.Error(err))
	}
	if d.broadcast != nil {
		d.broadcast.SendToLicense(licenseID, "message_status_update", map[string]any{
			"outbox_id": id, "status": "sending",
		})
	}
	if d.queue != nil {
		if _, err := d.queue.Enqueue(ctx, SendTaskType, SendPayload{LicenseID: licenseID, OutboxID: id}); err != nil {
			logger.Warn("outbound: enqueue send task failed", zap.Int64("outbox_id", id), zap.Error(err))
		}
	}
	return msg, nil
}

var audioTagPattern = regexp.MustCompile(`\n?\[AUDIO: ([^\]]+)\]`)

// splitAudioTag extracts the "[AUDIO: <path>]" suffix the AI orchestrator's
// TTS step appends: when present, the remaining text is the text part and
// the path the audio part, and per the distilled design text is NOT sent
// alongside audio.
func splitAudioTag(body string) (text, audioPath string) {
	loc := audioTagPattern.FindStringSubmatchIndex(body)
	if loc == nil {
		return body, ""
	}
	return strings.TrimSpace(body[:loc[0]]), body[loc[2]:loc[3]]
}

// Send performs the background send for an approved outbox row: split
// audio tag, dispatch to the channel adapter, mark sent/failed, persist
// any platform_message_id, and, when the row answers an inbox message,
// best-effort MarkRead on the recipient's chat up to the sent message.
// No emoji reaction is sent.
func (d *Dispatcher) Send(ctx context.Context, licenseID int64, id int64) error {
	msg, err := d.load(ctx, id)
	if err != nil {
		return err
	}

	adapter, ok := d.adapters[msg.Channel]
	if !ok {
		return d.markFailed(ctx, licenseID, id, fmt.Sprintf("no adapter registered for channel %s", msg.Channel))
	}
	cred, err := d.creds(ctx, licenseID, msg.Channel)
	if err != nil {
		return d.markFailed(ctx, licenseID, id, err.Error())
	}

	text, audioPath := splitAudioTag(msg.Body)

	var platformID string
	if audioPath != "" {
		res, err := adapter.SendMedia(ctx, cred, msg.RecipientID, model.Attachment{
			Type: model.AttachmentAudio, Path: audioPath,
		}, "")
		if err != nil {
			return d.markFailed(ctx, licenseID, id, err.Error())
		}
		platformID = res.PlatformMessageID
	} else {
		res, err := adapter.SendText(ctx, cred, msg.RecipientID, text, msg.ReplyToPlatformID)
		if err != nil {
			return d.markFailed(ctx, licenseID, id, err.Error())
		}
		platformID = res.PlatformMessageID
	}

	if err := d.markSent(ctx, licenseID, id, platformID); err != nil {
		return err
	}

	if msg.InboxMessageID != nil {
		// MarkRead is non-critical; any failure is swallowed so it never
		// turns a successful send into a failed one.
		_, _ = adapter.MarkRead(ctx, cred, msg.RecipientID, platformID)
	}
	return nil
}

func (d *Dispatcher) markSent(ctx context.Context, licenseID, id int64, platformMessageID string) error {
	now := store.TimeValue(d.backend.Dialect(), time.Now().UTC())
	_, err := d.backend.Exec(ctx, `UPDATE outbox_messages SET status = 'sent', sent_at = ?,
		platform_message_id = ?, delivery_status = 'sent' WHERE id = ?`, now, platformMessageID, id)
	if err != nil {
		return fmt.Errorf("outbound: mark sent: %w", err)
	}
	msg, err := d.load(ctx, id)
	if err == nil {
		if rerr := d.conv.Recompute(ctx, licenseID, msg.RecipientID); rerr != nil {
			logger.Warn("outbound: recompute after sent failed", zap.Error(rerr))
		}
	}
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, licenseID, id int64, errMsg string) error {
	now := store.TimeValue(d.backend.Dialect(), time.Now().UTC())
	_, err := d.backend.Exec(ctx, `UPDATE outbox_messages SET status = 'failed', failed_at = ?,
		error_message = ? WHERE id = ?`, now, errMsg, id)
	if err != nil {
		return fmt.Errorf("outbound: mark failed: %w", err)
	}
	msg, loadErr := d.load(ctx, id)
	if loadErr == nil {
		if rerr := d.conv.Recompute(ctx, licenseID, msg.RecipientID); rerr != nil {
			logger.Warn("outbound: recompute after failed failed", zap.Error(rerr))
		}
	}
	return apperr.New(apperr.KindTransient, "outbound send failed: "+errMsg, nil)
}

// Edit updates an outbox row's body within the edit window, preserving
// the original body on first edit only.
func (d *Dispatcher) Edit(ctx context.Context, licenseID, id int64, newBody string) error {
	msg, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	if time.Since(msg.CreatedAt) > editWindow {
		return apperr.New(apperr.KindValidation, "edit window has passed", nil)
	}

	if msg.EditCount == 0 {
		_, err = d.backend.Exec(ctx, `UPDATE outbox_messages SET original_body = body, body = ?, edit_count = edit_count + 1, edited_at = ? WHERE id = ?`,
			newBody, store.TimeValue(d.backend.Dialect(), time.Now().UTC()), id)
	} else {
		_, err = d.backend.Exec(ctx, `UPDATE outbox_messages SET body = ?, edit_count = edit_count + 1, edited_at = ? WHERE id = ?`,
			newBody, store.TimeValue(d.backend.Dialect(), time.Now().UTC()), id)
	}
	if err != nil {
		return fmt.Errorf("outbound: edit: %w", err)
	}
	if d.broadcast != nil {
		d.broadcast.SendToLicense(licenseID, "message_edited", map[string]any{"outbox_id": id, "body": newBody})
	}
	return nil
}

// SoftDeleteOutbox marks one outbox row deleted and recomputes.
func (d *Dispatcher) SoftDeleteOutbox(ctx context.Context, licenseID, id int64) error {
	msg, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	now := store.TimeValue(d.backend.Dialect(), time.Now().UTC())
	if _, err := d.backend.Exec(ctx, `UPDATE outbox_messages SET deleted_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("outbound: soft delete: %w", err)
	}
	if err := d.conv.Recompute(ctx, licenseID, msg.RecipientID); err != nil {
		logger.Warn("outbound: recompute after delete failed", zap.Error(err))
	}
	if d.broadcast != nil {
		d.broadcast.SendToLicense(licenseID, "message_deleted", map[string]any{"outbox_id": id})
	}
	return nil
}

func (d *Dispatcher) load(ctx context.Context, id int64) (model.OutboxMessage, error) {
	var m model.OutboxMessage
	var inboxRef *int64
	var createdAt string
	row := d.backend.QueryRow(ctx, `SELECT id, license_key_id, inbox_message_id, channel, recipient_id,
		body, status, edit_count, reply_to_platform_id, created_at FROM outbox_messages WHERE id = ?`, id)
	if err := row.Scan(&m.ID, &m.LicenseID, &inboxRef, &m.Channel, &m.RecipientID, &m.Body, &m.Status, &m.EditCount, &m.ReplyToPlatformID, &createdAt); err != nil {
		return model.OutboxMessage{}, fmt.Errorf("outbound: load %d: %w", id, err)
	}
	m.InboxMessageID = inboxRef
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	return m, nil
}
