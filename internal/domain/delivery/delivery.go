// Package delivery reconciles platform delivery receipts (sent,
// delivered, read, failed) against outbox rows (C12).
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
	"go.uber.org/zap"
)

// statusOrder is the monotonic progression a delivery status must
// respect. "failed" sits outside the ladder: it is always terminal and
// always written regardless of the current status.
var statusOrder = map[model.DeliveryStatus]int{
	model.DeliverySent:      1,
	model.DeliveryDelivered: 2,
	model.DeliveryRead:      3,
}

// Reconciler applies delivery-status webhook/poll events to outbox rows.
type Reconciler struct {
	backend store.Backend
	conv    *conversation.Engine
}

// New builds a Reconciler.
func New(backend store.Backend, conv *conversation.Engine) *Reconciler {
	return &Reconciler{backend: backend, conv: conv}
}

// UpdateStatus applies a delivery-status transition by platform message
// ID. Returns (false, nil) when no matching outbox row exists — the
// caller (a webhook handler) still responds 200 in that case.
func (r *Reconciler) UpdateStatus(ctx context.Context, platformMessageID string, status model.DeliveryStatus, occurredAt time.Time) (bool, error) {
	var outboxID, licenseID int64
	var inboxMessageID *int64
	var currentRaw sql.NullString
	var recipientEmail, recipientID sql.NullString

	row := r.backend.QueryRow(ctx, `SELECT id, license_key_id, inbox_message_id, delivery_status,
		recipient_email, recipient_id FROM outbox_messages WHERE platform_message_id = ?`, platformMessageID)
	if err := row.Scan(&outboxID, &licenseID, &inboxMessageID, &currentRaw, &recipientEmail, &recipientID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("delivery: lookup %s: %w", platformMessageID, err)
	}
	current := model.DeliveryStatus(currentRaw.String)

	if status != model.DeliveryFailed {
		currentOrder := statusOrder[current]
		newOrder, known := statusOrder[status]
		if !known {
			return true, nil
		}
		if newOrder <= currentOrder {
			return true, nil
		}
	}

	if _, err := r.backend.Exec(ctx, `UPDATE outbox_messages SET delivery_status = ? WHERE id = ?`, status, outboxID); err != nil {
		return false, fmt.Errorf("delivery: update %d: %w", outboxID, err)
	}

	senderContact := r.resolveSenderContact(ctx, inboxMessageID, recipientEmail, recipientID)
	if senderContact != "" && r.conv != nil {
		if err := r.conv.Recompute(ctx, licenseID, senderContact); err != nil {
			logger.Warn("delivery: recompute after status update failed", zap.Error(err))
		}
	}

	logger.Debug("delivery: status updated", zap.Int64("outbox_id", outboxID),
		zap.String("from", string(current)), zap.String("to", string(status)))
	return true, nil
}

func (r *Reconciler) resolveSenderContact(ctx context.Context, inboxMessageID *int64, recipientEmail, recipientID sql.NullString) string {
	if inboxMessageID != nil {
		var contact string
		row := r.backend.QueryRow(ctx, `SELECT sender_contact FROM inbox_messages WHERE id = ?`, *inboxMessageID)
		if err := row.Scan(&contact); err == nil && contact != "" {
			return contact
		}
	}
	if recipientEmail.Valid && recipientEmail.String != "" {
		return recipientEmail.String
	}
	return recipientID.String
}

// DeliveryIcon maps a delivery status and platform to the UI indicator
// the operator console renders next to a sent message.
func DeliveryIcon(status model.DeliveryStatus, platform model.Channel) string {
	switch platform {
	case model.ChannelWhatsApp:
		switch status {
		case model.DeliverySent:
			return "single_gray"
		case model.DeliveryDelivered:
			return "double_gray"
		case model.DeliveryRead:
			return "double_blue"
		case model.DeliveryFailed:
			return "failed"
		default:
			return "single_gray"
		}
	case model.ChannelTelegram, model.ChannelTelegramBot:
		switch status {
		case model.DeliveryRead:
			return "double_check"
		case model.DeliveryFailed:
			return "failed"
		default:
			return "single_check"
		}
	default:
		if status == model.DeliveryRead {
			return "double_check"
		}
		return "single_check"
	}
}

// ReceiptPoller fetches the current delivery status of each outstanding
// platform message ID, typically by closing over an adapter's
// PollReceipts and credential; the adapter is typed loosely via this
// closure so this package doesn't import transport directly.
type ReceiptPoller func(ctx context.Context, outstandingPlatformIDs []string) (map[string]model.DeliveryStatus, error)

// PollOutstanding fetches the platform message IDs of a license's outbox
// rows on channel that are still short of a terminal delivery status and
// applies the poller's results.
func (r *Reconciler) PollOutstanding(ctx context.Context, licenseID int64, channel model.Channel, poll ReceiptPoller) error {
	rows, err := r.backend.Query(ctx, `SELECT platform_message_id FROM outbox_messages
		WHERE license_key_id = ? AND channel = ? AND platform_message_id IS NOT NULL
		AND platform_message_id != '' AND delivery_status != 'read' AND delivery_status != 'failed'`,
		licenseID, channel)
	if err != nil {
		return fmt.Errorf("delivery: list outstanding: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("delivery: scan outstanding: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	statuses, err := poll(ctx, ids)
	if err != nil {
		return fmt.Errorf("delivery: poll receipts: %w", err)
	}
	for platformID, status := range statuses {
		if _, err := r.UpdateStatus(ctx, platformID, status, time.Now().UTC()); err != nil {
			logger.Warn("delivery: apply polled status failed", zap.String("platform_id", platformID), zap.Error(err))
		}
	}
	return nil
}
