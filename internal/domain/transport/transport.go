// Package transport defines the contract every inbound/outbound channel
// adapter implements (email, telegram bot, telegram user, whatsapp), and
// the wire-agnostic message shapes that flow through the scheduler,
// filter chain, and burst grouper. Grounded on the distilled adapter
// contract (fetch_new/send_text/send_media/mark_read/parse_webhook/
// poll_receipts), shaped as a Go interface the way the teacher's
// internal/adapters/telegram package wraps gotd/td behind a narrower
// application-facing interface.
package transport

import (
	"context"
	"time"

	"github.com/almudeer/engine/internal/domain/model"
)

// NormalizedMessage is the adapter-agnostic shape of one inbound message,
// identical to model.InboxMessage minus the identity/lifecycle fields a
// transport adapter cannot know about.
type NormalizedMessage struct {
	Channel           model.Channel
	ChannelMessageID  string
	SenderID          string
	SenderContact     string
	SenderName        string
	OriginalSender    string
	Subject           string
	Body              string
	Attachments       []model.Attachment
	ReceivedAt        time.Time
	ReplyToPlatformID string
}

// DeliveryStatusEvent reports a platform's view of a previously sent
// outbound message, surfaced by push adapters via parse_webhook or pull
// adapters via PollReceipts.
type DeliveryStatusEvent struct {
	PlatformMessageID string
	Status            model.DeliveryStatus
	OccurredAt        time.Time
}

// SendResult is returned by SendText/SendMedia.
type SendResult struct {
	PlatformMessageID string
}

// ParsedWebhook is the union result of ParseWebhook: exactly one of
// Messages or Statuses is populated for any given payload in practice,
// but both are returned so a single webhook body carrying a mix (as
// WhatsApp's does) is handled without a second parse pass.
type ParsedWebhook struct {
	Messages []NormalizedMessage
	Statuses []DeliveryStatusEvent
}

// Adapter is the common contract every channel implements. Poll-based
// channels (email, telegram-user catch-up) implement FetchNew; push-based
// channels (telegram-bot, whatsapp) implement ParseWebhook. An adapter
// that doesn't support an operation returns ErrUnsupported.
type Adapter interface {
	// FetchNew returns inbound messages newer than sinceHours, excluding
	// any channel message id present in excludeIDs, capped at limit.
	FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, excludeIDs map[string]struct{}) ([]NormalizedMessage, error)

	// SendText delivers a plain-text reply, optionally threaded to
	// replyToPlatformID.
	SendText(ctx context.Context, cred model.Credential, recipient, text, replyToPlatformID string) (SendResult, error)

	// SendMedia delivers a single attachment, with an optional caption in
	// att's absence of a dedicated text field.
	SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (SendResult, error)

	// MarkRead acknowledges messages up to and including upToID.
	MarkRead(ctx context.Context, cred model.Credential, chat string, upToID string) (bool, error)

	// ParseWebhook decodes one push payload into normalized messages
	// and/or delivery-status events.
	ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (ParsedWebhook, error)

	// PollReceipts reports delivery status for previously sent messages,
	// for channels (telegram-user) with no push delivery receipts.
	PollReceipts(ctx context.Context, cred model.Credential, outstandingPlatformIDs []string) (map[string]model.DeliveryStatus, error)
}

// ErrUnsupported is returned by an adapter method the channel does not
// implement (e.g. FetchNew on a push-only channel).
type ErrUnsupported struct {
	Channel   model.Channel
	Operation string
}

func (e ErrUnsupported) Error() string {
	return string(e.Channel) + ": " + e.Operation + " not supported"
}
