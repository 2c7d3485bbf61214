// Package model defines the entities shared across the ingestion engine:
// licenses, inbox/outbox messages, the denormalized conversation
// projection, credentials, and the task queue. Names here are semantic,
// not table names — storage concerns live in internal/infra/store.
package model

import "time"

// Channel identifies a transport.
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelTelegramBot Channel = "telegram_bot"
	ChannelTelegram    Channel = "telegram" // MTProto user-account
	ChannelWhatsApp    Channel = "whatsapp"
)

// InboxStatus is the lifecycle state of an inbound message.
type InboxStatus string

const (
	InboxPending     InboxStatus = "pending"
	InboxAnalyzed    InboxStatus = "analyzed"
	InboxApproved    InboxStatus = "approved"
	InboxAutoReplied InboxStatus = "auto_replied"
	InboxSent        InboxStatus = "sent"
	InboxIgnored     InboxStatus = "ignored"
	InboxMerged      InboxStatus = "merged"
	InboxDuplicate   InboxStatus = "duplicate"
)

// Urgency is the AI-assigned urgency label.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// AttachmentType tags the kind of media an attachment carries.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
	AttachmentVoice    AttachmentType = "voice"
)

// Attachment is a tagged-variant media reference, serialized as JSON in
// storage rather than modeled as its own table.
type Attachment struct {
	Type            AttachmentType `json:"type"`
	MIME            string         `json:"mime"`
	URL             string         `json:"url,omitempty"`
	Path            string         `json:"path,omitempty"`
	Base64          string         `json:"base64,omitempty"`
	Size            int64          `json:"size"`
	PlatformMediaID string         `json:"platform_media_id,omitempty"`
}

// Glyph returns the preview substitution glyph for an attachment-only
// message body, per conversation-preview rules.
func (a Attachment) Glyph() string {
	switch a.Type {
	case AttachmentVoice:
		return "🎙️ تسجيل صوتي"
	case AttachmentImage:
		return "📷 صورة"
	case AttachmentVideo:
		return "🎥 فيديو"
	default:
		return "📁 ملف"
	}
}

// License is an opaque tenant.
type License struct {
	ID               int64
	KeyHash          string
	CompanyName      string
	ContactEmail     string
	Active           bool
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	MaxRequestsPerDay int
	RequestsToday    int
	LastRequestDate  *time.Time
}

// InboxMessage is one inbound message.
type InboxMessage struct {
	ID                    int64
	LicenseID             int64
	Channel               Channel
	ChannelMessageID      string
	SenderID              string
	SenderContact         string
	SenderName            string
	OriginalSender        string
	Subject               string
	Body                  string
	Attachments           []Attachment
	ReceivedAt            time.Time
	Status                InboxStatus
	IsRead                bool
	Intent                string
	Urgency               Urgency
	Sentiment             string
	Language              string
	Dialect               string
	AISummary             string
	AIDraftResponse       string
	PlatformMessageID     string
	PlatformStatus        string
	ReplyToPlatformID     string
	ReplyToBodyPreview    string
	ReplyToSenderName     string
	ReplyToID             *int64
	SearchVector          string
	DeletedAt             *time.Time
}

// EffectiveTimestamp is the timestamp used for ordering: received_at,
// falling back to nothing (inbox rows always have received_at set).
func (m InboxMessage) EffectiveTimestamp() time.Time { return m.ReceivedAt }

// PlaceholderDraft is the literal sentinel written while AI analysis is
// pending; the retry loop scans for it.
const PlaceholderDraft = "⏳ جاري تحليل الرسالة تلقائياً..."

// OutboxStatus is the internal lifecycle state of an outbound message.
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "pending"
	OutboxApproved OutboxStatus = "approved"
	OutboxSent     OutboxStatus = "sent"
	OutboxFailed   OutboxStatus = "failed"
)

// DeliveryStatus is the platform's view of an outbound message, distinct
// from OutboxStatus.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// OutboxMessage is one outbound message.
type OutboxMessage struct {
	ID                 int64
	LicenseID          int64
	InboxMessageID     *int64
	Channel            Channel
	RecipientID        string
	RecipientEmail     string
	Subject            string
	Body               string
	Attachments        []Attachment
	Status             OutboxStatus
	PlatformMessageID  string
	DeliveryStatus     DeliveryStatus
	OriginalBody       string
	EditCount          int
	EditedAt           *time.Time
	ErrorMessage       string
	ReplyToPlatformID  string
	ReplyToBodyPreview string
	CreatedAt          time.Time
	ApprovedAt         *time.Time
	SentAt             *time.Time
	FailedAt           *time.Time
	DeletedAt          *time.Time
}

// EffectiveTimestamp is sent_at, falling back to created_at.
func (m OutboxMessage) EffectiveTimestamp() time.Time {
	if m.SentAt != nil {
		return *m.SentAt
	}
	return m.CreatedAt
}

// Conversation is the denormalized per-(license, sender_contact) summary.
// Never authoritative; always recomputed from InboxMessage/OutboxMessage.
type Conversation struct {
	LicenseID           int64
	SenderContact       string
	LastMessageID       int64
	LastMessageBody     string
	LastMessageAISummary string
	LastMessageAt       time.Time
	Channel             Channel
	SenderName          string
	Status              InboxStatus
	UnreadCount         int
	MessageCount        int
	UpdatedAt           time.Time
}

// CredentialKind distinguishes per-transport credential records.
type CredentialKind string

const (
	CredentialEmail       CredentialKind = "email"
	CredentialTelegramBot CredentialKind = "telegram_bot"
	CredentialTelegram    CredentialKind = "telegram"
	CredentialWhatsApp    CredentialKind = "whatsapp"
)

// Credential is an encrypted per-license, per-transport credential blob.
// Field usage is transport-specific; unused fields stay zero.
type Credential struct {
	LicenseID int64
	Kind      CredentialKind

	// email
	OAuthAccessToken  string
	OAuthRefreshToken string
	LastCheckedAt     *time.Time
	AutoReplyEnabled  bool
	CheckIntervalSec  int

	// telegram_bot
	BotToken    string
	BotUsername string

	// telegram (MTProto)
	SessionString string
	TelegramUserID int64
	Phone          string

	// whatsapp
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	AppSecret     string

	Active bool
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskLeased  TaskStatus = "leased"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskQueueEntry is one row of the at-least-once task queue.
type TaskQueueEntry struct {
	ID             int64
	TaskType       string
	Payload        []byte // opaque JSON
	Status         TaskStatus
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  time.Time
	LeasedBy       string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
	LastError      string
}

// RateLimitCounter identifies a per-license rate window.
type RateLimitCounter struct {
	LicenseID int64
	Window    string // "daily" or "minute"
	Count     int
	ExpiresAt time.Time
}
