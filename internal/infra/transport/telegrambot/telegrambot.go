// Package telegrambot adapts the Telegram Bot API (webhook-driven) into a
// transport.Adapter, grounded on blinklabs-io-adder's output/telegram
// package for the go-telegram/bot wiring (bot.New, SendMessageParams),
// generalized from that package's single-fixed-chat fire-and-forget
// sender into a per-recipient, webhook-receiving adapter.
package telegrambot

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/transport"
)

const maxInlineMediaBytes = 5 * 1024 * 1024

// Adapter implements transport.Adapter across every license's bot token.
// Unlike a single fixed-token sender, one license's credential carries its
// own bot token, so the bot.Bot client is built per-token and cached
// rather than held as one shared field.
type Adapter struct {
	mu      sync.Mutex
	clients map[string]*bot.Bot
}

// New builds an Adapter with an empty client cache.
func New() *Adapter {
	return &Adapter{clients: make(map[string]*bot.Bot)}
}

func (a *Adapter) clientFor(cred model.Credential) (*bot.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[cred.BotToken]; ok {
		return c, nil
	}
	c, err := bot.New(cred.BotToken)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "telegram bot: invalid token", err)
	}
	a.clients[cred.BotToken] = c
	return c, nil
}

func (a *Adapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, excludeIDs map[string]struct{}) ([]transport.NormalizedMessage, error) {
	return nil, transport.ErrUnsupported{Channel: model.ChannelTelegramBot, Operation: "FetchNew"}
}

func (a *Adapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyToPlatformID string) (transport.SendResult, error) {
	client, err := a.clientFor(cred)
	if err != nil {
		return transport.SendResult{}, err
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return transport.SendResult{}, apperr.New(apperr.KindValidation, "recipient is not a chat id", err)
	}

	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if replyToPlatformID != "" {
		if replyID, err := strconv.Atoi(replyToPlatformID); err == nil {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyID}
		}
	}

	msg, err := client.SendMessage(ctx, params)
	if err != nil {
		return transport.SendResult{}, apperr.New(apperr.KindTransient, "telegram bot send", err)
	}
	return transport.SendResult{PlatformMessageID: strconv.Itoa(msg.ID)}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	client, err := a.clientFor(cred)
	if err != nil {
		return transport.SendResult{}, err
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return transport.SendResult{}, apperr.New(apperr.KindValidation, "recipient is not a chat id", err)
	}

	var msg *models.Message
	switch att.Type {
	case model.AttachmentImage:
		msg, err = client.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID, Photo: &models.InputFileString{Data: att.URL}, Caption: caption,
		})
	case model.AttachmentVoice:
		msg, err = client.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: chatID, Voice: &models.InputFileString{Data: att.URL}, Caption: caption,
		})
	case model.AttachmentVideo:
		msg, err = client.SendVideo(ctx, &bot.SendVideoParams{
			ChatID: chatID, Video: &models.InputFileString{Data: att.URL}, Caption: caption,
		})
	default:
		msg, err = client.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: chatID, Document: &models.InputFileString{Data: att.URL}, Caption: caption,
		})
	}
	if err != nil {
		return transport.SendResult{}, apperr.New(apperr.KindTransient, "telegram bot send media", err)
	}
	return transport.SendResult{PlatformMessageID: strconv.Itoa(msg.ID)}, nil
}

func (a *Adapter) MarkRead(ctx context.Context, cred model.Credential, chat string, upToID string) (bool, error) {
	// The Bot API has no explicit read-receipt call; messages are
	// considered read once delivered.
	return true, nil
}

// ParseWebhook decodes one Telegram update, ignoring messages from bots
// (including our own username) per the ingestion design.
func (a *Adapter) ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (transport.ParsedWebhook, error) {
	var update models.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return transport.ParsedWebhook{}, apperr.New(apperr.KindValidation, "decode telegram webhook", err)
	}
	if update.Message == nil {
		return transport.ParsedWebhook{}, nil
	}
	msg := update.Message
	if msg.From == nil {
		return transport.ParsedWebhook{}, nil
	}
	if msg.From.IsBot || msg.From.Username == cred.BotUsername {
		return transport.ParsedWebhook{}, nil
	}

	norm := transport.NormalizedMessage{
		Channel:          model.ChannelTelegramBot,
		ChannelMessageID: strconv.Itoa(msg.ID),
		SenderID:         strconv.FormatInt(msg.From.ID, 10),
		SenderContact:    strconv.FormatInt(msg.Chat.ID, 10),
		SenderName:       fullName(msg.From),
		Body:             msg.Text,
		ReceivedAt:       time.Unix(int64(msg.Date), 0).UTC(),
	}
	norm.Attachments = extractAttachments(msg)
	if msg.ReplyToMessage != nil {
		norm.ReplyToPlatformID = strconv.Itoa(msg.ReplyToMessage.ID)
	}

	return transport.ParsedWebhook{Messages: []transport.NormalizedMessage{norm}}, nil
}

func (a *Adapter) PollReceipts(ctx context.Context, cred model.Credential, outstandingPlatformIDs []string) (map[string]model.DeliveryStatus, error) {
	return nil, transport.ErrUnsupported{Channel: model.ChannelTelegramBot, Operation: "PollReceipts"}
}

func fullName(u *models.User) string {
	if u == nil {
		return ""
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

func extractAttachments(msg *models.Message) []model.Attachment {
	var out []model.Attachment
	switch {
	case len(msg.Photo) > 0:
		p := msg.Photo[len(msg.Photo)-1]
		if p.FileSize <= maxInlineMediaBytes {
			out = append(out, model.Attachment{Type: model.AttachmentImage, PlatformMediaID: p.FileID, Size: int64(p.FileSize)})
		}
	case msg.Voice != nil && msg.Voice.FileSize <= maxInlineMediaBytes:
		out = append(out, model.Attachment{Type: model.AttachmentVoice, MIME: msg.Voice.MimeType, PlatformMediaID: msg.Voice.FileID, Size: int64(msg.Voice.FileSize)})
	case msg.Video != nil && msg.Video.FileSize <= maxInlineMediaBytes:
		out = append(out, model.Attachment{Type: model.AttachmentVideo, MIME: msg.Video.MimeType, PlatformMediaID: msg.Video.FileID, Size: int64(msg.Video.FileSize)})
	case msg.Document != nil && msg.Document.FileSize <= maxInlineMediaBytes:
		out = append(out, model.Attachment{Type: model.AttachmentDocument, MIME: msg.Document.MimeType, PlatformMediaID: msg.Document.FileID, Size: int64(msg.Document.FileSize)})
	}
	return out
}

