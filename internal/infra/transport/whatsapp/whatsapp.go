// Package whatsapp adapts the WhatsApp Business Cloud API into a
// transport.Adapter, grounded directly on
// original_source/services/whatsapp_service.py: the same webhook verify
// flow (hub.verify_token compare), the same HMAC-SHA256 signature check,
// the same entry/changes/value payload shape, and the same two-step media
// download handshake.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/transport"
)

const apiBase = "https://graph.facebook.com/v18.0"

// Adapter implements transport.Adapter over one license's WhatsApp
// Business phone number.
type Adapter struct {
	httpClient *http.Client
}

// New builds an Adapter.
func New() *Adapter {
	return &Adapter{httpClient: http.DefaultClient}
}

func (a *Adapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, excludeIDs map[string]struct{}) ([]transport.NormalizedMessage, error) {
	return nil, transport.ErrUnsupported{Channel: model.ChannelWhatsApp, Operation: "FetchNew"}
}

type sendPayload struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type,omitempty"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *sendTextBody  `json:"text,omitempty"`
	Context          *sendReplyCtx  `json:"context,omitempty"`
}

type sendTextBody struct {
	Body string `json:"body"`
}

type sendReplyCtx struct {
	MessageID string `json:"message_id"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (a *Adapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyToPlatformID string) (transport.SendResult, error) {
	payload := sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             &sendTextBody{Body: text},
	}
	if replyToPlatformID != "" {
		payload.Context = &sendReplyCtx{MessageID: replyToPlatformID}
	}
	return a.post(ctx, cred, payload)
}

func (a *Adapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	typeName := waMediaType(att.Type)
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              typeName,
		typeName: map[string]any{
			"link":    att.URL,
			"caption": caption,
		},
	}
	return a.post(ctx, cred, body)
}

func waMediaType(t model.AttachmentType) string {
	switch t {
	case model.AttachmentImage:
		return "image"
	case model.AttachmentAudio, model.AttachmentVoice:
		return "audio"
	case model.AttachmentVideo:
		return "video"
	default:
		return "document"
	}
}

func (a *Adapter) post(ctx context.Context, cred model.Credential, payload any) (transport.SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return transport.SendResult{}, err
	}
	url := fmt.Sprintf("%s/%s/messages", apiBase, cred.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return transport.SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return transport.SendResult{}, apperr.New(apperr.KindTransient, "whatsapp send", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transport.SendResult{}, apperr.New(apperr.KindTransient, fmt.Sprintf("whatsapp status %d", resp.StatusCode), nil)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transport.SendResult{}, err
	}
	if len(out.Messages) == 0 {
		return transport.SendResult{}, apperr.New(apperr.KindTransient, "whatsapp send: empty response", nil)
	}
	return transport.SendResult{PlatformMessageID: out.Messages[0].ID}, nil
}

// MarkRead sends a read receipt. The mark-as-read response carries no
// "messages" array, so it is posted directly rather than through post,
// which expects one.
func (a *Adapter) MarkRead(ctx context.Context, cred model.Credential, chat string, upToID string) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        upToID,
	})
	if err != nil {
		return false, err
	}
	url := fmt.Sprintf("%s/%s/messages", apiBase, cred.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, apperr.New(apperr.KindTransient, "whatsapp mark read", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// VerifyWebhook checks the hub.verify_token handshake Meta performs
// against the subscription callback.
func VerifyWebhook(mode, token, challenge, expectedToken string) (string, bool) {
	if mode == "subscribe" && token == expectedToken {
		return challenge, true
	}
	return "", false
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// body using the per-license app secret.
func VerifySignature(payload []byte, signatureHeader, appSecret string) bool {
	if appSecret == "" {
		return true
	}
	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []waMessage `json:"messages"`
				Statuses []waStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Audio struct {
		ID    string `json:"id"`
		Voice bool   `json:"voice"`
	} `json:"audio"`
	Document struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
	} `json:"document"`
	Button struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type waStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Recipient string `json:"recipient_id"`
	Timestamp string `json:"timestamp"`
}

func (a *Adapter) ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (transport.ParsedWebhook, error) {
	var decoded webhookPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return transport.ParsedWebhook{}, apperr.New(apperr.KindValidation, "decode whatsapp webhook", err)
	}

	var result transport.ParsedWebhook
	for _, entry := range decoded.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			var senderName, waID string
			if len(v.Contacts) > 0 {
				senderName = v.Contacts[0].Profile.Name
				waID = v.Contacts[0].WaID
			}
			for _, m := range v.Messages {
				result.Messages = append(result.Messages, normalizeMessage(m, senderName, waID))
			}
			for _, s := range v.Statuses {
				result.Statuses = append(result.Statuses, normalizeStatus(s))
			}
		}
	}
	return result, nil
}

func normalizeMessage(m waMessage, senderName, waID string) transport.NormalizedMessage {
	body, attachments := bodyAndAttachments(m)
	ts, _ := strconv.ParseInt(m.Timestamp, 10, 64)

	return transport.NormalizedMessage{
		Channel:          model.ChannelWhatsApp,
		ChannelMessageID: m.ID,
		SenderID:         m.From,
		SenderContact:    m.From,
		SenderName:       senderName,
		Body:             body,
		Attachments:      attachments,
		ReceivedAt:       time.Unix(ts, 0).UTC(),
	}
}

func bodyAndAttachments(m waMessage) (string, []model.Attachment) {
	switch m.Type {
	case "text":
		return m.Text.Body, nil
	case "image":
		return "📷 صورة", []model.Attachment{{Type: model.AttachmentImage, PlatformMediaID: m.Image.ID}}
	case "audio":
		typ := model.AttachmentAudio
		label := "🎵 ملف صوتي"
		if m.Audio.Voice {
			typ = model.AttachmentVoice
			label = "🎙️ تسجيل صوتي"
		}
		return label, []model.Attachment{{Type: typ, PlatformMediaID: m.Audio.ID}}
	case "document":
		return fmt.Sprintf("📁 مستند: %s", orDefault(m.Document.Filename, "ملف")), []model.Attachment{{Type: model.AttachmentDocument, PlatformMediaID: m.Document.ID, Path: m.Document.Filename}}
	case "button":
		return m.Button.Text, nil
	case "interactive":
		if m.Interactive.Type == "button_reply" {
			return m.Interactive.ButtonReply.Title, nil
		}
		return m.Interactive.ListReply.Title, nil
	default:
		return "[" + m.Type + "]", nil
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func normalizeStatus(s waStatus) transport.DeliveryStatusEvent {
	ts, _ := strconv.ParseInt(s.Timestamp, 10, 64)
	return transport.DeliveryStatusEvent{
		PlatformMessageID: s.ID,
		Status:            model.DeliveryStatus(s.Status),
		OccurredAt:        time.Unix(ts, 0).UTC(),
	}
}

func (a *Adapter) PollReceipts(ctx context.Context, cred model.Credential, outstandingPlatformIDs []string) (map[string]model.DeliveryStatus, error) {
	return nil, transport.ErrUnsupported{Channel: model.ChannelWhatsApp, Operation: "PollReceipts"}
}

// DownloadMedia performs the two-step handshake: resolve the media id to
// a signed URL, then fetch the bytes.
func (a *Adapter) DownloadMedia(ctx context.Context, cred model.Credential, mediaID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/"+mediaID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "whatsapp media lookup", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindTransient, fmt.Sprintf("whatsapp media lookup status %d", resp.StatusCode), nil)
	}

	var info struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}

	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, err
	}
	fileReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	fileResp, err := a.httpClient.Do(fileReq)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "whatsapp media download", err)
	}
	defer fileResp.Body.Close()
	if fileResp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindTransient, fmt.Sprintf("whatsapp media download status %d", fileResp.StatusCode), nil)
	}

	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 32*1024)
	for {
		n, readErr := fileResp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return buf, nil
}
