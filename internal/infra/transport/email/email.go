// Package email adapts Gmail into a transport.Adapter: OAuth2 token
// refresh, REST message listing/fetch, RFC 5322 MIME construction for
// replies. No official Gmail SDK appears anywhere in the example corpus,
// so the wire calls are hand-rolled over net/http and encoding/json,
// matching the teacher's own hand-rolled MTProto plumbing rather than
// pulling in a heavier generated client for a handful of endpoints.
package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/oauth2"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/transport"
)

const (
	gmailAPIBase      = "https://www.googleapis.com/gmail/v1/users/me"
	maxAttachmentSize = 20 * 1024 * 1024
	maxPreviewSize    = 200 * 1024
)

// Adapter implements transport.Adapter over one license's Gmail OAuth2
// credential.
type Adapter struct {
	oauthConfig   *oauth2.Config
	httpClient    *http.Client
	verifiedAddr  string
	sanitizer     *bluemonday.Policy
}

// New builds an Adapter. verifiedAddress is the mailbox's own address,
// used as the From header of sent mail.
func New(oauthConfig *oauth2.Config, verifiedAddress string) *Adapter {
	return &Adapter{
		oauthConfig:  oauthConfig,
		httpClient:   http.DefaultClient,
		verifiedAddr: verifiedAddress,
		sanitizer:    bluemonday.StrictPolicy(),
	}
}

func (a *Adapter) tokenSource(cred model.Credential) oauth2.TokenSource {
	tok := &oauth2.Token{
		AccessToken:  cred.OAuthAccessToken,
		RefreshToken: cred.OAuthRefreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force a refresh check on first use
	}
	return a.oauthConfig.TokenSource(context.Background(), tok)
}

type gmailMessageListResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// FetchNew lists then fetches messages newer than sinceHours, excluding
// ids already seen. The caller passes its backfill window on a first
// poll and the time since last_checked_at afterwards.
func (a *Adapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, excludeIDs map[string]struct{}) ([]transport.NormalizedMessage, error) {
	ts := a.tokenSource(cred)

	afterUnix := time.Now().Add(-time.Duration(sinceHours * float64(time.Hour))).Unix()
	query := fmt.Sprintf("after:%d", afterUnix)

	listURL := fmt.Sprintf("%s/messages?q=%s&maxResults=%d", gmailAPIBase, query, limit)
	var list gmailMessageListResponse
	if err := a.doJSON(ctx, ts, http.MethodGet, listURL, nil, &list); err != nil {
		return nil, err
	}

	var out []transport.NormalizedMessage
	for _, ref := range list.Messages {
		if _, skip := excludeIDs[ref.ID]; skip {
			continue
		}
		msg, err := a.fetchOne(ctx, ts, ref.ID)
		if err != nil {
			continue
		}
		if strings.EqualFold(msg.SenderContact, a.verifiedAddr) {
			// Self-sent message: returned like any other. Neither this
			// adapter nor its caller marks it as outbound-sync.
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type gmailMessage struct {
	ID      string `json:"id"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		MimeType string `json:"mimeType"`
		Body     struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
			Filename string `json:"filename"`
		} `json:"parts"`
	} `json:"payload"`
	InternalDate string `json:"internalDate"`
}

func (a *Adapter) fetchOne(ctx context.Context, ts oauth2.TokenSource, id string) (transport.NormalizedMessage, error) {
	url := fmt.Sprintf("%s/messages/%s?format=full", gmailAPIBase, id)
	var raw gmailMessage
	if err := a.doJSON(ctx, ts, http.MethodGet, url, nil, &raw); err != nil {
		return transport.NormalizedMessage{}, err
	}
	return a.normalize(raw), nil
}

func header(raw gmailMessage, name string) string {
	for _, h := range raw.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (a *Adapter) normalize(raw gmailMessage) transport.NormalizedMessage {
	body, attachments := a.extractBody(raw)

	internalMS, _ := strconv.ParseInt(raw.InternalDate, 10, 64)
	receivedAt := time.UnixMilli(internalMS).UTC()

	from := header(raw, "From")

	return transport.NormalizedMessage{
		Channel:           model.ChannelEmail,
		ChannelMessageID:  raw.ID,
		SenderContact:     extractAddress(from),
		SenderName:        extractDisplayName(from),
		Subject:           header(raw, "Subject"),
		Body:              body,
		Attachments:       attachments,
		ReceivedAt:        receivedAt,
		ReplyToPlatformID: header(raw, "In-Reply-To"),
	}
}

func (a *Adapter) extractBody(raw gmailMessage) (string, []model.Attachment) {
	var textParts []string
	var attachments []model.Attachment

	decode := func(data string) string {
		out, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
		if err != nil {
			return ""
		}
		return string(out)
	}

	if raw.Payload.Body.Data != "" {
		textParts = append(textParts, decode(raw.Payload.Body.Data))
	}
	for _, p := range raw.Payload.Parts {
		switch {
		case strings.HasPrefix(p.MimeType, "text/"):
			textParts = append(textParts, decode(p.Body.Data))
		case p.Filename != "":
			att := model.Attachment{
				Type: attachmentTypeFor(p.MimeType),
				MIME: p.MimeType,
				Path: p.Filename,
			}
			if data := decodeRaw(p.Body.Data); len(data) > 0 && len(data) <= maxAttachmentSize {
				if att.Type == model.AttachmentImage && len(data) <= maxPreviewSize {
					att.Base64 = base64.StdEncoding.EncodeToString(data)
				}
				att.Size = int64(len(data))
			}
			attachments = append(attachments, att)
		}
	}

	body := strings.Join(textParts, "\n")
	if strings.Contains(strings.ToLower(body), "<html") || strings.Contains(body, "</") {
		body = a.sanitizer.Sanitize(body)
	}
	return body, attachments
}

func decodeRaw(data string) []byte {
	out, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		return nil
	}
	return out
}

func attachmentTypeFor(mime string) model.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return model.AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return model.AttachmentVideo
	default:
		return model.AttachmentDocument
	}
}

func extractAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		addr := strings.TrimSuffix(from[i+1:], ">")
		return strings.TrimSpace(addr)
	}
	return strings.TrimSpace(from)
}

func extractDisplayName(from string) string {
	if i := strings.Index(from, "<"); i >= 0 {
		return strings.Trim(strings.TrimSpace(from[:i]), `"`)
	}
	return ""
}

// SendText builds an RFC 5322 MIME envelope and delivers it via
// messages.send, preserving threading headers on reply.
func (a *Adapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyToPlatformID string) (transport.SendResult, error) {
	raw := buildMIME(a.verifiedAddr, recipient, "", text, replyToPlatformID)
	return a.send(ctx, cred, raw)
}

func (a *Adapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	raw := buildMIME(a.verifiedAddr, recipient, "", caption, "")
	return a.send(ctx, cred, raw)
}

func buildMIME(from, to, subject, body, inReplyTo string) []byte {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	buf.WriteString("From: " + from + "\r\n")
	buf.WriteString("To: " + to + "\r\n")
	if subject != "" {
		buf.WriteString("Subject: " + subject + "\r\n")
	}
	if inReplyTo != "" {
		buf.WriteString("In-Reply-To: " + inReplyTo + "\r\n")
		buf.WriteString("References: " + inReplyTo + "\r\n")
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: multipart/mixed; boundary=" + mw.Boundary() + "\r\n\r\n")

	part, _ := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	_, _ = part.Write([]byte(body))
	_ = mw.Close()

	return buf.Bytes()
}

type sendRequest struct {
	Raw string `json:"raw"`
}

type sendResponse struct {
	ID string `json:"id"`
}

func (a *Adapter) send(ctx context.Context, cred model.Credential, raw []byte) (transport.SendResult, error) {
	ts := a.tokenSource(cred)
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	var resp sendResponse
	err := a.doJSON(ctx, ts, http.MethodPost, gmailAPIBase+"/messages/send", sendRequest{Raw: encoded}, &resp)
	if err != nil {
		return transport.SendResult{}, err
	}
	return transport.SendResult{PlatformMessageID: resp.ID}, nil
}

func (a *Adapter) MarkRead(ctx context.Context, cred model.Credential, chat string, upToID string) (bool, error) {
	ts := a.tokenSource(cred)
	body := map[string]any{"removeLabelIds": []string{"UNREAD"}}
	url := fmt.Sprintf("%s/messages/%s/modify", gmailAPIBase, upToID)
	if err := a.doJSON(ctx, ts, http.MethodPost, url, body, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (transport.ParsedWebhook, error) {
	return transport.ParsedWebhook{}, transport.ErrUnsupported{Channel: model.ChannelEmail, Operation: "ParseWebhook"}
}

func (a *Adapter) PollReceipts(ctx context.Context, cred model.Credential, outstandingPlatformIDs []string) (map[string]model.DeliveryStatus, error) {
	return nil, transport.ErrUnsupported{Channel: model.ChannelEmail, Operation: "PollReceipts"}
}

// doJSON performs one authenticated Gmail REST call, refreshing the
// token and retrying once on 401.
func (a *Adapter) doJSON(ctx context.Context, ts oauth2.TokenSource, method, url string, body any, out any) error {
	do := func() (*http.Response, error) {
		tok, err := ts.Token()
		if err != nil {
			return nil, apperr.New(apperr.KindAuthInvalid, "oauth2 token", err)
		}

		var reader *bytes.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(encoded)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		return a.httpClient.Do(req)
	}

	resp, err := do()
	if err != nil {
		return apperr.New(apperr.KindTransient, "gmail request", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		// ts caches the rejected token until its expiry; rebuild it from
		// the refresh token alone so the retry goes out with a fresh one.
		if tok, tokErr := ts.Token(); tokErr == nil && tok.RefreshToken != "" {
			ts = a.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
		}
		resp, err = do()
		if err != nil {
			return apperr.New(apperr.KindTransient, "gmail request retry", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperr.New(apperr.KindTransient, fmt.Sprintf("gmail status %d", resp.StatusCode), nil)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
