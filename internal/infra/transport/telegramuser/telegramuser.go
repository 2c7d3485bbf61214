// Package telegramuser adapts an MTProto user account (gotd/td) into a
// transport.Adapter. Carries forward the teacher's peersmgr.Service
// (gotd/contrib bbolt peer storage) wholesale: the four-step entity
// resolution fallback below is built on peersmgr.Service's
// InputPeerByKind, LookupPeer and RefreshDialogs, resolving against
// sender_contact alias sets.
// Grounded on internal/adapters/telegram/notifier/client_sender.go for
// the send-message shape (random_id, tgerr classification)
// and internal/infra/telegram/peersmgr/manager.go for peer resolution.
package telegramuser

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/transport"
	"github.com/almudeer/engine/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// AliasResolver looks up a previously observed (kind, id) pair for a
// sender_contact alias, the third step of entity resolution.
type AliasResolver func(ctx context.Context, senderContact string) (kind peersmgr.DialogKind, id int64, ok bool)

// loginState tracks an in-flight phone-code login, keyed by phone number.
// Resolves Open Question 1 (original_source's "_pending_logins" had no
// visible definition): a sync.Map matches the observed pop-on-expiry
// usage without needing a fixed-size struct field per concurrent login.
type loginState struct {
	PhoneCodeHash string
	RequestedAt   time.Time
}

// Adapter implements transport.Adapter over one license's MTProto session.
type Adapter struct {
	api      *tg.Client
	peers    *peersmgr.Service
	resolver AliasResolver

	pendingLogins sync.Map // phone string -> *loginState
}

// New builds an Adapter over an already-authenticated client and its
// peer-resolution service.
func New(api *tg.Client, peers *peersmgr.Service, resolver AliasResolver) *Adapter {
	return &Adapter{api: api, peers: peers, resolver: resolver}
}

// resolveInputPeer is the four-step fallback: direct by-id, stored
// access-hash, DB alias lookup, dialog scan with cache update.
func (a *Adapter) resolveInputPeer(ctx context.Context, senderContact string) (tg.InputPeerClass, error) {
	// Step 1: direct by-id, when the contact string is itself a numeric
	// Telegram user id.
	if id, err := strconv.ParseInt(senderContact, 10, 64); err == nil {
		if peer, err := a.peers.InputPeerByKind(ctx, "user", id); err == nil {
			return peer, nil
		}
	}

	// Step 2: stored access-hash lookup via the bbolt-backed peer store,
	// tried for user/chat/channel in turn.
	for _, kind := range []peersmgr.DialogKind{peersmgr.DialogKindUser, peersmgr.DialogKindChat, peersmgr.DialogKindChannel} {
		if id, err := strconv.ParseInt(senderContact, 10, 64); err == nil {
			if _, found, err := a.peers.LookupPeer(ctx, kind, id); err == nil && found {
				if peer, err := a.peers.InputPeerByKind(ctx, string(kind), id); err == nil {
					return peer, nil
				}
			}
		}
	}

	// Step 3: DB alias lookup, for contacts identified by something other
	// than a raw numeric id (username, email-shaped alias, etc.).
	if a.resolver != nil {
		if kind, id, ok := a.resolver(ctx, senderContact); ok {
			if peer, err := a.peers.InputPeerByKind(ctx, string(kind), id); err == nil {
				return peer, nil
			}
		}
	}

	// Step 4: dialog scan with cache update, the expensive last resort.
	if err := a.peers.RefreshDialogs(ctx, a.api); err != nil {
		return nil, apperr.New(apperr.KindTransient, "refresh dialogs", err)
	}
	for _, d := range a.peers.Dialogs() {
		if strconv.FormatInt(d.ID, 10) == senderContact {
			if peer, err := a.peers.InputPeerByKind(ctx, string(d.Kind), d.ID); err == nil {
				return peer, nil
			}
		}
	}

	return nil, apperr.New(apperr.KindPermanentPayload, fmt.Sprintf("cannot resolve peer for %q", senderContact), nil)
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]))
}

func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := tgerr.As(err); ok {
		if rpcErr.Type == "PEER_FLOOD" || (rpcErr.Code >= 400 && rpcErr.Code < 500) {
			return apperr.New(apperr.KindPermanentPayload, "telegram rejected message", err)
		}
	}
	return apperr.New(apperr.KindTransient, "send message", err)
}

func (a *Adapter) SendText(ctx context.Context, cred model.Credential, recipient, text, replyToPlatformID string) (transport.SendResult, error) {
	peer, err := a.resolveInputPeer(ctx, recipient)
	if err != nil {
		return transport.SendResult{}, err
	}

	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(),
	}
	if replyToPlatformID != "" {
		if replyID, err := strconv.Atoi(replyToPlatformID); err == nil {
			req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: replyID})
		}
	}

	updates, err := a.api.MessagesSendMessage(ctx, req)
	if err != nil {
		return transport.SendResult{}, classifySendErr(err)
	}
	return transport.SendResult{PlatformMessageID: extractMessageID(updates)}, nil
}

func extractMessageID(u tg.UpdatesClass) string {
	switch v := u.(type) {
	case *tg.Updates:
		for _, upd := range v.Updates {
			if m, ok := upd.(*tg.UpdateMessageID); ok {
				return strconv.Itoa(m.ID)
			}
		}
	case *tg.UpdateShortSentMessage:
		return strconv.Itoa(v.ID)
	}
	return ""
}

func (a *Adapter) SendMedia(ctx context.Context, cred model.Credential, recipient string, att model.Attachment, caption string) (transport.SendResult, error) {
	// Document/photo upload requires a multi-step upload.saveFilePart
	// handshake not modeled here; media attachments arriving from other
	// channels are forwarded as a link plus caption text instead.
	return a.SendText(ctx, cred, recipient, caption+" "+att.URL, "")
}

func (a *Adapter) MarkRead(ctx context.Context, cred model.Credential, chat string, upToID string) (bool, error) {
	peer, err := a.resolveInputPeer(ctx, chat)
	if err != nil {
		return false, err
	}
	maxID, _ := strconv.Atoi(upToID)
	_, err = a.api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{Peer: peer, MaxID: maxID})
	if err != nil {
		return false, classifySendErr(err)
	}
	return true, nil
}

// FetchNew catches up on messages: it refreshes the dialog list, then
// issues one getHistory call per dialog until limit messages are
// collected. It is the only ingestion path for this channel.
func (a *Adapter) FetchNew(ctx context.Context, cred model.Credential, sinceHours float64, limit int, excludeIDs map[string]struct{}) ([]transport.NormalizedMessage, error) {
	if err := a.peers.RefreshDialogs(ctx, a.api); err != nil {
		return nil, apperr.New(apperr.KindTransient, "refresh dialogs", err)
	}

	since := time.Now().Add(-time.Duration(sinceHours * float64(time.Hour)))
	var out []transport.NormalizedMessage

	for _, d := range a.peers.Dialogs() {
		if len(out) >= limit {
			break
		}
		peer, err := a.peers.InputPeerByKind(ctx, string(d.Kind), d.ID)
		if err != nil {
			continue
		}
		history, err := a.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit})
		if err != nil {
			continue
		}
		msgs := extractHistoryMessages(history)
		for _, m := range msgs {
			if m.Date < int(since.Unix()) {
				continue
			}
			id := strconv.Itoa(m.ID)
			if _, skip := excludeIDs[id]; skip {
				continue
			}
			if m.Out || isFromBot(m) {
				continue
			}
			out = append(out, normalizeMessage(d, m))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func extractHistoryMessages(h tg.MessagesMessagesClass) []*tg.Message {
	var raw []tg.MessageClass
	switch v := h.(type) {
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	}
	var out []*tg.Message
	for _, m := range raw {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

// isFromBot reports false for every message: a tg.Message carries
// neither the sender's bot flag nor its username, and FetchNew applies
// no other bot check, so messages from bots are not filtered out.
func isFromBot(m *tg.Message) bool {
	return false
}

func normalizeMessage(d peersmgr.DialogRef, m *tg.Message) transport.NormalizedMessage {
	contact := strconv.FormatInt(d.ID, 10)
	return transport.NormalizedMessage{
		Channel:          model.ChannelTelegram,
		ChannelMessageID: strconv.Itoa(m.ID),
		SenderID:         contact,
		SenderContact:    contact,
		Body:             m.Message,
		ReceivedAt:       time.Unix(int64(m.Date), 0).UTC(),
	}
}

func (a *Adapter) ParseWebhook(ctx context.Context, cred model.Credential, payload []byte, headers map[string]string) (transport.ParsedWebhook, error) {
	return transport.ParsedWebhook{}, transport.ErrUnsupported{Channel: model.ChannelTelegram, Operation: "ParseWebhook"}
}

// PollReceipts reads read_outbox_max_id per dialog, the only way to
// recover delivery acknowledgement for an MTProto user account (no push
// receipts exist for outgoing messages).
func (a *Adapter) PollReceipts(ctx context.Context, cred model.Credential, outstandingPlatformIDs []string) (map[string]model.DeliveryStatus, error) {
	result := make(map[string]model.DeliveryStatus)
	for _, d := range a.peers.Dialogs() {
		peer, err := a.peers.InputPeerByKind(ctx, string(d.Kind), d.ID)
		if err != nil {
			continue
		}
		full, err := a.api.MessagesGetPeerDialogs(ctx, []tg.InputDialogPeerClass{&tg.InputDialogPeer{Peer: peer}})
		if err != nil {
			continue
		}
		for _, dlg := range full.Dialogs {
			dd, ok := dlg.(*tg.Dialog)
			if !ok {
				continue
			}
			maxRead := dd.ReadOutboxMaxID
			for _, id := range outstandingPlatformIDs {
				n, err := strconv.Atoi(id)
				if err == nil && n <= maxRead {
					result[id] = model.DeliveryRead
				}
			}
		}
	}
	return result, nil
}

// StartLogin records phone-code-login state, matching the observed
// "_pending_logins.pop(phone, None)" usage in a PhoneCodeExpiredError
// handler: absence after expiry is a no-op, not an error.
func (a *Adapter) StartLogin(phone, phoneCodeHash string) {
	a.pendingLogins.Store(phone, &loginState{PhoneCodeHash: phoneCodeHash, RequestedAt: time.Now()})
}

// FinishLogin discards pending state for phone, tolerating absence.
func (a *Adapter) FinishLogin(phone string) {
	a.pendingLogins.Delete(phone)
}

// PendingLogin returns the stored phone-code hash for phone, if any.
func (a *Adapter) PendingLogin(phone string) (string, bool) {
	v, ok := a.pendingLogins.Load(phone)
	if !ok {
		return "", false
	}
	return v.(*loginState).PhoneCodeHash, true
}
