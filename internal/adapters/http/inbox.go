package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
)

// inboxRow is the wire shape one GET /inbox row renders as; field names
// mirror chat_routes.py's response keys so existing clients built
// against the original API need no translation.
type inboxRow struct {
	ID              int64      `json:"id"`
	Channel         string     `json:"channel"`
	SenderContact   string     `json:"sender_contact"`
	SenderName      string     `json:"sender_name"`
	Subject         string     `json:"subject"`
	Body            string     `json:"body"`
	Attachments     []model.Attachment `json:"attachments"`
	ReceivedAt      time.Time  `json:"received_at"`
	Status          string     `json:"status"`
	IsRead          bool       `json:"is_read"`
	Urgency         string     `json:"urgency"`
	AISummary       string     `json:"ai_summary"`
	AIDraftResponse string     `json:"ai_draft_response"`
}

// listInbox answers GET /inbox with dynamic status/channel filters and
// limit/offset pagination, built with squirrel the way
// iamabdynab1ev-request-system's bd.ApplyListParams composes a
// sq.SelectBuilder from a filter map rather than hand-concatenating a
// WHERE clause per combination of filters.
func (s *Server) listInbox(c *gin.Context) {
	lic := licenseID(c)

	limit := clampInt(c.Query("limit"), 50, 1, 200)
	offset := clampInt(c.Query("offset"), 0, 0, 1<<30)

	builder := sq.Select("id", "channel", "sender_contact", "sender_name", "subject", "body",
		"attachments", "received_at", "status", "is_read", "urgency", "ai_summary", "ai_draft_response").
		From("inbox_messages").
		Where(sq.Eq{"license_key_id": lic}).
		Where("deleted_at IS NULL").
		OrderBy("received_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))

	if status := c.Query("status"); status != "" {
		builder = builder.Where(sq.Eq{"status": strings.Split(status, ",")})
	}
	if channel := c.Query("channel"); channel != "" {
		builder = builder.Where(sq.Eq{"channel": strings.Split(channel, ",")})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		fail(c, err)
		return
	}

	rows, err := s.backend.Query(c.Request.Context(), query, args...)
	if err != nil {
		fail(c, err)
		return
	}
	defer rows.Close()

	out := make([]inboxRow, 0, limit)
	for rows.Next() {
		var r inboxRow
		var attachmentsJSON string
		if err := rows.Scan(&r.ID, &r.Channel, &r.SenderContact, &r.SenderName, &r.Subject, &r.Body,
			&attachmentsJSON, &r.ReceivedAt, &r.Status, &r.IsRead, &r.Urgency, &r.AISummary, &r.AIDraftResponse); err != nil {
			fail(c, err)
			return
		}
		_ = json.Unmarshal([]byte(attachmentsJSON), &r.Attachments)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		fail(c, err)
		return
	}

	ok(c, envelope{"messages": out, "limit": limit, "offset": offset})
}

// getInboxMessage answers GET /inbox/{id}.
func (s *Server) getInboxMessage(c *gin.Context) {
	lic := licenseID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, badRequest("invalid message id"))
		return
	}

	var r inboxRow
	var attachmentsJSON string
	row := s.backend.QueryRow(c.Request.Context(), `SELECT id, channel, sender_contact, sender_name, subject, body,
		attachments, received_at, status, is_read, urgency, ai_summary, ai_draft_response
		FROM inbox_messages WHERE id = ? AND license_key_id = ? AND deleted_at IS NULL`, id, lic)
	if err := row.Scan(&r.ID, &r.Channel, &r.SenderContact, &r.SenderName, &r.Subject, &r.Body,
		&attachmentsJSON, &r.ReceivedAt, &r.Status, &r.IsRead, &r.Urgency, &r.AISummary, &r.AIDraftResponse); err != nil {
		if err == sql.ErrNoRows {
			fail(c, badRequest("message not found"))
			return
		}
		fail(c, err)
		return
	}
	_ = json.Unmarshal([]byte(attachmentsJSON), &r.Attachments)
	ok(c, envelope{"message": r})
}

type conversationRow struct {
	SenderContact string    `json:"sender_contact"`
	Channel       string    `json:"channel"`
	SenderName    string    `json:"sender_name"`
	Status        string    `json:"status"`
	LastMessage   string    `json:"last_message_body"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	MessageCount  int       `json:"message_count"`
}

// listConversations answers GET /conversations from the denormalized
// projection table only — never re-derived from inbox/outbox on a read
// path, matching the distilled design's conversation-list rule.
func (s *Server) listConversations(c *gin.Context) {
	lic := licenseID(c)
	limit := clampInt(c.Query("limit"), 50, 1, 200)
	offset := clampInt(c.Query("offset"), 0, 0, 1<<30)

	rows, err := s.backend.Query(c.Request.Context(),
		`SELECT sender_contact, channel, sender_name, status, last_message_body, last_message_at,
			unread_count, message_count FROM conversations
			WHERE license_key_id = ? ORDER BY last_message_at DESC LIMIT ? OFFSET ?`, lic, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	defer rows.Close()

	out := make([]conversationRow, 0, limit)
	for rows.Next() {
		var r conversationRow
		if err := rows.Scan(&r.SenderContact, &r.Channel, &r.SenderName, &r.Status, &r.LastMessage,
			&r.LastMessageAt, &r.UnreadCount, &r.MessageCount); err != nil {
			fail(c, err)
			return
		}
		out = append(out, r)
	}
	ok(c, envelope{"conversations": out})
}

// conversationStats answers GET /conversations/stats: total, unread, and
// per-status counts across every conversation for the license.
func (s *Server) conversationStats(c *gin.Context) {
	lic := licenseID(c)
	ctx := c.Request.Context()

	var total, unread int
	if err := s.backend.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(unread_count), 0) FROM conversations WHERE license_key_id = ?`, lic).
		Scan(&total, &unread); err != nil {
		fail(c, err)
		return
	}

	byStatus := map[string]int{}
	rows, err := s.backend.Query(ctx, `SELECT status, COUNT(*) FROM conversations WHERE license_key_id = ? GROUP BY status`, lic)
	if err != nil {
		fail(c, err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			fail(c, err)
			return
		}
		byStatus[status] = n
	}

	ok(c, envelope{"total": total, "unread_conversations": unread, "by_status": byStatus})
}

// searchConversations answers GET /conversations/search?q=..., matching
// against sender_name, sender_contact, and the last message body.
func (s *Server) searchConversations(c *gin.Context) {
	lic := licenseID(c)
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		ok(c, envelope{"conversations": []conversationRow{}})
		return
	}
	like := "%" + q + "%"

	rows, err := s.backend.Query(c.Request.Context(),
		`SELECT sender_contact, channel, sender_name, status, last_message_body, last_message_at,
			unread_count, message_count FROM conversations
			WHERE license_key_id = ? AND (sender_name LIKE ? OR sender_contact LIKE ? OR last_message_body LIKE ?)
			ORDER BY last_message_at DESC LIMIT 50`, lic, like, like, like)
	if err != nil {
		fail(c, err)
		return
	}
	defer rows.Close()

	out := []conversationRow{}
	for rows.Next() {
		var r conversationRow
		if err := rows.Scan(&r.SenderContact, &r.Channel, &r.SenderName, &r.Status, &r.LastMessage,
			&r.LastMessageAt, &r.UnreadCount, &r.MessageCount); err != nil {
			fail(c, err)
			return
		}
		out = append(out, r)
	}
	ok(c, envelope{"conversations": out})
}

// timelineEntry is one merged inbox-or-outbox row in a conversation's
// message history, ordered by (effective_ts, id) across both tables.
type timelineEntry struct {
	ID          int64     `json:"id"`
	Direction   string    `json:"direction"` // "in" or "out"
	Body        string    `json:"body"`
	EffectiveAt time.Time `json:"effective_at"`
	Status      string    `json:"status"`
}

// conversationMessages answers GET /conversations/{sender}/messages with
// opaque cursor pagination: messages strictly after the cursor's
// (effective_ts, id), oldest of the page first.
func (s *Server) conversationMessages(c *gin.Context) {
	lic := licenseID(c)
	sender := c.Param("sender")
	limit := clampInt(c.Query("limit"), 50, 1, 100)
	ctx := c.Request.Context()

	var afterTS time.Time
	var afterID int64
	hasCursor := false
	if cursor := c.Query("cursor"); cursor != "" {
		ts, id, err := decodeCursor(cursor)
		if err != nil {
			fail(c, badRequest("invalid cursor"))
			return
		}
		afterTS, afterID, hasCursor = ts, id, true
	}

	aliases := conversation.ResolveAliases(sender)
	entries, err := s.loadTimeline(ctx, lic, aliases, afterTS, afterID, hasCursor, limit+1)
	if err != nil {
		fail(c, err)
		return
	}

	var nextCursor string
	if len(entries) > limit {
		last := entries[limit-1]
		nextCursor = encodeCursor(last.EffectiveAt, last.ID)
		entries = entries[:limit]
	}

	ok(c, envelope{"messages": entries, "next_cursor": nextCursor})
}

// loadTimeline merges inbox and outbox rows for every alias of a
// correspondent into one (effective_ts, id)-ordered page, the ordering
// rule the opaque cursor's own format is built around. A UNION ALL of
// the two tables, each tagged with its own direction, is simpler than
// threading a single query across two differently-shaped tables.
func (s *Server) loadTimeline(ctx context.Context, licenseID int64, aliases []string, afterTS time.Time, afterID int64, hasCursor bool, limit int) ([]timelineEntry, error) {
	placeholders := make([]string, len(aliases))
	inArgs := make([]any, len(aliases))
	for i, a := range aliases {
		placeholders[i] = "?"
		inArgs[i] = a
	}
	inClause := strings.Join(placeholders, ",")

	union := fmt.Sprintf(`
		SELECT id, 'in' AS direction, body, received_at AS effective_at, status
			FROM inbox_messages
			WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s)) AND deleted_at IS NULL
		UNION ALL
		SELECT id, 'out' AS direction, body, COALESCE(sent_at, created_at) AS effective_at, status
			FROM outbox_messages
			WHERE license_key_id = ? AND recipient_id IN (%s) AND deleted_at IS NULL`, inClause, inClause, inClause)

	args := make([]any, 0, len(inArgs)*3+4)
	args = append(args, licenseID)
	args = append(args, inArgs...)
	args = append(args, inArgs...)
	args = append(args, licenseID)
	args = append(args, inArgs...)

	query := "SELECT id, direction, body, effective_at, status FROM (" + union + ") t"
	if hasCursor {
		query += " WHERE effective_at > ? OR (effective_at = ? AND id > ?)"
		args = append(args, afterTS, afterTS, afterID)
	}
	query += " ORDER BY effective_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.backend.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]timelineEntry, 0, limit)
	for rows.Next() {
		var e timelineEntry
		if err := rows.Scan(&e.ID, &e.Direction, &e.Body, &e.EffectiveAt, &e.Status); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// conversationHistory answers GET /conversations/{sender}: the
// correspondent's messages oldest first, capped at the first 1000 with no
// cursor to fetch the rest, plus the lead score from the linked customer
// row if one exists.
func (s *Server) conversationHistory(c *gin.Context) {
	lic := licenseID(c)
	sender := c.Param("sender")
	ctx := c.Request.Context()

	aliases := conversation.ResolveAliases(sender)
	entries, err := s.loadTimeline(ctx, lic, aliases, time.Time{}, 0, false, 1000)
	if err != nil {
		fail(c, err)
		return
	}

	var leadScore int
	row := s.backend.QueryRow(ctx, `SELECT lead_score FROM customers WHERE license_key_id = ? AND (email = ? OR phone = ?)`,
		lic, sender, sender)
	_ = row.Scan(&leadScore)

	ok(c, envelope{"sender_contact": sender, "messages": entries, "lead_score": leadScore})
}

// typingNotify answers POST /conversations/{sender}/typing: a pure
// fan-out event, nothing persisted.
func (s *Server) typingNotify(c *gin.Context) {
	lic := licenseID(c)
	sender := c.Param("sender")
	if s.wsRegistry != nil {
		s.wsRegistry.SendToLicense(lic, "typing", map[string]any{"sender_contact": sender})
	}
	ok(c, envelope{"success": true})
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

// sendMessage answers POST /conversations/{sender}/send: an
// operator-initiated message with no originating inbox row, the same
// path sync.go's "send" operation drives offline. The channel and
// recipient id are recovered from the most recent inbox row for the
// correspondent, since the request carries neither.
func (s *Server) sendMessage(c *gin.Context) {
	lic := licenseID(c)
	sender := c.Param("sender")
	ctx := c.Request.Context()

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		fail(c, badRequest("body is required"))
		return
	}

	aliases := conversation.ResolveAliases(sender)
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)+1)
	args = append(args, lic)
	for i, a := range aliases {
		placeholders[i] = "?"
		args = append(args, a)
	}
	inClause := strings.Join(placeholders, ",")

	var channel model.Channel
	var recipientID string
	row := s.backend.QueryRow(ctx, fmt.Sprintf(
		`SELECT channel, sender_id FROM inbox_messages WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))
			ORDER BY received_at DESC LIMIT 1`, inClause, inClause), append(args, args[1:]...)...)
	if err := row.Scan(&channel, &recipientID); err != nil {
		fail(c, badRequest("conversation not found"))
		return
	}

	id, err := s.outbound.Create(ctx, lic, nil, channel, req.Body, recipientID, sender, nil, "")
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := s.outbound.Approve(ctx, lic, id, ""); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"success": true, "outbox_id": id})
}

type approveRequest struct {
	Action     string `json:"action"`
	EditedBody string `json:"editedBody"`
}

// approveInbox answers POST /inbox/{id}/approve. action=="approve"
// creates and approves an outbox reply (the edited body if supplied,
// else the AI draft) and marks every other pending/analyzed message
// from the same correspondent approved too, so the operator doesn't
// have to clear a whole burst of messages one at a time. action==
// "ignore" marks them all ignored instead, with nothing sent.
func (s *Server) approveInbox(c *gin.Context) {
	lic := licenseID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, badRequest("invalid message id"))
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, badRequest("invalid request body"))
		return
	}
	ctx := c.Request.Context()

	var channel model.Channel
	var senderID, senderContact, aiDraft, platformMessageID string
	row := s.backend.QueryRow(ctx, `SELECT channel, sender_id, sender_contact, ai_draft_response, platform_message_id
		FROM inbox_messages WHERE id = ? AND license_key_id = ?`, id, lic)
	if err := row.Scan(&channel, &senderID, &senderContact, &aiDraft, &platformMessageID); err != nil {
		fail(c, badRequest("message not found"))
		return
	}
	sender := senderContact
	if sender == "" {
		sender = senderID
	}
	aliases := conversation.ResolveAliases(sender)

	switch req.Action {
	case "ignore":
		n, err := s.batchUpdateInboxStatus(ctx, lic, aliases, model.InboxIgnored)
		if err != nil {
			fail(c, err)
			return
		}
		if err := s.conv.Recompute(ctx, lic, sender); err != nil {
			logger.Warn("http: recompute after ignore failed", zap.Error(err))
		}
		ok(c, envelope{"success": true, "ignored_count": n})
		return

	case "approve", "":
		body := strings.TrimSpace(req.EditedBody)
		if body == "" {
			body = aiDraft
		}
		if body == "" {
			fail(c, badRequest("no response body"))
			return
		}

		outboxID, err := s.outbound.Create(ctx, lic, &id, channel, body, senderID, senderContact, nil, platformMessageID)
		if err != nil {
			fail(c, err)
			return
		}
		if _, err := s.outbound.Approve(ctx, lic, outboxID, ""); err != nil {
			fail(c, err)
			return
		}
		if _, err := s.backend.Exec(ctx, `UPDATE inbox_messages SET status = 'approved' WHERE id = ?`, id); err != nil {
			fail(c, err)
			return
		}
		if _, err := s.batchUpdateInboxStatus(ctx, lic, aliases, model.InboxApproved); err != nil {
			logger.Warn("http: batch approve failed", zap.Error(err))
		}
		if err := s.conv.Recompute(ctx, lic, sender); err != nil {
			logger.Warn("http: recompute after approve failed", zap.Error(err))
		}
		ok(c, envelope{"success": true, "outbox_id": outboxID})
		return

	default:
		fail(c, badRequest("unknown action"))
	}
}

// batchUpdateInboxStatus moves every non-terminal inbox row across
// aliases to status, matching chat_routes.py's approve_chat_messages/
// ignore_chat sweeping every message from a correspondent rather than
// one row at a time.
func (s *Server) batchUpdateInboxStatus(ctx context.Context, licenseID int64, aliases []string, status model.InboxStatus) (int64, error) {
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)*2+2)
	args = append(args, status, licenseID)
	for i, a := range aliases {
		placeholders[i] = "?"
	}
	inClause := strings.Join(placeholders, ",")
	for _, a := range aliases {
		args = append(args, a)
	}
	for _, a := range aliases {
		args = append(args, a)
	}

	res, err := s.backend.Exec(ctx, fmt.Sprintf(
		`UPDATE inbox_messages SET status = ? WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))
			AND status NOT IN ('ignored', 'approved', 'sent', 'auto_replied') AND deleted_at IS NULL`, inClause, inClause),
		args...)
	if err != nil {
		return 0, fmt.Errorf("http: batch update inbox status: %w", err)
	}
	return res.RowsAffected()
}

// cleanupInbox answers POST /inbox/cleanup: an on-demand run of the
// same stale-inbox repair the startup sweep performs, scoped to this
// license only.
func (s *Server) cleanupInbox(c *gin.Context) {
	lic := licenseID(c)
	n, err := s.jobs.StaleInboxRepair(c.Request.Context(), &lic)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"repaired_count": n})
}

type editMessageRequest struct {
	Body string `json:"body"`
}

// editMessage answers PATCH /messages/{id}/edit.
func (s *Server) editMessage(c *gin.Context) {
	lic := licenseID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, badRequest("invalid message id"))
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		fail(c, badRequest("body is required"))
		return
	}
	if err := s.outbound.Edit(c.Request.Context(), lic, id, req.Body); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"success": true})
}

// deleteMessage answers DELETE /messages/{id}: a soft delete of one
// inbox row.
func (s *Server) deleteMessage(c *gin.Context) {
	lic := licenseID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, badRequest("invalid message id"))
		return
	}
	ctx := c.Request.Context()

	var sender string
	row := s.backend.QueryRow(ctx, `SELECT COALESCE(NULLIF(sender_contact, ''), sender_id) FROM inbox_messages
		WHERE id = ? AND license_key_id = ?`, id, lic)
	if err := row.Scan(&sender); err != nil {
		fail(c, badRequest("message not found"))
		return
	}

	now := store.TimeValue(s.backend.Dialect(), time.Now().UTC())
	if _, err := s.backend.Exec(ctx, `UPDATE inbox_messages SET deleted_at = ? WHERE id = ?`, now, id); err != nil {
		fail(c, err)
		return
	}
	if err := s.conv.Recompute(ctx, lic, sender); err != nil {
		logger.Warn("http: recompute after delete message failed", zap.Error(err))
	}
	ok(c, envelope{"success": true})
}

// deleteConversation answers DELETE /conversations/{sender}: soft
// deletes every inbox and outbox row across the correspondent's alias
// set, then drops the projection row itself.
func (s *Server) deleteConversation(c *gin.Context) {
	lic := licenseID(c)
	sender := c.Param("sender")
	ctx := c.Request.Context()

	if err := s.softDeleteConversation(ctx, lic, sender); err != nil {
		fail(c, err)
		return
	}
	ok(c, envelope{"success": true})
}

// deleteAllConversations answers DELETE /conversations: a bulk version
// of deleteConversation, one correspondent at a time so each still gets
// its own projection-row cleanup.
func (s *Server) deleteAllConversations(c *gin.Context) {
	lic := licenseID(c)
	ctx := c.Request.Context()

	rows, err := s.backend.Query(ctx, `SELECT sender_contact FROM conversations WHERE license_key_id = ?`, lic)
	if err != nil {
		fail(c, err)
		return
	}
	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			rows.Close()
			fail(c, err)
			return
		}
		senders = append(senders, sender)
	}
	rows.Close()

	for _, sender := range senders {
		if err := s.softDeleteConversation(ctx, lic, sender); err != nil {
			logger.Warn("http: bulk delete conversation failed", zap.String("sender_contact", sender), zap.Error(err))
		}
	}
	ok(c, envelope{"success": true, "deleted_count": len(senders)})
}

func (s *Server) softDeleteConversation(ctx context.Context, licenseID int64, sender string) error {
	aliases := conversation.ResolveAliases(sender)
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)+1)
	args = append(args, licenseID)
	for i, a := range aliases {
		placeholders[i] = "?"
		args = append(args, a)
	}
	inClause := strings.Join(placeholders, ",")
	now := store.TimeValue(s.backend.Dialect(), time.Now().UTC())

	if _, err := s.backend.Exec(ctx, fmt.Sprintf(
		`UPDATE inbox_messages SET deleted_at = ? WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))`,
		inClause, inClause), append([]any{now}, append(args, args[1:]...)...)...); err != nil {
		return fmt.Errorf("http: soft delete inbox for conversation: %w", err)
	}
	if _, err := s.backend.Exec(ctx, fmt.Sprintf(
		`UPDATE outbox_messages SET deleted_at = ? WHERE license_key_id = ? AND recipient_id IN (%s)`,
		inClause), append([]any{now}, args...)...); err != nil {
		return fmt.Errorf("http: soft delete outbox for conversation: %w", err)
	}
	if _, err := s.backend.Exec(ctx, `DELETE FROM conversations WHERE license_key_id = ? AND sender_contact = ?`, licenseID, sender); err != nil {
		return fmt.Errorf("http: drop conversation row: %w", err)
	}
	return nil
}

// clampInt parses raw as an int, falling back to def on empty or
// unparseable input, and clamps the result to [min, max].
func clampInt(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
