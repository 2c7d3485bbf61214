package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/domain/conversation"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
)

// idempotencyTTL bounds how long a sync_idempotency row is honored
// before a replayed operation id is reprocessed instead of returning
// the cached result, mirroring sync.py's in-memory
// IDEMPOTENCY_CACHE_TTL_HOURS — persisted here since this engine is
// expected to run as more than one worker process.
const idempotencyTTL = 24 * time.Hour

type syncOperation struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

type syncRequest struct {
	Operations []syncOperation `json:"operations"`
	DeviceID   string          `json:"device_id"`
}

type syncResult struct {
	OperationID    string `json:"operation_id"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Conflict       bool   `json:"conflict"`
	ServerState    any    `json:"server_state,omitempty"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// syncBatch answers POST /sync/batch: replays a client's offline
// operation queue in order, each one idempotency-keyed so a retried
// batch (the client never learned the first attempt succeeded) never
// double-applies.
func (s *Server) syncBatch(c *gin.Context) {
	lic := licenseID(c)
	ctx := c.Request.Context()

	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, badRequest("invalid sync request"))
		return
	}

	results := make([]syncResult, 0, len(req.Operations))
	processed, failed := 0, 0

	for _, op := range req.Operations {
		if cached, ok := s.loadIdempotentResult(ctx, op.IdempotencyKey); ok {
			results = append(results, cached)
			if cached.Success {
				processed++
			} else {
				failed++
			}
			continue
		}

		result := s.applySyncOperation(ctx, lic, op)
		s.storeIdempotentResult(ctx, op.IdempotencyKey, result)
		results = append(results, result)
		if result.Success {
			processed++
		} else {
			failed++
		}
	}

	ok(c, envelope{
		"results":         results,
		"processed_count": processed,
		"failed_count":    failed,
	})
}

func (s *Server) applySyncOperation(ctx context.Context, licenseID int64, op syncOperation) syncResult {
	result := syncResult{OperationID: op.ID, ServerTimestamp: time.Now().UTC()}

	var payload map[string]any
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			result.Error = "invalid payload"
			return result
		}
	}
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	num := func(key string) float64 {
		v, _ := payload[key].(float64)
		return v
	}

	var err error
	switch op.Type {
	case "approve", "ignore":
		// Treated identically: unified-inbox semantics mark every
		// message from the correspondent approved (handled) either
		// way, the sync.py "legacy ignore" behavior.
		err = s.syncApprove(ctx, licenseID, int64(num("messageId")), str("editedBody"), &result)

	case "send":
		err = s.syncSend(ctx, licenseID, str("senderContact"), str("body"), &result)

	case "delete":
		err = s.syncDeleteMessage(ctx, licenseID, int64(num("messageId")))

	case "mark_read":
		err = s.syncMarkRead(ctx, licenseID, str("senderContact"))

	case "delete_conversation":
		err = s.softDeleteConversation(ctx, licenseID, str("senderContact"))

	case "add_customer":
		err = s.syncAddCustomer(ctx, licenseID, str("name"), str("phone"), str("email"), &result)

	case "add_purchase":
		err = s.syncAddPurchase(ctx, licenseID, payload, &result)

	default:
		err = fmt.Errorf("unknown operation type %q", op.Type)
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (s *Server) syncApprove(ctx context.Context, licenseID, messageID int64, editedBody string, result *syncResult) error {
	var channel model.Channel
	var senderID, senderContact, aiDraft, platformMessageID string
	row := s.backend.QueryRow(ctx, `SELECT channel, sender_id, sender_contact, ai_draft_response, platform_message_id
		FROM inbox_messages WHERE id = ? AND license_key_id = ?`, messageID, licenseID)
	if err := row.Scan(&channel, &senderID, &senderContact, &aiDraft, &platformMessageID); err != nil {
		return fmt.Errorf("message not found")
	}

	body := strings.TrimSpace(editedBody)
	if body == "" {
		body = aiDraft
	}
	if body == "" {
		return fmt.Errorf("no response body")
	}

	outboxID, err := s.outbound.Create(ctx, licenseID, &messageID, channel, body, senderID, senderContact, nil, platformMessageID)
	if err != nil {
		return err
	}
	if _, err := s.outbound.Approve(ctx, licenseID, outboxID, ""); err != nil {
		return err
	}
	if _, err := s.backend.Exec(ctx, `UPDATE inbox_messages SET status = 'approved' WHERE id = ?`, messageID); err != nil {
		return err
	}

	sender := senderContact
	if sender == "" {
		sender = senderID
	}
	if sender != "" {
		if _, err := s.batchUpdateInboxStatus(ctx, licenseID, conversation.ResolveAliases(sender), model.InboxApproved); err != nil {
			logger.Warn("http: sync batch approve failed", zap.Error(err))
		}
		if err := s.conv.Recompute(ctx, licenseID, sender); err != nil {
			logger.Warn("http: sync recompute after approve failed", zap.Error(err))
		}
	}
	result.ServerState = map[string]any{"outbox_id": outboxID}
	return nil
}

func (s *Server) syncSend(ctx context.Context, licenseID int64, senderContact, body string, result *syncResult) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("empty body")
	}
	aliases := conversation.ResolveAliases(senderContact)
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)+1)
	args = append(args, licenseID)
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
		return fmt.Errorf("conversation not found")
	}

	outboxID, err := s.outbound.Create(ctx, licenseID, nil, channel, body, recipientID, senderContact, nil, "")
	if err != nil {
		return err
	}
	if _, err := s.outbound.Approve(ctx, licenseID, outboxID, ""); err != nil {
		return err
	}
	result.ServerState = map[string]any{"outbox_id": outboxID}
	return nil
}

func (s *Server) syncDeleteMessage(ctx context.Context, licenseID, messageID int64) error {
	var sender string
	row := s.backend.QueryRow(ctx, `SELECT COALESCE(NULLIF(sender_contact, ''), sender_id) FROM inbox_messages
		WHERE id = ? AND license_key_id = ?`, messageID, licenseID)
	if err := row.Scan(&sender); err != nil {
		return fmt.Errorf("message not found")
	}
	now := store.TimeValue(s.backend.Dialect(), time.Now().UTC())
	if _, err := s.backend.Exec(ctx, `UPDATE inbox_messages SET deleted_at = ? WHERE id = ?`, now, messageID); err != nil {
		return err
	}
	if err := s.conv.Recompute(ctx, licenseID, sender); err != nil {
		logger.Warn("http: sync recompute after delete failed", zap.Error(err))
	}
	return nil
}

func (s *Server) syncMarkRead(ctx context.Context, licenseID int64, senderContact string) error {
	aliases := conversation.ResolveAliases(senderContact)
	placeholders := make([]string, len(aliases))
	args := make([]any, 0, len(aliases)*2+1)
	args = append(args, licenseID)
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

	if _, err := s.backend.Exec(ctx, fmt.Sprintf(
		`UPDATE inbox_messages SET is_read = 1 WHERE license_key_id = ? AND (sender_contact IN (%s) OR sender_id IN (%s))`,
		inClause, inClause), args...); err != nil {
		return err
	}
	return s.conv.Recompute(ctx, licenseID, senderContact)
}

func (s *Server) syncAddCustomer(ctx context.Context, licenseID int64, name, phone, email string, result *syncResult) error {
	dialect := s.backend.Dialect()
	now := store.TimeValue(dialect, time.Now().UTC())

	_, err := s.backend.Exec(ctx, `INSERT INTO customers (license_key_id, email, phone, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_key_id, email, phone) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		licenseID, email, phone, name, now, now)
	if err != nil {
		return fmt.Errorf("http: add customer: %w", err)
	}

	var customerID int64
	row := s.backend.QueryRow(ctx, `SELECT id FROM customers WHERE license_key_id = ? AND email = ? AND phone = ?`,
		licenseID, email, phone)
	if err := row.Scan(&customerID); err != nil {
		return fmt.Errorf("http: load customer after upsert: %w", err)
	}
	result.ServerState = map[string]any{"customer_id": customerID}
	return nil
}

func (s *Server) syncAddPurchase(ctx context.Context, licenseID int64, payload map[string]any, result *syncResult) error {
	customerID, _ := payload["customer_id"].(float64)
	productName, _ := payload["product_name"].(string)
	amount, _ := payload["amount"].(float64)
	currency, _ := payload["currency"].(string)
	if currency == "" {
		currency = "SYP"
	}
	paymentType, _ := payload["payment_type"].(string)
	if paymentType == "" {
		paymentType = "spot"
	}
	notes, _ := payload["notes"].(string)

	if customerID == 0 || productName == "" {
		return fmt.Errorf("customer_id and product_name are required")
	}

	res, err := s.backend.Exec(ctx, `INSERT INTO purchases
		(license_key_id, customer_id, product_name, amount, currency, payment_type, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		licenseID, int64(customerID), productName, amount, currency, paymentType, notes)
	if err != nil {
		return fmt.Errorf("http: add purchase: %w", err)
	}
	purchaseID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	result.ServerState = map[string]any{"purchase_id": purchaseID}
	return nil
}

func (s *Server) loadIdempotentResult(ctx context.Context, key string) (syncResult, bool) {
	if key == "" {
		return syncResult{}, false
	}
	var raw string
	var createdAt time.Time
	row := s.backend.QueryRow(ctx, `SELECT result, created_at FROM sync_idempotency WHERE idempotency_key = ?`, key)
	if err := row.Scan(&raw, &createdAt); err != nil {
		if err != sql.ErrNoRows {
			logger.Warn("http: idempotency lookup failed", zap.Error(err))
		}
		return syncResult{}, false
	}
	if time.Since(createdAt) > idempotencyTTL {
		return syncResult{}, false
	}
	var cached syncResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return syncResult{}, false
	}
	return cached, true
}

func (s *Server) storeIdempotentResult(ctx context.Context, key string, result syncResult) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	now := store.TimeValue(s.backend.Dialect(), time.Now().UTC())
	if _, err := s.backend.Exec(ctx,
		`INSERT INTO sync_idempotency (idempotency_key, result, created_at) VALUES (?, ?, ?)
			ON CONFLICT (idempotency_key) DO UPDATE SET result = excluded.result, created_at = excluded.created_at`,
		key, string(raw), now); err != nil {
		logger.Warn("http: store idempotency result failed", zap.Error(err))
	}
}

// syncStatus answers GET /sync/status with nothing but the server's
// clock, so a client can detect drift before trusting client_timestamp
// fields in its next batch.
func (s *Server) syncStatus(c *gin.Context) {
	ok(c, envelope{"server_timestamp": time.Now().UTC()})
}

// syncDelta answers GET /sync/delta?since=...: every customer and
// conversation row touched at or after since, defaulting to 30 days
// back when the client has no local baseline yet.
func (s *Server) syncDelta(c *gin.Context) {
	lic := licenseID(c)
	ctx := c.Request.Context()

	since := time.Now().UTC().AddDate(0, 0, -30)
	if raw := c.Query("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}

	customers, err := s.deltaCustomers(ctx, lic, since)
	if err != nil {
		fail(c, err)
		return
	}
	conversations, err := s.deltaConversations(ctx, lic, since)
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, envelope{
		"customers":        customers,
		"conversations":    conversations,
		"server_timestamp": time.Now().UTC(),
	})
}

type customerDelta struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	LeadScore int       `json:"lead_score"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) deltaCustomers(ctx context.Context, licenseID int64, since time.Time) ([]customerDelta, error) {
	rows, err := s.backend.Query(ctx,
		`SELECT id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(phone, ''), lead_score, updated_at
			FROM customers WHERE license_key_id = ? AND updated_at >= ?`, licenseID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []customerDelta{}
	for rows.Next() {
		var d customerDelta
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &d.LeadScore, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Server) deltaConversations(ctx context.Context, licenseID int64, since time.Time) ([]conversationRow, error) {
	rows, err := s.backend.Query(ctx,
		`SELECT sender_contact, channel, sender_name, status, last_message_body, last_message_at,
			unread_count, message_count FROM conversations
			WHERE license_key_id = ? AND updated_at >= ?`, licenseID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []conversationRow{}
	for rows.Next() {
		var r conversationRow
		if err := rows.Scan(&r.SenderContact, &r.Channel, &r.SenderName, &r.Status, &r.LastMessage,
			&r.LastMessageAt, &r.UnreadCount, &r.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
