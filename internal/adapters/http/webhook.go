package http

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/domain/model"
	waadapter "github.com/almudeer/engine/internal/infra/transport/whatsapp"
	"github.com/almudeer/engine/internal/infra/logger"
)

// telegramWebhook receives Telegram's update JSON at the per-license URL
// the bot's webhook was registered against (original_source/
// routes/telegram_routes.py's telegram_webhook). Per the distilled
// contract this always answers {"ok": true}, even when the license id is
// unknown or ingestion fails, so Telegram never backs off or disables the
// webhook over a transient local error.
func (s *Server) telegramWebhook(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("license"), 10, 64)
	if err != nil {
		c.JSON(http.StatusOK, envelope{"ok": true})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, envelope{"ok": true})
		return
	}

	headers := flattenHeaders(c.Request.Header)
	if err := s.ingest.IngestWebhook(c.Request.Context(), id, model.CredentialTelegramBot, body, headers); err != nil {
		logger.Warn("http: telegram webhook ingest failed", zap.Int64("license_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, envelope{"ok": true})
}

// whatsappVerify answers Meta's webhook-registration handshake: a
// GET carrying hub.mode=subscribe and hub.verify_token, matched against
// whichever active WhatsApp credential's stored verify_token equals it
// (the endpoint is shared across every license, so the token itself is
// the only thing identifying which one), echoing hub.challenge back as
// plain text on a match.
func (s *Server) whatsappVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	var matched string
	row := s.backend.QueryRow(c.Request.Context(),
		`SELECT verify_token FROM credentials WHERE kind = 'whatsapp' AND is_active = 1 AND verify_token = ?`, token)
	if err := row.Scan(&matched); err != nil {
		c.String(http.StatusForbidden, "verification failed")
		return
	}

	if out, ok := waadapter.VerifyWebhook(mode, token, challenge, matched); ok {
		c.String(http.StatusOK, out)
		return
	}
	c.String(http.StatusForbidden, "verification failed")
}

type waMetadataEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// whatsappIntake receives Meta's change payload. The phone_number_id
// embedded in the payload resolves which license it belongs to (the
// endpoint, like verification, is shared across every license); the
// X-Hub-Signature-256 header is then checked against that license's
// stored app secret before the payload is handed to the adapter. Per the
// distilled contract this always answers {"status":"ok"} — a bad
// signature or unknown number is silently dropped, never surfaced to
// Meta's retry/backoff logic.
func (s *Server) whatsappIntake(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, envelope{"status": "ok"})
		return
	}

	var env waMetadataEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		c.JSON(http.StatusOK, envelope{"status": "ok"})
		return
	}
	phoneNumberID := env.Entry[0].Changes[0].Value.Metadata.PhoneNumberID
	if phoneNumberID == "" {
		c.JSON(http.StatusOK, envelope{"status": "ok"})
		return
	}

	var licenseID int64
	row := s.backend.QueryRow(c.Request.Context(),
		`SELECT license_key_id FROM credentials WHERE kind = 'whatsapp' AND is_active = 1 AND phone_number_id = ?`, phoneNumberID)
	if err := row.Scan(&licenseID); err != nil {
		if err != sql.ErrNoRows {
			logger.Warn("http: whatsapp license lookup failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, envelope{"status": "ok"})
		return
	}

	cred, err := s.creds.Load(c.Request.Context(), licenseID, model.CredentialWhatsApp)
	if err != nil {
		c.JSON(http.StatusOK, envelope{"status": "ok"})
		return
	}
	if !waadapter.VerifySignature(body, c.GetHeader("X-Hub-Signature-256"), cred.AppSecret) {
		logger.Warn("http: whatsapp signature mismatch", zap.Int64("license_id", licenseID))
		c.JSON(http.StatusOK, envelope{"status": "ok"})
		return
	}

	if err := s.ingest.IngestWebhook(c.Request.Context(), licenseID, model.CredentialWhatsApp, body, flattenHeaders(c.Request.Header)); err != nil {
		logger.Warn("http: whatsapp webhook ingest failed", zap.Int64("license_id", licenseID), zap.Error(err))
	}
	c.JSON(http.StatusOK, envelope{"status": "ok"})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
