// Package analysis is the AI orchestrator (C10): fetches chat history,
// optionally scrapes one URL from the inbound body, invokes the
// analyzer, optionally synthesizes speech for the draft reply, then
// persists the result and updates the customer/lead-score projection.
// Every step respects the license's rate limit and the process-wide
// single-flight semaphore that keeps LLM request concurrency at 1.
package analysis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
	"github.com/almudeer/engine/internal/domain/ratelimit"
	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/store"
	"go.uber.org/zap"
)

const (
	historyLines      = 10
	urlScrapeTimeout  = 10 * time.Second
	urlScrapeMaxChars = 2000
	cooldownOnLimit   = 60 * time.Second
)

// Result is what the analyzer returns: opaque from this package's point
// of view beyond the fields it persists.
type Result struct {
	Intent         string
	Urgency        model.Urgency
	Sentiment      string
	Language       string
	Dialect        string
	Summary        string
	DraftResponse  string
}

// Analyzer is the opaque AI call (step 6): given the message body, recent
// chat history and optional scraped context, returns a structured
// analysis. Implementations wrap a concrete LLM provider.
type Analyzer interface {
	Analyze(ctx context.Context, body, history, urlContext string) (Result, error)
}

// Speaker synthesizes audio for a draft response (step 7). Returns a
// storage path/URL the caller appends to the draft as "[AUDIO: <path>]".
type Speaker interface {
	Synthesize(ctx context.Context, text string) (path string, err error)
}

// Dispatcher is the narrow slice of the outbound dispatcher (C11) this
// package needs for auto-reply (step 10), kept as an interface so this
// package never imports internal/domain/outbound.
type Dispatcher interface {
	CreateAndApprove(ctx context.Context, licenseID int64, inboxID int64, channel model.Channel, recipientID string, body string, replyToPlatformID string) error
}

// Input is one analysis request.
type Input struct {
	MessageID         int64
	LicenseID         int64
	Channel           model.Channel
	Body              string
	SenderContact     string
	PlatformMessageID string
	ReplyToPlatformID string
	Attachments       []model.Attachment
	AutoReply         bool
}

// Orchestrator wires the analyzer, optional speaker, rate limiter,
// store and an optional dispatcher for auto-reply together.
type Orchestrator struct {
	backend    store.Backend
	analyzer   Analyzer
	speaker    Speaker // nil disables TTS
	limiter    ratelimit.Limiter
	dispatcher Dispatcher // nil disables auto-reply
	httpClient *http.Client
	sanitizer  *bluemonday.Policy

	maxPerDay    int
	maxPerMinute int

	sem chan struct{} // capacity-1 single-flight gate
}

// New builds an Orchestrator. speaker and dispatcher may be nil.
// maxPerDay/maxPerMinute are the license rate caps (MAX_MESSAGES_PER_USER_DAY/MINUTE).
func New(backend store.Backend, analyzer Analyzer, speaker Speaker, limiter ratelimit.Limiter, dispatcher Dispatcher, maxPerDay, maxPerMinute int) *Orchestrator {
	return &Orchestrator{
		backend:      backend,
		analyzer:     analyzer,
		speaker:      speaker,
		limiter:      limiter,
		dispatcher:   dispatcher,
		httpClient:   &http.Client{Timeout: urlScrapeTimeout},
		sanitizer:    bluemonday.StripTagsPolicy(),
		maxPerDay:    maxPerDay,
		maxPerMinute: maxPerMinute,
		sem:          make(chan struct{}, 1),
	}
}

// Analyze runs the full pipeline for one message. Errors are classified
// via apperr; a provider rate-limit sets the global cooldown and leaves
// the placeholder in place for the retry loop (C6) to pick up later.
func (o *Orchestrator) Analyze(ctx context.Context, in Input) error {
	limited, err := o.checkRateLimit(ctx, in.LicenseID)
	if err != nil {
		return fmt.Errorf("analysis: rate limit check: %w", err)
	}
	if limited {
		return apperr.New(apperr.KindRateLimited, "license over message rate limit", nil)
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-o.sem }()

	history, err := o.fetchHistory(ctx, in.LicenseID, in.SenderContact)
	if err != nil {
		logger.Warn("analysis: fetch history failed, continuing without it", zap.Error(err))
	}

	urlContext := o.scrapeFirstURL(ctx, in.Body)

	result, err := o.analyzer.Analyze(ctx, in.Body, history, urlContext)
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindRateLimited {
			_ = o.limiter.SetCooldown(ctx, cooldownOnLimit)
		}
		return fmt.Errorf("analysis: analyze: %w", err)
	}

	if o.speaker != nil && hasAudio(in.Attachments) {
		path, err := o.speaker.Synthesize(ctx, result.DraftResponse)
		if err != nil {
			logger.Warn("analysis: tts synthesis failed", zap.Error(err))
		} else {
			result.DraftResponse += "\n[AUDIO: " + path + "]"
		}
	}

	if err := o.persist(ctx, in.MessageID, result); err != nil {
		return fmt.Errorf("analysis: persist: %w", err)
	}

	if err := o.linkCustomer(ctx, in.LicenseID, in.MessageID, in.SenderContact, result); err != nil {
		logger.Warn("analysis: customer link failed", zap.Error(err))
	}

	// Marking the original platform message read is the caller's
	// responsibility (it holds the transport adapter); this package only
	// triggers the reply once a non-empty draft exists.
	if in.AutoReply && strings.TrimSpace(result.DraftResponse) != "" && o.dispatcher != nil {
		if err := o.dispatcher.CreateAndApprove(ctx, in.LicenseID, in.MessageID, in.Channel, in.SenderContact, result.DraftResponse, in.ReplyToPlatformID); err != nil {
			logger.Warn("analysis: auto-reply dispatch failed", zap.Error(err))
		}
	}

	if _, _, err := o.limiter.Incr(ctx, in.LicenseID, ratelimit.WindowDaily, o.maxPerDay); err != nil {
		logger.Warn("analysis: increment daily counter failed", zap.Error(err))
	}
	if _, _, err := o.limiter.Incr(ctx, in.LicenseID, ratelimit.WindowMinute, o.maxPerMinute); err != nil {
		logger.Warn("analysis: increment minute counter failed", zap.Error(err))
	}
	return nil
}

// checkRateLimit reports whether this license should be held back: either
// the global LLM cooldown is active, or its daily/minute counters (as of
// the last Incr, read-only here) are already at or over the configured
// cap. Neither check mutates a counter — only the final Incr in Analyze
// does, per the distilled design's separate "check" and "increment" steps.
func (o *Orchestrator) checkRateLimit(ctx context.Context, licenseID int64) (bool, error) {
	cooldown, err := o.limiter.Cooldown(ctx)
	if err != nil {
		return false, err
	}
	if cooldown {
		return true, nil
	}
	dayLimited, err := o.limiter.Peek(ctx, licenseID, ratelimit.WindowDaily, o.maxPerDay)
	if err != nil {
		return false, err
	}
	if dayLimited {
		return true, nil
	}
	return o.limiter.Peek(ctx, licenseID, ratelimit.WindowMinute, o.maxPerMinute)
}

// fetchHistory returns the last N lines of chat history for senderContact
// formatted as "User: …\nAgent: …", newest last.
func (o *Orchestrator) fetchHistory(ctx context.Context, licenseID int64, senderContact string) (string, error) {
	rows, err := o.backend.Query(ctx, `
		SELECT line FROM (
			SELECT 'User: ' || body AS line, received_at AS at FROM inbox_messages
				WHERE license_key_id = ? AND sender_contact = ? AND deleted_at IS NULL
			UNION ALL
			SELECT 'Agent: ' || body AS line, COALESCE(sent_at, created_at) AS at FROM outbox_messages
				WHERE license_key_id = ? AND recipient_id = ? AND deleted_at IS NULL
		) history
		ORDER BY at DESC LIMIT ?`,
		licenseID, senderContact, licenseID, senderContact, historyLines)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	// reverse to chronological order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), rows.Err()
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)
var scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)

// scrapeFirstURL fetches at most one URL found in body and returns its
// stripped, length-capped text, or "" on any failure (never fatal to the
// analysis call).
func (o *Orchestrator) scrapeFirstURL(ctx context.Context, body string) string {
	match := urlPattern.FindString(body)
	if match == "" {
		return ""
	}

	reqCtx, cancel := context.WithTimeout(ctx, urlScrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, match, nil)
	if err != nil {
		return ""
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}

	cleaned := scriptStylePattern.ReplaceAllString(string(raw), "")
	text := o.sanitizer.Sanitize(cleaned)
	text = strings.TrimSpace(text)
	if len(text) > urlScrapeMaxChars {
		text = text[:urlScrapeMaxChars]
	}
	return text
}

func hasAudio(attachments []model.Attachment) bool {
	for _, a := range attachments {
		if a.Type == model.AttachmentAudio || a.Type == model.AttachmentVoice {
			return true
		}
	}
	return false
}

// persist writes the analysis result, guarded by status IN (pending,
// NULL) so a later operator decision (approve/ignore arriving via
// webhook race) is never overwritten by a slow analysis.
func (o *Orchestrator) persist(ctx context.Context, messageID int64, r Result) error {
	_, err := o.backend.Exec(ctx, `
		UPDATE inbox_messages SET
			status = 'analyzed', intent = ?, urgency = ?, sentiment = ?, language = ?,
			dialect = ?, ai_summary = ?, ai_draft_response = ?
		WHERE id = ? AND (status = 'pending' OR status IS NULL)`,
		r.Intent, r.Urgency, r.Sentiment, r.Language, r.Dialect, r.Summary, r.DraftResponse, messageID)
	return err
}

// linkCustomer derives an email or phone from senderContact, upserts a
// customer row, links the message, and nudges the lead-score projection
// by leadScore's urgency/sentiment delta; the intent label does not enter
// the score.
func (o *Orchestrator) linkCustomer(ctx context.Context, licenseID, messageID int64, senderContact string, r Result) error {
	email, phone := "", ""
	if strings.Contains(senderContact, "@") {
		email = senderContact
	} else {
		phone = strings.TrimPrefix(senderContact, "tg:")
	}

	dialect := o.backend.Dialect()
	now := store.TimeValue(dialect, timeNow())

	row := o.backend.QueryRow(ctx, `SELECT id FROM customers WHERE license_key_id = ? AND email = ? AND phone = ?`,
		licenseID, email, phone)
	var customerID int64
	err := row.Scan(&customerID)
	if err != nil {
		res, insErr := o.backend.Exec(ctx, `INSERT INTO customers (license_key_id, email, phone, lead_score, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, licenseID, email, phone, leadScore(r), now, now)
		if insErr != nil {
			return insErr
		}
		customerID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	} else {
		if _, err := o.backend.Exec(ctx, `UPDATE customers SET lead_score = lead_score + ?, updated_at = ? WHERE id = ?`,
			leadScore(r), now, customerID); err != nil {
			return err
		}
	}

	_, err = o.backend.Exec(ctx, `INSERT OR IGNORE INTO customer_messages (customer_id, inbox_message_id) VALUES (?, ?)`,
		customerID, messageID)
	return err
}

// leadScore weighs urgency and sentiment into a small integer delta for
// the lead-score projection; intentionally simple, a real model would
// live behind the same Analyzer interface instead.
func leadScore(r Result) int {
	score := 0
	switch r.Urgency {
	case model.UrgencyUrgent:
		score += 3
	case model.UrgencyHigh:
		score += 2
	case model.UrgencyNormal:
		score += 1
	}
	if strings.Contains(strings.ToLower(r.Sentiment), "positive") {
		score++
	}
	return score
}

var nowFn = time.Now

func timeNow() time.Time { return nowFn().UTC() }
