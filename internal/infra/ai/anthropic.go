// Package ai provides the concrete Analyzer and Speaker implementations
// the analysis orchestrator (C10) is built against: an Anthropic Claude
// analyzer returning structured JSON, and an OpenAI TTS speaker for the
// audio-reply path.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/almudeer/engine/internal/domain/analysis"
	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/domain/model"
)

// analysisSchema is the fixed response shape the system prompt instructs
// the model to emit; kept private since analysis.Result is the only
// contract this package exposes outward.
type analysisSchema struct {
	Intent        string `json:"intent"`
	Urgency       string `json:"urgency"`
	Sentiment     string `json:"sentiment"`
	Language      string `json:"language"`
	Dialect       string `json:"dialect"`
	Summary       string `json:"summary"`
	DraftResponse string `json:"draft_response"`
}

const systemPrompt = `You are a customer-communication analysis assistant for a multi-channel
support inbox. Given the latest inbound message, recent chat history, and optional
scraped page context, respond with ONLY a JSON object with exactly these keys:
intent, urgency (one of "low","normal","high","urgent"), sentiment, language,
dialect, summary, draft_response. draft_response must be written in the same
language and dialect as the inbound message.`

// ClaudeAnalyzer implements analysis.Analyzer against the Anthropic Messages API.
type ClaudeAnalyzer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeAnalyzer builds an analyzer. modelName may be empty, in which
// case a current Sonnet model is used.
func NewClaudeAnalyzer(apiKey, modelName string) *ClaudeAnalyzer {
	m := anthropic.Model(modelName)
	if modelName == "" {
		m = anthropic.ModelClaude3_5SonnetLatest
	}
	return &ClaudeAnalyzer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}
}

func (a *ClaudeAnalyzer) Analyze(ctx context.Context, body, history, urlContext string) (analysis.Result, error) {
	var userText strings.Builder
	userText.WriteString("Inbound message:\n")
	userText.WriteString(body)
	if history != "" {
		userText.WriteString("\n\nRecent chat history:\n")
		userText.WriteString(history)
	}
	if urlContext != "" {
		userText.WriteString("\n\nScraped page context:\n")
		userText.WriteString(urlContext)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userText.String())),
		},
	})
	if err != nil {
		return analysis.Result{}, classifyErr(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var parsed analysisSchema
	raw := extractJSON(text.String())
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return analysis.Result{}, apperr.New(apperr.KindTransient, "malformed analyzer response", err)
	}

	return analysis.Result{
		Intent:        parsed.Intent,
		Urgency:       normalizeUrgency(parsed.Urgency),
		Sentiment:     parsed.Sentiment,
		Language:      parsed.Language,
		Dialect:       parsed.Dialect,
		Summary:       parsed.Summary,
		DraftResponse: parsed.DraftResponse,
	}, nil
}

func normalizeUrgency(raw string) model.Urgency {
	switch model.Urgency(strings.ToLower(raw)) {
	case model.UrgencyLow, model.UrgencyHigh, model.UrgencyUrgent:
		return model.Urgency(strings.ToLower(raw))
	default:
		return model.UrgencyNormal
	}
}

// extractJSON trims any prose wrapper the model added around the JSON
// object, taking the first '{' through the last '}'.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// classifyErr maps an Anthropic SDK error into the error taxonomy the
// rest of the engine branches on: 429 trips the global cooldown, other
// 5xx/network errors are transient and retried by the task queue.
func classifyErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return apperr.New(apperr.KindRateLimited, "anthropic rate limited", err)
		case apiErr.StatusCode >= 500:
			return apperr.New(apperr.KindTransient, "anthropic server error", err)
		default:
			return apperr.New(apperr.KindValidation, "anthropic request rejected", err)
		}
	}
	return apperr.New(apperr.KindTransient, "anthropic call failed", err)
}
