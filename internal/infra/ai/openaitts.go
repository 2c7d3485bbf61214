package ai

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/almudeer/engine/internal/domain/apperr"
)

const openAISpeechURL = "https://api.openai.com/v1/audio/speech"

// OpenAITTSSpeaker implements analysis.Speaker by calling OpenAI's
// text-to-speech endpoint and writing the result under uploadDir, mirroring
// the same local-file-plus-base_url convention the email/whatsapp adapters
// use for inbound attachments.
type OpenAITTSSpeaker struct {
	apiKey     string
	voice      string
	uploadDir  string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAITTSSpeaker builds a speaker. voice defaults to "alloy" when empty.
func NewOpenAITTSSpeaker(apiKey, voice, uploadDir, baseURL string) *OpenAITTSSpeaker {
	if voice == "" {
		voice = "alloy"
	}
	return &OpenAITTSSpeaker{
		apiKey:     apiKey,
		voice:      voice,
		uploadDir:  uploadDir,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

func (s *OpenAITTSSpeaker) Synthesize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(speechRequest{Model: "tts-1", Input: text, Voice: s.voice})
	if err != nil {
		return "", fmt.Errorf("ai: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAISpeechURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: build tts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", apperr.New(apperr.KindTransient, "tts request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.KindTransient, fmt.Sprintf("tts returned status %d", resp.StatusCode), nil)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ai: read tts audio: %w", err)
	}

	name, err := randomFilename()
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.uploadDir, name)
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("ai: create upload dir: %w", err)
	}
	if err := os.WriteFile(fullPath, audio, 0o644); err != nil {
		return "", fmt.Errorf("ai: write tts audio: %w", err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + name, nil
	}
	return fullPath, nil
}

func randomFilename() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ai: random filename: %w", err)
	}
	return hex.EncodeToString(buf) + ".mp3", nil
}
