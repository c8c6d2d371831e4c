// gemini.go implements Dispatcher on the Gemini generateContent REST API.
package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// GeminiConfig configures the Gemini dispatcher.
type GeminiConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// MaxHistoryTurns bounds conversation context per contact.
	MaxHistoryTurns int `yaml:"max_history_turns"`
}

// Gemini is a Dispatcher backed by the Gemini generateContent endpoint,
// keeping per-contact conversation history in memory.
type Gemini struct {
	apiKey  string
	baseURL string
	client  *http.Client
	history *History
	logger  *slog.Logger
}

// NewGemini creates a Gemini dispatcher.
func NewGemini(cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("dispatch: gemini API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		history: NewHistory(cfg.MaxHistoryTurns),
		logger:  logger.With("component", "gemini"),
	}, nil
}

// History exposes the conversation store for status output and teardown.
func (g *Gemini) History() *History { return g.history }

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

// geminiResponse is the generateContent response body.
type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Dispatch sends the turn plus conversation history to the model. Model
// failures degrade to a fallback reply; only context cancellation errors.
func (g *Gemini) Dispatch(ctx context.Context, turn Turn, opts Options) (string, error) {
	reply, err := g.generate(ctx, turn, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		g.logger.Warn("gemini: generation failed, using fallback",
			"session", turn.SessionID,
			"contact", turn.ContactID,
			"error", err)
		if len(turn.Attachments) > 0 {
			return FallbackMediaReply, nil
		}
		return FallbackReply, nil
	}

	g.history.Append(turn.SessionID, turn.ContactID, "user", turn.Text)
	g.history.Append(turn.SessionID, turn.ContactID, "model", reply)
	return reply, nil
}

func (g *Gemini) generate(ctx context.Context, turn Turn, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = defaultGeminiModel
	}

	var contents []geminiContent
	for _, entry := range g.history.Get(turn.SessionID, turn.ContactID) {
		contents = append(contents, geminiContent{
			Role:  entry.Role,
			Parts: []geminiPart{{Text: entry.Text}},
		})
	}

	userParts := make([]geminiPart, 0, 1+len(turn.Attachments))
	if turn.Text != "" {
		userParts = append(userParts, geminiPart{Text: turn.Text})
	}
	for _, att := range turn.Attachments {
		userParts = append(userParts, geminiPart{
			InlineData: &geminiInlineData{
				MIMEType: att.MIME,
				Data:     base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}
	if len(userParts) == 0 {
		return "", fmt.Errorf("gemini: empty turn")
	}
	contents = append(contents, geminiContent{Role: "user", Parts: userParts})

	reqBody := geminiRequest{
		Contents:         contents,
		GenerationConfig: geminiGenerationConfig{Temperature: opts.Temperature},
	}
	if opts.SystemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: opts.SystemPrompt}},
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result geminiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("gemini: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("gemini: API error: %s", result.Error.Message)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", fmt.Errorf("gemini: blank reply")
	}
	return reply, nil
}
