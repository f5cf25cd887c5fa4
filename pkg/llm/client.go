// Package llm provides the chat-completions client used by the agent kernels
// and the tolerant parser that turns model output into (thinking, action)
// pairs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPart is one element of a multimodal message: either text or an
// inline base64 image.
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, typically a data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// Message is a single chat message. Content is a plain string for text-only
// messages or a []ContentPart for multimodal ones; MarshalJSON picks the
// right wire shape.
type Message struct {
	Role  string
	Text  string
	Parts []ContentPart
}

// MarshalJSON encodes the message in OpenAI chat-completions form.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Text})
}

// TextMessage builds a text-only message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Text: text}
}

// ImageMessage builds a user message carrying text plus one inline PNG image.
func ImageMessage(text string, pngBase64 string) Message {
	return Message{
		Role: RoleUser,
		Parts: []ContentPart{
			{Type: "text", Text: text},
			{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + pngBase64}},
		},
	}
}

// StripImages returns a copy of the message with image parts removed,
// keeping only the text. Used to cap vision-kernel context growth.
func (m Message) StripImages() Message {
	if len(m.Parts) == 0 {
		return m
	}
	text := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return Message{Role: m.Role, Text: text}
}

// Usage is the token accounting returned with every completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Completion is the result of one chat round trip.
type Completion struct {
	Content string
	Usage   Usage
	Latency time.Duration
}

// Request parameterizes one chat call.
type Request struct {
	Messages []Message
	// JSONMode forces the provider to return a JSON object
	// (response_format: json_object). Used by the structured kernel.
	JSONMode bool
}

// Config holds provider connection settings. APIKey is kept out of every
// log line and masked before any config echo.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger
}

// NewClient creates a chat-completions client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: slog.With("component", "llm-client", "model", cfg.Model),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat performs one chat-completions round trip.
func (c *Client) Chat(ctx context.Context, req Request) (*Completion, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion returned %d: %s", resp.StatusCode, truncate(string(data), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	latency := time.Since(start)
	c.logger.Debug("Chat completion finished",
		"latency_ms", latency.Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens)

	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
		Latency: latency,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
