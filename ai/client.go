// Package ai talks to an OpenAI-compatible chat completions endpoint.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Defaults for NewClient.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o"
	DefaultTimeout = 60 * time.Second
)

// ErrNoAPIKey is returned when the client has no API key.
var ErrNoAPIKey = errors.New("ai: API key not configured")

// APIError is a non-200 answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai: provider returned status %d: %s", e.StatusCode, e.Message)
}

// Client generates text with a chat completions model.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient replaces the traced default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client. Outbound requests are traced with otelhttp.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the system and user prompts and returns the first choice.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	var messages []message
	if system != "" {
		messages = append(messages, message{Role: "system", Content: system})
	}
	messages = append(messages, message{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(data, &parsed)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		c.logger.WarnContext(ctx, "ai request failed",
			slog.String("model", c.model),
			slog.Int("status", resp.StatusCode))
		return "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("ai: response has no choices")
	}

	c.logger.DebugContext(ctx, "ai request completed",
		slog.String("model", c.model),
		slog.Duration("duration", time.Since(start)))
	return parsed.Choices[0].Message.Content, nil
}
