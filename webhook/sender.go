// Package webhook delivers webhook_action requests over HTTP.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/songzhibin97/taskflow/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a delivery when the node has no timeout_seconds.
const DefaultTimeout = 30 * time.Second

// maxBody is how much of a response body is kept.
const maxBody = 64 << 10

// Sender implements workflow.Sender with an HTTP client.
type Sender struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the traced default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sender) {
		s.client = hc
	}
}

// WithTimeout sets the request timeout of the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.client = &http.Client{Timeout: d, Transport: s.client.Transport}
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Sender) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// NewSender creates a Sender.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userAgent: "taskflow-webhook/1.0",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send performs the request. Any HTTP answer is returned as a Response;
// only transport failures are errors.
func (s *Sender) Send(ctx context.Context, r workflow.Request) (workflow.Response, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if r.Payload != "" && method != http.MethodGet {
		body = strings.NewReader(r.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return workflow.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", s.userAgent)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return workflow.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return workflow.Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	s.logger.DebugContext(ctx, "webhook delivered",
		slog.String("method", method),
		slog.String("url", r.URL),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return workflow.Response{StatusCode: resp.StatusCode, Body: string(data)}, nil
}
