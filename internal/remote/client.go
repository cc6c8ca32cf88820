// Package remote is the HTTP client for the registration backend's sync API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// TokenSource supplies the bearer token attached to every request.
// Implementations must be safe for concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Error is returned for any failed request. StatusCode is zero when no
// response was received.
type Error struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d: %v", e.Operation, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPClient talks to the sync API over net/http.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a client for the service at baseURL.
// tokens may be nil when the service does not require authentication.
func NewHTTPClient(baseURL string, tokens TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		tokens:    tokens,
		userAgent: "farmsync-client/1.0",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: zap.NewNop(),
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithLogger sets the logger used for request/response tracing at debug level.
func (c *HTTPClient) WithLogger(l *zap.Logger) *HTTPClient {
	c.logger = logging.OrNop(l)
	return c
}

// BaseURL returns the service base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) setHeaders(ctx context.Context, req *http.Request) error {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// newStatusError prefers the detail or title of a problem body over the raw text.
func newStatusError(op string, statusCode int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		if d := doc.Get("detail").String(); d != "" {
			msg = d
		} else if t := doc.Get("title").String(); t != "" {
			msg = t
		}
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return &Error{Operation: op, StatusCode: statusCode, Err: fmt.Errorf("%s", msg)}
}

// do sends req and decodes a 2xx JSON body into out.
func (c *HTTPClient) do(ctx context.Context, op string, req *http.Request, out any) error {
	if err := c.setHeaders(ctx, req); err != nil {
		return &Error{Operation: op, Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("op", op), zap.String("url", req.URL.String()), zap.Error(err))
		return &Error{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("response",
		zap.String("op", op),
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.Int("bytes", len(body)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(op, resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Health calls GET /health.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, &Error{Operation: "health", Err: err}
	}

	var health HealthResponse
	if err := c.do(ctx, "health", req, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// SubmitBatch posts one batch of farmers and returns the per-record outcomes.
// Every call carries a fresh X-Request-ID.
func (c *HTTPClient) SubmitBatch(ctx context.Context, batch *BatchRequest) (*BatchResponse, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, &Error{Operation: "submit_batch", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Operation: "submit_batch", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	// Payloads carry personal data; only identifiers are logged.
	c.logger.Debug("submit batch",
		zap.Int("farmers", len(batch.Farmers)),
		zap.Strings("temp_ids", batch.TempIDs()),
		zap.Int("bytes", len(body)),
	)

	var result BatchResponse
	if err := c.do(ctx, "submit_batch", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status calls GET /api/sync/status for changes since the given time.
func (c *HTTPClient) Status(ctx context.Context, since time.Time) (*StatusResponse, error) {
	q := url.Values{}
	q.Set("last_sync", since.UTC().Format(time.RFC3339))
	reqURL := c.baseURL + "/api/sync/status?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Operation: "status", Err: err}
	}

	var result StatusResponse
	if err := c.do(ctx, "status", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
