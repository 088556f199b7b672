package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Defaults for NewClient.
const (
	DefaultTimeout    = 10 * time.Minute // Long timeout for uploads and synchronous stage runs
	DefaultAttempts   = 3
	DefaultRetryDelay = 500 * time.Millisecond
)

// Client is an HTTP client for the compliance service API.
//
// GET and PATCH requests are retried on transport errors, 429 and 5xx
// responses. POST requests start server-side work and are sent once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	attempts   uint
	retryDelay time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. It applies to a client given
// with WithHTTPClient too, without modifying the caller's copy.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets the attempts and base delay for idempotent requests.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts < 1 {
			attempts = 1
		}
		c.attempts = uint(attempts)
		c.retryDelay = delay
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger used for retry reports.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying http.Client. Its Timeout is kept
// unless WithTimeout is also given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new API client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs a GET request and decodes the JSON response.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	return c.withRetry(ctx, http.MethodGet, path, func() error {
		return c.do(ctx, http.MethodGet, path, nil, "", result)
	})
}

// GetText performs a GET request and returns the body as text.
func (c *Client) GetText(ctx context.Context, path string) (string, error) {
	var text string
	err := c.withRetry(ctx, http.MethodGet, path, func() error {
		body, err := c.send(ctx, http.MethodGet, path, nil, "", "text/plain")
		if err != nil {
			return err
		}
		text = string(body)
		return nil
	})
	return text, err
}

// Post performs a POST request with JSON body and decodes the response.
func (c *Client) Post(ctx context.Context, path string, body any, result any) error {
	reader, err := jsonBody(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, reader, "application/json", result)
}

// Patch performs a PATCH request with JSON body and decodes the response.
func (c *Client) Patch(ctx context.Context, path string, body any, result any) error {
	return c.withRetry(ctx, http.MethodPatch, path, func() error {
		// A fresh reader per attempt
		reader, err := jsonBody(body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		return c.do(ctx, http.MethodPatch, path, reader, "application/json", result)
	})
}

// FilePart is one file of a multipart upload.
type FilePart struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// PostMultipart uploads files under one form field and decodes the response.
// The body is streamed; uploads are never retried.
func (c *Client) PostMultipart(ctx context.Context, path, field string, files []FilePart, result any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for _, f := range files {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Filename))
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set("Content-Type", ct)

			part, err := mw.CreatePart(h)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, f.Content); err != nil {
				pw.CloseWithError(fmt.Errorf("failed to read %s: %w", f.Filename, err))
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	err := c.do(ctx, http.MethodPost, path, pr, mw.FormDataContentType(), result)
	// Unblock the writer if the request ended early
	pr.Close()
	return err
}

func (c *Client) withRetry(ctx context.Context, method, path string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && Retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("request attempt failed", "method", method, "path", path, "attempt", n+1, "error", err)
		}),
	)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	data, err := c.send(ctx, method, path, body, contentType, "application/json")
	if err != nil {
		return err
	}
	if result != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", accept)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp)
}

func (c *Client) handleResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

func jsonBody(body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return bytes.NewReader(bodyBytes), nil
}

// HTTPError is a response with status >= 400.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether err is worth another attempt: transport
// failures, 429 and 5xx responses.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return true
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// ErrorResponse matches the server's error response formats:
// {"detail": "..."} or {"detail": {...}}, and {"error": "..."}.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte) string {
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil {
		if len(errResp.Detail) > 0 && string(errResp.Detail) != "null" {
			var s string
			if json.Unmarshal(errResp.Detail, &s) == nil {
				return s
			}
			var compact bytes.Buffer
			if json.Compact(&compact, errResp.Detail) == nil {
				return compact.String()
			}
		}
		if errResp.Error != "" {
			return errResp.Error
		}
	}
	return strings.TrimSpace(string(body))
}
