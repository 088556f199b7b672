package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	sse "github.com/tmaxmax/go-sse"
)

// DefaultMaxEventBytes bounds a single event.
const DefaultMaxEventBytes = 1 << 20

// ErrEventTooLarge ends a subscription whose stream carries an event over
// the configured size limit. The rest of that stream cannot be framed.
var ErrEventTooLarge = errors.New("stream event too large")

// CancelFunc closes a subscription. It is safe to call more than once.
type CancelFunc func()

// EventFunc receives one normalized message.
type EventFunc func(Message)

// ErrorFunc receives the single connection-level failure of a subscription.
type ErrorFunc func(error)

// Subscriber opens one event stream per call.
// Transport is the production implementation; tests substitute spies.
type Subscriber interface {
	Subscribe(ctx context.Context, path string, dialect Dialect, onEvent EventFunc, onError ErrorFunc) CancelFunc
}

// ConnError is reported when a stream connection fails or ends early.
type ConnError struct {
	Path string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection lost (%s): %v", e.Path, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Config configures a Transport.
type Config struct {
	// BaseURL is prefixed to every stream path (e.g. http://localhost:8000/api/v1).
	BaseURL string

	// HTTPClient is used for stream requests. It must not set a Timeout,
	// which would cut long-running streams. Defaults to a plain client.
	HTTPClient *http.Client

	// UserAgent is sent with each request when set.
	UserAgent string

	// MaxEventBytes bounds a single event. A larger event ends the
	// subscription with ErrEventTooLarge.
	MaxEventBytes int

	Logger *slog.Logger
}

// Transport opens SSE subscriptions against the compliance service.
// It never retries or reconnects: one subscription is one attempt.
type Transport struct {
	baseURL       string
	client        *http.Client
	userAgent     string
	maxEventBytes int
	logger        *slog.Logger
}

// NewTransport creates a Transport from cfg.
func NewTransport(cfg Config) *Transport {
	t := &Transport{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		client:        cfg.HTTPClient,
		userAgent:     cfg.UserAgent,
		maxEventBytes: cfg.MaxEventBytes,
		logger:        cfg.Logger,
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	if t.maxEventBytes <= 0 {
		t.maxEventBytes = DefaultMaxEventBytes
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// subscription tracks one open stream.
type subscription struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func (s *subscription) close() {
	s.stopped.Store(true)
	s.cancel()
}

// Subscribe opens path and delivers its events on a dedicated goroutine,
// synchronously and in arrival order. It returns immediately.
//
// After a terminal message the subscription closes itself. A connection
// failure (including the stream ending before a terminal message) is
// reported once through onError. Cancelling, via the returned func or ctx,
// is silent.
func (t *Transport) Subscribe(ctx context.Context, path string, dialect Dialect, onEvent EventFunc, onError ErrorFunc) CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	go t.run(ctx, sub, path, dialect, onEvent, onError)
	return sub.close
}

func (t *Transport) run(ctx context.Context, sub *subscription, path string, dialect Dialect, onEvent EventFunc, onError ErrorFunc) {
	defer sub.cancel()
	logger := t.logger.With("path", path)

	fail := func(err error) {
		if sub.stopped.Swap(true) || ctx.Err() != nil {
			logger.Debug("stream closed", "reason", err)
			return
		}
		logger.Warn("stream failed", "error", err)
		if onError != nil {
			onError(&ConnError{Path: path, Err: err})
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		fail(fmt.Errorf("failed to create request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		fail(fmt.Errorf("request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
		return
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		fail(fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
		return
	}

	logger.Debug("stream opened")

	err = t.read(resp.Body, sub, dialect, onEvent, logger)
	if sub.stopped.Load() {
		logger.Debug("stream finished")
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	fail(err)
}

// read delivers the default ("message") events of body until a terminal
// message, EOF or a read error. Named events and comments are ignored.
func (t *Transport) read(body io.Reader, sub *subscription, dialect Dialect, onEvent EventFunc, logger *slog.Logger) error {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: t.maxEventBytes}) {
		if err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return fmt.Errorf("%w: limit is %d bytes", ErrEventTooLarge, t.maxEventBytes)
			}
			return err
		}
		if sub.stopped.Load() {
			return nil
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}

		msg, err := Decode(dialect, []byte(ev.Data))
		if err != nil {
			logger.Warn("skipping malformed event", "error", err)
			continue
		}
		if onEvent != nil {
			onEvent(msg)
		}
		if msg.Terminal() {
			sub.stopped.Store(true)
			return nil
		}
	}
	return nil
}
