package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects subscription callbacks.
type recorder struct {
	mu     sync.Mutex
	events []Message
	errs   []error
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) onEvent(m Message) {
	r.mu.Lock()
	r.events = append(r.events, m)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for callback %d of %d", i+1, n)
		}
	}
}

func (r *recorder) snapshot() ([]Message, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.events...), append([]error(nil), r.errs...)
}

func writeEvents(w http.ResponseWriter, events ...string) {
	flusher := w.(http.Flusher)
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		flusher.Flush()
	}
}

func sseServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("unexpected Accept header: %s", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTransport_Subscribe(t *testing.T) {
	t.Run("delivers events in order and stops at terminal", func(t *testing.T) {
		srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/validation/42/stream" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			writeEvents(w,
				`{"step":"rules","message":"one"}`,
				`{"step":"rules","message":"one"}`,
				`{"step":"rules","message":"two"}`,
				`{"step":"result","result":{"overall_status":"PASSED"}}`,
				`{"step":"late","message":"ignored"}`,
			)
		})

		tr := NewTransport(Config{BaseURL: srv.URL})
		rec := newRecorder()
		cancel := tr.Subscribe(context.Background(), "/validation/42/stream", DialectStep, rec.onEvent, rec.onError)
		defer cancel()

		rec.wait(t, 4)
		time.Sleep(50 * time.Millisecond)

		events, errs := rec.snapshot()
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if len(events) != 4 {
			t.Fatalf("expected 4 events, got %d", len(events))
		}
		want := []string{"one", "one", "two", ""}
		for i, w := range want {
			if events[i].Text != w {
				t.Errorf("event %d text = %q, want %q", i, events[i].Text, w)
			}
		}
		if events[3].Kind != KindResult {
			t.Errorf("last event kind = %q, want result", events[3].Kind)
		}
	})

	t.Run("skips malformed events", func(t *testing.T) {
		srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w,
				`{"type":"status","message":"start"}`,
				`not json`,
				`{"message":"no tag"}`,
				`{"type":"complete","result":{"decision":"ACCEPT"}}`,
			)
		})

		rec := newRecorder()
		NewTransport(Config{BaseURL: srv.URL}).Subscribe(context.Background(), "/extraction/1/stream", DialectType, rec.onEvent, rec.onError)

		rec.wait(t, 2)
		events, errs := rec.snapshot()
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if events[0].Text != "start" || events[1].Kind != KindResult {
			t.Errorf("unexpected events: %+v", events)
		}
	})

	t.Run("stream ending early is a connection error", func(t *testing.T) {
		srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w, `{"step":"rules","message":"partial"}`)
		})

		rec := newRecorder()
		NewTransport(Config{BaseURL: srv.URL}).Subscribe(context.Background(), "/reporter/9/stream", DialectStep, rec.onEvent, rec.onError)

		rec.wait(t, 2)
		time.Sleep(50 * time.Millisecond)
		events, errs := rec.snapshot()
		if len(events) != 1 {
			t.Errorf("expected 1 event, got %d", len(events))
		}
		if len(errs) != 1 {
			t.Fatalf("expected exactly 1 error, got %d", len(errs))
		}
		var connErr *ConnError
		if !errors.As(errs[0], &connErr) {
			t.Errorf("expected *ConnError, got %T", errs[0])
		}
	})

	t.Run("non-200 status is a connection error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer srv.Close()

		rec := newRecorder()
		NewTransport(Config{BaseURL: srv.URL}).Subscribe(context.Background(), "/resolver/1/stream", DialectStep, rec.onEvent, rec.onError)

		rec.wait(t, 1)
		_, errs := rec.snapshot()
		if len(errs) != 1 || !strings.Contains(errs[0].Error(), "404") {
			t.Errorf("unexpected errors: %v", errs)
		}
	})

	t.Run("cancel discards later events and is silent", func(t *testing.T) {
		release := make(chan struct{})
		srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w, `{"step":"rules","message":"first"}`)
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			writeEvents(w,
				`{"step":"rules","message":"second"}`,
				`{"step":"result","result":{}}`,
			)
		})

		rec := newRecorder()
		cancel := NewTransport(Config{BaseURL: srv.URL}).Subscribe(context.Background(), "/validation/5/stream", DialectStep, rec.onEvent, rec.onError)

		rec.wait(t, 1)
		cancel()
		cancel()
		close(release)
		time.Sleep(100 * time.Millisecond)

		events, errs := rec.snapshot()
		if len(events) != 1 {
			t.Errorf("expected 1 event after cancel, got %d", len(events))
		}
		if len(errs) != 0 {
			t.Errorf("cancel should not report errors, got %v", errs)
		}
	})
}

func TestTransport_Framing(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ": keep-alive\r\n"+
			"data: {\"step\":\"rules\",\r\n"+
			"data: \"message\":\"split\"}\r\n"+
			"\r\n"+
			"event: ping\n"+
			"data: {\"step\":\"rules\",\"message\":\"named\"}\n"+
			"\n"+
			"id: 7\n"+
			"data:{\"step\":\"result\",\"result\":{\"ok\":true}}\n"+
			"\n")
	})

	rec := newRecorder()
	NewTransport(Config{BaseURL: srv.URL}).Subscribe(context.Background(), "/validation/3/stream", DialectStep, rec.onEvent, rec.onError)

	rec.wait(t, 2)
	time.Sleep(50 * time.Millisecond)
	events, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Text != "split" {
		t.Errorf("multi-line data text = %q, want split", events[0].Text)
	}
	if events[1].Kind != KindResult {
		t.Errorf("last event kind = %q, want result", events[1].Kind)
	}
}

func TestTransport_EventTooLarge(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"step":"rules","message":"before"}`,
			`{"step":"rules","message":"`+strings.Repeat("x", 8<<10)+`"}`,
			`{"step":"result","result":{}}`,
		)
	})

	rec := newRecorder()
	tr := NewTransport(Config{BaseURL: srv.URL, MaxEventBytes: 1 << 10})
	tr.Subscribe(context.Background(), "/validation/8/stream", DialectStep, rec.onEvent, rec.onError)

	rec.wait(t, 2)
	time.Sleep(50 * time.Millisecond)
	events, errs := rec.snapshot()
	if len(events) != 1 || events[0].Text != "before" {
		t.Errorf("unexpected events: %+v", events)
	}
	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 error, got %v", errs)
	}
	if !errors.Is(errs[0], ErrEventTooLarge) {
		t.Errorf("error = %v, want ErrEventTooLarge", errs[0])
	}
}
