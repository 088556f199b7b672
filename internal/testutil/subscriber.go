// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taxdesk/taxdesk/internal/stream"
)

// Subscription is one stream opened through a Subscriber.
// Emit and Fail deliver on the caller's goroutine.
type Subscription struct {
	Path    string
	Dialect stream.Dialect
	Ctx     context.Context

	onEvent stream.EventFunc
	onError stream.ErrorFunc

	mu      sync.Mutex
	cancels int
}

// Emit delivers m as if it had arrived on the wire. It delivers even after
// cancellation, which models events already buffered when the stream closed.
func (s *Subscription) Emit(m stream.Message) {
	if s.onEvent != nil {
		s.onEvent(m)
	}
}

// Progress emits a non-terminal message with text.
func (s *Subscription) Progress(text string) {
	s.Emit(stream.Message{Kind: stream.KindProgress, Step: "status", Text: text})
}

// Result emits a terminal success message carrying result.
func (s *Subscription) Result(result string) {
	s.Emit(stream.Message{Kind: stream.KindResult, Step: s.Dialect.Success, Result: []byte(result)})
}

// ServerError emits a terminal error message.
func (s *Subscription) ServerError(text string) {
	s.Emit(stream.Message{Kind: stream.KindError, Step: "error", Text: text})
}

// Fail reports a connection-level failure.
func (s *Subscription) Fail(err error) {
	if s.onError != nil {
		s.onError(&stream.ConnError{Path: s.Path, Err: err})
	}
}

// Cancelled reports whether the subscriber closed the stream.
func (s *Subscription) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels > 0
}

func (s *Subscription) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
}

// Subscriber is a stream.Subscriber that records every call and lets the
// test drive the opened streams.
type Subscriber struct {
	mu     sync.Mutex
	subs   []*Subscription
	opened chan *Subscription
}

// NewSubscriber creates an empty recording subscriber.
func NewSubscriber() *Subscriber {
	return &Subscriber{opened: make(chan *Subscription, 64)}
}

// Subscribe implements stream.Subscriber.
func (s *Subscriber) Subscribe(ctx context.Context, path string, dialect stream.Dialect, onEvent stream.EventFunc, onError stream.ErrorFunc) stream.CancelFunc {
	sub := &Subscription{
		Path:    path,
		Dialect: dialect,
		Ctx:     ctx,
		onEvent: onEvent,
		onError: onError,
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	s.opened <- sub
	return sub.cancel
}

// Next waits for the next opened subscription.
func (s *Subscriber) Next(t testing.TB) *Subscription {
	t.Helper()
	select {
	case sub := <-s.opened:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a subscription (have %v)", s.Paths())
		return nil
	}
}

// NoMore fails the test if a subscription opens within wait.
func (s *Subscriber) NoMore(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case sub := <-s.opened:
		t.Fatalf("unexpected subscription to %s", sub.Path)
	case <-time.After(wait):
	}
}

// Paths returns the subscribed paths in call order.
func (s *Subscriber) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, len(s.subs))
	for i, sub := range s.subs {
		paths[i] = sub.Path
	}
	return paths
}
