// Package inmem provides an in-memory notify.Sink used by tests and the
// single-process dev mode. Notifications accumulate per session and can be
// read back with Feed.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/notify"
)

// Sink records notifications per session.
type Sink struct {
	mu     sync.RWMutex
	feeds  map[uuid.UUID][]memory.Notification
	closed bool
}

var _ notify.Sink = (*Sink)(nil)

// New creates an empty in-memory sink.
func New() *Sink {
	return &Sink{feeds: make(map[uuid.UUID][]memory.Notification)}
}

// Send appends the notification to the session's feed.
func (s *Sink) Send(ctx context.Context, n memory.Notification) error {
	if n.SessionID == uuid.Nil {
		return errors.New("notification missing session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink is closed")
	}
	s.feeds[n.SessionID] = append(s.feeds[n.SessionID], n)
	return nil
}

// Close marks the sink closed. Idempotent.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Feed returns a copy of the session's notifications in append order.
func (s *Sink) Feed(sessionID uuid.UUID) []memory.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := s.feeds[sessionID]
	out := make([]memory.Notification, len(feed))
	copy(out, feed)
	return out
}
