// Package session keeps the bounded pool of long-lived automation sessions,
// one per notebook key, with idle eviction and exclusive per-key creation.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"nbpilot/internal/browser"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a step targets a session that was
	// closed while the step waited for its turn.
	ErrSessionClosed = errors.New("session closed")
	// ErrPoolReset is returned by a creation that was overtaken by CloseAll.
	ErrPoolReset = errors.New("session pool reset during creation")
)

// CapacityError reports that every slot is held by an in-flight creation.
// The pool waits for a slot rather than surfacing it.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session pool at capacity (%d) with no evictable session", e.Max)
}

// State is the lifecycle state of a session.
type State int32

const (
	StateActive State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one automation resource bound to a notebook key.
type Session struct {
	ID        string
	Key       string
	AccountID string
	CreatedAt time.Time

	page browser.Page
	op   *semaphore.Weighted // one automation step at a time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	messageCount int
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	AccountID    string    `json:"accountId"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

func newSession(id, key, accountID string, page browser.Page, now time.Time) *Session {
	return &Session{
		ID:           id,
		Key:          key,
		AccountID:    accountID,
		CreatedAt:    now,
		page:         page,
		op:           semaphore.NewWeighted(1),
		state:        StateActive,
		lastActivity: now,
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Key:          s.Key,
		AccountID:    s.AccountID,
		State:        s.state.String(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		MessageCount: s.messageCount,
	}
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MessageCount returns the number of completed automation steps since
// creation or the last reset.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) reset(now time.Time) {
	s.mu.Lock()
	s.messageCount = 0
	s.lastActivity = now
	s.mu.Unlock()
}

// close marks the session closed and releases its page. Safe to call twice.
func (s *Session) close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	if s.page == nil {
		return nil
	}
	return s.page.Close()
}
