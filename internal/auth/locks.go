// Package auth drives authentication against the identity provider: the
// automated and manual login flows and the live session probe. Every
// operation that touches an account's browser profile holds that account's
// lock from AccountLocks.
package auth

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// AccountLocks hands out one exclusive, context-aware lock per account.
// Login, probe and session creation for the same account queue on it.
type AccountLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewAccountLocks creates an empty lock table.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{sems: make(map[string]*semaphore.Weighted)}
}

func (l *AccountLocks) sem(id string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[id]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.sems[id] = s
	}
	return s
}

// Acquire blocks until the account is free or ctx is done.
func (l *AccountLocks) Acquire(ctx context.Context, id string) (release func(), err error) {
	s := l.sem(id)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.Release(1) }) }, nil
}

// TryAcquire takes the lock only if it is free.
func (l *AccountLocks) TryAcquire(id string) (release func(), ok bool) {
	s := l.sem(id)
	if !s.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { s.Release(1) }) }, true
}
