// Package oauthstate holds the anti-CSRF state values issued for OAuth
// authorization requests. Each state is single-use and expires.
package oauthstate

import (
	"context"
	"sync"
	"time"

	connectiondomain "ticketbridge/internal/connection/domain"
)

// Entry is what a state value stands for: the user who started the flow.
type Entry struct {
	UserID      string
	Provider    connectiondomain.Provider
	RedirectURI string
}

// Store is a put-with-TTL, compare-and-delete key-value store for state values.
type Store interface {
	// Put records state until ttl elapses.
	Put(ctx context.Context, state string, e Entry, ttl time.Duration) error
	// Consume atomically removes state and returns its entry. Returns (nil, nil)
	// when state is unknown, expired or already consumed; of two concurrent
	// callers at most one gets the entry.
	Consume(ctx context.Context, state string) (*Entry, error)
	// DeleteExpired drops entries expired at now and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type entry struct {
	Entry
	expiresAt time.Time
}

// MemoryStore is an in-process Store for a single server instance.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]entry
	nowF func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Put stores e under state until now+ttl.
func (s *MemoryStore) Put(ctx context.Context, state string, e Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[state] = entry{Entry: e, expiresAt: s.nowF().Add(ttl)}
	return nil
}

// Consume removes state and returns its entry if it had not expired.
func (s *MemoryStore) Consume(ctx context.Context, state string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[state]
	if !ok {
		return nil, nil
	}
	delete(s.m, state)
	if !e.expiresAt.After(s.nowF()) {
		return nil, nil
	}
	out := e.Entry
	return &out, nil
}

// DeleteExpired drops every entry expired at now.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.m {
		if !e.expiresAt.After(now) {
			delete(s.m, k)
			n++
		}
	}
	return n, nil
}
