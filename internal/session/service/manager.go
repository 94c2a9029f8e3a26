// Package service implements the session manager: signed session tokens backed
// by a server-side row keyed by the token's SHA-256.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/security"
	sessiondomain "ticketbridge/internal/session/domain"
)

// SessionStore is the minimal session persistence needed by the manager.
type SessionStore interface {
	InsertSession(ctx context.Context, s *sessiondomain.Session) error
	FindSessionByTokenHash(ctx context.Context, tokenHash string) (*sessiondomain.Session, error)
	TouchSession(ctx context.Context, tokenHash string, at time.Time) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
}

// Manager issues, verifies and revokes session tokens.
type Manager struct {
	store  SessionStore
	tokens *security.TokenProvider
	ttl    time.Duration
	now    func() time.Time
}

// NewManager returns a Manager signing with tokens. ttl is the default token lifetime.
func NewManager(store SessionStore, tokens *security.TokenProvider, ttl time.Duration) *Manager {
	return &Manager{store: store, tokens: tokens, ttl: ttl, now: time.Now}
}

// IssueToken signs a token for userID. ttl <= 0 uses the manager's default.
// The raw token is returned once; only its hash is ever persisted.
func (m *Manager) IssueToken(userID string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	token, exp, err := m.tokens.Issue(userID, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	return token, exp, nil
}

// CreateSession records a session for rawToken. The row expires when the token does.
func (m *Manager) CreateSession(ctx context.Context, userID, rawToken string, meta sessiondomain.Metadata) error {
	claims, err := m.tokens.Validate(rawToken)
	if err != nil {
		return apperr.ErrInvalidOrExpiredToken
	}
	if claims.Subject != userID {
		return apperr.Validation("user_id", "does not match token subject")
	}
	now := m.now().UTC()
	s := &sessiondomain.Session{
		TokenHash: security.HashToken(rawToken),
		UserID:    userID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		CreatedAt: now,
	}
	if err := m.store.InsertSession(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Verify returns the user id for rawToken, or "" when the token is invalid,
// expired, or revoked. The signature is checked before any store lookup.
// A non-nil error means the store could not be consulted.
func (m *Manager) Verify(ctx context.Context, rawToken string) (string, error) {
	claims, err := m.tokens.Validate(rawToken)
	if err != nil {
		return "", nil
	}
	hash := security.HashToken(rawToken)
	sess, err := m.store.FindSessionByTokenHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}
	now := m.now().UTC()
	if !sess.Active(now) || !security.TokenHashEqual(rawToken, sess.TokenHash) || sess.UserID != claims.Subject {
		return "", nil
	}
	if err := m.store.TouchSession(ctx, hash, now); err != nil {
		log.Printf("session: touch failed for user %s: %v", sess.UserID, err)
	}
	return sess.UserID, nil
}

// Invalidate deletes the session for rawToken. Unknown tokens are not an error.
func (m *Manager) Invalidate(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return nil
	}
	if err := m.store.DeleteSessionByTokenHash(ctx, security.HashToken(rawToken)); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}
