package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/security"
	sessiondomain "ticketbridge/internal/session/domain"
	"ticketbridge/internal/store/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	st := memory.New()
	return NewManager(st, tokens, time.Hour), st
}

func issueAndCreate(t *testing.T, m *Manager, userID string) string {
	t.Helper()
	tok, _, err := m.IssueToken(userID, 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := m.CreateSession(context.Background(), userID, tok, sessiondomain.Metadata{UserAgent: "test", IPAddress: "127.0.0.1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return tok
}

func TestManager_VerifyAfterCreate(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	tok := issueAndCreate(t, m, "user-1")

	uid, err := m.Verify(ctx, tok)
	if err != nil || uid != "user-1" {
		t.Fatalf("Verify = %q, %v", uid, err)
	}
	sess, _ := st.FindSessionByTokenHash(ctx, security.HashToken(tok))
	if sess == nil {
		t.Fatal("session row keyed by token hash not found")
	}
	if sess.LastUsedAt == nil {
		t.Error("Verify should update last_used_at")
	}
	if sess.UserAgent != "test" || sess.IPAddress != "127.0.0.1" {
		t.Errorf("metadata = %q %q", sess.UserAgent, sess.IPAddress)
	}
	if raw, _ := st.FindSessionByTokenHash(ctx, tok); raw != nil {
		t.Error("raw token must not be a store key")
	}
}

func TestManager_InvalidateThenVerify(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tok := issueAndCreate(t, m, "user-1")
	other := issueAndCreate(t, m, "user-1")

	if err := m.Invalidate(ctx, tok); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if uid, err := m.Verify(ctx, tok); uid != "" || err != nil {
		t.Errorf("Verify after invalidate = %q, %v", uid, err)
	}
	if uid, _ := m.Verify(ctx, other); uid != "user-1" {
		t.Error("invalidate must not revoke the user's other sessions")
	}
	if err := m.Invalidate(ctx, tok); err != nil {
		t.Errorf("second Invalidate: %v", err)
	}
	if err := m.Invalidate(ctx, ""); err != nil {
		t.Errorf("Invalidate empty: %v", err)
	}
}

func TestManager_ExpiredTokenFailsWithLiveRow(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)
	m.tokens = m.tokens.WithClock(func() time.Time { return past })
	tok, _, err := m.IssueToken("user-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	// Row has not been swept and claims to be valid for another day.
	_ = st.InsertSession(ctx, &sessiondomain.Session{
		TokenHash: security.HashToken(tok),
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	m.tokens = m.tokens.WithClock(time.Now)

	if uid, err := m.Verify(ctx, tok); uid != "" || err != nil {
		t.Errorf("Verify expired token = %q, %v", uid, err)
	}
}

func TestManager_ExpiredRowFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tok := issueAndCreate(t, m, "user-1")
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if uid, _ := m.Verify(ctx, tok); uid != "" {
		t.Errorf("Verify with expired row = %q", uid)
	}
}

func TestManager_VerifyWithoutSession(t *testing.T) {
	m, _ := newTestManager(t)
	tok, _, _ := m.IssueToken("user-1", 0)
	if uid, err := m.Verify(context.Background(), tok); uid != "" || err != nil {
		t.Errorf("Verify without row = %q, %v", uid, err)
	}
}

func TestManager_VerifyGarbageSkipsStore(t *testing.T) {
	m, st := newTestManager(t)
	st.Fail = apperr.ErrStoreUnavailable
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if uid, err := m.Verify(context.Background(), tok); uid != "" || err != nil {
			t.Errorf("Verify(%q) = %q, %v; want no store lookup", tok, uid, err)
		}
	}
}

func TestManager_VerifyStoreUnavailable(t *testing.T) {
	m, st := newTestManager(t)
	tok := issueAndCreate(t, m, "user-1")
	st.Fail = apperr.ErrStoreUnavailable
	if _, err := m.Verify(context.Background(), tok); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestManager_CreateSession_Rejects(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.CreateSession(ctx, "user-1", "garbage", sessiondomain.Metadata{}); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Errorf("garbage token: %v", err)
	}
	tok, _, _ := m.IssueToken("user-1", 0)
	if err := m.CreateSession(ctx, "user-2", tok, sessiondomain.Metadata{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("subject mismatch: %v", err)
	}
}

func TestManager_SessionExpiryMatchesToken(t *testing.T) {
	m, st := newTestManager(t)
	tok, exp, err := m.IssueToken("user-1", 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_ = m.CreateSession(context.Background(), "user-1", tok, sessiondomain.Metadata{})
	sess, _ := st.FindSessionByTokenHash(context.Background(), security.HashToken(tok))
	if !sess.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, exp)
	}
}

// mismatchedStore returns a live session whose stored hash belongs to another token.
type mismatchedStore struct{ userID string }

func (mismatchedStore) InsertSession(context.Context, *sessiondomain.Session) error { return nil }

func (s mismatchedStore) FindSessionByTokenHash(context.Context, string) (*sessiondomain.Session, error) {
	return &sessiondomain.Session{TokenHash: security.HashToken("some-other-token"), UserID: s.userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (mismatchedStore) TouchSession(context.Context, string, time.Time) error { return nil }

func (mismatchedStore) DeleteSessionByTokenHash(context.Context, string) error { return nil }

func TestManager_VerifyRejectsHashMismatch(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	m := NewManager(mismatchedStore{userID: "user-1"}, tokens, time.Hour)
	tok, _, err := m.IssueToken("user-1", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if uid, err := m.Verify(context.Background(), tok); uid != "" || err != nil {
		t.Errorf("Verify = %q, %v; want rejection when the stored hash does not match", uid, err)
	}
}
