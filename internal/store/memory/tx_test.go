package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	sessiondomain "ticketbridge/internal/session/domain"
	"ticketbridge/internal/store"
	ticketdomain "ticketbridge/internal/ticket/domain"
	userdomain "ticketbridge/internal/user/domain"
)

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func TestInTx_SlowTransactionDoesNotBlockOthers(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.InsertUser(ctx, &userdomain.User{ID: "u1", Email: "a@b.co", PasswordHash: "h"})

	inside := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.InTx(ctx, func(q store.Queries) error {
			if err := q.LockLink(ctx, "v1", connectiondomain.ProviderJira); err != nil {
				return err
			}
			close(inside)
			<-release // an outbound provider call
			return q.InsertLink(ctx, &ticketdomain.Link{ID: "l1", SourceEntityID: "v1", Provider: connectiondomain.ProviderJira})
		})
	}()
	<-inside

	others := make(chan error, 1)
	go func() {
		if err := s.InsertSession(ctx, &sessiondomain.Session{TokenHash: "h1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
			others <- err
			return
		}
		if u, err := s.FindUserByID(ctx, "u1"); err != nil || u == nil {
			others <- errors.New("user lookup failed")
			return
		}
		others <- s.InTx(ctx, func(q store.Queries) error {
			if err := q.LockLink(ctx, "v2", connectiondomain.ProviderJira); err != nil {
				return err
			}
			return q.InsertLink(ctx, &ticketdomain.Link{ID: "l2", SourceEntityID: "v2", Provider: connectiondomain.ProviderJira})
		})
	}()
	select {
	case err := <-others:
		if err != nil {
			t.Fatalf("concurrent operations: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operations on other rows waited for an open transaction")
	}

	close(release)
	if err := <-txDone; err != nil {
		t.Fatalf("slow InTx: %v", err)
	}
	if sess, _ := s.FindSessionByTokenHash(ctx, "h1"); sess == nil {
		t.Error("session written during the transaction was lost on commit")
	}
	if _, _, _, links := s.Counts(); links != 2 {
		t.Errorf("links = %d, want 2", links)
	}
	if n := s.locks.size(); n != 0 {
		t.Errorf("link locks left = %d, want 0", n)
	}
}

func TestInTx_LockLinkSeesEarlierHolder(t *testing.T) {
	s := New()
	ctx := context.Background()
	inside := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.InTx(ctx, func(q store.Queries) error {
			_ = q.LockLink(ctx, "v1", connectiondomain.ProviderJira)
			close(inside)
			<-release
			return q.InsertLink(ctx, &ticketdomain.Link{ID: "l1", SourceEntityID: "v1", Provider: connectiondomain.ProviderJira})
		})
	}()
	<-inside

	secondDone := make(chan *ticketdomain.Link, 1)
	go func() {
		var found *ticketdomain.Link
		_ = s.InTx(ctx, func(q store.Queries) error {
			if err := q.LockLink(ctx, "v1", connectiondomain.ProviderJira); err != nil {
				return err
			}
			l, err := q.FindLinkBySourceAndProvider(ctx, "v1", connectiondomain.ProviderJira)
			found = l
			return err
		})
		secondDone <- found
	}()

	select {
	case <-secondDone:
		t.Fatal("second transaction passed a held link lock")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first InTx: %v", err)
	}
	if l := <-secondDone; l == nil || l.ID != "l1" {
		t.Errorf("second transaction saw %+v, want l1", l)
	}
}

func TestInTx_LockLinkHonoursContext(t *testing.T) {
	s := New()
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InTx(context.Background(), func(q store.Queries) error {
			_ = q.LockLink(context.Background(), "v1", connectiondomain.ProviderGitHub)
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(q store.Queries) error {
		return q.LockLink(ctx, "v1", connectiondomain.ProviderGitHub)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
}

func TestInTx_ConflictOnChangedRead(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.UpsertOAuthCredential(ctx, &connectiondomain.Credential{UserID: "u1", Provider: connectiondomain.ProviderJira, AccessToken: "a1", UpdatedAt: now})

	err := s.InTx(ctx, func(q store.Queries) error {
		c, err := q.FindOAuthCredential(ctx, "u1", connectiondomain.ProviderJira)
		if err != nil || c == nil {
			return errors.New("credential missing")
		}
		// Disconnected while the transaction was open.
		if err := s.DeleteOAuthCredential(ctx, "u1", connectiondomain.ProviderJira); err != nil {
			return err
		}
		c.AccessToken = "a2"
		c.UpdatedAt = now.Add(time.Second)
		return q.UpsertOAuthCredential(ctx, c)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if c, _ := s.FindOAuthCredential(ctx, "u1", connectiondomain.ProviderJira); c != nil {
		t.Error("deleted credential was written back")
	}
}

func TestInTx_ReadsOwnWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.InTx(ctx, func(q store.Queries) error {
		if err := q.InsertUser(ctx, &userdomain.User{ID: "u1", Email: "a@b.co", PasswordHash: "h"}); err != nil {
			return err
		}
		u, err := q.FindUserByEmail(ctx, "A@B.co")
		if err != nil || u == nil || u.ID != "u1" {
			return errors.New("own insert not visible")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestInTx_ConcurrentDuplicateEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	inside := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	insert := func(id string, wait bool) func(q store.Queries) error {
		return func(q store.Queries) error {
			if u, err := q.FindUserByEmail(ctx, "a@b.co"); err != nil || u != nil {
				return errors.New("unexpected existing user")
			}
			if wait {
				close(inside)
				<-release
			}
			return q.InsertUser(ctx, &userdomain.User{ID: id, Email: "a@b.co", PasswordHash: "h"})
		}
	}
	go func() { firstDone <- s.InTx(ctx, insert("u1", true)) }()
	<-inside
	if err := s.InTx(ctx, insert("u2", false)); err != nil {
		t.Fatalf("second InTx: %v", err)
	}
	close(release)
	if err := <-firstDone; !errors.Is(err, apperr.ErrDuplicateEmail) {
		t.Errorf("late duplicate: want ErrDuplicateEmail, got %v", err)
	}
}
