package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	connectiondomain "ticketbridge/internal/connection/domain"
	sessiondomain "ticketbridge/internal/session/domain"
	"ticketbridge/internal/store"
	ticketdomain "ticketbridge/internal/ticket/domain"
	userdomain "ticketbridge/internal/user/domain"
)

// rowKey names a row a transaction has read or written.
type rowKey struct {
	table string
	a, b  string
}

// tx runs against a private copy of the state. Writes are applied to the copy
// and logged. On commit the log is replayed on the live state under the store
// mutex, then every row the transaction read is checked for a concurrent change.
// Range reads (List*) are not checked.
type tx struct {
	s       *Store
	snap    *queries
	ops     []func(q *queries) error
	reads   []func(live *state) bool
	tracked map[rowKey]bool
	held    map[credKey]bool
	unlocks []func()
}

var _ store.Queries = (*tx)(nil)

// InTx runs fn on a private copy of the state and publishes its writes when fn
// returns nil. The store mutex is not held while fn runs. A transaction that
// read a row another caller changed before the commit fails with store.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	t, err := s.beginTx()
	if err != nil {
		return err
	}
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) beginTx() (*tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	return &tx{
		s:       s,
		snap:    &queries{s: s, st: s.st.clone(), inTx: true},
		tracked: make(map[rowKey]bool),
		held:    make(map[credKey]bool),
	}, nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	live := &queries{s: s, st: s.st.clone(), inTx: true}
	for _, op := range t.ops {
		if err := op(live); err != nil {
			return err
		}
	}
	for _, unchanged := range t.reads {
		if !unchanged(s.st) {
			return store.ErrConflict
		}
	}
	s.st = live.st
	return nil
}

func (t *tx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}

// resync replaces the private copy with the live state plus this transaction's
// writes, so reads after a lock see what earlier lock holders committed.
func (t *tx) resync() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	snap := &queries{s: s, st: s.st.clone(), inTx: true}
	for _, op := range t.ops {
		if err := op(snap); err != nil {
			return err
		}
	}
	t.snap = snap
	return nil
}

// observe records the row's current value so commit can detect a concurrent
// change. Rows this transaction already read or wrote are skipped.
func (t *tx) observe(k rowKey, get func(st *state) any) {
	if t.tracked[k] {
		return
	}
	t.tracked[k] = true
	seen := get(t.snap.st)
	t.reads = append(t.reads, func(live *state) bool { return get(live) == seen })
}

func (t *tx) write(op func(q *queries) error, keys ...rowKey) error {
	if err := op(t.snap); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	for _, k := range keys {
		t.tracked[k] = true
	}
	return nil
}

func userByEmail(key string) func(st *state) any {
	return func(st *state) any { return st.users[st.emails[key]] }
}

func (t *tx) InsertUser(ctx context.Context, u *userdomain.User) error {
	return t.write(func(q *queries) error { return q.InsertUser(ctx, u) },
		rowKey{table: "email", a: strings.ToLower(u.Email)}, rowKey{table: "user", a: u.ID})
}

func (t *tx) FindUserByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	key := strings.ToLower(email)
	t.observe(rowKey{table: "email", a: key}, userByEmail(key))
	return t.snap.FindUserByEmail(ctx, email)
}

func (t *tx) FindUserByID(ctx context.Context, id string) (*userdomain.User, error) {
	t.observe(rowKey{table: "user", a: id}, func(st *state) any { return st.users[id] })
	return t.snap.FindUserByID(ctx, id)
}

func (t *tx) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return t.write(func(q *queries) error { return q.UpdateLastLogin(ctx, userID, at) }, rowKey{table: "user", a: userID})
}

func (t *tx) InsertSession(ctx context.Context, sess *sessiondomain.Session) error {
	return t.write(func(q *queries) error { return q.InsertSession(ctx, sess) }, rowKey{table: "session", a: sess.TokenHash})
}

func (t *tx) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*sessiondomain.Session, error) {
	t.observe(rowKey{table: "session", a: tokenHash}, func(st *state) any { return st.sessions[tokenHash] })
	return t.snap.FindSessionByTokenHash(ctx, tokenHash)
}

func (t *tx) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	return t.write(func(q *queries) error { return q.TouchSession(ctx, tokenHash, at) }, rowKey{table: "session", a: tokenHash})
}

func (t *tx) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	return t.write(func(q *queries) error { return q.DeleteSessionByTokenHash(ctx, tokenHash) }, rowKey{table: "session", a: tokenHash})
}

func (t *tx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := t.write(func(q *queries) error {
		var err error
		n, err = q.DeleteExpiredSessions(ctx, now)
		return err
	})
	return n, err
}

func (t *tx) UpsertOAuthCredential(ctx context.Context, c *connectiondomain.Credential) error {
	return t.write(func(q *queries) error { return q.UpsertOAuthCredential(ctx, c) },
		rowKey{table: "cred", a: c.UserID, b: string(c.Provider)})
}

func (t *tx) FindOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error) {
	key := credKey{userID, provider}
	t.observe(rowKey{table: "cred", a: userID, b: string(provider)}, func(st *state) any { return st.creds[key] })
	return t.snap.FindOAuthCredential(ctx, userID, provider)
}

func (t *tx) DeleteOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) error {
	return t.write(func(q *queries) error { return q.DeleteOAuthCredential(ctx, userID, provider) },
		rowKey{table: "cred", a: userID, b: string(provider)})
}

// LockLink takes the (source, provider) lock until the transaction ends, then
// refreshes the private copy.
func (t *tx) LockLink(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) error {
	key := credKey{sourceEntityID, provider}
	if t.held[key] {
		return nil
	}
	unlock, err := t.s.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = true
	t.unlocks = append(t.unlocks, unlock)
	return t.resync()
}

func (t *tx) FindLinkBySourceAndProvider(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) (*ticketdomain.Link, error) {
	key := credKey{sourceEntityID, provider}
	t.observe(rowKey{table: "link-source", a: sourceEntityID, b: string(provider)}, func(st *state) any { return st.linkIndex[key] })
	return t.snap.FindLinkBySourceAndProvider(ctx, sourceEntityID, provider)
}

func (t *tx) FindLinkByID(ctx context.Context, id string) (*ticketdomain.Link, error) {
	t.observe(rowKey{table: "link", a: id}, func(st *state) any { return st.links[id] })
	return t.snap.FindLinkByID(ctx, id)
}

func (t *tx) InsertLink(ctx context.Context, l *ticketdomain.Link) error {
	return t.write(func(q *queries) error { return q.InsertLink(ctx, l) },
		rowKey{table: "link", a: l.ID}, rowKey{table: "link-source", a: l.SourceEntityID, b: string(l.Provider)})
}

func (t *tx) UpdateLinkStatus(ctx context.Context, id string, es ticketdomain.ExternalState, syncedAt time.Time) error {
	return t.write(func(q *queries) error { return q.UpdateLinkStatus(ctx, id, es, syncedAt) }, rowKey{table: "link", a: id})
}

func (t *tx) ListLinksByUser(ctx context.Context, userID, caseID string) ([]*ticketdomain.Link, error) {
	return t.snap.ListLinksByUser(ctx, userID, caseID)
}

func (t *tx) FindViolation(ctx context.Context, id string) (*ticketdomain.Violation, error) {
	t.observe(rowKey{table: "violation", a: id}, func(st *state) any { return st.violations[id] })
	return t.snap.FindViolation(ctx, id)
}

func (t *tx) ListUnticketedViolations(ctx context.Context, caseID string, provider connectiondomain.Provider) ([]*ticketdomain.Violation, error) {
	return t.snap.ListUnticketedViolations(ctx, caseID, provider)
}

func (t *tx) MarkSourceTicketed(ctx context.Context, sourceEntityID, ticketKey string) error {
	return t.write(func(q *queries) error { return q.MarkSourceTicketed(ctx, sourceEntityID, ticketKey) },
		rowKey{table: "violation", a: sourceEntityID})
}

// keyLocks is a set of per-key mutexes that can be waited on with a context.
// An entry lives only while someone holds or waits for it.
type keyLocks struct {
	mu sync.Mutex
	m  map[credKey]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (l *keyLocks) acquire(ctx context.Context, key credKey) (func(), error) {
	l.mu.Lock()
	kl := l.m[key]
	if kl == nil {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return func() {
			<-kl.ch
			l.drop(key, kl)
		}, nil
	case <-ctx.Done():
		l.drop(key, kl)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) drop(key credKey, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.m, key)
	}
}
