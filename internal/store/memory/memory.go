// Package memory is an in-process store.Store. It is used by tests and by the
// server in development when DATABASE_URL is empty.
//
// All state sits behind one mutex, held only for the duration of a single
// operation. InTx runs its function on a private copy of the state without the
// mutex, so a slow transaction does not stall other callers; see tx.go.
// Stored values are never mutated in place.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	sessiondomain "ticketbridge/internal/session/domain"
	"ticketbridge/internal/store"
	ticketdomain "ticketbridge/internal/ticket/domain"
	userdomain "ticketbridge/internal/user/domain"
)

type credKey struct {
	userID   string
	provider connectiondomain.Provider
}

type state struct {
	users      map[string]*userdomain.User
	emails     map[string]string // lower(email) -> user id
	sessions   map[string]*sessiondomain.Session
	creds      map[credKey]*connectiondomain.Credential
	links      map[string]*ticketdomain.Link
	linkIndex  map[credKey]string // (source entity, provider) -> link id
	violations map[string]*ticketdomain.Violation
}

func newState() *state {
	return &state{
		users:      make(map[string]*userdomain.User),
		emails:     make(map[string]string),
		sessions:   make(map[string]*sessiondomain.Session),
		creds:      make(map[credKey]*connectiondomain.Credential),
		links:      make(map[string]*ticketdomain.Link),
		linkIndex:  make(map[credKey]string),
		violations: make(map[string]*ticketdomain.Violation),
	}
}

func (s *state) clone() *state {
	return &state{
		users:      maps.Clone(s.users),
		emails:     maps.Clone(s.emails),
		sessions:   maps.Clone(s.sessions),
		creds:      maps.Clone(s.creds),
		links:      maps.Clone(s.links),
		linkIndex:  maps.Clone(s.linkIndex),
		violations: maps.Clone(s.violations),
	}
}

// Store is an in-memory store.Store.
type Store struct {
	*queries
	mu    sync.Mutex
	st    *state
	locks keyLocks
	// Fail, when set, is returned by every operation. Tests use it to simulate an outage.
	Fail error
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	s := &Store{st: newState(), locks: keyLocks{m: make(map[credKey]*keyLock)}}
	s.queries = &queries{s: s}
	return s
}

// Ping returns Fail.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fail
}

// PutViolation inserts or replaces a violation. Violations are owned by the
// scanning pipeline; this is the seeding entry point for tests and dev.
func (s *Store) PutViolation(v *ticketdomain.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.st.violations[v.ID] = &cp
}

// Counts reports row counts, for tests.
func (s *Store) Counts() (users, sessions, creds, links int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.users), len(s.st.sessions), len(s.st.creds), len(s.st.links)
}

type queries struct {
	s    *Store
	st   *state
	inTx bool
}

// begin returns the state to operate on and the function releasing it. Inside
// a transaction the state is private and needs no lock.
func (q *queries) begin() (*state, func(), error) {
	if q.inTx {
		return q.st, func() {}, nil
	}
	q.s.mu.Lock()
	if q.s.Fail != nil {
		q.s.mu.Unlock()
		return nil, nil, q.s.Fail
	}
	return q.s.st, q.s.mu.Unlock, nil
}

func (q *queries) InsertUser(ctx context.Context, u *userdomain.User) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	key := strings.ToLower(u.Email)
	if _, ok := st.emails[key]; ok {
		return apperr.ErrDuplicateEmail
	}
	if _, ok := st.users[u.ID]; ok {
		return store.ErrConflict
	}
	cp := *u
	st.users[u.ID] = &cp
	st.emails[key] = u.ID
	return nil
}

func (q *queries) FindUserByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	id, ok := st.emails[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return copyUser(st.users[id]), nil
}

func (q *queries) FindUserByID(ctx context.Context, id string) (*userdomain.User, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return copyUser(st.users[id]), nil
}

func (q *queries) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	u, ok := st.users[userID]
	if !ok {
		return nil
	}
	cp := *u
	cp.LastLoginAt = &at
	st.users[userID] = &cp
	return nil
}

func (q *queries) InsertSession(ctx context.Context, sess *sessiondomain.Session) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	if _, ok := st.sessions[sess.TokenHash]; ok {
		return store.ErrConflict
	}
	cp := *sess
	st.sessions[sess.TokenHash] = &cp
	return nil
}

func (q *queries) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*sessiondomain.Session, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	sess, ok := st.sessions[tokenHash]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (q *queries) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	sess, ok := st.sessions[tokenHash]
	if !ok {
		return nil
	}
	cp := *sess
	cp.LastUsedAt = &at
	st.sessions[tokenHash] = &cp
	return nil
}

func (q *queries) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	delete(st.sessions, tokenHash)
	return nil
}

func (q *queries) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	st, done, err := q.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	var n int64
	for h, sess := range st.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(st.sessions, h)
			n++
		}
	}
	return n, nil
}

func (q *queries) UpsertOAuthCredential(ctx context.Context, c *connectiondomain.Credential) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	key := credKey{c.UserID, c.Provider}
	cp := copyCredential(c)
	if prev, ok := st.creds[key]; ok {
		if c.UpdatedAt.Before(prev.UpdatedAt) {
			return nil
		}
		cp.CreatedAt = prev.CreatedAt
	}
	st.creds[key] = cp
	return nil
}

func (q *queries) FindOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	c, ok := st.creds[credKey{userID, provider}]
	if !ok {
		return nil, nil
	}
	return copyCredential(c), nil
}

func (q *queries) DeleteOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	delete(st.creds, credKey{userID, provider})
	return nil
}

// LockLink is a no-op outside a transaction.
func (q *queries) LockLink(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) error {
	return nil
}

func (q *queries) FindLinkBySourceAndProvider(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) (*ticketdomain.Link, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	id, ok := st.linkIndex[credKey{sourceEntityID, provider}]
	if !ok {
		return nil, nil
	}
	return copyLink(st.links[id]), nil
}

func (q *queries) FindLinkByID(ctx context.Context, id string) (*ticketdomain.Link, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return copyLink(st.links[id]), nil
}

func (q *queries) InsertLink(ctx context.Context, l *ticketdomain.Link) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	key := credKey{l.SourceEntityID, l.Provider}
	if _, ok := st.linkIndex[key]; ok {
		return store.ErrConflict
	}
	if _, ok := st.links[l.ID]; ok {
		return store.ErrConflict
	}
	st.links[l.ID] = copyLink(l)
	st.linkIndex[key] = l.ID
	return nil
}

func (q *queries) UpdateLinkStatus(ctx context.Context, id string, es ticketdomain.ExternalState, syncedAt time.Time) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	l, ok := st.links[id]
	if !ok {
		return apperr.ErrNotFound
	}
	cp := copyLink(l)
	cp.Status = es.Status
	cp.Assignee = es.Assignee
	cp.LastSyncedAt = &syncedAt
	st.links[id] = cp
	return nil
}

func (q *queries) ListLinksByUser(ctx context.Context, userID, caseID string) ([]*ticketdomain.Link, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	var out []*ticketdomain.Link
	for _, l := range st.links {
		if l.UserID != userID || (caseID != "" && l.CaseID != caseID) {
			continue
		}
		out = append(out, copyLink(l))
	}
	slices.SortFunc(out, func(a, b *ticketdomain.Link) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (q *queries) FindViolation(ctx context.Context, id string) (*ticketdomain.Violation, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	v, ok := st.violations[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (q *queries) ListUnticketedViolations(ctx context.Context, caseID string, provider connectiondomain.Provider) ([]*ticketdomain.Violation, error) {
	st, done, err := q.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	var out []*ticketdomain.Violation
	for _, v := range st.violations {
		if v.CaseID != caseID || v.Status != ticketdomain.ViolationApproved {
			continue
		}
		if _, linked := st.linkIndex[credKey{v.ID, provider}]; linked {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *ticketdomain.Violation) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (q *queries) MarkSourceTicketed(ctx context.Context, sourceEntityID, ticketKey string) error {
	st, done, err := q.begin()
	if err != nil {
		return err
	}
	defer done()
	v, ok := st.violations[sourceEntityID]
	if !ok {
		return nil
	}
	cp := *v
	cp.TicketKey = ticketKey
	st.violations[sourceEntityID] = &cp
	return nil
}

func copyUser(u *userdomain.User) *userdomain.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func copyCredential(c *connectiondomain.Credential) *connectiondomain.Credential {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}

func copyLink(l *ticketdomain.Link) *ticketdomain.Link {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}
