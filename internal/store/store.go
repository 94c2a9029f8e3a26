// Package store defines the credential store contract: transactional persistence
// of users, sessions, OAuth credentials, ticket links and the violations links
// are created from. Implementations live in store/postgres and store/memory.
//
// Find* methods return (nil, nil) when the row does not exist. Infrastructure
// failures wrap apperr.ErrStoreUnavailable.
package store

import (
	"context"
	"errors"
	"time"

	connectiondomain "ticketbridge/internal/connection/domain"
	sessiondomain "ticketbridge/internal/session/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
	userdomain "ticketbridge/internal/user/domain"
)

// ErrConflict is returned when an insert violates a uniqueness constraint other
// than user email (which maps to apperr.ErrDuplicateEmail).
var ErrConflict = errors.New("store: conflict")

// Queries is the set of operations that may be composed inside one transaction.
type Queries interface {
	InsertUser(ctx context.Context, u *userdomain.User) error
	FindUserByEmail(ctx context.Context, email string) (*userdomain.User, error)
	FindUserByID(ctx context.Context, id string) (*userdomain.User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error

	InsertSession(ctx context.Context, s *sessiondomain.Session) error
	FindSessionByTokenHash(ctx context.Context, tokenHash string) (*sessiondomain.Session, error)
	TouchSession(ctx context.Context, tokenHash string, at time.Time) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// UpsertOAuthCredential inserts or fully replaces the (user, provider) row.
	// A write whose UpdatedAt is older than the stored row is ignored.
	UpsertOAuthCredential(ctx context.Context, c *connectiondomain.Credential) error
	FindOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error)
	DeleteOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) error

	// LockLink serializes link creation for (sourceEntityID, provider) until the
	// enclosing transaction ends. Outside a transaction it is a no-op.
	LockLink(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) error
	FindLinkBySourceAndProvider(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) (*ticketdomain.Link, error)
	FindLinkByID(ctx context.Context, id string) (*ticketdomain.Link, error)
	InsertLink(ctx context.Context, l *ticketdomain.Link) error
	UpdateLinkStatus(ctx context.Context, id string, state ticketdomain.ExternalState, syncedAt time.Time) error
	ListLinksByUser(ctx context.Context, userID, caseID string) ([]*ticketdomain.Link, error)

	FindViolation(ctx context.Context, id string) (*ticketdomain.Violation, error)
	// ListUnticketedViolations returns approved violations of caseID with no link for provider.
	ListUnticketedViolations(ctx context.Context, caseID string, provider connectiondomain.Provider) ([]*ticketdomain.Violation, error)
	MarkSourceTicketed(ctx context.Context, sourceEntityID, ticketKey string) error
}

// Store is a Queries that can also run a function atomically.
type Store interface {
	Queries
	// InTx runs fn in a transaction; fn's error rolls it back and is returned.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}
