package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/oauthstate"
)

// StateStore is an oauthstate.Store shared by every server instance.
type StateStore struct {
	db DBTX
}

var _ oauthstate.Store = (*StateStore)(nil)

// NewStateStore returns a StateStore over db.
func NewStateStore(db DBTX) *StateStore {
	return &StateStore{db: db}
}

func (s *StateStore) Put(ctx context.Context, state string, e oauthstate.Entry, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO oauth_states (state, user_id, provider, redirect_uri, expires_at)
VALUES ($1, $2, $3, $4, $5)`,
		state, e.UserID, string(e.Provider), e.RedirectURI, time.Now().UTC().Add(ttl))
	return wrap("put oauth state", err)
}

// Consume deletes and returns state in one statement; concurrent callers cannot both see the row.
func (s *StateStore) Consume(ctx context.Context, state string) (*oauthstate.Entry, error) {
	var (
		e        oauthstate.Entry
		provider string
		expires  time.Time
	)
	err := s.db.QueryRowContext(ctx, `
DELETE FROM oauth_states WHERE state = $1
RETURNING user_id, provider, redirect_uri, expires_at`, state).
		Scan(&e.UserID, &provider, &e.RedirectURI, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("consume oauth state", err)
	}
	if !expires.After(time.Now()) {
		return nil, nil
	}
	e.Provider = connectiondomain.Provider(provider)
	return &e, nil
}

func (s *StateStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, wrap("delete expired oauth states", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
