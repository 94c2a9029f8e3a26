// Package postgres implements store.Store on Postgres through database/sql and
// the pgx stdlib driver. OAuth tokens are sealed with security.Sealer before
// they are written.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/security"
	"ticketbridge/internal/store"
)

const uniqueViolation = "23505"

// DBTX is the subset of *sql.DB and *sql.Tx the queries need.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs every store.Queries operation against db.
type Queries struct {
	db     DBTX
	sealer *security.Sealer
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, sealer: q.sealer}
}

// Store is the Postgres store.Store.
type Store struct {
	*Queries
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New returns a Store over db. sealer protects OAuth tokens at rest and must not be nil.
func New(db *sql.DB, sealer *security.Sealer) *Store {
	return &Store{Queries: &Queries{db: db, sealer: sealer}, db: db}
}

// InTx runs fn in a read-committed transaction. fn's error rolls back and is returned as is.
func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	if err := fn(s.Queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit tx", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// wrap marks err as an infrastructure failure. Unique violations become store.ErrConflict.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
