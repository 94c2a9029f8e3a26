package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sessiondomain "ticketbridge/internal/session/domain"
)

func (q *Queries) InsertSession(ctx context.Context, s *sessiondomain.Session) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO sessions (token_hash, user_id, expires_at, last_used_at, user_agent, ip_address, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.TokenHash, s.UserID, s.ExpiresAt, nullTime(s.LastUsedAt), s.UserAgent, s.IPAddress, s.CreatedAt)
	return wrap("insert session", err)
}

func (q *Queries) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*sessiondomain.Session, error) {
	var (
		s        sessiondomain.Session
		lastUsed sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
SELECT token_hash, user_id, expires_at, last_used_at, user_agent, ip_address, created_at
FROM sessions WHERE token_hash = $1`, tokenHash).
		Scan(&s.TokenHash, &s.UserID, &s.ExpiresAt, &lastUsed, &s.UserAgent, &s.IPAddress, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find session", err)
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastUsedAt = timePtr(lastUsed)
	return &s, nil
}

func (q *Queries) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE sessions SET last_used_at = $2 WHERE token_hash = $1`, tokenHash, at)
	return wrap("touch session", err)
}

func (q *Queries) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	return wrap("delete session", err)
}

func (q *Queries) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, wrap("delete expired sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
