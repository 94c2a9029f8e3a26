package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/store"
	userdomain "ticketbridge/internal/user/domain"
)

const userColumns = `id, email, password_hash, first_name, last_name, company_name, company_type,
	avatar_url, is_active, email_verified, created_at, last_login_at`

func (q *Queries) InsertUser(ctx context.Context, u *userdomain.User) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.Email, u.PasswordHash,
		u.Profile.FirstName, u.Profile.LastName, u.Profile.CompanyName, u.Profile.CompanyType, u.Profile.AvatarURL,
		u.IsActive, u.EmailVerified, u.CreatedAt, nullTime(u.LastLoginAt))
	if isUniqueViolation(err) {
		if constraintName(err) == "users_pkey" {
			return store.ErrConflict
		}
		return apperr.ErrDuplicateEmail
	}
	return wrap("insert user", err)
}

func (q *Queries) FindUserByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (q *Queries) FindUserByID(ctx context.Context, id string) (*userdomain.User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (q *Queries) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, userID, at)
	return wrap("update last login", err)
}

func scanUser(row *sql.Row) (*userdomain.User, error) {
	var (
		u         userdomain.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash,
		&u.Profile.FirstName, &u.Profile.LastName, &u.Profile.CompanyName, &u.Profile.CompanyType, &u.Profile.AvatarURL,
		&u.IsActive, &u.EmailVerified, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("scan user", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}
