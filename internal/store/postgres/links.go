package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

const linkColumns = `id, user_id, source_entity_id, case_id, provider, resource_id, external_id, external_key,
	external_url, project_key, issue_type, priority, assignee, status, last_synced_at, created_at`

// LockLink takes a transaction-scoped advisory lock on (sourceEntityID, provider).
// Outside a transaction the lock is released as soon as the statement ends.
func (q *Queries) LockLink(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) error {
	_, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, sourceEntityID, string(provider))
	return wrap("lock link", err)
}

func (q *Queries) FindLinkBySourceAndProvider(ctx context.Context, sourceEntityID string, provider connectiondomain.Provider) (*ticketdomain.Link, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM ticket_links
WHERE source_entity_id = $1 AND provider = $2`, sourceEntityID, string(provider))
	return scanLink(row)
}

func (q *Queries) FindLinkByID(ctx context.Context, id string) (*ticketdomain.Link, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM ticket_links WHERE id = $1`, id)
	return scanLink(row)
}

func (q *Queries) InsertLink(ctx context.Context, l *ticketdomain.Link) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO ticket_links (`+linkColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.UserID, l.SourceEntityID, l.CaseID, string(l.Provider), l.ResourceID, l.ExternalID, l.ExternalKey,
		l.ExternalURL, l.ProjectKey, l.IssueType, l.Priority, l.Assignee, l.Status, nullTime(l.LastSyncedAt), l.CreatedAt)
	return wrap("insert link", err)
}

func (q *Queries) UpdateLinkStatus(ctx context.Context, id string, state ticketdomain.ExternalState, syncedAt time.Time) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE ticket_links SET status = $2, assignee = $3, last_synced_at = $4 WHERE id = $1`,
		id, state.Status, state.Assignee, syncedAt)
	if err != nil {
		return wrap("update link status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListLinksByUser returns the user's links, newest first. An empty caseID matches every case.
func (q *Queries) ListLinksByUser(ctx context.Context, userID, caseID string) ([]*ticketdomain.Link, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM ticket_links
WHERE user_id = $1 AND ($2 = '' OR case_id = $2)
ORDER BY created_at DESC, id`, userID, caseID)
	if err != nil {
		return nil, wrap("list links", err)
	}
	defer rows.Close()
	var out []*ticketdomain.Link
	for rows.Next() {
		l, err := scanLinkFields(rows)
		if err != nil {
			return nil, wrap("scan link", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list links", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row *sql.Row) (*ticketdomain.Link, error) {
	l, err := scanLinkFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("scan link", err)
	}
	return l, nil
}

func scanLinkFields(s scanner) (*ticketdomain.Link, error) {
	var (
		l        ticketdomain.Link
		provider string
		synced   sql.NullTime
	)
	if err := s.Scan(&l.ID, &l.UserID, &l.SourceEntityID, &l.CaseID, &provider, &l.ResourceID, &l.ExternalID,
		&l.ExternalKey, &l.ExternalURL, &l.ProjectKey, &l.IssueType, &l.Priority, &l.Assignee, &l.Status,
		&synced, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Provider = connectiondomain.Provider(provider)
	l.LastSyncedAt = timePtr(synced)
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}
