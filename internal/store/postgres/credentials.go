package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	connectiondomain "ticketbridge/internal/connection/domain"
)

// UpsertOAuthCredential replaces the (user, provider) row unless the stored row is newer.
func (q *Queries) UpsertOAuthCredential(ctx context.Context, c *connectiondomain.Credential) error {
	access, err := q.sealer.Seal(c.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := q.sealer.Seal(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	scopes, err := json.Marshal(nonNilScopes(c.Scopes))
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(c.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.UpdatedAt
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO oauth_connections (user_id, provider, access_token, refresh_token, token_type, token_expires_at,
	account_id, account_name, account_url, scopes, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (user_id, provider) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	token_type = EXCLUDED.token_type,
	token_expires_at = EXCLUDED.token_expires_at,
	account_id = EXCLUDED.account_id,
	account_name = EXCLUDED.account_name,
	account_url = EXCLUDED.account_url,
	scopes = EXCLUDED.scopes,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at
WHERE oauth_connections.updated_at <= EXCLUDED.updated_at`,
		c.UserID, string(c.Provider), access, refresh, c.TokenType, nullTime(c.ExpiresAt),
		c.AccountID, c.AccountName, c.AccountURL, scopes, metadata, createdAt, c.UpdatedAt)
	return wrap("upsert oauth credential", err)
}

func (q *Queries) FindOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error) {
	var (
		c                connectiondomain.Credential
		providerName     string
		access, refresh  string
		expiresAt        sql.NullTime
		scopes, metadata []byte
	)
	err := q.db.QueryRowContext(ctx, `
SELECT user_id, provider, access_token, refresh_token, token_type, token_expires_at,
	account_id, account_name, account_url, scopes, metadata, created_at, updated_at
FROM oauth_connections WHERE user_id = $1 AND provider = $2`, userID, string(provider)).
		Scan(&c.UserID, &providerName, &access, &refresh, &c.TokenType, &expiresAt,
			&c.AccountID, &c.AccountName, &c.AccountURL, &scopes, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find oauth credential", err)
	}
	c.Provider = connectiondomain.Provider(providerName)
	if c.AccessToken, err = q.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = q.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	if err := json.Unmarshal(scopes, &c.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	c.ExpiresAt = timePtr(expiresAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (q *Queries) DeleteOAuthCredential(ctx context.Context, userID string, provider connectiondomain.Provider) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM oauth_connections WHERE user_id = $1 AND provider = $2`, userID, string(provider))
	return wrap("delete oauth credential", err)
}

func nonNilScopes(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
