// Package service manages stored OAuth credentials: the connect flow, transparent
// refresh of near-expiry tokens, and disconnect.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/audit"
	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/oauth"
	"ticketbridge/internal/store"
	"ticketbridge/internal/telemetry/metrics"
)

// DefaultRefreshMargin is how close to expiry a token is refreshed before use.
const DefaultRefreshMargin = 5 * time.Minute

// refreshTimeout bounds a shared refresh, which outlives any one caller's context.
const refreshTimeout = 30 * time.Second

// Providers resolves a provider to its OAuth client. *oauth.Registry implements it.
type Providers interface {
	Get(p connectiondomain.Provider) (oauth.Client, error)
}

var errDisconnected = errors.New("credential removed during refresh")

// Service is the credential cache/refresher.
type Service struct {
	store     store.Store
	providers Providers
	margin    time.Duration
	audit     audit.AuditLogger
	metrics   metrics.Recorder
	now       func() time.Time
	refreshes singleflight.Group
}

// NewService returns a Service. margin <= 0 uses DefaultRefreshMargin; auditLog and rec may be nil.
func NewService(st store.Store, providers Providers, margin time.Duration, auditLog audit.AuditLogger, rec metrics.Recorder) *Service {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{store: st, providers: providers, margin: margin, audit: auditLog, metrics: rec, now: time.Now}
}

// GetValidCredential returns the user's credential for provider, refreshing it
// first when it expires within the margin. Returns (nil, nil) when not connected.
//
// A refresh the provider rejects, or a credential without a refresh token, fails
// with apperr.ErrCredentialRefreshFailed and the stale token is not returned.
// Timeouts and other provider failures propagate unchanged so callers may retry.
func (s *Service) GetValidCredential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error) {
	c, err := s.store.FindOAuthCredential(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if c == nil {
		return nil, nil
	}
	if !c.NeedsRefresh(s.now().UTC(), s.margin) {
		return c, nil
	}
	// Concurrent callers for the same credential share one refresh. A caller that
	// gives up does not cancel it for the others.
	ch := s.refreshes.DoChan(userID+"\x00"+string(provider), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(rctx, c)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if errors.Is(res.Err, errDisconnected) {
		return nil, nil
	}
	if res.Err != nil {
		return nil, res.Err
	}
	cp := *res.Val.(*connectiondomain.Credential)
	return &cp, nil
}

func (s *Service) refresh(ctx context.Context, c *connectiondomain.Credential) (*connectiondomain.Credential, error) {
	if !c.CanRefresh() {
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionRefreshFailed, UserID: c.UserID, Provider: string(c.Provider), Detail: "no refresh token"})
		return nil, apperr.ErrCredentialRefreshFailed
	}
	client, err := s.providers.Get(c.Provider)
	if err != nil {
		return nil, err
	}
	ts, err := client.Refresh(ctx, c.RefreshToken)
	s.metrics.RecordTokenRefresh(string(c.Provider), err)
	if err != nil {
		if errors.Is(err, apperr.ErrOAuthRefreshFailed) {
			log.Printf("connection: refresh rejected for user %s provider %s: %v", c.UserID, c.Provider, err)
			s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionRefreshFailed, UserID: c.UserID, Provider: string(c.Provider)})
			return nil, fmt.Errorf("%w: %w", apperr.ErrCredentialRefreshFailed, err)
		}
		return nil, err
	}

	now := s.now().UTC()
	updated := *c
	updated.AccessToken = ts.AccessToken
	if ts.RefreshToken != "" {
		updated.RefreshToken = ts.RefreshToken
	}
	if ts.TokenType != "" {
		updated.TokenType = ts.TokenType
	}
	if len(ts.Scopes) > 0 {
		updated.Scopes = ts.Scopes
	}
	updated.ExpiresAt = ts.ExpiresAt(now)
	updated.UpdatedAt = now

	err = s.store.InTx(ctx, func(q store.Queries) error {
		cur, err := q.FindOAuthCredential(ctx, c.UserID, c.Provider)
		if err != nil {
			return err
		}
		if cur == nil {
			return errDisconnected
		}
		return q.UpsertOAuthCredential(ctx, &updated)
	})
	if errors.Is(err, store.ErrConflict) {
		// Changed underneath us; a delete must not be undone by the write.
		if cur, ferr := s.store.FindOAuthCredential(ctx, c.UserID, c.Provider); ferr == nil && cur == nil {
			err = errDisconnected
		}
	}
	if err != nil {
		if errors.Is(err, errDisconnected) {
			return nil, err
		}
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	return &updated, nil
}

// StoreCredential saves tokens for (userID, provider) bound to res. A reconnect
// fully replaces the previous token material and metadata.
func (s *Service) StoreCredential(ctx context.Context, userID string, provider connectiondomain.Provider, ts *oauth.TokenSet, res connectiondomain.Resource) (*connectiondomain.Credential, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id", "is required")
	}
	if ts == nil || ts.AccessToken == "" {
		return nil, apperr.Validation("access_token", "is required")
	}
	now := s.now().UTC()
	scopes := ts.Scopes
	if len(scopes) == 0 {
		scopes = res.Scopes
	}
	c := &connectiondomain.Credential{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		TokenType:    ts.TokenType,
		ExpiresAt:    ts.ExpiresAt(now),
		AccountID:    res.ID,
		AccountName:  res.Name,
		AccountURL:   res.URL,
		Scopes:       scopes,
		Metadata:     res.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.InTx(ctx, func(q store.Queries) error {
		return q.UpsertOAuthCredential(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	return c, nil
}

// DeleteCredential removes the credential. Deleting a missing credential is not an error.
// Ticket links created with it stay readable.
func (s *Service) DeleteCredential(ctx context.Context, userID string, provider connectiondomain.Provider) error {
	if err := s.store.DeleteOAuthCredential(ctx, userID, provider); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionOAuthDisconnect, UserID: userID, Provider: string(provider)})
	return nil
}

// Status returns the token-free connection status.
func (s *Service) Status(ctx context.Context, userID string, provider connectiondomain.Provider) (connectiondomain.Status, error) {
	c, err := s.store.FindOAuthCredential(ctx, userID, provider)
	if err != nil {
		return connectiondomain.Status{}, fmt.Errorf("connection status: %w", err)
	}
	return connectiondomain.StatusOf(provider, c), nil
}
