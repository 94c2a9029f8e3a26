package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/audit"
	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/oauthstate"
	"ticketbridge/internal/security"
)

// DefaultStateTTL bounds how long an authorization request may stay open.
const DefaultStateTTL = 10 * time.Minute

const stateBytes = 32

// Connector runs the authorization-code connect flow.
type Connector struct {
	states    oauthstate.Store
	providers Providers
	creds     *Service
	stateTTL  time.Duration
	audit     audit.AuditLogger
}

// NewConnector returns a Connector. stateTTL <= 0 uses DefaultStateTTL; auditLog may be nil.
func NewConnector(states oauthstate.Store, providers Providers, creds *Service, stateTTL time.Duration, auditLog audit.AuditLogger) *Connector {
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Connector{states: states, providers: providers, creds: creds, stateTTL: stateTTL, audit: auditLog}
}

// Begin starts a connect flow for userID and returns the provider consent URL.
// An empty redirectURI uses the provider's configured redirect.
func (c *Connector) Begin(ctx context.Context, userID string, provider connectiondomain.Provider, redirectURI string) (string, error) {
	if userID == "" {
		return "", apperr.Validation("user_id", "is required")
	}
	client, err := c.providers.Get(provider)
	if err != nil {
		return "", err
	}
	state, err := security.NewNonce(stateBytes)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	entry := oauthstate.Entry{UserID: userID, Provider: provider, RedirectURI: redirectURI}
	if err := c.states.Put(ctx, state, entry, c.stateTTL); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	return client.AuthorizationURL(state, redirectURI), nil
}

// Complete finishes the flow for the callback's code and state: it consumes the
// state, exchanges the code, resolves the account or site the token acts on and
// stores the credential. An unknown, expired, reused or foreign state fails with
// apperr.ErrInvalidOAuthState.
func (c *Connector) Complete(ctx context.Context, provider connectiondomain.Provider, code, state string) (connectiondomain.Status, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return connectiondomain.Status{}, apperr.ErrInvalidOAuthState
	}
	entry, err := c.states.Consume(ctx, state)
	if err != nil {
		return connectiondomain.Status{}, fmt.Errorf("consume state: %w", err)
	}
	if entry == nil || entry.Provider != provider {
		return connectiondomain.Status{}, apperr.ErrInvalidOAuthState
	}
	client, err := c.providers.Get(provider)
	if err != nil {
		return connectiondomain.Status{}, err
	}
	tokens, err := client.ExchangeCode(ctx, code, entry.RedirectURI)
	if err != nil {
		log.Printf("connection: code exchange failed for user %s provider %s: %v", entry.UserID, provider, err)
		return connectiondomain.Status{}, err
	}
	resources, err := client.ListAccessibleResources(ctx, tokens.AccessToken)
	if err != nil {
		return connectiondomain.Status{}, err
	}
	if len(resources) == 0 {
		return connectiondomain.Status{}, apperr.ErrNoAccessibleResource
	}
	cred, err := c.creds.StoreCredential(ctx, entry.UserID, provider, tokens, resources[0])
	if err != nil {
		return connectiondomain.Status{}, err
	}
	c.audit.LogEvent(ctx, audit.Event{Action: audit.ActionOAuthConnect, UserID: entry.UserID, Provider: string(provider), Resource: cred.AccountName})
	return connectiondomain.StatusOf(provider, cred), nil
}
