// Package oauth implements the OAuth client side of each supported provider:
// authorization URL, code exchange, refresh, resource discovery and the
// delegated issue calls made with a user's access token.
//
// Every outbound call is bounded by Config.Timeout. Failures are returned as
// *apperr.ProviderError; provider bodies are redacted before they are kept.
package oauth

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

// TokenSet is the token material returned by a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	// ExpiresIn is the access token lifetime in seconds; 0 means the token does not expire.
	ExpiresIn int64
}

// ExpiresAt converts ExpiresIn to an absolute time. Returns nil for non-expiring tokens.
func (t *TokenSet) ExpiresAt(now time.Time) *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(t.ExpiresIn) * time.Second)
	return &at
}

// Issue identifies a ticket created at a provider.
type Issue struct {
	ID     string
	Key    string
	URL    string
	Status string
}

// Client is the provider contract.
type Client interface {
	Provider() connectiondomain.Provider
	// AuthorizationURL builds the consent URL. An empty redirectURI uses the configured one.
	AuthorizationURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)
	// Refresh fails with apperr.ErrOAuthRefreshFailed when the provider rejects the
	// refresh token; that condition requires the user to re-authorize.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	// ListAccessibleResources returns the tenants the token can act on. An empty
	// result is not an error.
	ListAccessibleResources(ctx context.Context, accessToken string) ([]connectiondomain.Resource, error)

	CreateIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, req ticketdomain.Request) (*Issue, error)
	GetIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, key string) (*ticketdomain.ExternalState, error)
	TransitionIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, key, transitionID string) error
}

// CallObserver is told about every outbound provider call.
type CallObserver interface {
	ObserveProviderCall(provider, op string, err error, elapsed time.Duration)
}

// Config configures one provider client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	APIURL       string
	// Timeout bounds each outbound call; 0 uses DefaultTimeout.
	Timeout time.Duration
	// HTTPClient is used for every call; nil uses a client without its own timeout.
	HTTPClient *http.Client
	Observer   CallObserver
}

// DefaultTimeout bounds provider calls when Config.Timeout is unset.
const DefaultTimeout = 15 * time.Second

// Registry resolves providers to clients.
type Registry struct {
	clients map[connectiondomain.Provider]Client
}

// NewRegistry returns a Registry over clients. Later clients replace earlier ones for the same provider.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[connectiondomain.Provider]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// Get returns the client for p, or apperr.ErrUnsupportedProvider.
func (r *Registry) Get(p connectiondomain.Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, apperr.ErrUnsupportedProvider
	}
	return c, nil
}

// Providers lists the configured providers in name order.
func (r *Registry) Providers() []connectiondomain.Provider {
	out := make([]connectiondomain.Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// parseScopes accepts the comma-separated (GitHub) and space-separated (OAuth 2.0) forms.
func parseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
