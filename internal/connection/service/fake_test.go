package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/oauth"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

// fakeClient is an in-process oauth.Client.
type fakeClient struct {
	provider connectiondomain.Provider

	mu         sync.Mutex
	refreshErr error
	exchange   *oauth.TokenSet
	resources  []connectiondomain.Resource
	// refreshDelay holds each refresh so concurrent callers overlap.
	refreshDelay time.Duration

	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	lastRedirect  string
}

var _ oauth.Client = (*fakeClient)(nil)

func (f *fakeClient) Provider() connectiondomain.Provider { return f.provider }

func (f *fakeClient) AuthorizationURL(state, redirectURI string) string {
	return "https://auth.example.test/authorize?state=" + state + "&redirect_uri=" + redirectURI
}

func (f *fakeClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.TokenSet, error) {
	f.exchangeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRedirect = redirectURI
	if code == "bad" {
		return nil, &apperr.ProviderError{Kind: apperr.ErrOAuthExchangeFailed, Provider: string(f.provider), Op: "exchange", Detail: "invalid_grant"}
	}
	return f.exchange, nil
}

func (f *fakeClient) Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	delay, err := f.refreshDelay, f.refreshErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &oauth.TokenSet{AccessToken: "refreshed-" + refreshToken, ExpiresIn: 3600}, nil
}

func (f *fakeClient) ListAccessibleResources(ctx context.Context, accessToken string) ([]connectiondomain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources, nil
}

func (f *fakeClient) CreateIssue(context.Context, string, connectiondomain.Resource, ticketdomain.Request) (*oauth.Issue, error) {
	return nil, apperr.ErrProviderError
}

func (f *fakeClient) GetIssue(context.Context, string, connectiondomain.Resource, string) (*ticketdomain.ExternalState, error) {
	return nil, apperr.ErrProviderError
}

func (f *fakeClient) TransitionIssue(context.Context, string, connectiondomain.Resource, string, string) error {
	return apperr.ErrProviderError
}
