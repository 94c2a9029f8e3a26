package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	connectionservice "ticketbridge/internal/connection/service"
	"ticketbridge/internal/health"
	identityservice "ticketbridge/internal/identity/service"
	"ticketbridge/internal/oauth"
	"ticketbridge/internal/oauthstate"
	"ticketbridge/internal/security"
	"ticketbridge/internal/server/middleware"
	sessionservice "ticketbridge/internal/session/service"
	"ticketbridge/internal/store/memory"
	"ticketbridge/internal/telemetry/metrics"
	ticketdomain "ticketbridge/internal/ticket/domain"
	ticketservice "ticketbridge/internal/ticket/service"
)

// stubJira is an in-process Jira client.
type stubJira struct {
	mu     sync.Mutex
	issues map[string]*ticketdomain.ExternalState
	next   int
}

func (s *stubJira) Provider() connectiondomain.Provider { return connectiondomain.ProviderJira }

func (s *stubJira) AuthorizationURL(state, redirectURI string) string {
	return "https://auth.example.test/authorize?state=" + url.QueryEscape(state)
}

func (s *stubJira) ExchangeCode(_ context.Context, code, _ string) (*oauth.TokenSet, error) {
	if code != "good-code" {
		return nil, &apperr.ProviderError{Kind: apperr.ErrOAuthExchangeFailed, Provider: "jira", Op: "exchange"}
	}
	return &oauth.TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600, Scopes: []string{"write:jira-work"}}, nil
}

func (s *stubJira) Refresh(context.Context, string) (*oauth.TokenSet, error) {
	return &oauth.TokenSet{AccessToken: "at2", ExpiresIn: 3600}, nil
}

func (s *stubJira) ListAccessibleResources(context.Context, string) ([]connectiondomain.Resource, error) {
	return []connectiondomain.Resource{{ID: "site-1", Name: "acme", URL: "https://acme.atlassian.net"}}, nil
}

func (s *stubJira) CreateIssue(_ context.Context, _ string, res connectiondomain.Resource, req ticketdomain.Request) (*oauth.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	key := fmt.Sprintf("%s-%d", req.ProjectKey, s.next)
	if s.issues == nil {
		s.issues = map[string]*ticketdomain.ExternalState{}
	}
	s.issues[key] = &ticketdomain.ExternalState{Status: ticketdomain.InitialStatus}
	return &oauth.Issue{ID: fmt.Sprint(s.next), Key: key, URL: res.URL + "/browse/" + key, Status: ticketdomain.InitialStatus}, nil
}

func (s *stubJira) GetIssue(_ context.Context, _ string, _ connectiondomain.Resource, key string) (*ticketdomain.ExternalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.issues[key]
	if !ok {
		return nil, &apperr.ProviderError{Kind: apperr.ErrProviderError, Provider: "jira", Op: "get_issue", StatusCode: 404}
	}
	cp := *st
	return &cp, nil
}

func (s *stubJira) TransitionIssue(_ context.Context, _ string, _ connectiondomain.Resource, key, transitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.issues[key]; ok && transitionID == "31" {
		st.Status = "Done"
	}
	return nil
}

type testEnv struct {
	srv   *httptest.Server
	store *memory.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	authn, err := identityservice.NewAuthenticator(st, security.NewHasher(4))
	require.NoError(t, err)
	sessions := sessionservice.NewManager(st, tokens, time.Hour)
	reg := prometheus.NewRegistry()
	rec := metrics.NewCollector(reg)
	providers := oauth.NewRegistry(&stubJira{})
	creds := connectionservice.NewService(st, providers, 0, nil, rec)
	connector := connectionservice.NewConnector(oauthstate.NewMemoryStore(), providers, creds, time.Minute, nil)
	tickets := ticketservice.NewService(st, creds, providers, nil, nil, rec)
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{PerMinute: 60, Burst: 50, CleanupInterval: time.Minute})
	t.Cleanup(limiter.Stop)

	h := NewRouter(RouterDeps{
		Sessions:    sessions,
		RateLimiter: limiter,
		Auth:        identityservice.NewAuthService(authn, sessions, st, nil, rec),
		Connector:   connector,
		Connections: creds,
		Tickets:     tickets,
		Health:      health.NewChecker(st, nil),
		Gatherer:    reg,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	resp, _ := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": email, "password": "correct-horse-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "password": "correct-horse-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, "bearer", res.TokenType)
	require.NotEmpty(t, res.AccessToken)
	return res.AccessToken
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e.Error
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me map[string]any
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice@example.com", me["email"])
	assert.NotContains(t, string(body), "password")

	resp, _ = env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid or expired token", errorMessage(t, body))
}

func TestAuthErrors(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "bob@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "BOB@example.com", "password": "correct-horse-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "email already registered", errorMessage(t, body))

	_, wrongPw := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "bob@example.com", "password": "wrong-horse-1"})
	_, unknown := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "wrong-horse-1"})
	assert.Equal(t, string(wrongPw), string(unknown), "unknown email and wrong password must be indistinguishable")

	resp, _ = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "not-an-email", "password": "correct-horse-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{"email": "bob@example.com", "extra": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	limited := false
	for i := 0; i < 60; i++ {
		resp, _ := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "x@example.com", "password": "wrong-horse-1"})
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			limited = true
			break
		}
	}
	assert.True(t, limited, "login should be rate limited")
}

func connectJira(t *testing.T, env *testEnv, token string) {
	t.Helper()
	resp, body := env.do(t, http.MethodGet, "/api/oauth/jira/connect", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var c struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	require.NoError(t, json.Unmarshal(body, &c))
	u, err := url.Parse(c.AuthorizationURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	resp, body = env.do(t, http.MethodGet, "/api/oauth/jira/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st connectiondomain.Status
	require.NoError(t, json.Unmarshal(body, &st))
	require.True(t, st.Connected)
	assert.Equal(t, "acme", st.AccountName)
	assert.NotContains(t, string(body), `"at"`)

	resp, _ = env.do(t, http.MethodGet, "/api/oauth/jira/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "state is single use")
}

func TestOAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "carol@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/oauth/jira/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":false`)

	connectJira(t, env, token)

	resp, body = env.do(t, http.MethodGet, "/api/oauth/jira/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":true`)

	resp, _ = env.do(t, http.MethodGet, "/api/oauth/github/connect", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "github is not configured")
	resp, _ = env.do(t, http.MethodGet, "/api/oauth/gitlab/connect", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/oauth/jira/callback?state=x&error=access_denied", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/oauth/jira/callback?code=good-code&state=forged", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/oauth/jira", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = env.do(t, http.MethodGet, "/api/oauth/jira/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":false`)

	resp, _ = env.do(t, http.MethodGet, "/api/oauth/jira/connect", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTicketFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "dave@example.com")

	create := map[string]any{"provider": "jira", "source_entity_id": "v1", "case_id": "c1", "project_key": "SEC", "summary": "Fix it"}
	resp, body := env.do(t, http.MethodPost, "/api/tickets", token, create)
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, "provider not connected", errorMessage(t, body))

	connectJira(t, env, token)

	resp, body = env.do(t, http.MethodPost, "/api/tickets", token, create)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var link ticketdomain.Link
	require.NoError(t, json.Unmarshal(body, &link))
	assert.Equal(t, "SEC-1", link.ExternalKey)
	assert.Equal(t, "https://acme.atlassian.net/browse/SEC-1", link.ExternalURL)

	resp, body = env.do(t, http.MethodPost, "/api/tickets", token, create)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var again ticketdomain.Link
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, link.ID, again.ID, "second create returns the existing link")

	resp, body = env.do(t, http.MethodPost, "/api/tickets", token, map[string]any{"provider": "jira", "source_entity_id": "v2", "summary": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "project_key: is required", errorMessage(t, body))

	path := "/api/tickets/jira/" + link.ID
	resp, body = env.do(t, http.MethodPost, path+"/transition", token, map[string]string{"transition_id": "31"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var moved ticketdomain.Link
	require.NoError(t, json.Unmarshal(body, &moved))
	assert.Equal(t, "Done", moved.Status)

	resp, _ = env.do(t, http.MethodPost, path+"/sync", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	other := env.login(t, "eve@example.com")
	resp, _ = env.do(t, http.MethodPost, path+"/sync", other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "links are private to their owner")

	resp, body = env.do(t, http.MethodGet, "/api/tickets?case_id=c1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Links []ticketdomain.Link `json:"links"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Links, 1)

	resp, body = env.do(t, http.MethodGet, "/api/tickets", other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"links":[]}`, string(body))
}

func TestTicketBulkAndViolation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "frank@example.com")
	connectJira(t, env, token)
	for _, id := range []string{"v1", "v2", "v3"} {
		env.store.PutViolation(&ticketdomain.Violation{ID: id, CaseID: "case-9", Status: ticketdomain.ViolationApproved, Explanation: "Secret in repo " + id})
	}

	resp, body := env.do(t, http.MethodPost, "/api/tickets", token, map[string]any{"provider": "jira", "source_entity_id": "v1", "project_key": "SEC"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"case_id":"case-9"`)

	resp, body = env.do(t, http.MethodPost, "/api/tickets/bulk", token, map[string]any{"provider": "jira", "case_id": "case-9", "project_key": "SEC"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res ticketservice.BulkResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Len(t, res.Created, 2)
	assert.Empty(t, res.Failed)

	resp, _ = env.do(t, http.MethodPost, "/api/tickets", token, map[string]any{"provider": "jira", "source_entity_id": "missing", "project_key": "SEC"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/tickets/bulk", token, map[string]any{"provider": "jira", "project_key": "SEC"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProbesAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.login(t, "grace@example.com")
	resp, body := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ticketbridge_")

	resp, body = env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", errorMessage(t, body))
}
