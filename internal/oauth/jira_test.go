package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

const jiraToken = "jira-access-0123456789"

type jiraFake struct {
	srv       *httptest.Server
	refreshes atomic.Int32
	sites     atomic.Value // string
}

func newJiraServer(t *testing.T) *jiraFake {
	t.Helper()
	f := &jiraFake{}
	f.sites.Store(`[{"id":"cloud-1","name":"acme","url":"https://acme.atlassian.net/","scopes":["write:jira-work"],"avatarUrl":"https://a/x.png"},
		{"id":"cloud-2","name":"other","url":"https://other.atlassian.net"}]`)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			assert.Equal(t, "https://app/cb", r.PostForm.Get("redirect_uri"))
			_, _ = w.Write([]byte(`{"access_token":"` + jiraToken + `","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600,"scope":"read:jira-work write:jira-work offline_access"}`))
		case "refresh_token":
			f.refreshes.Add(1)
			switch r.PostForm.Get("refresh_token") {
			case "revoked":
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Unknown or invalid refresh token."}`))
			case "flaky":
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`upstream unavailable`))
			default:
				_, _ = w.Write([]byte(`{"access_token":"jira-access-2","refresh_token":"refresh-2","token_type":"Bearer","expires_in":3600}`))
			}
		}
	})
	mux.HandleFunc("GET /oauth/token/accessible-resources", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+jiraToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(f.sites.Load().(string)))
	})
	mux.HandleFunc("POST /ex/jira/cloud-1/rest/api/3/issue", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"key": "SEC"}, body.Fields["project"])
		assert.Equal(t, map[string]any{"name": "Bug"}, body.Fields["issuetype"])
		assert.Equal(t, map[string]any{"name": "High"}, body.Fields["priority"])
		assert.Equal(t, map[string]any{"accountId": "acc-1"}, body.Fields["assignee"])
		desc := body.Fields["description"].(map[string]any)
		assert.Equal(t, "doc", desc["type"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"SEC-1","self":"https://api/10001"}`))
	})
	mux.HandleFunc("GET /ex/jira/cloud-1/rest/api/3/issue/SEC-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "status,assignee", r.URL.Query().Get("fields"))
		_, _ = w.Write([]byte(`{"fields":{"status":{"name":"In Progress"},"assignee":{"accountId":"acc-1"}}}`))
	})
	mux.HandleFunc("POST /ex/jira/cloud-1/rest/api/3/issue/SEC-1/transitions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "31", body["transition"]["id"])
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /ex/jira/slow/rest/api/3/issue/SEC-1", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestJiraClient(f *jiraFake, timeout time.Duration) *JiraClient {
	return NewJiraClient(Config{
		ClientID:     "jira-client",
		ClientSecret: "jira-secret",
		RedirectURL:  "https://app/cb",
		Scopes:       []string{"read:jira-work", "write:jira-work", "offline_access"},
		AuthURL:      f.srv.URL + "/authorize",
		TokenURL:     f.srv.URL + "/oauth/token",
		APIURL:       f.srv.URL,
		Timeout:      timeout,
		HTTPClient:   f.srv.Client(),
	})
}

func TestJira_AuthorizationURL(t *testing.T) {
	f := newJiraServer(t)
	c := newTestJiraClient(f, time.Second)

	u, err := url.Parse(c.AuthorizationURL("nonce", ""))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "api.atlassian.com", q.Get("audience"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "nonce", q.Get("state"))
	assert.Equal(t, "read:jira-work write:jira-work offline_access", q.Get("scope"))
}

func TestJira_ExchangeAndRefresh(t *testing.T) {
	f := newJiraServer(t)
	c := newTestJiraClient(f, time.Second)

	ts, err := c.ExchangeCode(t.Context(), "code-1", "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, jiraToken, ts.AccessToken)
	assert.Equal(t, "refresh-1", ts.RefreshToken)
	assert.InDelta(t, 3600, ts.ExpiresIn, 2)
	assert.Contains(t, ts.Scopes, "write:jira-work")

	refreshed, err := c.Refresh(t.Context(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "jira-access-2", refreshed.AccessToken)
	assert.Equal(t, "refresh-2", refreshed.RefreshToken)
	exp := refreshed.ExpiresAt(time.Now())
	require.NotNil(t, exp)
	assert.True(t, exp.After(time.Now().Add(50*time.Minute)))
	assert.EqualValues(t, 1, f.refreshes.Load())
}

func TestJira_RefreshErrors(t *testing.T) {
	f := newJiraServer(t)
	c := newTestJiraClient(f, time.Second)

	_, err := c.Refresh(t.Context(), "revoked")
	require.ErrorIs(t, err, apperr.ErrOAuthRefreshFailed)
	assert.Contains(t, err.Error(), "invalid_grant")

	_, err = c.Refresh(t.Context(), "flaky")
	require.ErrorIs(t, err, apperr.ErrProviderError)
	assert.NotErrorIs(t, err, apperr.ErrOAuthRefreshFailed)

	_, err = c.Refresh(t.Context(), "")
	require.ErrorIs(t, err, apperr.ErrOAuthRefreshFailed)
}

func TestJira_ListAccessibleResources(t *testing.T) {
	f := newJiraServer(t)
	c := newTestJiraClient(f, time.Second)

	res, err := c.ListAccessibleResources(t.Context(), jiraToken)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "cloud-1", res[0].ID)
	assert.Equal(t, "https://acme.atlassian.net", res[0].URL)

	f.sites.Store(`[]`)
	res, err = c.ListAccessibleResources(t.Context(), jiraToken)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = c.ListAccessibleResources(t.Context(), "bad")
	assert.ErrorIs(t, err, apperr.ErrOAuthResourceLookupFailed)
}

func TestJira_IssueLifecycle(t *testing.T) {
	f := newJiraServer(t)
	c := newTestJiraClient(f, time.Second)
	site := connectiondomain.Resource{ID: "cloud-1", URL: "https://acme.atlassian.net"}

	req := ticketdomain.Request{ProjectKey: "SEC", Summary: "Leak", Description: "line one\nline two\n\nnext", Priority: "High", Assignee: "acc-1"}
	req.Normalize()
	issue, err := c.CreateIssue(t.Context(), jiraToken, site, req)
	require.NoError(t, err)
	assert.Equal(t, &Issue{ID: "10001", Key: "SEC-1", URL: "https://acme.atlassian.net/browse/SEC-1", Status: "To Do"}, issue)

	state, err := c.GetIssue(t.Context(), jiraToken, site, "SEC-1")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", state.Status)
	assert.Equal(t, "acc-1", state.Assignee)

	require.NoError(t, c.TransitionIssue(t.Context(), jiraToken, site, "SEC-1", "31"))
	assert.ErrorIs(t, c.TransitionIssue(t.Context(), jiraToken, site, "SEC-1", ""), apperr.ErrValidation)

	_, err = c.CreateIssue(t.Context(), jiraToken, connectiondomain.Resource{}, req)
	assert.ErrorIs(t, err, apperr.ErrNoAccessibleResource)
}

func TestJira_Timeout(t *testing.T) {
	f := newJiraServer(t)
	c := newTestJiraClient(f, 50*time.Millisecond)

	start := time.Now()
	_, err := c.GetIssue(t.Context(), jiraToken, connectiondomain.Resource{ID: "slow"}, "SEC-1")
	require.ErrorIs(t, err, apperr.ErrProviderTimeout)
	assert.NotErrorIs(t, err, apperr.ErrProviderError)
	assert.Less(t, time.Since(start), time.Second)
}

func TestADFDocument(t *testing.T) {
	doc := adfDocument("a\nb\n\nc")
	content := doc["content"].([]any)
	require.Len(t, content, 2)
	first := content[0].(map[string]any)["content"].([]any)
	assert.Len(t, first, 3) // text, hardBreak, text

	empty := adfDocument("")
	assert.Empty(t, empty["content"])
}
