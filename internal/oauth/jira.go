package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

// JiraClient talks to Jira Cloud through Atlassian OAuth 2.0 (3LO). A token
// may reach several cloud sites; each is a Resource whose ID is the cloud id
// used in API paths.
type JiraClient struct {
	base
}

var _ Client = (*JiraClient)(nil)

// NewJiraClient returns a JiraClient for cfg.
func NewJiraClient(cfg Config) *JiraClient {
	return &JiraClient{base: newBase(connectiondomain.ProviderJira, cfg)}
}

// AuthorizationURL adds the audience and consent prompt Atlassian requires.
func (c *JiraClient) AuthorizationURL(state, redirectURI string) string {
	return c.authCodeURL(state, redirectURI,
		oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (c *JiraClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	return c.exchange(ctx, code, redirectURI)
}

// Refresh uses the rotating refresh token; the returned set carries the new refresh token.
func (c *JiraClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	return c.refresh(ctx, refreshToken)
}

type jiraSite struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Scopes    []string `json:"scopes"`
	AvatarURL string   `json:"avatarUrl"`
}

// ListAccessibleResources returns the cloud sites the token was granted, in the provider's order.
func (c *JiraClient) ListAccessibleResources(ctx context.Context, accessToken string) ([]connectiondomain.Resource, error) {
	var sites []jiraSite
	if _, err := c.do(ctx, apiRequest{
		op:     "accessible_resources",
		method: http.MethodGet,
		url:    c.apiURL + "/oauth/token/accessible-resources",
		token:  accessToken,
		out:    &sites,
		kind:   apperr.ErrOAuthResourceLookupFailed,
	}); err != nil {
		return nil, err
	}
	out := make([]connectiondomain.Resource, 0, len(sites))
	for _, s := range sites {
		out = append(out, connectiondomain.Resource{
			ID:       s.ID,
			Name:     s.Name,
			URL:      strings.TrimRight(s.URL, "/"),
			Scopes:   s.Scopes,
			Metadata: map[string]any{"avatar_url": s.AvatarURL},
		})
	}
	return out, nil
}

type jiraCreated struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

func (c *JiraClient) CreateIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, req ticketdomain.Request) (*Issue, error) {
	if res.ID == "" {
		return nil, apperr.ErrNoAccessibleResource
	}
	fields := map[string]any{
		"project":     map[string]string{"key": req.ProjectKey},
		"summary":     req.Summary,
		"description": adfDocument(req.Description),
		"issuetype":   map[string]string{"name": req.IssueType},
	}
	if req.Priority != "" {
		fields["priority"] = map[string]string{"name": req.Priority}
	}
	if req.Assignee != "" {
		fields["assignee"] = map[string]string{"accountId": req.Assignee}
	}
	if len(req.Labels) > 0 {
		fields["labels"] = req.Labels
	}
	var out jiraCreated
	if _, err := c.do(ctx, apiRequest{
		op:     "create_issue",
		method: http.MethodPost,
		url:    c.siteAPI(res) + "/issue",
		token:  accessToken,
		body:   map[string]any{"fields": fields},
		out:    &out,
	}); err != nil {
		return nil, err
	}
	return &Issue{
		ID:     out.ID,
		Key:    out.Key,
		URL:    res.URL + "/browse/" + out.Key,
		Status: ticketdomain.InitialStatus,
	}, nil
}

type jiraIssue struct {
	Fields struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			AccountID string `json:"accountId"`
		} `json:"assignee"`
	} `json:"fields"`
}

func (c *JiraClient) GetIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, key string) (*ticketdomain.ExternalState, error) {
	var out jiraIssue
	if _, err := c.do(ctx, apiRequest{
		op:     "get_issue",
		method: http.MethodGet,
		url:    c.siteAPI(res) + "/issue/" + url.PathEscape(key) + "?fields=status,assignee",
		token:  accessToken,
		out:    &out,
	}); err != nil {
		return nil, err
	}
	state := &ticketdomain.ExternalState{Status: out.Fields.Status.Name}
	if out.Fields.Assignee != nil {
		state.Assignee = out.Fields.Assignee.AccountID
	}
	return state, nil
}

func (c *JiraClient) TransitionIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, key, transitionID string) error {
	if strings.TrimSpace(transitionID) == "" {
		return apperr.Validation("transition_id", "is required")
	}
	_, err := c.do(ctx, apiRequest{
		op:     "transition_issue",
		method: http.MethodPost,
		url:    c.siteAPI(res) + "/issue/" + url.PathEscape(key) + "/transitions",
		token:  accessToken,
		body:   map[string]any{"transition": map[string]string{"id": transitionID}},
	})
	return err
}

func (c *JiraClient) siteAPI(res connectiondomain.Resource) string {
	return fmt.Sprintf("%s/ex/jira/%s/rest/api/3", c.apiURL, url.PathEscape(res.ID))
}

// adfDocument renders plain text as an Atlassian Document Format document: one
// paragraph per blank-line separated block, hard breaks between lines.
func adfDocument(text string) map[string]any {
	var paragraphs []any
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		var content []any
		for i, line := range strings.Split(block, "\n") {
			if i > 0 {
				content = append(content, map[string]any{"type": "hardBreak"})
			}
			if line != "" {
				content = append(content, map[string]any{"type": "text", "text": line})
			}
		}
		if len(content) == 0 {
			continue
		}
		paragraphs = append(paragraphs, map[string]any{"type": "paragraph", "content": content})
	}
	if paragraphs == nil {
		paragraphs = []any{}
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}
