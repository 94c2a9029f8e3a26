package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

// GitHubClient talks to GitHub (or GitHub Enterprise via Config.APIURL). A
// GitHub token has a single resource: the authenticated user. Issues live in
// the repository named by the request's project key ("owner/repo") and are
// keyed "owner/repo#number".
type GitHubClient struct {
	base
}

var _ Client = (*GitHubClient)(nil)

// NewGitHubClient returns a GitHubClient for cfg.
func NewGitHubClient(cfg Config) *GitHubClient {
	c := &GitHubClient{base: newBase(connectiondomain.ProviderGitHub, cfg)}
	tokenClient := *c.client
	tokenClient.Transport = acceptJSON{next: c.client.Transport}
	c.tokenClient = &tokenClient
	return c
}

func (c *GitHubClient) AuthorizationURL(state, redirectURI string) string {
	return c.authCodeURL(state, redirectURI)
}

func (c *GitHubClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	return c.exchange(ctx, code, redirectURI)
}

// Refresh only applies to GitHub Apps with expiring user tokens; classic OAuth
// app tokens carry no refresh token and never expire.
func (c *GitHubClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	return c.refresh(ctx, refreshToken)
}

type githubUser struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
	PublicRepos int    `json:"public_repos"`
}

// ListAccessibleResources returns the authenticated user as the only resource.
func (c *GitHubClient) ListAccessibleResources(ctx context.Context, accessToken string) ([]connectiondomain.Resource, error) {
	var u githubUser
	header, err := c.do(ctx, apiRequest{
		op:      "get_user",
		method:  http.MethodGet,
		url:     c.apiURL + "/user",
		token:   accessToken,
		out:     &u,
		kind:    apperr.ErrOAuthResourceLookupFailed,
		headers: githubHeaders,
	})
	if err != nil {
		return nil, err
	}
	if u.Login == "" {
		return nil, nil
	}
	return []connectiondomain.Resource{{
		ID:     strconv.FormatInt(u.ID, 10),
		Name:   u.Login,
		URL:    u.HTMLURL,
		Scopes: parseScopes(header.Get("X-OAuth-Scopes")),
		Metadata: map[string]any{
			"avatar_url":   u.AvatarURL,
			"name":         u.Name,
			"bio":          u.Bio,
			"public_repos": u.PublicRepos,
		},
	}}, nil
}

var githubHeaders = map[string]string{
	"Accept":               "application/vnd.github+json",
	"X-GitHub-Api-Version": "2022-11-28",
}

type githubIssue struct {
	ID       int64  `json:"id"`
	Number   int    `json:"number"`
	HTMLURL  string `json:"html_url"`
	State    string `json:"state"`
	Assignee *struct {
		Login string `json:"login"`
	} `json:"assignee"`
}

// CreateIssue opens an issue in req.ProjectKey ("owner/repo"). Issue type and
// priority have no GitHub equivalent and are added as labels.
func (c *GitHubClient) CreateIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, req ticketdomain.Request) (*Issue, error) {
	owner, repo, err := splitRepo(req.ProjectKey)
	if err != nil {
		return nil, err
	}
	labels := append([]string(nil), req.Labels...)
	if req.IssueType != "" {
		labels = append(labels, strings.ToLower(req.IssueType))
	}
	if req.Priority != "" {
		labels = append(labels, "priority:"+strings.ToLower(req.Priority))
	}
	body := map[string]any{
		"title":  req.Summary,
		"body":   req.Description,
		"labels": labels,
	}
	if req.Assignee != "" {
		body["assignees"] = []string{req.Assignee}
	}
	var out githubIssue
	if _, err := c.do(ctx, apiRequest{
		op:      "create_issue",
		method:  http.MethodPost,
		url:     fmt.Sprintf("%s/repos/%s/%s/issues", c.apiURL, url.PathEscape(owner), url.PathEscape(repo)),
		token:   accessToken,
		body:    body,
		out:     &out,
		headers: githubHeaders,
	}); err != nil {
		return nil, err
	}
	return &Issue{
		ID:     strconv.FormatInt(out.ID, 10),
		Key:    fmt.Sprintf("%s/%s#%d", owner, repo, out.Number),
		URL:    out.HTMLURL,
		Status: out.State,
	}, nil
}

func (c *GitHubClient) GetIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, key string) (*ticketdomain.ExternalState, error) {
	issueURL, err := c.issueURL(key)
	if err != nil {
		return nil, err
	}
	var out githubIssue
	if _, err := c.do(ctx, apiRequest{
		op:      "get_issue",
		method:  http.MethodGet,
		url:     issueURL,
		token:   accessToken,
		out:     &out,
		headers: githubHeaders,
	}); err != nil {
		return nil, err
	}
	state := &ticketdomain.ExternalState{Status: out.State}
	if out.Assignee != nil {
		state.Assignee = out.Assignee.Login
	}
	return state, nil
}

// TransitionIssue sets the issue state; transitionID must be "open" or "closed".
func (c *GitHubClient) TransitionIssue(ctx context.Context, accessToken string, res connectiondomain.Resource, key, transitionID string) error {
	state := strings.ToLower(strings.TrimSpace(transitionID))
	if state != "open" && state != "closed" {
		return apperr.Validation("transition_id", `must be "open" or "closed"`)
	}
	issueURL, err := c.issueURL(key)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, apiRequest{
		op:      "transition_issue",
		method:  http.MethodPatch,
		url:     issueURL,
		token:   accessToken,
		body:    map[string]string{"state": state},
		headers: githubHeaders,
	})
	return err
}

func (c *GitHubClient) issueURL(key string) (string, error) {
	repoPart, number, ok := strings.Cut(key, "#")
	if !ok {
		return "", apperr.Validation("key", "must be owner/repo#number")
	}
	owner, repo, err := splitRepo(repoPart)
	if err != nil {
		return "", err
	}
	if _, err := strconv.Atoi(number); err != nil {
		return "", apperr.Validation("key", "must be owner/repo#number")
	}
	return fmt.Sprintf("%s/repos/%s/%s/issues/%s", c.apiURL, url.PathEscape(owner), url.PathEscape(repo), number), nil
}

func splitRepo(s string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", apperr.Validation("project_key", "must be owner/repo")
	}
	return owner, repo, nil
}
