// Package domain holds the OAuth connection model: one stored credential per
// (user, provider), plus the provider-side resource it is bound to.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provider names an OAuth provider.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderJira   Provider = "jira"
)

// ParseProvider returns the Provider for s (case-insensitive). ok is false for unknown names.
func ParseProvider(s string) (p Provider, ok bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGitHub:
		return ProviderGitHub, true
	case ProviderJira:
		return ProviderJira, true
	}
	return "", false
}

// Resource is a provider-side tenant a token can act on: a Jira cloud site or,
// for GitHub, the authenticated account itself.
type Resource struct {
	ID       string
	Name     string
	URL      string
	Scopes   []string
	Metadata map[string]any
}

// Credential is a stored delegated-authorization grant. Token fields are
// secrets; String masks them.
type Credential struct {
	UserID       string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresAt is nil when the provider issued a non-expiring token.
	ExpiresAt *time.Time
	// AccountID and AccountName identify the provider account or site.
	AccountID   string
	AccountName string
	AccountURL  string
	Scopes      []string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NeedsRefresh reports whether the access token expires within margin of now.
func (c *Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(margin).Before(*c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is held.
func (c *Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// Resource returns the provider resource this credential is bound to.
func (c *Credential) Resource() Resource {
	return Resource{
		ID:       c.AccountID,
		Name:     c.AccountName,
		URL:      c.AccountURL,
		Scopes:   c.Scopes,
		Metadata: c.Metadata,
	}
}

// String implements fmt.Stringer without exposing token material.
func (c Credential) String() string {
	exp := "never"
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Credential{user=%s provider=%s account=%s expires=%s refreshable=%t}",
		c.UserID, c.Provider, c.AccountName, exp, c.CanRefresh())
}

// GoString keeps %#v from printing tokens.
func (c Credential) GoString() string { return c.String() }

// Status is the token-free view of a connection shown to its owner.
type Status struct {
	Provider    Provider   `json:"provider"`
	Connected   bool       `json:"connected"`
	AccountName string     `json:"account_name,omitempty"`
	AccountURL  string     `json:"account_url,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// StatusOf builds the Status for c; nil means not connected.
func StatusOf(p Provider, c *Credential) Status {
	if c == nil {
		return Status{Provider: p}
	}
	updated := c.UpdatedAt
	return Status{
		Provider:    p,
		Connected:   true,
		AccountName: c.AccountName,
		AccountURL:  c.AccountURL,
		Scopes:      c.Scopes,
		ExpiresAt:   c.ExpiresAt,
		UpdatedAt:   &updated,
	}
}
