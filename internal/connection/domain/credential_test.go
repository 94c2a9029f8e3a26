package domain

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCredential_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"no expiry", nil, false},
		{"far future", at(time.Hour), false},
		{"inside margin", at(time.Minute), true},
		{"exactly at margin", at(5 * time.Minute), true},
		{"already expired", at(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tt.expires}
			if got := c.NeedsRefresh(now, 5*time.Minute); got != tt.want {
				t.Errorf("NeedsRefresh = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredential_StringMasksTokens(t *testing.T) {
	c := Credential{UserID: "u1", Provider: ProviderJira, AccessToken: "access-secret", RefreshToken: "refresh-secret"}
	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)} {
		if strings.Contains(s, "access-secret") || strings.Contains(s, "refresh-secret") {
			t.Errorf("formatted credential leaked token: %s", s)
		}
	}
}

func TestParseProvider(t *testing.T) {
	if p, ok := ParseProvider(" GitHub "); !ok || p != ProviderGitHub {
		t.Errorf("ParseProvider(GitHub) = %q, %v", p, ok)
	}
	if p, ok := ParseProvider("jira"); !ok || p != ProviderJira {
		t.Errorf("ParseProvider(jira) = %q, %v", p, ok)
	}
	if _, ok := ParseProvider("gitlab"); ok {
		t.Error("gitlab should not parse")
	}
}

func TestStatusOf(t *testing.T) {
	if s := StatusOf(ProviderGitHub, nil); s.Connected {
		t.Error("nil credential should be disconnected")
	}
	s := StatusOf(ProviderJira, &Credential{AccountName: "acme", Scopes: []string{"write:jira-work"}})
	if !s.Connected || s.AccountName != "acme" {
		t.Errorf("StatusOf = %+v", s)
	}
}
