// Package domain holds delegated ticket links and the compliance violations
// they are created from.
package domain

import (
	"fmt"
	"strings"
	"time"

	connectiondomain "ticketbridge/internal/connection/domain"
)

// InitialStatus is recorded for a freshly created external ticket until the first sync.
const InitialStatus = "To Do"

const (
	summaryPrefix     = "[Compliance] "
	summaryMaxRunes   = 100
	defaultIssueType  = "Bug"
	defaultPriority   = "Medium"
	ViolationApproved = "approved"
)

// Link associates a source entity (a violation) with the ticket a provider
// created for it. At most one Link exists per (SourceEntityID, Provider).
type Link struct {
	ID             string                    `json:"id"`
	UserID         string                    `json:"user_id"`
	SourceEntityID string                    `json:"source_entity_id"`
	CaseID         string                    `json:"case_id,omitempty"`
	Provider       connectiondomain.Provider `json:"provider"`
	ResourceID     string                    `json:"resource_id,omitempty"`
	ExternalID     string                    `json:"external_id"`
	ExternalKey    string                    `json:"external_key"`
	ExternalURL    string                    `json:"external_url"`
	ProjectKey     string                    `json:"project_key"`
	IssueType      string                    `json:"issue_type,omitempty"`
	Priority       string                    `json:"priority,omitempty"`
	Assignee       string                    `json:"assignee,omitempty"`
	Status         string                    `json:"status"`
	LastSyncedAt   *time.Time                `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// Request describes the ticket to create.
type Request struct {
	CaseID      string
	ProjectKey  string
	Summary     string
	Description string
	IssueType   string
	Priority    string
	Assignee    string
	Labels      []string
}

// Normalize fills defaults and trims whitespace.
func (r *Request) Normalize() {
	r.ProjectKey = strings.TrimSpace(r.ProjectKey)
	r.Summary = strings.TrimSpace(r.Summary)
	if r.IssueType == "" {
		r.IssueType = defaultIssueType
	}
	if r.Priority == "" {
		r.Priority = defaultPriority
	}
}

// Validate returns the name of the first missing required field, or "".
func (r *Request) Validate() string {
	switch {
	case r.ProjectKey == "":
		return "project_key"
	case r.Summary == "":
		return "summary"
	}
	return ""
}

// ExternalState is the provider's current view of a ticket.
type ExternalState struct {
	Status   string `json:"status"`
	Assignee string `json:"assignee,omitempty"`
}

// Violation is a compliance finding that tickets are raised for.
type Violation struct {
	ID          string
	CaseID      string
	RuleID      string
	Severity    string
	Verdict     string
	Status      string
	Explanation string
	Evidence    string
	FilePath    string
	StartLine   int
	EndLine     int
	RepoName    string
	// TicketKey is the external key of the ticket raised for it, if any.
	TicketKey string
}

// Options are the caller-chosen ticket fields for violation tickets.
type Options struct {
	ProjectKey string
	IssueType  string
	Priority   string
	Assignee   string
}

// BuildRequest renders the ticket for v.
func BuildRequest(v *Violation, opts Options) Request {
	explanation := orDefault(v.Explanation, "Violation")
	req := Request{
		CaseID:      v.CaseID,
		ProjectKey:  opts.ProjectKey,
		Summary:     summaryPrefix + truncateRunes(explanation, summaryMaxRunes),
		Description: describe(v),
		IssueType:   opts.IssueType,
		Priority:    opts.Priority,
		Assignee:    opts.Assignee,
		Labels:      []string{"compliance"},
	}
	req.Normalize()
	return req
}

func describe(v *Violation) string {
	lines := "N/A"
	if v.StartLine > 0 {
		lines = fmt.Sprintf("%d-%d", v.StartLine, max(v.EndLine, v.StartLine))
	}
	var b strings.Builder
	b.WriteString("Compliance Violation Detected\n\n")
	fmt.Fprintf(&b, "Rule: %s\n", orDefault(v.RuleID, "N/A"))
	fmt.Fprintf(&b, "Severity: %s\n", orDefault(v.Severity, "Unknown"))
	fmt.Fprintf(&b, "Verdict: %s\n\n", orDefault(v.Verdict, "Unknown"))
	fmt.Fprintf(&b, "Explanation:\n%s\n\n", orDefault(v.Explanation, "No explanation available"))
	fmt.Fprintf(&b, "Evidence:\n%s\n\n", orDefault(v.Evidence, "No evidence provided"))
	fmt.Fprintf(&b, "File: %s\n", orDefault(v.FilePath, "N/A"))
	fmt.Fprintf(&b, "Lines: %s\n\n", lines)
	fmt.Fprintf(&b, "Repository: %s\n", orDefault(v.RepoName, "N/A"))
	fmt.Fprintf(&b, "Violation ID: %s", v.ID)
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
