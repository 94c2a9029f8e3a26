// Package service is the delegated-action orchestrator: it creates provider
// tickets with a user's stored credential, links them to the violation they
// were raised for, and keeps their status in sync.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/audit"
	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/oauth"
	"ticketbridge/internal/policy/engine"
	"ticketbridge/internal/store"
	"ticketbridge/internal/telemetry/metrics"
	ticketdomain "ticketbridge/internal/ticket/domain"
)

// Credentials returns a usable credential, refreshing it if needed. (nil, nil) means not connected.
type Credentials interface {
	GetValidCredential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error)
}

// Providers resolves a provider to its OAuth client.
type Providers interface {
	Get(p connectiondomain.Provider) (oauth.Client, error)
}

// Service orchestrates delegated ticket actions.
type Service struct {
	store     store.Store
	creds     Credentials
	providers Providers
	policy    engine.Evaluator
	audit     audit.AuditLogger
	metrics   metrics.Recorder
	now       func() time.Time
}

// NewService returns a Service. A nil policy allows every action; auditLog and rec may be nil.
func NewService(st store.Store, creds Credentials, providers Providers, policy engine.Evaluator, auditLog audit.AuditLogger, rec metrics.Recorder) *Service {
	if policy == nil {
		policy = engine.AllowAll{}
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{store: st, creds: creds, providers: providers, policy: policy, audit: auditLog, metrics: rec, now: time.Now}
}

// CreateLinkedResource creates a ticket for sourceEntityID at provider and links it.
// If a link already exists for (sourceEntityID, provider) it is returned and no
// ticket is created. Creation is serialized per (sourceEntityID, provider).
//
// If the ticket was created but the link could not be saved, the ticket is
// reported as orphaned (log, audit event, metric) and the persistence error is returned.
func (s *Service) CreateLinkedResource(ctx context.Context, userID string, provider connectiondomain.Provider, sourceEntityID string, req ticketdomain.Request) (*ticketdomain.Link, error) {
	if sourceEntityID == "" {
		return nil, apperr.Validation("source_entity_id", "is required")
	}
	req.Normalize()
	if field := req.Validate(); field != "" {
		return nil, apperr.Validation(field, "is required")
	}
	cred, err := s.credential(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.FindLinkBySourceAndProvider(ctx, sourceEntityID, provider)
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	if err := s.authorize(ctx, userID, provider, engine.ActionCreateIssue, cred); err != nil {
		return nil, err
	}
	client, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	var (
		created *oauth.Issue
		link    *ticketdomain.Link
	)
	err = s.store.InTx(ctx, func(q store.Queries) error {
		if err := q.LockLink(ctx, sourceEntityID, provider); err != nil {
			return err
		}
		// Another request may have created the ticket while we waited for the lock.
		l, err := q.FindLinkBySourceAndProvider(ctx, sourceEntityID, provider)
		if err != nil {
			return err
		}
		if l != nil {
			link = l
			return nil
		}
		issue, err := client.CreateIssue(ctx, cred.AccessToken, cred.Resource(), req)
		if err != nil {
			return err
		}
		created = issue
		link = s.newLink(userID, provider, sourceEntityID, cred, req, issue)
		if err := q.InsertLink(ctx, link); err != nil {
			return err
		}
		return q.MarkSourceTicketed(ctx, sourceEntityID, issue.Key)
	})
	if err != nil {
		if created != nil {
			s.reportOrphan(ctx, userID, provider, sourceEntityID, created, err)
			return nil, fmt.Errorf("persist ticket link: %w", err)
		}
		return nil, err
	}
	if created != nil {
		s.metrics.RecordTicketCreated(string(provider))
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionTicketCreated, UserID: userID, Provider: string(provider), Resource: created.Key})
	}
	return link, nil
}

func (s *Service) newLink(userID string, provider connectiondomain.Provider, sourceEntityID string, cred *connectiondomain.Credential, req ticketdomain.Request, issue *oauth.Issue) *ticketdomain.Link {
	status := issue.Status
	if status == "" {
		status = ticketdomain.InitialStatus
	}
	return &ticketdomain.Link{
		ID:             uuid.New().String(),
		UserID:         userID,
		SourceEntityID: sourceEntityID,
		CaseID:         req.CaseID,
		Provider:       provider,
		ResourceID:     cred.AccountID,
		ExternalID:     issue.ID,
		ExternalKey:    issue.Key,
		ExternalURL:    issue.URL,
		ProjectKey:     req.ProjectKey,
		IssueType:      req.IssueType,
		Priority:       req.Priority,
		Assignee:       req.Assignee,
		Status:         status,
		CreatedAt:      s.now().UTC(),
	}
}

func (s *Service) reportOrphan(ctx context.Context, userID string, provider connectiondomain.Provider, sourceEntityID string, issue *oauth.Issue, cause error) {
	log.Printf("ticket: ORPHANED %s ticket %s (%s) for source %s user %s; link not saved: %v",
		provider, issue.Key, issue.URL, sourceEntityID, userID, cause)
	s.metrics.RecordTicketOrphaned(string(provider))
	s.audit.LogEvent(ctx, audit.Event{
		Action:   audit.ActionTicketOrphaned,
		UserID:   userID,
		Provider: string(provider),
		Resource: issue.Key,
		Detail:   "source=" + sourceEntityID + " url=" + issue.URL,
	})
}

// SyncStatus fetches the ticket's current state and stores it on the link.
// Links stay readable after a disconnect but cannot be synced.
func (s *Service) SyncStatus(ctx context.Context, userID string, provider connectiondomain.Provider, linkID string) (*ticketdomain.Link, error) {
	link, err := s.ownedLink(ctx, userID, provider, linkID)
	if err != nil {
		return nil, err
	}
	cred, err := s.credential(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	return s.sync(ctx, link, cred)
}

func (s *Service) sync(ctx context.Context, link *ticketdomain.Link, cred *connectiondomain.Credential) (*ticketdomain.Link, error) {
	client, err := s.providers.Get(link.Provider)
	if err != nil {
		return nil, err
	}
	state, err := client.GetIssue(ctx, cred.AccessToken, resourceFor(link, cred), link.ExternalKey)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.UpdateLinkStatus(ctx, link.ID, *state, now); err != nil {
		return nil, fmt.Errorf("update link status: %w", err)
	}
	link.Status = state.Status
	link.Assignee = state.Assignee
	link.LastSyncedAt = &now
	return link, nil
}

// Transition moves the ticket with transitionID (a Jira transition id, or
// "open"/"closed" for GitHub) and then syncs the link.
func (s *Service) Transition(ctx context.Context, userID string, provider connectiondomain.Provider, linkID, transitionID string) (*ticketdomain.Link, error) {
	if transitionID == "" {
		return nil, apperr.Validation("transition_id", "is required")
	}
	link, err := s.ownedLink(ctx, userID, provider, linkID)
	if err != nil {
		return nil, err
	}
	cred, err := s.credential(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, provider, engine.ActionTransitionIssue, cred); err != nil {
		return nil, err
	}
	client, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}
	if err := client.TransitionIssue(ctx, cred.AccessToken, resourceFor(link, cred), link.ExternalKey, transitionID); err != nil {
		return nil, err
	}
	return s.sync(ctx, link, cred)
}

// ListLinks returns the user's links, newest first. An empty caseID lists all.
func (s *Service) ListLinks(ctx context.Context, userID, caseID string) ([]*ticketdomain.Link, error) {
	links, err := s.store.ListLinksByUser(ctx, userID, caseID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

// CreateFromViolation raises a ticket for a stored violation.
func (s *Service) CreateFromViolation(ctx context.Context, userID string, provider connectiondomain.Provider, violationID string, opts ticketdomain.Options) (*ticketdomain.Link, error) {
	if violationID == "" {
		return nil, apperr.Validation("violation_id", "is required")
	}
	v, err := s.store.FindViolation(ctx, violationID)
	if err != nil {
		return nil, fmt.Errorf("find violation: %w", err)
	}
	if v == nil {
		return nil, apperr.ErrNotFound
	}
	return s.CreateLinkedResource(ctx, userID, provider, v.ID, ticketdomain.BuildRequest(v, opts))
}

// BulkFailure is one violation a bulk run could not ticket. Error is safe to show the user.
// Retryable is set for transient failures a later run may clear.
type BulkFailure struct {
	ViolationID string `json:"violation_id"`
	Error       string `json:"error"`
	Retryable   bool   `json:"retryable"`
}

// BulkResult is the outcome of BulkCreateForCase.
type BulkResult struct {
	Created []*ticketdomain.Link `json:"created"`
	Failed  []BulkFailure        `json:"failed"`
}

// BulkCreateForCase tickets every approved violation of caseID that has no link
// for provider. Failures for single violations are collected; the run continues.
func (s *Service) BulkCreateForCase(ctx context.Context, userID string, provider connectiondomain.Provider, caseID string, opts ticketdomain.Options) (*BulkResult, error) {
	if caseID == "" {
		return nil, apperr.Validation("case_id", "is required")
	}
	if _, err := s.credential(ctx, userID, provider); err != nil {
		return nil, err
	}
	violations, err := s.store.ListUnticketedViolations(ctx, caseID, provider)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	res := &BulkResult{Created: []*ticketdomain.Link{}, Failed: []BulkFailure{}}
	for _, v := range violations {
		link, err := s.CreateLinkedResource(ctx, userID, provider, v.ID, ticketdomain.BuildRequest(v, opts))
		if err != nil {
			log.Printf("ticket: bulk create for case %s violation %s failed: %v", caseID, v.ID, err)
			_, msg := apperr.HTTPStatus(err)
			res.Failed = append(res.Failed, BulkFailure{ViolationID: v.ID, Error: msg, Retryable: apperr.IsRetryable(err)})
			continue
		}
		res.Created = append(res.Created, link)
	}
	return res, nil
}

func (s *Service) credential(ctx context.Context, userID string, provider connectiondomain.Provider) (*connectiondomain.Credential, error) {
	cred, err := s.creds.GetValidCredential(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, apperr.ErrProviderNotConnected
	}
	return cred, nil
}

func (s *Service) ownedLink(ctx context.Context, userID string, provider connectiondomain.Provider, linkID string) (*ticketdomain.Link, error) {
	link, err := s.store.FindLinkByID(ctx, linkID)
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	if link == nil || link.UserID != userID || link.Provider != provider {
		return nil, apperr.ErrNotFound
	}
	return link, nil
}

func (s *Service) authorize(ctx context.Context, userID string, provider connectiondomain.Provider, action string, cred *connectiondomain.Credential) error {
	d, err := s.policy.Evaluate(ctx, engine.Input{UserID: userID, Provider: string(provider), Action: action, Scopes: cred.Scopes})
	if err != nil {
		log.Printf("ticket: policy evaluation failed for user %s: %v", userID, err)
		return fmt.Errorf("%w: policy unavailable", apperr.ErrPolicyDenied)
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", apperr.ErrPolicyDenied, d.Reason)
	}
	return nil
}

// resourceFor returns the provider resource the link's ticket lives in.
func resourceFor(link *ticketdomain.Link, cred *connectiondomain.Credential) connectiondomain.Resource {
	res := cred.Resource()
	if link.ResourceID != "" {
		res.ID = link.ResourceID
	}
	return res
}
