// Package handler exposes delegated ticket creation and sync over HTTP.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ticketbridge/internal/apperr"
	connectiondomain "ticketbridge/internal/connection/domain"
	"ticketbridge/internal/server/httpx"
	"ticketbridge/internal/server/middleware"
	ticketdomain "ticketbridge/internal/ticket/domain"
	ticketservice "ticketbridge/internal/ticket/service"
)

// Tickets is the orchestrator the handler needs.
type Tickets interface {
	CreateLinkedResource(ctx context.Context, userID string, provider connectiondomain.Provider, sourceEntityID string, req ticketdomain.Request) (*ticketdomain.Link, error)
	CreateFromViolation(ctx context.Context, userID string, provider connectiondomain.Provider, violationID string, opts ticketdomain.Options) (*ticketdomain.Link, error)
	BulkCreateForCase(ctx context.Context, userID string, provider connectiondomain.Provider, caseID string, opts ticketdomain.Options) (*ticketservice.BulkResult, error)
	ListLinks(ctx context.Context, userID, caseID string) ([]*ticketdomain.Link, error)
	SyncStatus(ctx context.Context, userID string, provider connectiondomain.Provider, linkID string) (*ticketdomain.Link, error)
	Transition(ctx context.Context, userID string, provider connectiondomain.Provider, linkID, transitionID string) (*ticketdomain.Link, error)
}

// TicketHandler serves /api/tickets.
type TicketHandler struct {
	tickets Tickets
}

// NewTicketHandler returns a TicketHandler.
func NewTicketHandler(tickets Tickets) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

// createRequest creates a ticket for one source entity. Without a summary the
// source entity is treated as a violation id and the ticket is rendered from it.
type createRequest struct {
	Provider       string   `json:"provider"`
	SourceEntityID string   `json:"source_entity_id"`
	CaseID         string   `json:"case_id"`
	ProjectKey     string   `json:"project_key"`
	Summary        string   `json:"summary"`
	Description    string   `json:"description"`
	IssueType      string   `json:"issue_type"`
	Priority       string   `json:"priority"`
	Assignee       string   `json:"assignee"`
	Labels         []string `json:"labels"`
}

type bulkRequest struct {
	Provider   string `json:"provider"`
	CaseID     string `json:"case_id"`
	ProjectKey string `json:"project_key"`
	IssueType  string `json:"issue_type"`
	Priority   string `json:"priority"`
	Assignee   string `json:"assignee"`
}

type transitionRequest struct {
	TransitionID string `json:"transition_id"`
}

type listResponse struct {
	Links []*ticketdomain.Link `json:"links"`
}

// Create creates or returns the ticket for a source entity. POST /api/tickets
func (h *TicketHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	sourceID := strings.TrimSpace(req.SourceEntityID)
	if sourceID == "" {
		httpx.WriteError(w, r, apperr.Validation("source_entity_id", "is required"))
		return
	}
	userID, _ := middleware.GetUserID(r.Context())

	var link *ticketdomain.Link
	if strings.TrimSpace(req.Summary) == "" {
		opts := ticketdomain.Options{ProjectKey: req.ProjectKey, IssueType: req.IssueType, Priority: req.Priority, Assignee: req.Assignee}
		link, err = h.tickets.CreateFromViolation(r.Context(), userID, provider, sourceID, opts)
	} else {
		link, err = h.tickets.CreateLinkedResource(r.Context(), userID, provider, sourceID, ticketdomain.Request{
			CaseID:      req.CaseID,
			ProjectKey:  req.ProjectKey,
			Summary:     req.Summary,
			Description: req.Description,
			IssueType:   req.IssueType,
			Priority:    req.Priority,
			Assignee:    req.Assignee,
			Labels:      req.Labels,
		})
	}
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, link)
}

// Bulk tickets every unticketed approved violation of a case. POST /api/tickets/bulk
func (h *TicketHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	opts := ticketdomain.Options{ProjectKey: req.ProjectKey, IssueType: req.IssueType, Priority: req.Priority, Assignee: req.Assignee}
	res, err := h.tickets.BulkCreateForCase(r.Context(), userID, provider, strings.TrimSpace(req.CaseID), opts)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// List returns the caller's links, newest first. GET /api/tickets?case_id=
func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	links, err := h.tickets.ListLinks(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("case_id")))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if links == nil {
		links = []*ticketdomain.Link{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Links: links})
}

// Sync refreshes a link's status from the provider. POST /api/tickets/{provider}/{linkID}/sync
func (h *TicketHandler) Sync(w http.ResponseWriter, r *http.Request) {
	provider, err := parseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	link, err := h.tickets.SyncStatus(r.Context(), userID, provider, chi.URLParam(r, "linkID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, link)
}

// Transition moves the external ticket and syncs the link. POST /api/tickets/{provider}/{linkID}/transition
func (h *TicketHandler) Transition(w http.ResponseWriter, r *http.Request) {
	provider, err := parseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	link, err := h.tickets.Transition(r.Context(), userID, provider, chi.URLParam(r, "linkID"), req.TransitionID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, link)
}

func parseProvider(s string) (connectiondomain.Provider, error) {
	if strings.TrimSpace(s) == "" {
		return "", apperr.Validation("provider", "is required")
	}
	p, ok := connectiondomain.ParseProvider(s)
	if !ok {
		return "", apperr.ErrUnsupportedProvider
	}
	return p, nil
}
