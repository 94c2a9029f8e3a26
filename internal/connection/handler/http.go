// Package handler exposes the OAuth connect flow and connection status over HTTP.
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
)

// Connector runs the authorization-code flow.
type Connector interface {
	Begin(ctx context.Context, userID string, provider connectiondomain.Provider, redirectURI string) (string, error)
	Complete(ctx context.Context, provider connectiondomain.Provider, code, state string) (connectiondomain.Status, error)
}

// Connections reads and removes stored connections.
type Connections interface {
	Status(ctx context.Context, userID string, provider connectiondomain.Provider) (connectiondomain.Status, error)
	DeleteCredential(ctx context.Context, userID string, provider connectiondomain.Provider) error
}

// OAuthHandler serves /api/oauth/{provider}.
type OAuthHandler struct {
	connector   Connector
	connections Connections
}

// NewOAuthHandler returns an OAuthHandler.
func NewOAuthHandler(connector Connector, connections Connections) *OAuthHandler {
	return &OAuthHandler{connector: connector, connections: connections}
}

type connectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// Connect starts the flow and returns the consent URL. GET /api/oauth/{provider}/connect
func (h *OAuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	provider, err := providerParam(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	redirectURI := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	authURL, err := h.connector.Begin(r.Context(), userID, provider, redirectURI)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, connectResponse{AuthorizationURL: authURL})
}

// Callback completes the flow. The user is identified by the state, not a session.
// GET /api/oauth/{provider}/callback
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, err := providerParam(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	if q.Get("error") != "" {
		httpx.WriteError(w, r, apperr.Validation("authorization", "was not granted"))
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		httpx.WriteError(w, r, apperr.Validation("code", "is required"))
		return
	}
	st, err := h.connector.Complete(r.Context(), provider, code, q.Get("state"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// Status reports the caller's connection. GET /api/oauth/{provider}/status
func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	provider, err := providerParam(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	st, err := h.connections.Status(r.Context(), userID, provider)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// Disconnect removes the caller's credential. DELETE /api/oauth/{provider}
func (h *OAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	provider, err := providerParam(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID, _ := middleware.GetUserID(r.Context())
	if err := h.connections.DeleteCredential(r.Context(), userID, provider); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func providerParam(r *http.Request) (connectiondomain.Provider, error) {
	p, ok := connectiondomain.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		return "", apperr.ErrUnsupportedProvider
	}
	return p, nil
}
