// Package handler exposes registration, login, logout and the current user over HTTP.
package handler

import (
	"context"
	"net/http"

	identityservice "ticketbridge/internal/identity/service"
	"ticketbridge/internal/server/httpx"
	"ticketbridge/internal/server/middleware"
	sessiondomain "ticketbridge/internal/session/domain"
	userdomain "ticketbridge/internal/user/domain"
)

// AuthService is the auth orchestration the handler needs.
type AuthService interface {
	Register(ctx context.Context, email, password string, profile userdomain.Profile) (*userdomain.PublicUser, error)
	Login(ctx context.Context, email, password string, meta sessiondomain.Metadata) (*identityservice.LoginResult, error)
	Logout(ctx context.Context, token string) error
	CurrentUser(ctx context.Context, token string) (*userdomain.PublicUser, error)
}

// AuthHandler serves /api/auth.
type AuthHandler struct {
	auth AuthService
}

// NewAuthHandler returns an AuthHandler.
func NewAuthHandler(auth AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
	CompanyType string `json:"company_type"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an account. POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	profile := userdomain.Profile{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CompanyName: req.CompanyName,
		CompanyType: req.CompanyType,
	}
	u, err := h.auth.Register(r.Context(), req.Email, req.Password, profile)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, u)
}

// Login issues a session token. POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	meta := sessiondomain.Metadata{UserAgent: r.UserAgent(), IPAddress: middleware.ClientIP(r)}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password, meta)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, res)
}

// Logout revokes the caller's session. POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.GetToken(r.Context())
	if err := h.auth.Logout(r.Context(), token); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the caller. GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.GetToken(r.Context())
	u, err := h.auth.CurrentUser(r.Context(), token)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}
