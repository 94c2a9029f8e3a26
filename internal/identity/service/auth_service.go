// Package service implements password authentication and the register, login,
// logout and current-user flows built on it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/audit"
	sessiondomain "ticketbridge/internal/session/domain"
	"ticketbridge/internal/telemetry/metrics"
	userdomain "ticketbridge/internal/user/domain"
)

// SessionManager is the part of the session manager the auth flows need.
type SessionManager interface {
	IssueToken(userID string, ttl time.Duration) (string, time.Time, error)
	CreateSession(ctx context.Context, userID, rawToken string, meta sessiondomain.Metadata) error
	Verify(ctx context.Context, rawToken string) (string, error)
	Invalidate(ctx context.Context, rawToken string) error
}

// UserFinder loads users by id.
type UserFinder interface {
	FindUserByID(ctx context.Context, id string) (*userdomain.User, error)
}

// LoginResult is returned by Login. Token is shown to the caller once.
type LoginResult struct {
	Token     string                 `json:"access_token"`
	TokenType string                 `json:"token_type"`
	ExpiresAt time.Time              `json:"expires_at"`
	User      *userdomain.PublicUser `json:"user"`
}

// AuthService implements register, login, logout and current-user.
type AuthService struct {
	auth     *Authenticator
	sessions SessionManager
	users    UserFinder
	audit    audit.AuditLogger
	metrics  metrics.Recorder
}

// NewAuthService returns an AuthService. auditLog and rec may be nil.
func NewAuthService(auth *Authenticator, sessions SessionManager, users UserFinder, auditLog audit.AuditLogger, rec metrics.Recorder) *AuthService {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &AuthService{auth: auth, sessions: sessions, users: users, audit: auditLog, metrics: rec}
}

// Register creates a user and returns its public projection. No session is issued.
func (s *AuthService) Register(ctx context.Context, email, password string, profile userdomain.Profile) (*userdomain.PublicUser, error) {
	u, err := s.auth.CreateUser(ctx, email, password, profile)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionRegister, UserID: u.ID})
	return u, nil
}

// Login authenticates, issues a session token and records the session.
// Unknown email and wrong password both fail with apperr.ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string, meta sessiondomain.Metadata) (*LoginResult, error) {
	user, err := s.auth.Authenticate(ctx, email, password)
	switch {
	case errors.Is(err, apperr.ErrAccountInactive):
		s.metrics.RecordLogin(metrics.LoginInactive)
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLoginFailure, Detail: "inactive"})
		return nil, err
	case err != nil:
		s.metrics.RecordLogin(metrics.LoginError)
		return nil, err
	case user == nil:
		s.metrics.RecordLogin(metrics.LoginFailure)
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLoginFailure})
		return nil, apperr.ErrInvalidCredentials
	}
	token, exp, err := s.sessions.IssueToken(user.ID, 0)
	if err != nil {
		s.metrics.RecordLogin(metrics.LoginError)
		return nil, err
	}
	if err := s.sessions.CreateSession(ctx, user.ID, token, meta); err != nil {
		s.metrics.RecordLogin(metrics.LoginError)
		return nil, err
	}
	s.metrics.RecordLogin(metrics.LoginSuccess)
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLoginSuccess, UserID: user.ID})
	return &LoginResult{Token: token, TokenType: "bearer", ExpiresAt: exp, User: user.Public()}, nil
}

// Logout revokes the session for token. Revoking an unknown token succeeds.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	userID, err := s.sessions.Verify(ctx, token)
	if err != nil {
		return err
	}
	if err := s.sessions.Invalidate(ctx, token); err != nil {
		return err
	}
	if userID != "" {
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLogout, UserID: userID})
	}
	return nil
}

// CurrentUser resolves token to its user. Any invalid, expired or revoked
// token, or a user that no longer exists, is apperr.ErrInvalidOrExpiredToken.
func (s *AuthService) CurrentUser(ctx context.Context, token string) (*userdomain.PublicUser, error) {
	userID, err := s.sessions.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, apperr.ErrInvalidOrExpiredToken
	}
	u, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	if u == nil {
		return nil, apperr.ErrInvalidOrExpiredToken
	}
	return u.Public(), nil
}
