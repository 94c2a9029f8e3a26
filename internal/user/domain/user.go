package domain

import (
	"errors"
	"time"
)

// User is the core user entity. PasswordHash never leaves the service layer;
// use Public for anything returned to callers.
type User struct {
	ID            string
	Email         string // stored lower-cased; unique case-insensitively
	PasswordHash  string
	Profile       Profile
	IsActive      bool
	EmailVerified bool
	CreatedAt     time.Time
	LastLoginAt   *time.Time
}

// Profile holds optional, user-supplied profile fields.
type Profile struct {
	FirstName   string
	LastName    string
	CompanyName string
	CompanyType string
	AvatarURL   string
}

// PublicUser is the projection of User that is safe to return to clients.
type PublicUser struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	CompanyName   string     `json:"company_name,omitempty"`
	CompanyType   string     `json:"company_type,omitempty"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// Public returns the client-safe projection of u.
func (u *User) Public() *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.Profile.FirstName,
		LastName:      u.Profile.LastName,
		CompanyName:   u.Profile.CompanyName,
		CompanyType:   u.Profile.CompanyType,
		AvatarURL:     u.Profile.AvatarURL,
		EmailVerified: u.EmailVerified,
		IsActive:      u.IsActive,
		CreatedAt:     u.CreatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	return nil
}
