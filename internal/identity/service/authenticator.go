package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"ticketbridge/internal/apperr"
	"ticketbridge/internal/security"
	"ticketbridge/internal/store"
	userdomain "ticketbridge/internal/user/domain"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Authenticator creates users and checks their passwords.
type Authenticator struct {
	store  store.Store
	hasher *security.Hasher
	// dummyHash is compared against when the email is unknown so both paths cost one bcrypt compare.
	dummyHash string
	now       func() time.Time
}

// NewAuthenticator returns an Authenticator persisting to st.
func NewAuthenticator(st store.Store, hasher *security.Hasher) (*Authenticator, error) {
	dummy, err := hasher.Hash([]byte(uuid.New().String()))
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}
	return &Authenticator{store: st, hasher: hasher, dummyHash: dummy, now: time.Now}, nil
}

// CreateUser registers email with password. The email check and insert run in
// one transaction; a concurrent insert of the same email still fails with
// apperr.ErrDuplicateEmail through the store's unique index.
func (a *Authenticator) CreateUser(ctx context.Context, email, password string, profile userdomain.Profile) (*userdomain.PublicUser, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hashed, err := a.hasher.Hash([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hashed,
		Profile:      trimProfile(profile),
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, apperr.Validation("user", err.Error())
	}
	err = a.store.InTx(ctx, func(q store.Queries) error {
		existing, err := q.FindUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.ErrDuplicateEmail
		}
		return q.InsertUser(ctx, user)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateEmail) {
			return nil, apperr.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user.Public(), nil
}

// Authenticate returns the user for email/password, or nil when the email is
// unknown or the password is wrong. An inactive account with the right password
// fails with apperr.ErrAccountInactive. On success last_login_at is updated.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*userdomain.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, nil
	}
	user, err := a.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if user == nil {
		a.hasher.Verify(password, a.dummyHash)
		return nil, nil
	}
	if !a.hasher.Verify(password, user.PasswordHash) {
		return nil, nil
	}
	if !user.IsActive {
		return nil, apperr.ErrAccountInactive
	}
	now := a.now().UTC()
	if err := a.store.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	user.LastLoginAt = &now
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func trimProfile(p userdomain.Profile) userdomain.Profile {
	return userdomain.Profile{
		FirstName:   strings.TrimSpace(p.FirstName),
		LastName:    strings.TrimSpace(p.LastName),
		CompanyName: strings.TrimSpace(p.CompanyName),
		CompanyType: strings.TrimSpace(p.CompanyType),
		AvatarURL:   strings.TrimSpace(p.AvatarURL),
	}
}

func validateEmail(email string) error {
	if email == "" {
		return apperr.Validation("email", "is required")
	}
	if !emailPattern.MatchString(email) {
		return apperr.Validation("email", "invalid format")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperr.Validation("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return apperr.Validation("password", fmt.Sprintf("must be at most %d bytes", maxPasswordLength))
	}
	var hasLetter, hasNumber bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			hasLetter = true
		case r >= '0' && r <= '9':
			hasNumber = true
		}
	}
	if !hasLetter {
		return apperr.Validation("password", "must contain at least one letter")
	}
	if !hasNumber {
		return apperr.Validation("password", "must contain at least one number")
	}
	return nil
}
