package domain

import "time"

// Session is the server-side record of an issued session token. It is keyed by
// the SHA-256 of the raw token; the raw token is never stored.
type Session struct {
	TokenHash  string
	UserID     string
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	UserAgent  string
	IPAddress  string
	CreatedAt  time.Time
}

// Metadata is optional client information recorded with a session.
type Metadata struct {
	UserAgent string
	IPAddress string
}

// Active reports whether the session is unexpired at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.ExpiresAt.After(now)
}
