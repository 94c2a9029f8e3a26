// Package middleware holds the chi middleware of the HTTP API: session
// authentication, client IP capture, per-IP rate limiting and access logging.
package middleware

import "context"

type contextKey struct{ name string }

var (
	userIDKey = contextKey{"user_id"}
	tokenKey  = contextKey{"session_token"}
)

// WithSession returns a context carrying the authenticated user id and the raw bearer token.
func WithSession(ctx context.Context, userID, token string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, tokenKey, token)
	return ctx
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}

// GetToken returns the raw session token from context and true if set; otherwise "", false.
func GetToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenKey).(string)
	return v, ok && v != ""
}
