package middleware

import (
	"context"
	"net/http"
	"strings"

	"ticketbridge/internal/server/httpx"
)

const bearerPrefix = "bearer "

// TokenVerifier resolves a raw session token to its user id; "" means the token
// is not valid. An error means the check itself could not be made.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// RequireSession authenticates the Authorization bearer token and stores the user
// id and token in the request context. A missing, malformed, expired or revoked
// token gets the same 401 response.
func RequireSession(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				unauthorized(w)
				return
			}
			userID, err := v.Verify(r.Context(), token)
			if err != nil {
				httpx.WriteError(w, r, err)
				return
			}
			if userID == "" {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), userID, token)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	httpx.WriteMessage(w, http.StatusUnauthorized, "invalid or expired token")
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
