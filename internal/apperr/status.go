package apperr

import (
	"errors"
	"net/http"
)

// HTTPStatus maps err to an HTTP status code and a message that is safe to show
// to end users. Unknown errors map to 500 with a generic message.
func HTTPStatus(err error) (int, string) {
	var verr *ValidationError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, ErrDuplicateEmail):
		return http.StatusConflict, "email already registered"
	case errors.Is(err, ErrAccountInactive):
		return http.StatusForbidden, "account is inactive"
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid email or password"
	case errors.Is(err, ErrInvalidOrExpiredToken):
		return http.StatusUnauthorized, "invalid or expired token"
	case errors.Is(err, ErrInvalidOAuthState):
		return http.StatusBadRequest, "invalid or expired authorization state"
	case errors.Is(err, ErrCredentialRefreshFailed):
		return http.StatusUnauthorized, "provider authorization expired; reconnect required"
	case errors.Is(err, ErrProviderNotConnected):
		return http.StatusPreconditionFailed, "provider not connected"
	case errors.Is(err, ErrNoAccessibleResource):
		return http.StatusUnprocessableEntity, "no accessible resource for this account"
	case errors.Is(err, ErrUnsupportedProvider):
		return http.StatusNotFound, "unsupported provider"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ErrPolicyDenied):
		return http.StatusForbidden, "action not permitted"
	case errors.Is(err, ErrProviderTimeout):
		return http.StatusGatewayTimeout, "provider did not respond in time"
	case errors.Is(err, ErrOAuthExchangeFailed),
		errors.Is(err, ErrOAuthRefreshFailed),
		errors.Is(err, ErrOAuthResourceLookupFailed),
		errors.Is(err, ErrProviderError):
		return http.StatusBadGateway, "provider request failed"
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
