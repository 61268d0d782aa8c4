package httpapi

import (
	"errors"
	"net/http"

	"pseudomat.org/internal/obs"
	"pseudomat.org/internal/registry"
	"pseudomat.org/internal/token"
)

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

// statusFor maps domain error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, token.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, token.ErrSchema),
		errors.Is(err, token.ErrUnprocessable),
		errors.Is(err, token.ErrSignature):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrForbidden), errors.Is(err, registry.ErrUnverified):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, registry.ErrRevoked):
		return http.StatusGone
	case errors.Is(err, registry.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, registry.ErrMailFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError reports err with its public reason. Unknown errors are
// logged and hidden behind a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		msg = "Internal server error."
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pseudomat"`)
	}
	writeError(w, r, code, msg)
}
