package authz

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/models"
)

// Authenticate parses the bearer session token and stores the principal on
// the request context. Requests without a valid token are rejected.
func Authenticate(tokens *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeAuthError(w, apperr.Unauthenticated("authorization header required"))
				return
			}
			scheme, raw, ok := strings.Cut(auth, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				writeAuthError(w, apperr.Unauthenticated("invalid authorization format"))
				return
			}
			principal, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireCapability returns a middleware that ensures the principal holds the capability.
func RequireCapability(capability models.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromRequest(r)
			if !ok {
				writeAuthError(w, apperr.Unauthenticated("authentication required"))
				return
			}
			if !principal.Can(capability) {
				writeAuthError(w, apperr.Forbidden("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	code := string(apperr.KindUnauthenticated)
	message := "unauthorized"
	if classified, ok := apperr.As(err); ok {
		status = classified.Status()
		code = classified.Code
		message = classified.Message
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
