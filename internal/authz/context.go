package authz

import (
	"context"
	"net/http"

	"github.com/voltgrid/portal-api/internal/models"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller, built once per request from the
// session token and threaded through handlers and services.
type Principal struct {
	UserID           string
	Email            string
	Role             models.UserRole
	ProfileCompleted bool
}

// Can reports whether the principal holds the capability.
func (p Principal) Can(capability models.Capability) bool {
	return models.HasCapability(p.Role, capability)
}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

func PrincipalFromRequest(r *http.Request) (Principal, bool) {
	return PrincipalFromContext(r.Context())
}
