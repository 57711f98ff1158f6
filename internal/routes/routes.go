package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/handlers"
	"github.com/voltgrid/portal-api/internal/models"
)

type Handlers struct {
	Auth          *handlers.AuthHandler
	Invites       *handlers.InviteHandler
	Notifications *handlers.NotificationHandler
	Health        http.HandlerFunc
}

// NewRouter sets up the API routes. Invitation and notification routes need a
// bearer session token and the matching capability.
func NewRouter(h Handlers, tokens *authz.TokenIssuer) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	auth := router.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/register", h.Auth.Register).Methods(http.MethodPost)
	auth.HandleFunc("/login", h.Auth.Login).Methods(http.MethodPost)
	auth.HandleFunc("/verify-email", h.Auth.VerifyEmail).Methods(http.MethodPost)
	auth.HandleFunc("/verify-email/resend", h.Auth.ResendEmailVerification).Methods(http.MethodPost)
	auth.HandleFunc("/verify-two-factor", h.Auth.VerifyTwoFactor).Methods(http.MethodPost)

	// Public lookup used by the sign-up page.
	router.HandleFunc("/invitations/preview/{token}", h.Invites.Preview).Methods(http.MethodGet)

	invites := router.PathPrefix("/invitations").Subrouter()
	invites.Use(authz.Authenticate(tokens), authz.RequireCapability(models.CapabilityManageInvitations))
	invites.HandleFunc("", h.Invites.List).Methods(http.MethodGet)
	invites.HandleFunc("", h.Invites.Create).Methods(http.MethodPost)
	invites.HandleFunc("", h.Invites.Update).Methods(http.MethodPut)
	invites.HandleFunc("", h.Invites.Revoke).Methods(http.MethodPatch)
	invites.HandleFunc("", h.Invites.Delete).Methods(http.MethodDelete)

	notifications := router.PathPrefix("/notifications").Subrouter()
	notifications.Use(authz.Authenticate(tokens), authz.RequireCapability(models.CapabilityViewAdminNotifications))
	notifications.HandleFunc("", h.Notifications.List).Methods(http.MethodGet)
	notifications.HandleFunc("/{notificationID}/read", h.Notifications.MarkRead).Methods(http.MethodPatch)

	return router
}
