package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/repository"
)

type NotificationHandler struct {
	service notification.Service
	logger  zerolog.Logger
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("handler", "notification").Logger(),
	}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromRequest(r)
	if !ok {
		writeError(w, h.logger, apperr.Unauthenticated("authentication required"))
		return
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.service.ListRecent(r.Context(), principal.UserID, limit)
	if err != nil {
		writeError(w, h.logger, errors.Wrap(err, "list notifications"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromRequest(r)
	if !ok {
		writeError(w, h.logger, apperr.Unauthenticated("authentication required"))
		return
	}

	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if _, err := uuid.Parse(notifID); err != nil {
		writeError(w, h.logger, apperr.Validation("invalid_id", "notification id is not a valid identifier"))
		return
	}

	notif, err := h.service.MarkRead(r.Context(), principal.UserID, notifID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, h.logger, apperr.NotFound("notification_not_found", "notification not found"))
			return
		}
		writeError(w, h.logger, errors.Wrapf(err, "mark notification %s read", notifID))
		return
	}

	writeJSON(w, http.StatusOK, notif)
}
