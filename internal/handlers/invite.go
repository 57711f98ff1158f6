package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/service"
)

type InviteHandler struct {
	invitations *service.InvitationService
	logger      zerolog.Logger
}

type createInviteRequest struct {
	Email   string  `json:"email" validate:"required,email,max=254"`
	Name    *string `json:"name" validate:"omitempty,max=200"`
	Role    string  `json:"role" validate:"required"`
	Message *string `json:"message" validate:"omitempty,max=2000"`
}

type editInviteRequest struct {
	ID      string  `json:"id" validate:"required,uuid"`
	Email   *string `json:"email" validate:"omitempty,email,max=254"`
	Name    *string `json:"name" validate:"omitempty,max=200"`
	Role    *string `json:"role"`
	Message *string `json:"message" validate:"omitempty,max=2000"`
	Resend  bool    `json:"resend"`
}

type revokeInviteRequest struct {
	ID string `json:"id" validate:"required,uuid"`
}

const maxBulkDelete = 100

func NewInviteHandler(invitations *service.InvitationService, logger zerolog.Logger) *InviteHandler {
	return &InviteHandler{
		invitations: invitations,
		logger:      logger.With().Str("handler", "invite").Logger(),
	}
}

func (h *InviteHandler) List(w http.ResponseWriter, r *http.Request) {
	invites, err := h.invitations.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invitations": invites})
}

func (h *InviteHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromRequest(r)
	if !ok {
		writeError(w, h.logger, apperr.Unauthenticated("authentication required"))
		return
	}
	var req createInviteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	issued, err := h.invitations.Create(r.Context(), principal, service.CreateInvitationInput{
		Email:   req.Email,
		Name:    req.Name,
		Role:    req.Role,
		Message: req.Message,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *InviteHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromRequest(r)
	if !ok {
		writeError(w, h.logger, apperr.Unauthenticated("authentication required"))
		return
	}
	var req editInviteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	result, err := h.invitations.EditOrResend(r.Context(), principal, req.ID, service.EditInvitationInput{
		Email:   req.Email,
		Name:    req.Name,
		Role:    req.Role,
		Message: req.Message,
		Resend:  req.Resend,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *InviteHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeInviteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	invite, err := h.invitations.Revoke(r.Context(), req.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, invite)
}

// Delete removes one invitation (?id=) or several (?ids=a,b).
func (h *InviteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		if err := h.invitations.Delete(r.Context(), id); err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ids := splitIDs(query.Get("ids"))
	if len(ids) == 0 {
		writeError(w, h.logger, apperr.Validation("missing_id", "id or ids query parameter is required"))
		return
	}
	if len(ids) > maxBulkDelete {
		writeError(w, h.logger, apperr.Validation("too_many_ids", "at most %d ids can be deleted at once", maxBulkDelete))
		return
	}
	writeJSON(w, http.StatusOK, h.invitations.DeleteMany(r.Context(), ids))
}

func (h *InviteHandler) Preview(w http.ResponseWriter, r *http.Request) {
	preview, err := h.invitations.Preview(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func splitIDs(raw string) []string {
	seen := map[string]bool{}
	ids := []string{}
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
