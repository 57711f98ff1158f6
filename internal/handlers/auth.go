package handlers

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/service"
)

type AuthHandler struct {
	registration *service.RegistrationService
	verification *service.VerificationService
	logger       zerolog.Logger
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=200"`
	Token    string `json:"token" validate:"omitempty,max=128"`
}

// The code is optional for email verification: an already verified user
// gets a token without one.
type verifyEmailRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
	Code   string `json:"code" validate:"omitempty,len=6,numeric"`
}

type codeRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
	Code   string `json:"code" validate:"required,len=6,numeric"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type resendRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

type registeredResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func NewAuthHandler(registration *service.RegistrationService, verification *service.VerificationService, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		registration: registration,
		verification: verification,
		logger:       logger.With().Str("handler", "auth").Logger(),
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	result, err := h.registration.Register(r.Context(), service.RegistrationInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Token:    req.Token,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if result.PendingApproval {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": result.Path})
		return
	}
	writeJSON(w, http.StatusCreated, registeredResponse{User: result.User, Token: result.Token})
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	result, err := h.verification.VerifyEmail(r.Context(), req.UserID, req.Code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	result, err := h.verification.VerifyTwoFactor(r.Context(), req.UserID, req.Code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	result, err := h.verification.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) ResendEmailVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sent, err := h.verification.ResendEmailVerification(r.Context(), req.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !sent {
		writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}
