package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/repository"
)

type CreateInvitationInput struct {
	Email   string
	Name    *string
	Role    string
	Message *string
}

// IssuedInvitation carries the raw token, which is never readable again
// after it is returned here.
type IssuedInvitation struct {
	Invitation models.Invitation `json:"invitation"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// EditInvitationInput holds the fields to change; nil leaves a field as is.
type EditInvitationInput struct {
	Email   *string
	Name    *string
	Role    *string
	Message *string
	Resend  bool
}

type EditInvitationResult struct {
	Invitation models.Invitation `json:"invitation"`
	Token      string            `json:"token,omitempty"`
	Changed    bool              `json:"changed"`
	Resent     bool              `json:"resent"`
}

type InvitationPreview struct {
	Email     string          `json:"email"`
	Name      *string         `json:"name,omitempty"`
	Role      models.UserRole `json:"role"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type BulkDeleteError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type BulkDeleteResult struct {
	Deleted int               `json:"deleted"`
	Failed  int               `json:"failed"`
	Errors  []BulkDeleteError `json:"errors,omitempty"`
}

// InvitationService is the invitation ledger: it owns invitation records
// and their status transitions.
type InvitationService struct {
	invites    repository.InviteRepository
	dispatcher notification.Dispatcher
	ttl        time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewInvitationService(invites repository.InviteRepository, dispatcher notification.Dispatcher, ttl time.Duration, logger zerolog.Logger) *InvitationService {
	return &InvitationService{
		invites:    invites,
		dispatcher: dispatcher,
		ttl:        ttl,
		now:        time.Now,
		logger:     logger.With().Str("component", "invitation_service").Logger(),
	}
}

// WithClock replaces the time source.
func (s *InvitationService) WithClock(now func() time.Time) *InvitationService {
	s.now = now
	return s
}

func (s *InvitationService) Create(ctx context.Context, sender authz.Principal, input CreateInvitationInput) (IssuedInvitation, error) {
	email := normalizeEmail(input.Email)
	if email == "" {
		return IssuedInvitation{}, apperr.Validation("invalid_email", "email is required")
	}
	role, err := s.grantableRole(sender, input.Role)
	if err != nil {
		return IssuedInvitation{}, err
	}

	raw, hash, err := newInviteToken()
	if err != nil {
		return IssuedInvitation{}, err
	}

	now := s.now().UTC()
	invite := models.Invitation{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      trimmedOrNil(input.Name),
		Role:      role,
		TokenHash: hash,
		Status:    models.InvitationPending,
		Message:   trimmedOrNil(input.Message),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if sender.UserID != "" {
		senderID := sender.UserID
		invite.SenderID = &senderID
	}

	created, err := s.invites.CreateInvite(ctx, invite)
	if err != nil {
		return IssuedInvitation{}, inviteWriteError(err)
	}

	s.logger.Info().
		Str("invitation_id", created.ID).
		Str("email", created.Email).
		Str("role", string(created.Role)).
		Str("sender_id", sender.UserID).
		Msg("invitation created")

	s.sendInvitation(ctx, created, raw)
	return IssuedInvitation{Invitation: created, Token: raw, ExpiresAt: created.ExpiresAt}, nil
}

// List returns all invitations with lazy expiry applied to their status.
func (s *InvitationService) List(ctx context.Context) ([]models.Invitation, error) {
	invites, err := s.invites.ListInvites(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range invites {
		invites[i].Status = invites[i].EffectiveStatus(now)
	}
	return invites, nil
}

func (s *InvitationService) Get(ctx context.Context, id string) (models.Invitation, error) {
	if err := validateID(id); err != nil {
		return models.Invitation{}, err
	}
	invite, err := s.invites.GetInviteByID(ctx, id)
	if err != nil {
		return models.Invitation{}, inviteLookupError(err)
	}
	invite.Status = invite.EffectiveStatus(s.now())
	return invite, nil
}

// Preview exposes what a sign-up page needs to know about a token.
func (s *InvitationService) Preview(ctx context.Context, token string) (InvitationPreview, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return InvitationPreview{}, apperr.NotFound("invitation_not_found", "invitation not found")
	}
	invite, err := s.invites.GetInviteByTokenHash(ctx, hashToken(token))
	if err != nil {
		return InvitationPreview{}, inviteLookupError(err)
	}
	if !invite.IsRedeemable(s.now()) {
		return InvitationPreview{}, apperr.Gone("invitation_unavailable", "invitation has expired or is no longer valid")
	}
	return InvitationPreview{
		Email:     invite.Email,
		Name:      invite.Name,
		Role:      invite.Role,
		ExpiresAt: invite.ExpiresAt,
	}, nil
}

// EditOrResend updates a pending invitation. Resending rotates the token and
// expiry and emails the new link; without changes or resend it is a no-op.
// An invitation past its expiry is not revived; create a new one instead.
func (s *InvitationService) EditOrResend(ctx context.Context, editor authz.Principal, id string, input EditInvitationInput) (EditInvitationResult, error) {
	if err := validateID(id); err != nil {
		return EditInvitationResult{}, err
	}
	current, err := s.invites.GetInviteByID(ctx, id)
	if err != nil {
		return EditInvitationResult{}, inviteLookupError(err)
	}
	if status := current.EffectiveStatus(s.now()); status != models.InvitationPending {
		return EditInvitationResult{}, notPendingError(status)
	}

	params := repository.UpdateInviteParams{
		Email:     current.Email,
		Name:      current.Name,
		Role:      current.Role,
		Message:   current.Message,
		TokenHash: current.TokenHash,
		ExpiresAt: current.ExpiresAt,
	}
	changed := false

	if input.Email != nil {
		email := normalizeEmail(*input.Email)
		if email == "" {
			return EditInvitationResult{}, apperr.Validation("invalid_email", "email is required")
		}
		if email != current.Email {
			params.Email = email
			changed = true
		}
	}
	if input.Name != nil {
		name := trimmedOrNil(input.Name)
		if !equalStringPtr(name, current.Name) {
			params.Name = name
			changed = true
		}
	}
	if input.Role != nil {
		role, err := s.grantableRole(editor, *input.Role)
		if err != nil {
			return EditInvitationResult{}, err
		}
		if role != current.Role {
			params.Role = role
			changed = true
		}
	}
	if input.Message != nil {
		message := trimmedOrNil(input.Message)
		if !equalStringPtr(message, current.Message) {
			params.Message = message
			changed = true
		}
	}

	if !changed && !input.Resend {
		return EditInvitationResult{Invitation: current}, nil
	}

	now := s.now().UTC()
	params.Now = now
	var raw string
	if input.Resend {
		raw, params.TokenHash, err = newInviteToken()
		if err != nil {
			return EditInvitationResult{}, err
		}
		params.ExpiresAt = now.Add(s.ttl)
	}

	updated, err := s.invites.UpdateInvite(ctx, id, params)
	if err != nil {
		return EditInvitationResult{}, inviteWriteError(err)
	}

	s.logger.Info().
		Str("invitation_id", updated.ID).
		Bool("changed", changed).
		Bool("resent", input.Resend).
		Str("editor_id", editor.UserID).
		Msg("invitation updated")

	if input.Resend {
		s.sendInvitation(ctx, updated, raw)
	}
	updated.Status = updated.EffectiveStatus(now)
	return EditInvitationResult{Invitation: updated, Token: raw, Changed: changed, Resent: input.Resend}, nil
}

func (s *InvitationService) Revoke(ctx context.Context, id string) (models.Invitation, error) {
	if err := validateID(id); err != nil {
		return models.Invitation{}, err
	}
	invite, err := s.invites.RevokeInvite(ctx, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return models.Invitation{}, apperr.Validation("invitation_not_pending", "only pending invitations can be revoked")
		}
		return models.Invitation{}, inviteLookupError(err)
	}
	s.logger.Info().Str("invitation_id", id).Msg("invitation revoked")
	return invite, nil
}

func (s *InvitationService) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := s.invites.DeleteInvite(ctx, id); err != nil {
		return inviteLookupError(err)
	}
	s.logger.Info().Str("invitation_id", id).Msg("invitation deleted")
	return nil
}

// DeleteMany deletes each id independently and reports per-item outcomes.
func (s *InvitationService) DeleteMany(ctx context.Context, ids []string) BulkDeleteResult {
	result := BulkDeleteResult{}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			if _, classified := apperr.As(err); !classified {
				s.logger.Error().Err(err).Str("invitation_id", id).Msg("failed to delete invitation")
			}
			result.Failed++
			result.Errors = append(result.Errors, BulkDeleteError{ID: id, Message: publicMessage(err)})
			continue
		}
		result.Deleted++
	}
	return result
}

// Accept redeems a raw token. The transition is a single conditional write,
// so a token can be redeemed at most once.
func (s *InvitationService) Accept(ctx context.Context, token string) (models.Invitation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Invitation{}, errInvitationInvalid
	}
	invite, err := s.invites.AcceptInviteByTokenHash(ctx, hashToken(token), s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Invitation{}, errInvitationInvalid
		}
		return models.Invitation{}, err
	}
	return invite, nil
}

// AcceptByID redeems a pending invitation found by email matching.
func (s *InvitationService) AcceptByID(ctx context.Context, id string) (models.Invitation, error) {
	invite, err := s.invites.AcceptInviteByID(ctx, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Invitation{}, errInvitationInvalid
		}
		return models.Invitation{}, err
	}
	return invite, nil
}

// FindActiveByEmail returns the pending, unexpired invitation for email.
func (s *InvitationService) FindActiveByEmail(ctx context.Context, email string) (models.Invitation, bool, error) {
	invite, err := s.invites.FindPendingInviteByEmail(ctx, normalizeEmail(email), s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Invitation{}, false, nil
		}
		return models.Invitation{}, false, err
	}
	return invite, true, nil
}

func (s *InvitationService) grantableRole(sender authz.Principal, raw string) (models.UserRole, error) {
	role, ok := models.ParseRole(raw)
	if !ok {
		return "", apperr.Validation("invalid_role", "role %q is not recognised", raw)
	}
	if role == models.RoleSuperAdmin {
		return "", apperr.Validation("invalid_role", "the super admin role cannot be granted by invitation")
	}
	if !models.CanGrant(sender.Role, role) {
		return "", apperr.Forbidden("you cannot grant the %s role", role)
	}
	return role, nil
}

func (s *InvitationService) sendInvitation(ctx context.Context, invite models.Invitation, token string) {
	s.dispatcher.SendInvitationEmail(ctx, notification.InvitationEmail{
		Email:     invite.Email,
		Name:      invite.Name,
		Role:      invite.Role,
		Token:     token,
		Message:   invite.Message,
		ExpiresAt: invite.ExpiresAt,
	})
}

var errInvitationInvalid = apperr.Validation("invitation_invalid", "invitation is invalid or has expired")

func notPendingError(status models.InvitationStatus) error {
	return apperr.Validation("invitation_not_pending", "invitation is %s and can no longer be changed", strings.ToLower(string(status)))
}

func inviteLookupError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("invitation_not_found", "invitation not found")
	}
	return err
}

func inviteWriteError(err error) error {
	switch {
	case errors.Is(err, repository.ErrEmailTaken):
		return apperr.Conflict("email_taken", "a user with this email already exists")
	case errors.Is(err, repository.ErrActiveInvitationExists):
		return apperr.Conflict("invitation_exists", "an active invitation already exists for this email")
	case errors.Is(err, repository.ErrStateConflict):
		return apperr.Validation("invitation_not_pending", "only pending invitations can be changed")
	default:
		return inviteLookupError(err)
	}
}

func validateID(id string) error {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return apperr.Validation("invalid_id", "id %q is not a valid identifier", id)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// publicMessage returns the user-facing part of a classified error.
func publicMessage(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Message
	}
	return "internal error"
}
