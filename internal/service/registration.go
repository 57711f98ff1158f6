package service

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/config"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/repository"
)

// Registration paths, in the order they are evaluated.
const (
	PathSuperAdminBootstrap = "super_admin_bootstrap"
	PathInvitationToken     = "invitation_token"
	PathInvitationMatch     = "invitation_match"
	PathPendingApproval     = "pending_approval"
)

type RegistrationInput struct {
	Email    string
	Password string
	Name     string
	Token    string
}

// RegistrationResult is either a created account with its token, or a
// pending-approval acknowledgement with no account.
type RegistrationResult struct {
	Path            string
	User            *models.User
	Token           string
	PendingApproval bool
}

// RegistrationService decides which path a sign-up takes and which role the
// new account receives.
type RegistrationService struct {
	users           repository.UserRepository
	tx              repository.TxRunner
	invitations     *InvitationService
	credentials     *CredentialIssuer
	dispatcher      notification.Dispatcher
	notifications   notification.Service
	superAdminEmail string
	strictEmail     bool
	now             func() time.Time
	logger          zerolog.Logger
}

func NewRegistrationService(
	users repository.UserRepository,
	tx repository.TxRunner,
	invitations *InvitationService,
	credentials *CredentialIssuer,
	dispatcher notification.Dispatcher,
	notifications notification.Service,
	cfg config.RegistrationConfig,
	logger zerolog.Logger,
) *RegistrationService {
	return &RegistrationService{
		users:           users,
		tx:              tx,
		invitations:     invitations,
		credentials:     credentials,
		dispatcher:      dispatcher,
		notifications:   notifications,
		superAdminEmail: normalizeEmail(cfg.SuperAdminEmail),
		strictEmail:     cfg.StrictInvitationEmail,
		now:             time.Now,
		logger:          logger.With().Str("component", "registration_service").Logger(),
	}
}

func (s *RegistrationService) WithClock(now func() time.Time) *RegistrationService {
	s.now = now
	return s
}

func (s *RegistrationService) Register(ctx context.Context, input RegistrationInput) (RegistrationResult, error) {
	email := normalizeEmail(input.Email)
	token := strings.TrimSpace(input.Token)
	name := strings.TrimSpace(input.Name)

	taken, err := s.users.EmailTaken(ctx, email)
	if err != nil {
		return RegistrationResult{}, err
	}
	if taken {
		return RegistrationResult{}, apperr.Conflict("email_taken", "a user with this email already exists")
	}

	var matchID string
	if token == "" && !s.isSuperAdmin(email) {
		match, found, err := s.invitations.FindActiveByEmail(ctx, email)
		if err != nil {
			return RegistrationResult{}, err
		}
		if !found {
			return s.acknowledge(ctx, email, name), nil
		}
		matchID = match.ID
		s.logger.Debug().Str("invitation_id", matchID).Str("email", email).Msg("matched pending invitation")
	}

	// bcrypt runs outside the transaction.
	hash, err := s.credentials.HashPassword(input.Password)
	if err != nil {
		return RegistrationResult{}, err
	}

	var (
		user     models.User
		path     string
		accepted *models.Invitation
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		role, p, invite, err := s.resolveRole(ctx, email, token, matchID)
		if err != nil {
			return err
		}
		path, accepted = p, invite

		user, err = s.credentials.CreateAccount(ctx, NewAccount{
			Email:        email,
			Name:         name,
			PasswordHash: hash,
			Role:         role,
		})
		return err
	})
	if errors.Is(err, errMatchWithdrawn) {
		s.logger.Info().Str("invitation_id", matchID).Str("email", email).Msg("matched invitation no longer pending")
		return s.acknowledge(ctx, email, name), nil
	}
	if err != nil {
		return RegistrationResult{}, err
	}

	if accepted != nil && accepted.Email != email {
		s.logger.Warn().
			Str("invitation_id", accepted.ID).
			Str("invited_email", accepted.Email).
			Str("registered_email", email).
			Msg("invitation redeemed with a different email")
		if err := s.notifications.NotifyInvitationEmailMismatch(ctx, accepted.ID, accepted.Email, email); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record invitation email mismatch")
		}
	}

	sessionToken, err := s.credentials.RegistrationToken(user)
	if err != nil {
		return RegistrationResult{}, err
	}

	s.logger.Info().
		Str("user_id", user.ID).
		Str("role", string(user.Role)).
		Str("path", path).
		Msg("user registered")
	if err := s.notifications.NotifyUserRegistered(ctx, user, path); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to record registration notification")
	}

	return RegistrationResult{Path: path, User: &user, Token: sessionToken}, nil
}

// resolveRole runs inside the registration transaction. Accepting an
// invitation here means a failed account insert rolls the acceptance back.
// matchID is the invitation found by email before the transaction started.
func (s *RegistrationService) resolveRole(ctx context.Context, email, token, matchID string) (models.UserRole, string, *models.Invitation, error) {
	if token == "" && s.isSuperAdmin(email) {
		return models.RoleSuperAdmin, PathSuperAdminBootstrap, nil, nil
	}

	if token != "" {
		invite, err := s.invitations.Accept(ctx, token)
		if err != nil {
			return "", "", nil, err
		}
		if invite.Email != email && s.strictEmail {
			return "", "", nil, apperr.Validation("invitation_email_mismatch", "this invitation was issued to a different email address")
		}
		return invite.Role, PathInvitationToken, &invite, nil
	}

	invite, err := s.invitations.AcceptByID(ctx, matchID)
	if errors.Is(err, errInvitationInvalid) {
		return "", "", nil, errMatchWithdrawn
	}
	if err != nil {
		return "", "", nil, err
	}
	return invite.Role, PathInvitationMatch, &invite, nil
}

// errMatchWithdrawn means the invitation matched by email was revoked or
// expired before it could be accepted.
var errMatchWithdrawn = errors.New("matched invitation is no longer pending")

// acknowledge is the terminal branch for sign-ups with no invitation: no
// account is created, support and admins are told about the request.
func (s *RegistrationService) acknowledge(ctx context.Context, email, name string) RegistrationResult {
	attempt := notification.RegistrationAttempt{Email: email, Name: name, RequestedAt: s.now().UTC()}
	s.dispatcher.SendRegistrationRequestAcknowledgement(ctx, attempt)
	s.dispatcher.NotifySupportAboutRegistrationAttempt(ctx, attempt)
	if err := s.notifications.NotifyRegistrationRequested(ctx, email, name); err != nil {
		s.logger.Warn().Err(err).Str("email", email).Msg("failed to record registration request")
	}

	s.logger.Info().Str("email", email).Msg("registration request pending approval")
	return RegistrationResult{Path: PathPendingApproval, PendingApproval: true}
}

func (s *RegistrationService) isSuperAdmin(email string) bool {
	return s.superAdminEmail != "" && email == s.superAdminEmail
}
