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

type VerificationResult struct {
	Verified bool   `json:"verified"`
	Token    string `json:"token"`
}

// LoginResult holds a session token, or signals that a sign-in code was sent.
type LoginResult struct {
	Token             string `json:"token,omitempty"`
	TwoFactorRequired bool   `json:"two_factor_required,omitempty"`
	UserID            string `json:"user_id,omitempty"`
}

// VerificationService validates one-time codes and mints session tokens
// once a code is accepted.
type VerificationService struct {
	users       repository.UserRepository
	codes       repository.VerificationCodeRepository
	tx          repository.TxRunner
	credentials *CredentialIssuer
	dispatcher  notification.Dispatcher
	codeTTL     time.Duration
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
}

func NewVerificationService(
	users repository.UserRepository,
	codes repository.VerificationCodeRepository,
	tx repository.TxRunner,
	credentials *CredentialIssuer,
	dispatcher notification.Dispatcher,
	cfg config.VerificationConfig,
	logger zerolog.Logger,
) *VerificationService {
	return &VerificationService{
		users:       users,
		codes:       codes,
		tx:          tx,
		credentials: credentials,
		dispatcher:  dispatcher,
		codeTTL:     cfg.CodeTTL,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		logger:      logger.With().Str("component", "verification_service").Logger(),
	}
}

func (s *VerificationService) WithClock(now func() time.Time) *VerificationService {
	s.now = now
	return s
}

// VerifyEmail is idempotent: a user whose email is already verified gets a
// session token without a code being required. Replaying a code that was
// already redeemed is still rejected.
func (s *VerificationService) VerifyEmail(ctx context.Context, userID, code string) (VerificationResult, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return VerificationResult{}, err
	}

	if user.EmailVerified {
		if code = strings.TrimSpace(code); code != "" {
			replayed, err := s.codes.WasConsumed(ctx, user.ID, models.VerificationEmail, code)
			if err != nil {
				return VerificationResult{}, err
			}
			if replayed {
				return VerificationResult{}, errInvalidCode
			}
		}
	} else {
		var verified models.User
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.consume(ctx, user.ID, models.VerificationEmail, code); err != nil {
				return err
			}
			var err error
			verified, err = s.users.MarkEmailVerified(ctx, user.ID)
			return err
		})
		if err != nil {
			return VerificationResult{}, s.rejectCode(ctx, user.ID, models.VerificationEmail, err)
		}
		user = verified
		s.logger.Info().Str("user_id", user.ID).Msg("email verified")
	}

	token, err := s.credentials.SessionToken(user)
	if err != nil {
		return VerificationResult{}, err
	}
	return VerificationResult{Verified: true, Token: token}, nil
}

// VerifyTwoFactor checks a sign-in code. It never changes email verification.
func (s *VerificationService) VerifyTwoFactor(ctx context.Context, userID, code string) (VerificationResult, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return VerificationResult{}, err
	}
	if err := s.consume(ctx, user.ID, models.VerificationLogin, code); err != nil {
		return VerificationResult{}, s.rejectCode(ctx, user.ID, models.VerificationLogin, err)
	}

	token, err := s.credentials.SessionToken(user)
	if err != nil {
		return VerificationResult{}, err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("two-factor sign-in verified")
	return VerificationResult{Verified: true, Token: token}, nil
}

// IssueCode creates a fresh code for the user, retiring earlier ones of the
// same type, and emails it.
func (s *VerificationService) IssueCode(ctx context.Context, user models.User, codeType models.VerificationType) (models.VerificationCode, error) {
	raw, err := newVerificationCode()
	if err != nil {
		return models.VerificationCode{}, err
	}
	now := s.now().UTC()
	code, err := s.codes.CreateCode(ctx, models.VerificationCode{
		UserID:    user.ID,
		Code:      raw,
		Type:      codeType,
		ExpiresAt: now.Add(s.codeTTL),
		CreatedAt: now,
	})
	if err != nil {
		return models.VerificationCode{}, err
	}

	s.dispatcher.SendVerificationCode(ctx, notification.VerificationCodeEmail{
		Email:     user.Email,
		Name:      user.Name,
		Code:      raw,
		Type:      codeType,
		ExpiresAt: code.ExpiresAt,
	})
	s.logger.Info().Str("user_id", user.ID).Str("type", string(codeType)).Msg("verification code issued")
	return code, nil
}

// ResendEmailVerification issues a new email verification code. It reports
// false without sending anything when the email is already verified.
func (s *VerificationService) ResendEmailVerification(ctx context.Context, userID string) (bool, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.EmailVerified {
		return false, nil
	}
	if _, err := s.IssueCode(ctx, user, models.VerificationEmail); err != nil {
		return false, err
	}
	return true, nil
}

// Login checks credentials. With two-factor enabled it sends a sign-in code
// instead of returning a token.
func (s *VerificationService) Login(ctx context.Context, email, password string) (LoginResult, error) {
	user, err := s.credentials.Authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	if user.IsTwoFactorEnabled {
		if _, err := s.IssueCode(ctx, user, models.VerificationLogin); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{TwoFactorRequired: true, UserID: user.ID}, nil
	}

	token, err := s.credentials.SessionToken(user)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("user signed in")
	return LoginResult{Token: token}, nil
}

func (s *VerificationService) loadUser(ctx context.Context, userID string) (models.User, error) {
	userID = strings.TrimSpace(userID)
	if err := validateID(userID); err != nil {
		return models.User{}, err
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.User{}, apperr.NotFound("user_not_found", "user not found")
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *VerificationService) consume(ctx context.Context, userID string, codeType models.VerificationType, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return repository.ErrNotFound
	}
	_, err := s.codes.ConsumeCode(ctx, repository.ConsumeCodeParams{
		UserID:      userID,
		Type:        codeType,
		Code:        code,
		Now:         s.now().UTC(),
		MaxAttempts: s.maxAttempts,
	})
	return err
}

// rejectCode turns a failed consumption into the caller-facing error and
// counts the attempt against the user's live codes.
func (s *VerificationService) rejectCode(ctx context.Context, userID string, codeType models.VerificationType, err error) error {
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if recErr := s.codes.RecordFailedAttempt(ctx, userID, codeType, s.now().UTC()); recErr != nil {
		s.logger.Warn().Err(recErr).Str("user_id", userID).Msg("failed to record verification attempt")
	}
	s.logger.Info().Str("user_id", userID).Str("type", string(codeType)).Msg("verification code rejected")
	return errInvalidCode
}

var errInvalidCode = apperr.Validation("invalid_code", "code is invalid or has expired")
