package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/config"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// NewAccount is everything needed to create a user once the registration
// path and role are decided.
type NewAccount struct {
	Email        string
	Name         string
	PasswordHash string
	Role         models.UserRole
}

// CredentialIssuer hashes passwords, creates or reuses identity records and
// mints session tokens.
type CredentialIssuer struct {
	users           repository.UserRepository
	tokens          *authz.TokenIssuer
	cost            int
	registrationTTL time.Duration
	sessionTTL      time.Duration
	dummyHash       []byte
	logger          zerolog.Logger
}

func NewCredentialIssuer(users repository.UserRepository, tokens *authz.TokenIssuer, cfg config.AuthConfig, logger zerolog.Logger) (*CredentialIssuer, error) {
	if tokens == nil {
		return nil, apperr.Configuration("session token issuer is not configured")
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("portal-dummy-password"), cost)
	if err != nil {
		return nil, errors.Wrap(err, "prepare password hasher")
	}
	return &CredentialIssuer{
		users:           users,
		tokens:          tokens,
		cost:            cost,
		registrationTTL: cfg.RegistrationTTL,
		sessionTTL:      cfg.SessionTTL,
		dummyHash:       dummy,
		logger:          logger.With().Str("component", "credential_issuer").Logger(),
	}, nil
}

func (c *CredentialIssuer) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", apperr.Validation("invalid_password", "password is too long")
		}
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// CreateAccount links the new user to an unclaimed contact holding the email,
// or to a fresh contact. Run it inside the registration transaction.
func (c *CredentialIssuer) CreateAccount(ctx context.Context, account NewAccount) (models.User, error) {
	contact, err := c.users.FindUnclaimedContact(ctx, account.Email)
	switch {
	case err == nil:
		c.logger.Debug().Str("contact_id", contact.ID).Msg("reusing existing contact")
	case errors.Is(err, repository.ErrNotFound):
		contact, err = c.users.CreateContact(ctx, account.Email)
		if err != nil {
			return models.User{}, accountWriteError(err)
		}
	default:
		return models.User{}, err
	}

	user, err := c.users.CreateUser(ctx, models.User{
		Email:            account.Email,
		PasswordHash:     account.PasswordHash,
		Name:             account.Name,
		Role:             account.Role,
		ContactID:        contact.ID,
		EmailVerified:    true,
		ProfileCompleted: models.IsAdminTier(account.Role),
	})
	if err != nil {
		return models.User{}, accountWriteError(err)
	}
	return user, nil
}

// RegistrationToken mints the long-lived token returned right after sign-up.
func (c *CredentialIssuer) RegistrationToken(user models.User) (string, error) {
	return c.tokens.Issue(user, c.registrationTTL)
}

// SessionToken mints the token returned after verification or login.
func (c *CredentialIssuer) SessionToken(user models.User) (string, error) {
	return c.tokens.Issue(user, c.sessionTTL)
}

// Authenticate checks an email and password pair. Unknown emails cost the
// same bcrypt comparison as wrong passwords.
func (c *CredentialIssuer) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	user, err := c.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(c.dummyHash, []byte(password))
			return models.User{}, errBadCredentials
		}
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, errBadCredentials
	}
	return user, nil
}

var errBadCredentials = apperr.Unauthenticated("invalid email or password")

func accountWriteError(err error) error {
	if errors.Is(err, repository.ErrEmailTaken) {
		return apperr.Conflict("email_taken", "a user with this email already exists")
	}
	return err
}
