package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/config"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/testutil"
	"golang.org/x/crypto/bcrypt"
)

const superAdminEmail = "root@voltgrid.app"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store        *testutil.Store
	dispatcher   *testutil.Dispatcher
	notifier     notification.Service
	tokens       *authz.TokenIssuer
	credentials  *CredentialIssuer
	invitations  *InvitationService
	registration *RegistrationService
	verification *VerificationService
	logs         *bytes.Buffer
	now          time.Time
}

type fixtureOption func(*config.Config)

func nonStrict(cfg *config.Config) { cfg.Registration.StrictInvitationEmail = false }

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := config.Config{
		Auth: config.AuthConfig{
			JWTSecret:       "test-secret",
			BcryptCost:      bcrypt.MinCost,
			RegistrationTTL: 168 * time.Hour,
			SessionTTL:      24 * time.Hour,
		},
		Registration: config.RegistrationConfig{SuperAdminEmail: superAdminEmail, StrictInvitationEmail: true},
		Invitations:  config.InvitationConfig{TTL: 24 * time.Hour},
		Verification: config.VerificationConfig{CodeTTL: 15 * time.Minute, MaxAttempts: 5},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{
		store:      testutil.NewStore(),
		dispatcher: &testutil.Dispatcher{},
		logs:       &bytes.Buffer{},
		now:        baseTime,
	}
	clock := func() time.Time { return f.now }
	logger := zerolog.New(f.logs)

	tokens, err := authz.NewTokenIssuer(cfg.Auth.JWTSecret)
	require.NoError(t, err)
	f.tokens = tokens.WithClock(clock)

	f.credentials, err = NewCredentialIssuer(f.store, f.tokens, cfg.Auth, logger)
	require.NoError(t, err)
	f.notifier = notification.NewService(f.store, logger)
	f.invitations = NewInvitationService(f.store, f.dispatcher, cfg.Invitations.TTL, logger).WithClock(clock)
	f.registration = NewRegistrationService(f.store, f.store, f.invitations, f.credentials, f.dispatcher, f.notifier, cfg.Registration, logger).WithClock(clock)
	f.verification = NewVerificationService(f.store, f.store, f.store, f.credentials, f.dispatcher, cfg.Verification, logger).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func admin() authz.Principal {
	return authz.Principal{UserID: uuid.NewString(), Email: "admin@voltgrid.app", Role: models.RoleAdmin}
}

func staff() authz.Principal {
	return authz.Principal{UserID: uuid.NewString(), Email: "staff@voltgrid.app", Role: models.RoleAdminStaff}
}

func (f *fixture) invite(t *testing.T, email string, role models.UserRole) IssuedInvitation {
	t.Helper()
	issued, err := f.invitations.Create(context.Background(), admin(), CreateInvitationInput{Email: email, Role: string(role)})
	require.NoError(t, err)
	return issued
}

// seedUser stores a user with a bcrypt hash of password.
func (f *fixture) seedUser(t *testing.T, email, password string, mutate func(*models.User)) models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	contact := models.Contact{ID: uuid.NewString(), Emails: []string{email}}
	f.store.PutContact(contact)
	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         "Seeded",
		Role:         models.RoleCustomer,
		ContactID:    contact.ID,
	}
	if mutate != nil {
		mutate(&user)
	}
	f.store.PutUser(user)
	return user
}
