package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/portal-api/internal/authz"
	"github.com/voltgrid/portal-api/internal/config"
	"github.com/voltgrid/portal-api/internal/handlers"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/routes"
	"github.com/voltgrid/portal-api/internal/service"
	"github.com/voltgrid/portal-api/internal/testutil"
	"golang.org/x/crypto/bcrypt"
)

type harness struct {
	router     http.Handler
	store      *testutil.Store
	dispatcher *testutil.Dispatcher
	tokens     *authz.TokenIssuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	store := testutil.NewStore()
	dispatcher := &testutil.Dispatcher{}

	tokens, err := authz.NewTokenIssuer("handler-secret")
	require.NoError(t, err)
	credentials, err := service.NewCredentialIssuer(store, tokens, config.AuthConfig{
		BcryptCost:      bcrypt.MinCost,
		RegistrationTTL: 168 * time.Hour,
		SessionTTL:      24 * time.Hour,
	}, logger)
	require.NoError(t, err)

	notifier := notification.NewService(store, logger)
	invitations := service.NewInvitationService(store, dispatcher, 24*time.Hour, logger)
	registration := service.NewRegistrationService(store, store, invitations, credentials, dispatcher, notifier,
		config.RegistrationConfig{SuperAdminEmail: "root@voltgrid.app", StrictInvitationEmail: true}, logger)
	verification := service.NewVerificationService(store, store, store, credentials, dispatcher,
		config.VerificationConfig{CodeTTL: 15 * time.Minute, MaxAttempts: 5}, logger)

	router := routes.NewRouter(routes.Handlers{
		Auth:          handlers.NewAuthHandler(registration, verification, logger),
		Invites:       handlers.NewInviteHandler(invitations, logger),
		Notifications: handlers.NewNotificationHandler(notifier, logger),
		Health:        handlers.HealthCheck(nil),
	}, tokens)

	return &harness{router: router, store: store, dispatcher: dispatcher, tokens: tokens}
}

func (h *harness) bearer(t *testing.T, role models.UserRole) string {
	t.Helper()
	token, err := h.tokens.Issue(models.User{ID: uuid.NewString(), Email: "caller@voltgrid.app", Role: role}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (h *harness) do(t *testing.T, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

type errorEnvelope struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestInvitationRoutesRequireCapability(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/invitations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/invitations", h.bearer(t, models.RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var env errorEnvelope
	decode(t, rec, &env)
	assert.Equal(t, "forbidden", env.Error.Code)

	rec = h.do(t, http.MethodGet, "/invitations", h.bearer(t, models.RoleAdminStaff), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvitationLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	admin := h.bearer(t, models.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/invitations", admin, map[string]string{"email": "new@example.com", "role": "DISTRIBUTOR"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued service.IssuedInvitation
	decode(t, rec, &issued)
	assert.NotEmpty(t, issued.Token)
	assert.NotContains(t, rec.Body.String(), "token_hash")

	rec = h.do(t, http.MethodPost, "/invitations", admin, map[string]string{"email": "new@example.com", "role": "DISTRIBUTOR"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/invitations/preview/"+issued.Token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "new@example.com")

	h.store.PutUser(models.User{ID: uuid.NewString(), Email: "member@example.com", Role: models.RoleCustomer})
	rec = h.do(t, http.MethodPost, "/invitations", admin, map[string]string{"email": "other@example.com", "role": "CUSTOMER"})
	require.Equal(t, http.StatusCreated, rec.Code)
	for email, code := range map[string]string{"member@example.com": "email_taken", "other@example.com": "invitation_exists"} {
		rec = h.do(t, http.MethodPut, "/invitations", admin, map[string]interface{}{"id": issued.Invitation.ID, "email": email})
		require.Equal(t, http.StatusConflict, rec.Code, email)
		var env errorEnvelope
		decode(t, rec, &env)
		assert.Equal(t, code, env.Error.Code, email)
	}

	rec = h.do(t, http.MethodPut, "/invitations", admin, map[string]interface{}{"id": issued.Invitation.ID, "resend": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var edited service.EditInvitationResult
	decode(t, rec, &edited)
	assert.True(t, edited.Resent)
	assert.NotEqual(t, issued.Token, edited.Token)

	rec = h.do(t, http.MethodPatch, "/invitations", admin, map[string]string{"id": issued.Invitation.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPatch, "/invitations", admin, map[string]string{"id": issued.Invitation.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/invitations/preview/"+edited.Token, "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = h.do(t, http.MethodDelete, "/invitations?id="+issued.Invitation.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodDelete, "/invitations?id="+issued.Invitation.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkDelete(t *testing.T) {
	h := newHarness(t)
	admin := h.bearer(t, models.RoleSuperAdmin)

	var ids []string
	for _, email := range []string{"a@example.com", "b@example.com"} {
		rec := h.do(t, http.MethodPost, "/invitations", admin, map[string]string{"email": email, "role": "CUSTOMER"})
		require.Equal(t, http.StatusCreated, rec.Code)
		var issued service.IssuedInvitation
		decode(t, rec, &issued)
		ids = append(ids, issued.Invitation.ID)
	}
	ids = append(ids, uuid.NewString())

	rec := h.do(t, http.MethodDelete, "/invitations?ids="+strings.Join(ids, ","), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.BulkDeleteResult
	decode(t, rec, &result)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 1, result.Failed)

	rec = h.do(t, http.MethodDelete, "/invitations", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "not-an-email", "password": "short"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env errorEnvelope
	decode(t, rec, &env)
	assert.Contains(t, env.Error.Fields, "email")
	assert.Contains(t, env.Error.Fields, "password")
	assert.Contains(t, env.Error.Fields, "name")

	rec = h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "walkin@example.com", "password": "long-enough", "name": "Walk In",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"pending_approval"}`, rec.Body.String())
	assert.Empty(t, h.store.Users())

	rec = h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "root@voltgrid.app", "password": "long-enough", "name": "Root",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	decode(t, rec, &body)
	assert.Equal(t, models.RoleSuperAdmin, body.User.Role)
	assert.NotEmpty(t, body.Token)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "root@voltgrid.app", "password": "long-enough", "name": "Root",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerifyEmailOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"userId": uuid.NewString(), "code": "123456"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"userId": "x", "code": "12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	user := models.User{ID: uuid.NewString(), Email: "v@example.com", Role: models.RoleCustomer, ContactID: uuid.NewString()}
	h.store.PutUser(user)

	rec = h.do(t, http.MethodPost, "/auth/verify-email/resend", "", map[string]string{"userId": user.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	code := h.dispatcher.LastCode()

	rec = h.do(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"userId": user.ID, "code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.VerificationResult
	decode(t, rec, &result)
	assert.True(t, result.Verified)
	assert.NotEmpty(t, result.Token)

	rec = h.do(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"userId": user.ID, "code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/verify-email", "", map[string]string{"userId": user.ID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/verify-email/resend", "", map[string]string{"userId": user.ID})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotificationsOverHTTP(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "walkin@example.com", "password": "long-enough", "name": "Walk In",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/notifications", h.bearer(t, models.RoleDistributor), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := h.bearer(t, models.RoleAdmin)
	rec = h.do(t, http.MethodGet, "/notifications", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Notifications []models.Notification `json:"notifications"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, models.NotificationEventRegistrationRequested, list.Notifications[0].EventType)

	rec = h.do(t, http.MethodPatch, "/notifications/"+list.Notifications[0].ID+"/read", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var read models.Notification
	decode(t, rec, &read)
	assert.NotNil(t, read.ReadAt)

	rec = h.do(t, http.MethodPatch, "/notifications/"+uuid.NewString()+"/read", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
