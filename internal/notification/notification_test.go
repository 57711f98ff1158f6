package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/repository"
	"github.com/voltgrid/portal-api/internal/temporal"
	"go.temporal.io/sdk/client"
)

type captureDelivery struct {
	mu       sync.Mutex
	messages []Message
}

func (c *captureDelivery) Deliver(_ context.Context, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

type fakeMailer struct {
	err  error
	mu   sync.Mutex
	sent []Message
}

func (f *fakeMailer) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	return f.err
}

func TestEmailDispatcherComposesInvitation(t *testing.T) {
	delivery := &captureDelivery{}
	d := NewEmailDispatcher(delivery, "https://portal.voltgrid.app/register?token=%s", "support@voltgrid.app", zerolog.Nop())

	name := "Ana"
	note := "Welcome aboard"
	d.SendInvitationEmail(context.Background(), InvitationEmail{
		Email:     "ana@voltgrid.app",
		Name:      &name,
		Role:      models.RoleAdminStaff,
		Token:     "tok123",
		Message:   &note,
		ExpiresAt: time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC),
	})

	require.Len(t, delivery.messages, 1)
	msg := delivery.messages[0]
	assert.Equal(t, []string{"ana@voltgrid.app"}, msg.To)
	assert.Equal(t, CategoryInvitation, msg.Category)
	assert.Contains(t, msg.Body, "Hello Ana,")
	assert.Contains(t, msg.Body, "admin staff")
	assert.Contains(t, msg.Body, "Welcome aboard")
	assert.Contains(t, msg.Body, "https://portal.voltgrid.app/register?token=tok123")
}

func TestEmailDispatcherSupportAndAcknowledgement(t *testing.T) {
	delivery := &captureDelivery{}
	d := NewEmailDispatcher(delivery, "%s", "support@voltgrid.app", zerolog.Nop())
	attempt := RegistrationAttempt{Email: "who@example.com", Name: "Who", RequestedAt: time.Now()}

	d.SendRegistrationRequestAcknowledgement(context.Background(), attempt)
	d.NotifySupportAboutRegistrationAttempt(context.Background(), attempt)

	require.Len(t, delivery.messages, 2)
	assert.Equal(t, []string{"who@example.com"}, delivery.messages[0].To)
	assert.Equal(t, CategoryRegistrationAck, delivery.messages[0].Category)
	assert.Equal(t, []string{"support@voltgrid.app"}, delivery.messages[1].To)
	assert.Contains(t, delivery.messages[1].Body, "who@example.com")

	silent := NewEmailDispatcher(&captureDelivery{}, "%s", "", zerolog.Nop())
	silent.NotifySupportAboutRegistrationAttempt(context.Background(), attempt)
	assert.Empty(t, silent.delivery.(*captureDelivery).messages)
}

func TestEmailDispatcherVerificationCode(t *testing.T) {
	delivery := &captureDelivery{}
	d := NewEmailDispatcher(delivery, "%s", "", zerolog.Nop())

	d.SendVerificationCode(context.Background(), VerificationCodeEmail{Email: "ana@voltgrid.app", Code: "123456", Type: models.VerificationLogin, ExpiresAt: time.Now()})

	require.Len(t, delivery.messages, 1)
	assert.Contains(t, delivery.messages[0].Subject, "sign-in")
	assert.Contains(t, delivery.messages[0].Body, "123456")
}

func TestAsyncDeliveryDetachesAndReportsFailures(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("connection refused")}
	var (
		mu       sync.Mutex
		failures []error
	)
	hook := func(_ context.Context, _ Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	}
	delivery := NewAsyncDelivery(mailer, time.Second, zerolog.Nop(), hook)

	ctx, cancel := context.WithCancel(context.Background())
	delivery.Deliver(ctx, Message{To: []string{"a@b.c"}, Category: CategoryInvitation})
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, delivery.Wait(waitCtx))

	require.Len(t, mailer.sent, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(failures[0]))
}

type slowMailer struct {
	delay time.Duration
	sent  chan Message
}

func (m *slowMailer) Send(ctx context.Context, msg Message) error {
	select {
	case <-time.After(m.delay):
		m.sent <- msg
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAsyncDeliveryDrainUsesItsOwnBudget(t *testing.T) {
	mailer := &slowMailer{delay: 50 * time.Millisecond, sent: make(chan Message, 1)}
	delivery := NewAsyncDelivery(mailer, time.Second, zerolog.Nop())

	shutdownCtx, cancel := context.WithCancel(context.Background())
	delivery.Deliver(shutdownCtx, Message{To: []string{"a@b.c"}, Category: CategoryInvitation})
	cancel()

	assert.ErrorIs(t, delivery.Wait(shutdownCtx), context.Canceled)
	require.NoError(t, delivery.Drain())
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, CategoryInvitation, (<-mailer.sent).Category)
}

type fakeStarter struct {
	mock.Mock
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	called := f.Called(options.TaskQueue, workflow, args[0])
	return nil, called.Error(1)
}

func TestTemporalDeliveryReportsStartFailure(t *testing.T) {
	starter := &fakeStarter{}
	msg := Message{To: []string{"a@b.c"}, Subject: "s", Body: "b", Category: CategoryVerificationCode}
	starter.On("ExecuteWorkflow", "PORTAL_EMAIL", temporal.EmailWorkflowName, temporal.EmailParams{
		To: msg.To, Subject: "s", Body: "b", Category: CategoryVerificationCode,
	}).Return(nil, errors.New("frontend unavailable"))

	var failed []Message
	delivery := NewTemporalDelivery(starter, "", time.Second, zerolog.Nop(), func(_ context.Context, m Message, _ error) {
		failed = append(failed, m)
	})
	delivery.Deliver(context.Background(), msg)

	starter.AssertExpectations(t)
	assert.Equal(t, []Message{msg}, failed)
}

func TestPunycodeEmail(t *testing.T) {
	tests := []struct {
		input   string
		encoded string
	}{
		{"regular@email.com", "regular@email.com"},
		{"someone@måil.com", "someone@xn--mil-ula.com"},
		{`"funky@but@valid$email"@site.com`, `"funky@but@valid$email"@site.com`},
		{`silly\@email@g∞gl€.com`, `silly\@email@xn--ggl-m50au1g.com`},
	}
	for _, tc := range tests {
		encoded, err := punycodeEmail(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.encoded, encoded)
	}
}

type fakeNotificationRepo struct {
	created []repository.CreateNotificationParams
}

func (f *fakeNotificationRepo) Create(_ context.Context, params repository.CreateNotificationParams) (models.Notification, error) {
	f.created = append(f.created, params)
	return models.Notification{ID: "n-1", EventType: params.Event, Severity: params.Severity, Title: params.Title, Message: params.Message}, nil
}

func (f *fakeNotificationRepo) ListRecent(context.Context, string, int) ([]models.Notification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) MarkRead(context.Context, string, string) (models.Notification, error) {
	return models.Notification{}, nil
}

func TestServicePublishFansOutToEmail(t *testing.T) {
	repo := &fakeNotificationRepo{}
	delivery := &captureDelivery{}
	svc := NewService(repo, zerolog.Nop(), NewEmailNotifier(delivery, []string{" ops@voltgrid.app ", ""}, zerolog.Nop()))

	require.NoError(t, svc.NotifyRegistrationRequested(context.Background(), "who@example.com", ""))

	require.Len(t, repo.created, 1)
	assert.Equal(t, models.NotificationEventRegistrationRequested, repo.created[0].Event)
	assert.Nil(t, repo.created[0].Recipient)
	require.Len(t, delivery.messages, 1)
	assert.Equal(t, []string{"ops@voltgrid.app"}, delivery.messages[0].To)
	assert.Equal(t, CategoryAdminAlert, delivery.messages[0].Category)
	assert.True(t, strings.HasPrefix(delivery.messages[0].Subject, "[VoltGrid] "))
}

func TestServiceIgnoresAdminAlertDeliveryFailures(t *testing.T) {
	repo := &fakeNotificationRepo{}
	svc := NewService(repo, zerolog.Nop())

	require.NoError(t, svc.NotifyEmailDeliveryFailed(context.Background(), Message{Category: CategoryAdminAlert}, errors.New("x")))
	assert.Empty(t, repo.created)

	require.NoError(t, svc.NotifyEmailDeliveryFailed(context.Background(), Message{Category: CategoryInvitation, To: []string{"a@b.c"}}, errors.New("x")))
	require.Len(t, repo.created, 1)
	assert.Equal(t, models.NotificationSeverityError, repo.created[0].Severity)
}
