package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/models"
)

// Dispatcher is the outbound email surface used by the access services.
// Every call returns immediately; delivery failures are logged and never
// reach the caller.
type Dispatcher interface {
	SendInvitationEmail(ctx context.Context, invite InvitationEmail)
	SendRegistrationRequestAcknowledgement(ctx context.Context, attempt RegistrationAttempt)
	NotifySupportAboutRegistrationAttempt(ctx context.Context, attempt RegistrationAttempt)
	SendVerificationCode(ctx context.Context, code VerificationCodeEmail)
}

type InvitationEmail struct {
	Email     string
	Name      *string
	Role      models.UserRole
	Token     string
	Message   *string
	ExpiresAt time.Time
}

type RegistrationAttempt struct {
	Email       string
	Name        string
	RequestedAt time.Time
}

type VerificationCodeEmail struct {
	Email     string
	Name      string
	Code      string
	Type      models.VerificationType
	ExpiresAt time.Time
}

// Delivery hands a composed message to a transport without waiting for it.
type Delivery interface {
	Deliver(ctx context.Context, msg Message)
}

// FailureHook observes messages that could not be delivered.
type FailureHook func(ctx context.Context, msg Message, err error)

// EmailDispatcher composes the portal's emails and hands them to a Delivery.
type EmailDispatcher struct {
	delivery          Delivery
	inviteURLTemplate string
	supportAddress    string
	logger            zerolog.Logger
}

func NewEmailDispatcher(delivery Delivery, inviteURLTemplate, supportAddress string, logger zerolog.Logger) *EmailDispatcher {
	return &EmailDispatcher{
		delivery:          delivery,
		inviteURLTemplate: inviteURLTemplate,
		supportAddress:    strings.TrimSpace(supportAddress),
		logger:            logger.With().Str("component", "email_dispatcher").Logger(),
	}
}

func (d *EmailDispatcher) SendInvitationEmail(ctx context.Context, invite InvitationEmail) {
	inviteURL := fmt.Sprintf(d.inviteURLTemplate, invite.Token)

	body := strings.Builder{}
	body.WriteString(greeting(derefString(invite.Name)))
	body.WriteString(fmt.Sprintf("You have been invited to join the VoltGrid portal as %s.\n", roleLabel(invite.Role)))
	if invite.Message != nil && strings.TrimSpace(*invite.Message) != "" {
		body.WriteString("\n")
		body.WriteString(strings.TrimSpace(*invite.Message))
		body.WriteString("\n")
	}
	body.WriteString("\nClick the link below to create your account:\n\n")
	body.WriteString(inviteURL + "\n\n")
	body.WriteString(fmt.Sprintf("This invitation expires on %s. If you did not expect this email, you can ignore it.\n\n", invite.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")))
	body.WriteString(signature)

	d.delivery.Deliver(ctx, Message{
		To:       []string{invite.Email},
		Subject:  "You have been invited to the VoltGrid portal",
		Body:     body.String(),
		Category: CategoryInvitation,
	})
}

func (d *EmailDispatcher) SendRegistrationRequestAcknowledgement(ctx context.Context, attempt RegistrationAttempt) {
	body := strings.Builder{}
	body.WriteString(greeting(attempt.Name))
	body.WriteString("We received your request to access the VoltGrid portal.\n")
	body.WriteString("Our team will review it and contact you once your access has been approved.\n\n")
	body.WriteString(signature)

	d.delivery.Deliver(ctx, Message{
		To:       []string{attempt.Email},
		Subject:  "We received your access request",
		Body:     body.String(),
		Category: CategoryRegistrationAck,
	})
}

func (d *EmailDispatcher) NotifySupportAboutRegistrationAttempt(ctx context.Context, attempt RegistrationAttempt) {
	if d.supportAddress == "" {
		d.logger.Debug().Str("email", attempt.Email).Msg("no support address configured; skipping registration attempt email")
		return
	}

	body := strings.Builder{}
	body.WriteString("A registration was attempted without an invitation.\n\n")
	body.WriteString(fmt.Sprintf("Name: %s\n", attempt.Name))
	body.WriteString(fmt.Sprintf("Email: %s\n", attempt.Email))
	body.WriteString(fmt.Sprintf("Requested: %s\n\n", attempt.RequestedAt.UTC().Format("2006-01-02 15:04:05 MST")))
	body.WriteString("Send an invitation from the portal if this person should have access.\n")

	d.delivery.Deliver(ctx, Message{
		To:       []string{d.supportAddress},
		Subject:  fmt.Sprintf("[VoltGrid] Access request from %s", attempt.Email),
		Body:     body.String(),
		Category: CategorySupportAttempt,
	})
}

func (d *EmailDispatcher) SendVerificationCode(ctx context.Context, code VerificationCodeEmail) {
	subject := "Your VoltGrid verification code"
	purpose := "confirm your email address"
	if code.Type == models.VerificationLogin {
		subject = "Your VoltGrid sign-in code"
		purpose = "finish signing in"
	}

	body := strings.Builder{}
	body.WriteString(greeting(code.Name))
	body.WriteString(fmt.Sprintf("Use the code below to %s:\n\n", purpose))
	body.WriteString("    " + code.Code + "\n\n")
	body.WriteString(fmt.Sprintf("The code expires at %s and can be used once.\n\n", code.ExpiresAt.UTC().Format("15:04 MST")))
	body.WriteString(signature)

	d.delivery.Deliver(ctx, Message{
		To:       []string{code.Email},
		Subject:  subject,
		Body:     body.String(),
		Category: CategoryVerificationCode,
	})
}

const signature = "Thanks,\nThe VoltGrid Team\n"

func greeting(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return fmt.Sprintf("Hello %s,\n\n", name)
	}
	return "Hello,\n\n"
}

func roleLabel(role models.UserRole) string {
	return strings.ToLower(strings.ReplaceAll(string(role), "_", " "))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// AsyncDelivery sends each message on its own goroutine, bounded by a timeout
// that is detached from the caller's request.
type AsyncDelivery struct {
	mailer  Mailer
	timeout time.Duration
	logger  zerolog.Logger
	hooks   []FailureHook
	wg      sync.WaitGroup
}

func NewAsyncDelivery(mailer Mailer, timeout time.Duration, logger zerolog.Logger, hooks ...FailureHook) *AsyncDelivery {
	return &AsyncDelivery{
		mailer:  mailer,
		timeout: timeout,
		logger:  logger.With().Str("component", "email_delivery").Logger(),
		hooks:   hooks,
	}
}

func (d *AsyncDelivery) Deliver(ctx context.Context, msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.mailer.Send(sendCtx, msg); err != nil {
			reportFailure(context.WithoutCancel(ctx), d.logger, d.hooks, msg, apperr.Transient(err, "deliver %s email", msg.Category))
			return
		}
		d.logger.Debug().Str("category", msg.Category).Strs("to", msg.To).Msg("email delivered")
	}()
}

// Wait blocks until in-flight sends finish or ctx is done.
func (d *AsyncDelivery) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits for in-flight sends under its own deadline of one send timeout
// plus drainGrace for failure hooks.
func (d *AsyncDelivery) Drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout+drainGrace)
	defer cancel()
	return d.Wait(ctx)
}

const drainGrace = 2 * time.Second

func reportFailure(ctx context.Context, logger zerolog.Logger, hooks []FailureHook, msg Message, err error) {
	logger.Warn().
		Err(err).
		Str("category", msg.Category).
		Strs("to", msg.To).
		Msg("failed to deliver email")
	for _, hook := range hooks {
		hook(ctx, msg, err)
	}
}
