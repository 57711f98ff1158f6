package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/repository"
)

type Event struct {
	Recipient string
	Event     models.NotificationEvent
	Severity  models.NotificationSeverity
	Title     string
	Message   string
	Metadata  map[string]interface{}
}

// Service is the admin notification sink: it persists events for the admin
// inbox and fans them out to the configured notifiers.
type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyRegistrationRequested(ctx context.Context, email, name string) error
	NotifyUserRegistered(ctx context.Context, user models.User, path string) error
	NotifyInvitationEmailMismatch(ctx context.Context, invitationID, invitedEmail, registeredEmail string) error
	NotifyEmailDeliveryFailed(ctx context.Context, msg Message, reason error) error
	ListRecent(ctx context.Context, recipientID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, recipientID, notificationID string) (models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	message := strings.TrimSpace(evt.Message)
	if title == "" {
		title = string(evt.Event)
	}
	params := repository.CreateNotificationParams{
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  message,
		Metadata: evt.Metadata,
	}
	if rid := strings.TrimSpace(evt.Recipient); rid != "" {
		params.Recipient = &rid
	}

	notif, err := s.repo.Create(ctx, params)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifyRegistrationRequested(ctx context.Context, email, name string) error {
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventRegistrationRequested,
		Severity: models.NotificationSeverityInfo,
		Title:    "New access request",
		Message:  fmt.Sprintf("%s (%s) asked for portal access without an invitation.", fallbackName(name, email), email),
		Metadata: map[string]interface{}{
			"email": email,
			"name":  name,
		},
	})
	return err
}

func (s *service) NotifyUserRegistered(ctx context.Context, user models.User, path string) error {
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventUserRegistered,
		Severity: models.NotificationSeverityInfo,
		Title:    fmt.Sprintf("User registered: %s", user.Email),
		Message:  fmt.Sprintf("%s registered as %s.", fallbackName(user.Name, user.Email), user.Role),
		Metadata: map[string]interface{}{
			"user_id": user.ID,
			"email":   user.Email,
			"role":    string(user.Role),
			"path":    path,
		},
	})
	return err
}

func (s *service) NotifyInvitationEmailMismatch(ctx context.Context, invitationID, invitedEmail, registeredEmail string) error {
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventInvitationEmailMismatch,
		Severity: models.NotificationSeverityWarning,
		Title:    "Invitation redeemed with a different email",
		Message:  fmt.Sprintf("The invitation for %s was redeemed by %s.", invitedEmail, registeredEmail),
		Metadata: map[string]interface{}{
			"invitation_id":    invitationID,
			"invited_email":    invitedEmail,
			"registered_email": registeredEmail,
		},
	})
	return err
}

// NotifyEmailDeliveryFailed records a failed send. Failures of admin alert
// emails are only logged so they cannot feed back into another alert.
func (s *service) NotifyEmailDeliveryFailed(ctx context.Context, msg Message, reason error) error {
	if msg.Category == CategoryAdminAlert {
		return nil
	}
	detail := "unknown error"
	if reason != nil {
		detail = reason.Error()
	}
	_, err := s.Publish(ctx, Event{
		Event:    models.NotificationEventEmailDeliveryFailed,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Email delivery failed: %s", msg.Category),
		Message:  fmt.Sprintf("Could not deliver %q to %s: %s", msg.Subject, strings.Join(msg.To, ", "), detail),
		Metadata: map[string]interface{}{
			"category":   msg.Category,
			"recipients": msg.To,
			"reason":     detail,
		},
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, recipientID, limit)
}

func (s *service) MarkRead(ctx context.Context, recipientID, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, recipientID, notificationID)
}

const failureRecordTimeout = 5 * time.Second

// FailureRecorder adapts the service into a FailureHook.
func FailureRecorder(svc Service, logger zerolog.Logger) FailureHook {
	return func(ctx context.Context, msg Message, err error) {
		ctx, cancel := context.WithTimeout(ctx, failureRecordTimeout)
		defer cancel()
		if recErr := svc.NotifyEmailDeliveryFailed(ctx, msg, err); recErr != nil {
			logger.Warn().Err(recErr).Str("category", msg.Category).Msg("failed to record email delivery failure")
		}
	}
}

func fallbackName(name, fallback string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fallback
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
