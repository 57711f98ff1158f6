package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/models"
)

// EmailNotifier forwards admin notifications to the configured alert
// recipients.
type EmailNotifier struct {
	delivery   Delivery
	recipients []string
	logger     zerolog.Logger
}

func NewEmailNotifier(delivery Delivery, recipients []string, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		delivery:   delivery,
		recipients: sanitizeRecipients(recipients),
		logger:     logger.With().Str("notifier", "email").Logger(),
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, notif models.Notification) error {
	if len(n.recipients) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[VoltGrid] %s", strings.TrimSpace(notif.Title))
	if subject == "[VoltGrid] " {
		subject = "[VoltGrid] Notification"
	}

	body := strings.Builder{}
	body.WriteString(strings.TrimSpace(notif.Message))
	body.WriteString("\n\n")
	body.WriteString(fmt.Sprintf("Event: %s\n", notif.EventType))
	body.WriteString(fmt.Sprintf("Severity: %s\n", notif.Severity))
	body.WriteString(fmt.Sprintf("Created: %s\n", notif.CreatedAt.Format("2006-01-02 15:04:05 MST")))
	if len(notif.Metadata) > 0 {
		body.WriteString(fmt.Sprintf("Metadata: %s\n", string(notif.Metadata)))
	}

	n.delivery.Deliver(ctx, Message{
		To:       n.recipients,
		Subject:  subject,
		Body:     body.String(),
		Category: CategoryAdminAlert,
	})

	n.logger.Debug().
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Strs("recipients", n.recipients).
		Msg("email notification queued")
	return nil
}

func (n *EmailNotifier) String() string {
	return "EmailNotifier"
}
