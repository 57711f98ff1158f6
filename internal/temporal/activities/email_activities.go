package activities

import (
	"context"

	"github.com/pkg/errors"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/temporal"
	"go.temporal.io/sdk/activity"
)

type Activities struct {
	Mailer notification.Mailer
	// OnFailure runs once the workflow has given up on a message.
	OnFailure notification.FailureHook
}

func (a *Activities) SendEmailActivity(ctx context.Context, params temporal.EmailParams) error {
	logger := activity.GetLogger(ctx)
	info := activity.GetInfo(ctx)
	logger.Info("Sending email", "category", params.Category, "attempt", info.Attempt)

	err := a.Mailer.Send(ctx, notification.Message{
		To:       params.To,
		Subject:  params.Subject,
		Body:     params.Body,
		Category: params.Category,
	})
	if err != nil {
		logger.Warn("Email send attempt failed", "category", params.Category, "error", err)
		return errors.Wrapf(err, "send %s email", params.Category)
	}
	return nil
}

func (a *Activities) RecordDeliveryFailureActivity(ctx context.Context, params temporal.EmailParams, reason string) error {
	logger := activity.GetLogger(ctx)
	logger.Error("Email delivery abandoned", "category", params.Category, "reason", reason)
	if a.OnFailure == nil {
		return nil
	}
	a.OnFailure(ctx, notification.Message{
		To:       params.To,
		Subject:  params.Subject,
		Body:     params.Body,
		Category: params.Category,
	}, errors.New(reason))
	return nil
}
