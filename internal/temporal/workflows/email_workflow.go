package workflows

import (
	"time"

	"github.com/voltgrid/portal-api/internal/temporal"
	"github.com/voltgrid/portal-api/internal/temporal/activities"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// EmailDeliveryWorkflow sends one message, retrying transport failures with
// backoff, and records the failure for admins if every attempt fails.
func EmailDeliveryWorkflow(ctx workflow.Context, params temporal.EmailParams) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    temporal.MaxSendAttempts,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting email workflow", "category", params.Category)

	var a *activities.Activities

	err := workflow.ExecuteActivity(ctx, a.SendEmailActivity, params).Get(ctx, nil)
	if err == nil {
		logger.Info("Email workflow completed successfully.", "category", params.Category)
		return nil
	}

	logger.Error("Email delivery failed after retries.", "category", params.Category, "error", err)
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: temporal.DefaultActivityTimeout,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 3},
	})
	if recErr := workflow.ExecuteActivity(recordCtx, a.RecordDeliveryFailureActivity, params, err.Error()).Get(recordCtx, nil); recErr != nil {
		logger.Error("Failed to record email delivery failure.", "error", recErr)
	}
	return err
}
