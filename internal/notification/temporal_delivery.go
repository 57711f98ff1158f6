package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/apperr"
	"github.com/voltgrid/portal-api/internal/temporal"
	"go.temporal.io/sdk/client"
)

// WorkflowStarter is the subset of the Temporal client used to start email
// workflows.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalDelivery hands each message to a durable workflow that retries the
// send on the worker side.
type TemporalDelivery struct {
	starter   WorkflowStarter
	taskQueue string
	timeout   time.Duration
	logger    zerolog.Logger
	hooks     []FailureHook
}

func NewTemporalDelivery(starter WorkflowStarter, taskQueue string, timeout time.Duration, logger zerolog.Logger, hooks ...FailureHook) *TemporalDelivery {
	if taskQueue == "" {
		taskQueue = temporal.DefaultTaskQueueName
	}
	return &TemporalDelivery{
		starter:   starter,
		taskQueue: taskQueue,
		timeout:   timeout,
		logger:    logger.With().Str("component", "email_delivery").Str("mode", "temporal").Logger(),
		hooks:     hooks,
	}
}

func (d *TemporalDelivery) Deliver(ctx context.Context, msg Message) {
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	opts := client.StartWorkflowOptions{
		ID:        temporal.EmailWorkflowIDPrefix + uuid.NewString(),
		TaskQueue: d.taskQueue,
	}
	params := temporal.EmailParams{
		To:       msg.To,
		Subject:  msg.Subject,
		Body:     msg.Body,
		Category: msg.Category,
	}

	run, err := d.starter.ExecuteWorkflow(startCtx, opts, temporal.EmailWorkflowName, params)
	if err != nil {
		reportFailure(context.WithoutCancel(ctx), d.logger, d.hooks, msg, apperr.Transient(err, "start %s email workflow", msg.Category))
		return
	}
	d.logger.Debug().
		Str("workflow_id", run.GetID()).
		Str("run_id", run.GetRunID()).
		Str("category", msg.Category).
		Msg("email workflow started")
}
