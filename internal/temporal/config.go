package temporal

import "time"

// DefaultTaskQueueName is used when temporal.task_queue is not configured.
const DefaultTaskQueueName = "PORTAL_EMAIL"

// EmailWorkflowName is the registered name of the email delivery workflow.
// Clients start it by name so they do not depend on the worker packages.
const EmailWorkflowName = "EmailDeliveryWorkflow"

// EmailWorkflowIDPrefix is the prefix used for email delivery workflow IDs.
const EmailWorkflowIDPrefix = "portal-email-"

// DefaultActivityTimeout bounds a single send attempt.
const DefaultActivityTimeout = 30 * time.Second

// MaxSendAttempts caps retries of a failing send.
const MaxSendAttempts = 5

// EmailParams defines the input for the email delivery workflow.
type EmailParams struct {
	To       []string
	Subject  string
	Body     string
	Category string
}
