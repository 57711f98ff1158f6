package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/portal-api/internal/notification"
	"github.com/voltgrid/portal-api/internal/temporal"
	"github.com/voltgrid/portal-api/internal/temporal/activities"
	"go.temporal.io/sdk/testsuite"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (m *recordingMailer) Send(_ context.Context, msg notification.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

var params = temporal.EmailParams{
	To:       []string{"ana@voltgrid.app"},
	Subject:  "You have been invited to the VoltGrid portal",
	Body:     "hello",
	Category: notification.CategoryInvitation,
}

func TestEmailDeliveryWorkflowSends(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	mailer := &recordingMailer{}
	env.RegisterActivity(&activities.Activities{Mailer: mailer})

	env.ExecuteWorkflow(EmailDeliveryWorkflow, params)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, params.To, mailer.sent[0].To)
	assert.Equal(t, params.Category, mailer.sent[0].Category)
}

func TestEmailDeliveryWorkflowRecordsFailure(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	var a *activities.Activities
	env.RegisterActivity(&activities.Activities{})
	env.OnActivity(a.SendEmailActivity, mock.Anything, mock.Anything).Return(errors.New("smtp unavailable"))
	env.OnActivity(a.RecordDeliveryFailureActivity, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(EmailDeliveryWorkflow, params)

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}
