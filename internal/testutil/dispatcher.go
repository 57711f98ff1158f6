package testutil

import (
	"context"
	"sync"

	"github.com/voltgrid/portal-api/internal/notification"
)

// Dispatcher records every email request instead of sending it.
type Dispatcher struct {
	mu            sync.Mutex
	Invitations   []notification.InvitationEmail
	Acks          []notification.RegistrationAttempt
	SupportAlerts []notification.RegistrationAttempt
	Codes         []notification.VerificationCodeEmail
}

var _ notification.Dispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) SendInvitationEmail(_ context.Context, invite notification.InvitationEmail) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Invitations = append(d.Invitations, invite)
}

func (d *Dispatcher) SendRegistrationRequestAcknowledgement(_ context.Context, attempt notification.RegistrationAttempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Acks = append(d.Acks, attempt)
}

func (d *Dispatcher) NotifySupportAboutRegistrationAttempt(_ context.Context, attempt notification.RegistrationAttempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SupportAlerts = append(d.SupportAlerts, attempt)
}

func (d *Dispatcher) SendVerificationCode(_ context.Context, code notification.VerificationCodeEmail) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Codes = append(d.Codes, code)
}

// LastInvitationToken returns the raw token of the most recent invitation email.
func (d *Dispatcher) LastInvitationToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Invitations) == 0 {
		return ""
	}
	return d.Invitations[len(d.Invitations)-1].Token
}

// LastCode returns the most recent verification code sent.
func (d *Dispatcher) LastCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Codes) == 0 {
		return ""
	}
	return d.Codes[len(d.Codes)-1].Code
}
