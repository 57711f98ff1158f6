package models

import "time"

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationRevoked  InvitationStatus = "REVOKED"
	InvitationExpired  InvitationStatus = "EXPIRED"
)

// Invitation is a time-bound, single-use grant allowing one email to
// self-register with a pre-assigned role. Only the token hash is stored.
type Invitation struct {
	ID         string           `json:"id"`
	Email      string           `json:"email"`
	Name       *string          `json:"name,omitempty"`
	Role       UserRole         `json:"role"`
	TokenHash  string           `json:"-"`
	Status     InvitationStatus `json:"status"`
	Message    *string          `json:"message,omitempty"`
	SenderID   *string          `json:"sender_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	AcceptedAt *time.Time       `json:"accepted_at,omitempty"`
}

// IsExpired determines whether the invitation has expired. The expiry
// instant itself already counts as expired.
func (i Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// EffectiveStatus reports the status a reader should observe: a PENDING
// invitation past its expiry reads as EXPIRED whatever the stored column says.
func (i Invitation) EffectiveStatus(now time.Time) InvitationStatus {
	if i.Status == InvitationPending && i.IsExpired(now) {
		return InvitationExpired
	}
	return i.Status
}

// IsRedeemable reports whether the invitation can still be accepted.
func (i Invitation) IsRedeemable(now time.Time) bool {
	return i.EffectiveStatus(now) == InvitationPending
}
