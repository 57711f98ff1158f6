package models

import "time"

type VerificationType string

const (
	VerificationEmail VerificationType = "EMAIL_VERIFICATION"
	VerificationLogin VerificationType = "LOGIN"
)

// VerificationCode is a short-lived, single-use code bound to a user and a purpose.
type VerificationCode struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Code           string           `json:"-"`
	Type           VerificationType `json:"type"`
	ExpiresAt      time.Time        `json:"expires_at"`
	ConsumedAt     *time.Time       `json:"consumed_at,omitempty"`
	FailedAttempts int              `json:"failed_attempts"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Usable reports whether the code may still be consumed at now.
func (c VerificationCode) Usable(now time.Time, maxAttempts int) bool {
	return c.ConsumedAt == nil && now.Before(c.ExpiresAt) && c.FailedAttempts < maxAttempts
}
