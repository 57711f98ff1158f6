package models

import "time"

type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	Name               string    `json:"name"`
	Role               UserRole  `json:"role"`
	ContactID          string    `json:"contact_id"`
	EmailVerified      bool      `json:"email_verified"`
	IsTwoFactorEnabled bool      `json:"is_two_factor_enabled"`
	ProfileCompleted   bool      `json:"profile_completed"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Contact is the identity anchor shared by users; it may exist without a user,
// e.g. after an abandoned invitation.
type Contact struct {
	ID        string    `json:"id"`
	Emails    []string  `json:"emails"`
	Phones    []string  `json:"phones"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Contact) HasEmail(email string) bool {
	for _, e := range c.Emails {
		if e == email {
			return true
		}
	}
	return false
}
