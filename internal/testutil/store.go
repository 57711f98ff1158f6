// Package testutil holds in-memory fakes for the repository layer.
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voltgrid/portal-api/internal/models"
	"github.com/voltgrid/portal-api/internal/repository"
)

// Store is an in-memory implementation of every repository interface plus
// TxRunner. Transactions snapshot the whole store and restore it when the
// function returns an error.
type Store struct {
	mu            sync.Mutex
	contacts      map[string]models.Contact
	users         map[string]models.User
	invites       map[string]models.Invitation
	codes         []models.VerificationCode
	notifications []models.Notification

	// FailCreateUser, when set, is returned by the next CreateUser call.
	FailCreateUser error
}

var (
	_ repository.InviteRepository           = (*Store)(nil)
	_ repository.UserRepository             = (*Store)(nil)
	_ repository.VerificationCodeRepository = (*Store)(nil)
	_ repository.NotificationRepository     = (*Store)(nil)
	_ repository.TxRunner                   = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		contacts: map[string]models.Contact{},
		users:    map[string]models.User{},
		invites:  map[string]models.Invitation{},
	}
}

type txKey struct{}

type snapshot struct {
	contacts      map[string]models.Contact
	users         map[string]models.User
	invites       map[string]models.Invitation
	codes         []models.VerificationCode
	notifications []models.Notification
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.restoreLocked(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) snapshotLocked() snapshot {
	snap := snapshot{
		contacts:      make(map[string]models.Contact, len(s.contacts)),
		users:         make(map[string]models.User, len(s.users)),
		invites:       make(map[string]models.Invitation, len(s.invites)),
		codes:         append([]models.VerificationCode(nil), s.codes...),
		notifications: append([]models.Notification(nil), s.notifications...),
	}
	for k, v := range s.contacts {
		v.Emails = append([]string(nil), v.Emails...)
		snap.contacts[k] = v
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	for k, v := range s.invites {
		snap.invites[k] = v
	}
	return snap
}

func (s *Store) restoreLocked(snap snapshot) {
	s.contacts = snap.contacts
	s.users = snap.users
	s.invites = snap.invites
	s.codes = snap.codes
	s.notifications = snap.notifications
}

// Seeding helpers.

func (s *Store) PutInvite(invite models.Invitation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[invite.ID] = invite
}

func (s *Store) PutUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *Store) PutContact(contact models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.ID] = contact
}

func (s *Store) Invite(id string) (models.Invitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[id]
	return invite, ok
}

func (s *Store) Users() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

func (s *Store) Contacts() []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out
}

func (s *Store) Codes() []models.VerificationCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.VerificationCode(nil), s.codes...)
}

func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notifications...)
}

// Invitations.

func (s *Store) emailHasUserLocked(email string) bool {
	for _, u := range s.users {
		if u.Email == email {
			return true
		}
		if c, ok := s.contacts[u.ContactID]; ok && c.HasEmail(email) {
			return true
		}
	}
	return false
}

func (s *Store) expireStaleLocked(email string, now time.Time, exceptID string) {
	for id, inv := range s.invites {
		if id != exceptID && inv.Email == email && inv.Status == models.InvitationPending && !inv.ExpiresAt.After(now) {
			inv.Status = models.InvitationExpired
			inv.UpdatedAt = now
			s.invites[id] = inv
		}
	}
}

func (s *Store) activeInviteLocked(email, exceptID string) bool {
	for id, inv := range s.invites {
		if id != exceptID && inv.Email == email && inv.Status == models.InvitationPending {
			return true
		}
	}
	return false
}

func (s *Store) CreateInvite(_ context.Context, invite models.Invitation) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if invite.ID == "" {
		invite.ID = uuid.NewString()
	}
	s.expireStaleLocked(invite.Email, invite.CreatedAt, invite.ID)
	if s.emailHasUserLocked(invite.Email) {
		return models.Invitation{}, repository.ErrEmailTaken
	}
	if s.activeInviteLocked(invite.Email, invite.ID) {
		return models.Invitation{}, repository.ErrActiveInvitationExists
	}
	invite.Status = models.InvitationPending
	invite.UpdatedAt = invite.CreatedAt
	s.invites[invite.ID] = invite
	return invite, nil
}

func (s *Store) GetInviteByID(_ context.Context, id string) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[id]
	if !ok {
		return models.Invitation{}, repository.ErrNotFound
	}
	return invite, nil
}

func (s *Store) GetInviteByTokenHash(_ context.Context, tokenHash string) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invites {
		if inv.TokenHash == tokenHash {
			return inv, nil
		}
	}
	return models.Invitation{}, repository.ErrNotFound
}

func (s *Store) FindPendingInviteByEmail(_ context.Context, email string, now time.Time) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found models.Invitation
		ok    bool
	)
	for _, inv := range s.invites {
		if inv.Email == email && inv.Status == models.InvitationPending && inv.ExpiresAt.After(now) {
			if !ok || inv.CreatedAt.After(found.CreatedAt) {
				found, ok = inv, true
			}
		}
	}
	if !ok {
		return models.Invitation{}, repository.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListInvites(_ context.Context) ([]models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Invitation, 0, len(s.invites))
	for _, inv := range s.invites {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateInvite(_ context.Context, id string, params repository.UpdateInviteParams) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireStaleLocked(params.Email, params.Now, id)
	inv, ok := s.invites[id]
	if !ok {
		return models.Invitation{}, repository.ErrNotFound
	}
	if inv.EffectiveStatus(params.Now) != models.InvitationPending {
		return models.Invitation{}, repository.ErrStateConflict
	}
	if s.emailHasUserLocked(params.Email) {
		return models.Invitation{}, repository.ErrEmailTaken
	}
	if s.activeInviteLocked(params.Email, id) {
		return models.Invitation{}, repository.ErrActiveInvitationExists
	}
	inv.Email = params.Email
	inv.Name = params.Name
	inv.Role = params.Role
	inv.Message = params.Message
	inv.TokenHash = params.TokenHash
	inv.ExpiresAt = params.ExpiresAt
	inv.UpdatedAt = params.Now
	s.invites[id] = inv
	return inv, nil
}

func (s *Store) RevokeInvite(_ context.Context, id string, now time.Time) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return models.Invitation{}, repository.ErrNotFound
	}
	if inv.EffectiveStatus(now) != models.InvitationPending {
		return models.Invitation{}, repository.ErrStateConflict
	}
	inv.Status = models.InvitationRevoked
	inv.UpdatedAt = now
	s.invites[id] = inv
	return inv, nil
}

func (s *Store) acceptLocked(match func(models.Invitation) bool, now time.Time) (models.Invitation, error) {
	for id, inv := range s.invites {
		if !match(inv) {
			continue
		}
		if inv.EffectiveStatus(now) != models.InvitationPending {
			return models.Invitation{}, repository.ErrNotFound
		}
		accepted := now
		inv.Status = models.InvitationAccepted
		inv.AcceptedAt = &accepted
		inv.UpdatedAt = now
		s.invites[id] = inv
		return inv, nil
	}
	return models.Invitation{}, repository.ErrNotFound
}

func (s *Store) AcceptInviteByTokenHash(_ context.Context, tokenHash string, now time.Time) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptLocked(func(inv models.Invitation) bool { return inv.TokenHash == tokenHash }, now)
}

func (s *Store) AcceptInviteByID(_ context.Context, id string, now time.Time) (models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptLocked(func(inv models.Invitation) bool { return inv.ID == id }, now)
}

func (s *Store) DeleteInvite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.invites, id)
	return nil
}

// Users and contacts.

func (s *Store) EmailTaken(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emailHasUserLocked(email), nil
}

func (s *Store) GetUserByID(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, repository.ErrNotFound
}

func (s *Store) FindUnclaimedContact(_ context.Context, email string) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := map[string]bool{}
	for _, u := range s.users {
		claimed[u.ContactID] = true
	}
	for _, c := range s.contacts {
		if c.HasEmail(email) && !claimed[c.ID] {
			return c, nil
		}
	}
	return models.Contact{}, repository.ErrNotFound
}

func (s *Store) CreateContact(_ context.Context, email string) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.HasEmail(email) {
			return models.Contact{}, repository.ErrEmailTaken
		}
	}
	contact := models.Contact{ID: uuid.NewString(), Emails: []string{email}, Phones: []string{}, CreatedAt: time.Now().UTC()}
	s.contacts[contact.ID] = contact
	return contact, nil
}

func (s *Store) CreateUser(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailCreateUser; err != nil {
		s.FailCreateUser = nil
		return models.User{}, err
	}
	for _, u := range s.users {
		if u.Email == user.Email || u.ContactID == user.ContactID {
			return models.User{}, repository.ErrEmailTaken
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = user
	return user, nil
}

func (s *Store) MarkEmailVerified(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, repository.ErrNotFound
	}
	user.EmailVerified = true
	user.UpdatedAt = time.Now().UTC()
	s.users[userID] = user
	return user, nil
}

// Verification codes.

func (s *Store) CreateCode(_ context.Context, code models.VerificationCode) (models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.codes {
		if c.UserID == code.UserID && c.Type == code.Type && c.ConsumedAt == nil && c.ExpiresAt.After(code.CreatedAt) {
			s.codes[i].ExpiresAt = code.CreatedAt
		}
	}
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	code.FailedAttempts = 0
	s.codes = append(s.codes, code)
	return code, nil
}

func (s *Store) ConsumeCode(_ context.Context, params repository.ConsumeCodeParams) (models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.codes) - 1; i >= 0; i-- {
		c := s.codes[i]
		if c.UserID != params.UserID || c.Type != params.Type || c.Code != params.Code {
			continue
		}
		if !c.Usable(params.Now, params.MaxAttempts) {
			continue
		}
		consumed := params.Now
		s.codes[i].ConsumedAt = &consumed
		return s.codes[i], nil
	}
	return models.VerificationCode{}, repository.ErrNotFound
}

func (s *Store) RecordFailedAttempt(_ context.Context, userID string, codeType models.VerificationType, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.codes {
		if c.UserID == userID && c.Type == codeType && c.ConsumedAt == nil && c.ExpiresAt.After(now) {
			s.codes[i].FailedAttempts++
		}
	}
	return nil
}

func (s *Store) WasConsumed(_ context.Context, userID string, codeType models.VerificationType, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.UserID == userID && c.Type == codeType && c.Code == code && c.ConsumedAt != nil {
			return true, nil
		}
	}
	return false, nil
}

// Notifications.

func (s *Store) Create(_ context.Context, params repository.CreateNotificationParams) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notif := models.Notification{
		ID:        uuid.NewString(),
		Recipient: params.Recipient,
		EventType: params.Event,
		Severity:  params.Severity,
		Title:     params.Title,
		Message:   params.Message,
		CreatedAt: time.Now().UTC(),
	}
	if len(params.Metadata) > 0 {
		raw, err := json.Marshal(params.Metadata)
		if err != nil {
			return models.Notification{}, err
		}
		notif.Metadata = raw
	}
	s.notifications = append(s.notifications, notif)
	return notif, nil
}

func (s *Store) ListRecent(_ context.Context, recipientID string, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	out := []models.Notification{}
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if n.Recipient == nil || *n.Recipient == recipientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, recipientID, notificationID string) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID != notificationID || (n.Recipient != nil && *n.Recipient != recipientID) {
			continue
		}
		if n.ReadAt == nil {
			now := time.Now().UTC()
			s.notifications[i].ReadAt = &now
		}
		return s.notifications[i], nil
	}
	return models.Notification{}, repository.ErrNotFound
}
