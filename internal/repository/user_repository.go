package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/voltgrid/portal-api/internal/models"
)

type UserRepository interface {
	EmailTaken(ctx context.Context, email string) (bool, error)
	GetUserByID(ctx context.Context, userID string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	FindUnclaimedContact(ctx context.Context, email string) (models.Contact, error)
	CreateContact(ctx context.Context, email string) (models.Contact, error)
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	MarkEmailVerified(ctx context.Context, userID string) (models.User, error)
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, email, password_hash, name, role, contact_id, email_verified, is_two_factor_enabled, profile_completed, created_at, updated_at`

func (u *userRepository) EmailTaken(ctx context.Context, email string) (bool, error) {
	query := `SELECT ` + emailHasUser
	var taken bool
	if err := conn(ctx, u.db).QueryRowContext(ctx, query, email).Scan(&taken); err != nil {
		return false, errors.Wrap(err, "check email ownership")
	}
	return taken, nil
}

func (u *userRepository) GetUserByID(ctx context.Context, userID string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM portal.users WHERE id = $1`
	user, err := scanUser(conn(ctx, u.db).QueryRowContext(ctx, query, userID))
	return user, mapError(err)
}

func (u *userRepository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM portal.users WHERE email = $1`
	user, err := scanUser(conn(ctx, u.db).QueryRowContext(ctx, query, email))
	return user, mapError(err)
}

// FindUnclaimedContact returns a contact holding email that no user is linked
// to yet, locking it for the rest of the transaction.
func (u *userRepository) FindUnclaimedContact(ctx context.Context, email string) (models.Contact, error) {
	const query = `
		SELECT c.id, c.created_at,
			ARRAY(SELECT e.email FROM portal.contact_emails e WHERE e.contact_id = c.id ORDER BY e.email),
			ARRAY(SELECT p.phone FROM portal.contact_phones p WHERE p.contact_id = c.id ORDER BY p.phone)
		FROM portal.contacts c
		JOIN portal.contact_emails ce ON ce.contact_id = c.id
		WHERE ce.email = $1
		  AND NOT EXISTS (SELECT 1 FROM portal.users usr WHERE usr.contact_id = c.id)
		LIMIT 1
		FOR UPDATE OF c`

	var (
		contact models.Contact
		emails  pq.StringArray
		phones  pq.StringArray
	)
	err := conn(ctx, u.db).QueryRowContext(ctx, query, email).Scan(&contact.ID, &contact.CreatedAt, &emails, &phones)
	if err != nil {
		return models.Contact{}, mapError(err)
	}
	contact.Emails = []string(emails)
	contact.Phones = []string(phones)
	return contact, nil
}

func (u *userRepository) CreateContact(ctx context.Context, email string) (models.Contact, error) {
	contact := models.Contact{ID: uuid.NewString(), Emails: []string{email}, Phones: []string{}}
	err := withinTx(ctx, u.db, func(ctx context.Context, q DBTX) error {
		const insertContact = `INSERT INTO portal.contacts (id) VALUES ($1) RETURNING created_at`
		if err := q.QueryRowContext(ctx, insertContact, contact.ID).Scan(&contact.CreatedAt); err != nil {
			return errors.Wrap(err, "insert contact")
		}
		const insertEmail = `INSERT INTO portal.contact_emails (contact_id, email) VALUES ($1, $2)`
		if _, err := q.ExecContext(ctx, insertEmail, contact.ID, email); err != nil {
			return mapError(err)
		}
		return nil
	})
	if err != nil {
		return models.Contact{}, err
	}
	return contact, nil
}

func (u *userRepository) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	query := `
		INSERT INTO portal.users (id, email, password_hash, name, role, contact_id, email_verified, is_two_factor_enabled, profile_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + userColumns
	created, err := scanUser(conn(ctx, u.db).QueryRowContext(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
		string(user.Role),
		user.ContactID,
		user.EmailVerified,
		user.IsTwoFactorEnabled,
		user.ProfileCompleted,
	))
	if err != nil {
		return models.User{}, mapError(err)
	}
	return created, nil
}

func (u *userRepository) MarkEmailVerified(ctx context.Context, userID string) (models.User, error) {
	query := `
		UPDATE portal.users
		SET email_verified = TRUE, updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns
	user, err := scanUser(conn(ctx, u.db).QueryRowContext(ctx, query, userID))
	return user, mapError(err)
}

func scanUser(row scanner) (models.User, error) {
	var (
		user models.User
		role string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&role,
		&user.ContactID,
		&user.EmailVerified,
		&user.IsTwoFactorEnabled,
		&user.ProfileCompleted,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return models.User{}, err
	}
	user.Role = models.UserRole(role)
	if !models.IsValidRole(user.Role) {
		return models.User{}, errors.Errorf("user %s has invalid role %q", user.ID, role)
	}
	return user, nil
}
