package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/voltgrid/portal-api/internal/models"
)

type InviteRepository interface {
	CreateInvite(ctx context.Context, invite models.Invitation) (models.Invitation, error)
	GetInviteByID(ctx context.Context, id string) (models.Invitation, error)
	GetInviteByTokenHash(ctx context.Context, tokenHash string) (models.Invitation, error)
	FindPendingInviteByEmail(ctx context.Context, email string, now time.Time) (models.Invitation, error)
	ListInvites(ctx context.Context) ([]models.Invitation, error)
	UpdateInvite(ctx context.Context, id string, params UpdateInviteParams) (models.Invitation, error)
	RevokeInvite(ctx context.Context, id string, now time.Time) (models.Invitation, error)
	AcceptInviteByTokenHash(ctx context.Context, tokenHash string, now time.Time) (models.Invitation, error)
	AcceptInviteByID(ctx context.Context, id string, now time.Time) (models.Invitation, error)
	DeleteInvite(ctx context.Context, id string) error
}

// UpdateInviteParams carries the full post-edit state of a pending invitation.
type UpdateInviteParams struct {
	Email     string
	Name      *string
	Role      models.UserRole
	Message   *string
	TokenHash string
	ExpiresAt time.Time
	Now       time.Time
}

type inviteRepository struct {
	db *sql.DB
}

func NewInviteRepository(db *sql.DB) InviteRepository {
	return &inviteRepository{db: db}
}

const inviteColumns = `id, email, name, role, token_hash, status, message, sender_id, created_at, updated_at, expires_at, accepted_at`

// emailHasUser matches the invariant that an email belongs to a user either
// directly or through the contact the user is linked to.
const emailHasUser = `
	EXISTS (SELECT 1 FROM portal.users u WHERE u.email = $1)
	OR EXISTS (
		SELECT 1 FROM portal.contact_emails ce
		JOIN portal.users u ON u.contact_id = ce.contact_id
		WHERE ce.email = $1
	)`

// expireStalePending materializes lazy expiry for one email so the partial
// unique index only guards invitations that are still live. The row being
// written is left alone.
func expireStalePending(ctx context.Context, q DBTX, email string, now time.Time, exceptID string) error {
	const query = `
		UPDATE portal.invitations
		SET status = 'EXPIRED', updated_at = $2
		WHERE email = $1 AND status = 'PENDING' AND expires_at <= $2 AND id::text <> $3`
	_, err := q.ExecContext(ctx, query, email, now, exceptID)
	return errors.Wrap(err, "expire stale invitations")
}

func (r *inviteRepository) CreateInvite(ctx context.Context, invite models.Invitation) (models.Invitation, error) {
	if invite.ID == "" {
		invite.ID = uuid.NewString()
	}

	var created models.Invitation
	err := withinTx(ctx, r.db, func(ctx context.Context, q DBTX) error {
		if err := expireStalePending(ctx, q, invite.Email, invite.CreatedAt, invite.ID); err != nil {
			return err
		}

		query := `
			INSERT INTO portal.invitations (id, email, name, role, token_hash, status, message, sender_id, created_at, updated_at, expires_at)
			SELECT $2::uuid, $1::text, $3::text, $4::text, $5::text, 'PENDING', $6::text, $7::uuid, $8::timestamptz, $8::timestamptz, $9::timestamptz
			WHERE NOT (` + emailHasUser + `)
			RETURNING ` + inviteColumns
		row := q.QueryRowContext(ctx, query,
			invite.Email,
			invite.ID,
			nullableString(invite.Name),
			string(invite.Role),
			invite.TokenHash,
			nullableString(invite.Message),
			nullableString(invite.SenderID),
			invite.CreatedAt,
			invite.ExpiresAt,
		)
		var err error
		created, err = scanInvite(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEmailTaken
		}
		return mapError(err)
	})
	if err != nil {
		return models.Invitation{}, err
	}
	return created, nil
}

func (r *inviteRepository) GetInviteByID(ctx context.Context, id string) (models.Invitation, error) {
	query := `SELECT ` + inviteColumns + ` FROM portal.invitations WHERE id = $1`
	invite, err := scanInvite(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	return invite, mapError(err)
}

func (r *inviteRepository) GetInviteByTokenHash(ctx context.Context, tokenHash string) (models.Invitation, error) {
	query := `SELECT ` + inviteColumns + ` FROM portal.invitations WHERE token_hash = $1`
	invite, err := scanInvite(conn(ctx, r.db).QueryRowContext(ctx, query, tokenHash))
	return invite, mapError(err)
}

func (r *inviteRepository) FindPendingInviteByEmail(ctx context.Context, email string, now time.Time) (models.Invitation, error) {
	query := `
		SELECT ` + inviteColumns + `
		FROM portal.invitations
		WHERE email = $1 AND status = 'PENDING' AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`
	invite, err := scanInvite(conn(ctx, r.db).QueryRowContext(ctx, query, email, now))
	return invite, mapError(err)
}

func (r *inviteRepository) ListInvites(ctx context.Context) ([]models.Invitation, error) {
	query := `SELECT ` + inviteColumns + ` FROM portal.invitations ORDER BY created_at DESC`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list invitations")
	}
	defer rows.Close()

	invites := []models.Invitation{}
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, invite)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invites, nil
}

func (r *inviteRepository) UpdateInvite(ctx context.Context, id string, params UpdateInviteParams) (models.Invitation, error) {
	var updated models.Invitation
	err := withinTx(ctx, r.db, func(ctx context.Context, q DBTX) error {
		if err := expireStalePending(ctx, q, params.Email, params.Now, id); err != nil {
			return err
		}

		query := `
			UPDATE portal.invitations
			SET email = $1, name = $3, role = $4, message = $5, token_hash = $6, expires_at = $7, updated_at = $8
			WHERE id = $2 AND status = 'PENDING' AND expires_at > $8 AND NOT (` + emailHasUser + `)
			RETURNING ` + inviteColumns
		row := q.QueryRowContext(ctx, query,
			params.Email,
			id,
			nullableString(params.Name),
			string(params.Role),
			params.TokenHash,
			nullableString(params.Message),
			params.ExpiresAt,
			params.Now,
		)
		var err error
		updated, err = scanInvite(row)
		if errors.Is(err, sql.ErrNoRows) {
			return r.classifyMiss(ctx, q, id, params.Now, true)
		}
		return mapError(err)
	})
	if err != nil {
		return models.Invitation{}, err
	}
	return updated, nil
}

func (r *inviteRepository) RevokeInvite(ctx context.Context, id string, now time.Time) (models.Invitation, error) {
	query := `
		UPDATE portal.invitations
		SET status = 'REVOKED', updated_at = $2
		WHERE id = $1 AND status = 'PENDING' AND expires_at > $2
		RETURNING ` + inviteColumns
	q := conn(ctx, r.db)
	invite, err := scanInvite(q.QueryRowContext(ctx, query, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invitation{}, r.classifyMiss(ctx, q, id, now, false)
	}
	return invite, mapError(err)
}

// AcceptInviteByTokenHash is the single conditional update that redeems a
// token; concurrent redemptions of the same token cannot both match.
func (r *inviteRepository) AcceptInviteByTokenHash(ctx context.Context, tokenHash string, now time.Time) (models.Invitation, error) {
	query := `
		UPDATE portal.invitations
		SET status = 'ACCEPTED', accepted_at = $2, updated_at = $2
		WHERE token_hash = $1 AND status = 'PENDING' AND expires_at > $2
		RETURNING ` + inviteColumns
	invite, err := scanInvite(conn(ctx, r.db).QueryRowContext(ctx, query, tokenHash, now))
	return invite, mapError(err)
}

func (r *inviteRepository) AcceptInviteByID(ctx context.Context, id string, now time.Time) (models.Invitation, error) {
	query := `
		UPDATE portal.invitations
		SET status = 'ACCEPTED', accepted_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING' AND expires_at > $2
		RETURNING ` + inviteColumns
	invite, err := scanInvite(conn(ctx, r.db).QueryRowContext(ctx, query, id, now))
	return invite, mapError(err)
}

func (r *inviteRepository) DeleteInvite(ctx context.Context, id string) error {
	const query = `DELETE FROM portal.invitations WHERE id = $1`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, "delete invitation")
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// classifyMiss explains why a conditional update matched no row. An
// invitation past its expiry counts as no longer pending.
func (r *inviteRepository) classifyMiss(ctx context.Context, q DBTX, id string, now time.Time, emailChecked bool) error {
	query := `SELECT ` + inviteColumns + ` FROM portal.invitations WHERE id = $1`
	invite, err := scanInvite(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return mapError(err)
	}
	if invite.Status != models.InvitationPending || invite.IsExpired(now) || !emailChecked {
		return ErrStateConflict
	}
	return ErrEmailTaken
}

func scanInvite(row scanner) (models.Invitation, error) {
	var (
		invite     models.Invitation
		role       string
		status     string
		name       sql.NullString
		message    sql.NullString
		senderID   sql.NullString
		acceptedAt sql.NullTime
	)
	err := row.Scan(
		&invite.ID,
		&invite.Email,
		&name,
		&role,
		&invite.TokenHash,
		&status,
		&message,
		&senderID,
		&invite.CreatedAt,
		&invite.UpdatedAt,
		&invite.ExpiresAt,
		&acceptedAt,
	)
	if err != nil {
		return models.Invitation{}, err
	}

	invite.Role = models.UserRole(role)
	invite.Status = models.InvitationStatus(status)
	invite.Name = stringPtr(name)
	invite.Message = stringPtr(message)
	invite.SenderID = stringPtr(senderID)
	invite.AcceptedAt = timePtr(acceptedAt)
	return invite, nil
}
