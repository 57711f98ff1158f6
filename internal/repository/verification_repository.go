package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/voltgrid/portal-api/internal/models"
)

type VerificationCodeRepository interface {
	CreateCode(ctx context.Context, code models.VerificationCode) (models.VerificationCode, error)
	ConsumeCode(ctx context.Context, params ConsumeCodeParams) (models.VerificationCode, error)
	RecordFailedAttempt(ctx context.Context, userID string, codeType models.VerificationType, now time.Time) error
	WasConsumed(ctx context.Context, userID string, codeType models.VerificationType, code string) (bool, error)
}

type ConsumeCodeParams struct {
	UserID      string
	Type        models.VerificationType
	Code        string
	Now         time.Time
	MaxAttempts int
}

type verificationCodeRepository struct {
	db *sql.DB
}

func NewVerificationCodeRepository(db *sql.DB) VerificationCodeRepository {
	return &verificationCodeRepository{db: db}
}

const codeColumns = `id, user_id, code, type, expires_at, consumed_at, failed_attempts, created_at`

// CreateCode stores a new code and retires any live code of the same type,
// so a user has at most one usable code per purpose.
func (r *verificationCodeRepository) CreateCode(ctx context.Context, code models.VerificationCode) (models.VerificationCode, error) {
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	var created models.VerificationCode
	err := withinTx(ctx, r.db, func(ctx context.Context, q DBTX) error {
		const retire = `
			UPDATE portal.verification_codes
			SET expires_at = $3
			WHERE user_id = $1 AND type = $2 AND consumed_at IS NULL AND expires_at > $3`
		if _, err := q.ExecContext(ctx, retire, code.UserID, string(code.Type), code.CreatedAt); err != nil {
			return errors.Wrap(err, "retire verification codes")
		}

		query := `
			INSERT INTO portal.verification_codes (id, user_id, code, type, expires_at, failed_attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)
			RETURNING ` + codeColumns
		var err error
		created, err = scanCode(q.QueryRowContext(ctx, query,
			code.ID, code.UserID, code.Code, string(code.Type), code.ExpiresAt, code.CreatedAt))
		return mapError(err)
	})
	if err != nil {
		return models.VerificationCode{}, err
	}
	return created, nil
}

// ConsumeCode checks and marks a code consumed in one statement, so a code
// cannot be redeemed twice by concurrent requests.
func (r *verificationCodeRepository) ConsumeCode(ctx context.Context, params ConsumeCodeParams) (models.VerificationCode, error) {
	query := `
		UPDATE portal.verification_codes
		SET consumed_at = $4
		WHERE id = (
			SELECT id FROM portal.verification_codes
			WHERE user_id = $1 AND type = $2 AND code = $3
			  AND consumed_at IS NULL AND expires_at > $4 AND failed_attempts < $5
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE
		) AND consumed_at IS NULL
		RETURNING ` + codeColumns
	code, err := scanCode(conn(ctx, r.db).QueryRowContext(ctx, query,
		params.UserID, string(params.Type), params.Code, params.Now, params.MaxAttempts))
	return code, mapError(err)
}

func (r *verificationCodeRepository) RecordFailedAttempt(ctx context.Context, userID string, codeType models.VerificationType, now time.Time) error {
	const query = `
		UPDATE portal.verification_codes
		SET failed_attempts = failed_attempts + 1
		WHERE user_id = $1 AND type = $2 AND consumed_at IS NULL AND expires_at > $3`
	_, err := conn(ctx, r.db).ExecContext(ctx, query, userID, string(codeType), now)
	return errors.Wrap(err, "record failed verification attempt")
}

// WasConsumed reports whether code was already redeemed by the user.
func (r *verificationCodeRepository) WasConsumed(ctx context.Context, userID string, codeType models.VerificationType, code string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM portal.verification_codes
			WHERE user_id = $1 AND type = $2 AND code = $3 AND consumed_at IS NOT NULL
		)`
	var consumed bool
	if err := conn(ctx, r.db).QueryRowContext(ctx, query, userID, string(codeType), code).Scan(&consumed); err != nil {
		return false, errors.Wrap(err, "check consumed verification code")
	}
	return consumed, nil
}

func scanCode(row scanner) (models.VerificationCode, error) {
	var (
		code       models.VerificationCode
		codeType   string
		consumedAt sql.NullTime
	)
	err := row.Scan(
		&code.ID,
		&code.UserID,
		&code.Code,
		&codeType,
		&code.ExpiresAt,
		&consumedAt,
		&code.FailedAttempts,
		&code.CreatedAt,
	)
	if err != nil {
		return models.VerificationCode{}, err
	}
	code.Type = models.VerificationType(codeType)
	code.ConsumedAt = timePtr(consumedAt)
	return code, nil
}
