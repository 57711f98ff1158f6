package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/voltgrid/portal-api/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListRecent(ctx context.Context, recipientID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, recipientID, notificationID string) (models.Notification, error)
}

type notificationRepository struct {
	db *sql.DB
}

// CreateNotificationParams describes an admin-facing notification. A nil
// Recipient broadcasts to every admin-tier user.
type CreateNotificationParams struct {
	Recipient *string
	Event     models.NotificationEvent
	Severity  models.NotificationSeverity
	Title     string
	Message   string
	Metadata  map[string]interface{}
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, recipient, event_type, severity, title, message, metadata, created_at, read_at`

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	query := `
		INSERT INTO portal.notifications (recipient, event_type, severity, title, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + notificationColumns

	var recipient interface{}
	if params.Recipient != nil && strings.TrimSpace(*params.Recipient) != "" {
		recipient = strings.TrimSpace(*params.Recipient)
	}

	var metadata interface{}
	if len(params.Metadata) > 0 {
		bytes, err := json.Marshal(params.Metadata)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "marshal metadata")
		}
		metadata = bytes
	}

	row := conn(ctx, r.db).QueryRowContext(ctx, query, recipient, string(params.Event), string(params.Severity), params.Title, params.Message, metadata)
	notif, err := scanNotification(row)
	return notif, mapError(err)
}

func (r *notificationRepository) ListRecent(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	query := `
		SELECT ` + notificationColumns + `
		FROM portal.notifications
		WHERE recipient IS NULL OR recipient = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, strings.TrimSpace(recipientID), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, recipientID, notificationID string) (models.Notification, error) {
	query := `
		UPDATE portal.notifications
		SET read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND (recipient IS NULL OR recipient = $2)
		RETURNING ` + notificationColumns
	row := conn(ctx, r.db).QueryRowContext(ctx, query, strings.TrimSpace(notificationID), strings.TrimSpace(recipientID))
	notif, err := scanNotification(row)
	return notif, mapError(err)
}

func scanNotification(row scanner) (models.Notification, error) {
	var (
		notif       models.Notification
		recipient   sql.NullString
		eventType   string
		severity    string
		metadataRaw []byte
		readAt      sql.NullTime
	)

	if err := row.Scan(
		&notif.ID,
		&recipient,
		&eventType,
		&severity,
		&notif.Title,
		&notif.Message,
		&metadataRaw,
		&notif.CreatedAt,
		&readAt,
	); err != nil {
		return models.Notification{}, err
	}

	notif.Recipient = stringPtr(recipient)
	notif.EventType = models.NotificationEvent(eventType)
	notif.Severity = models.NotificationSeverity(severity)
	if len(metadataRaw) > 0 {
		notif.Metadata = metadataRaw
	}
	notif.ReadAt = timePtr(readAt)
	return notif, nil
}
