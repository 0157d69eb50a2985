package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// NotificationRepository stores notifications and their delivery state.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `
	id, request_id, recipient_id, type, title, message, priority,
	status, scheduled_for, sent_at, read_at, dismissed_at,
	attempts, last_error, dedupe_key, created_at`

// CreateNotification inserts n, or loads the existing row with the same
// dedupe key.
func (r *NotificationRepository) CreateNotification(ctx context.Context, n *Notification) (bool, error) {
	query := `
		INSERT INTO notifications
		    (request_id, recipient_id, type, title, message,
		     priority, status, scheduled_for, dedupe_key)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		n.RequestID,
		n.RecipientID,
		n.Type,
		n.Title,
		n.Message,
		n.Priority,
		n.Status,
		n.ScheduledFor,
		n.DedupeKey,
	).Scan(&n.ID, &n.CreatedAt)
	if err == nil {
		return true, nil
	}
	if err != pgx.ErrNoRows {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}

	existing, err := r.scanNotification(r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE dedupe_key = $1`, n.DedupeKey))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to load existing notification")
	}
	*n = *existing
	return false, nil
}

// GetNotification retrieves a notification by id.
func (r *NotificationRepository) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := r.scanNotification(r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("notification", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get notification")
	}
	return n, nil
}

// ListNotifications returns notifications newest first.
func (r *NotificationRepository) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.RecipientID != "" {
		add("recipient_id = $%d", filter.RecipientID)
	}
	if filter.RequestID != "" {
		add("request_id = $%d", filter.RequestID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := r.scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan notification")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationSent records a successful delivery. Only pending or
// failed notifications move to sent, so a late retry never downgrades a
// notification the recipient already read.
func (r *NotificationRepository) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return r.updateStatus(ctx, id, `
		UPDATE notifications
		SET status   = CASE WHEN status IN ('pending', 'failed') THEN 'sent' ELSE status END,
		    sent_at  = COALESCE(sent_at, $2),
		    attempts = attempts + 1
		WHERE id = $1
		RETURNING id
	`, at)
}

// RecordDeliveryFailure stores the error of one attempt. permanent marks the
// notification failed.
func (r *NotificationRepository) RecordDeliveryFailure(ctx context.Context, id, reason string, permanent bool) error {
	return r.updateStatus(ctx, id, `
		UPDATE notifications
		SET attempts   = attempts + 1,
		    last_error = $2,
		    status     = CASE WHEN $3 AND status = 'pending' THEN 'failed' ELSE status END
		WHERE id = $1
		RETURNING id
	`, reason, permanent)
}

// MarkNotificationRead records that the recipient opened the notification.
func (r *NotificationRepository) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	return r.updateStatus(ctx, id, `
		UPDATE notifications
		SET status = 'read', read_at = COALESCE(read_at, $2)
		WHERE id = $1
		RETURNING id
	`, at)
}

// MarkNotificationDismissed hides the notification from the inbox.
func (r *NotificationRepository) MarkNotificationDismissed(ctx context.Context, id string, at time.Time) error {
	return r.updateStatus(ctx, id, `
		UPDATE notifications
		SET status = 'dismissed', dismissed_at = COALESCE(dismissed_at, $2)
		WHERE id = $1
		RETURNING id
	`, at)
}

func (r *NotificationRepository) updateStatus(ctx context.Context, id, query string, args ...any) error {
	var returnedID string
	err := r.db.QueryRow(ctx, query, append([]any{id}, args...)...).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("notification", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update notification")
	}
	return nil
}

type notificationScanner interface {
	Scan(dest ...any) error
}

func (r *NotificationRepository) scanNotification(row notificationScanner) (*Notification, error) {
	n := &Notification{}
	err := row.Scan(
		&n.ID,
		&n.RequestID,
		&n.RecipientID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.Priority,
		&n.Status,
		&n.ScheduledFor,
		&n.SentAt,
		&n.ReadAt,
		&n.DismissedAt,
		&n.Attempts,
		&n.LastError,
		&n.DedupeKey,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}
