package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotificationRepository writes in-app notifications. Reading them back for
// display is owned by the UI service; only FindExisting is needed here, as
// the reminder scheduler's per-day dedup check.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Insert creates a new in-app notification.
func (r *NotificationRepository) Insert(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, tenant_id, scope, type, title, body, severity, target_email, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.TenantID,
		notif.Scope,
		notif.Type,
		notif.Title,
		notif.Body,
		notif.Severity,
		notif.TargetEmail,
		notif.Metadata,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to insert notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
			zap.String("type", notif.Type),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// FindExisting looks for a notification with the same tenant, type and
// target email created at or after since. Returns (nil, nil) when absent.
func (r *NotificationRepository) FindExisting(ctx context.Context, tenantID *uuid.UUID, notifType, targetEmail string, since time.Time) (*Notification, error) {
	query := `
		SELECT
			id, tenant_id, scope, type, title, body, severity,
			target_email, metadata, read_at, created_at
		FROM notifications
		WHERE tenant_id IS NOT DISTINCT FROM $1
		  AND type = $2
		  AND target_email = $3
		  AND created_at >= $4
		LIMIT 1
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, tenantID, notifType, targetEmail, since).Scan(
		&notif.ID,
		&notif.TenantID,
		&notif.Scope,
		&notif.Type,
		&notif.Title,
		&notif.Body,
		&notif.Severity,
		&notif.TargetEmail,
		&notif.Metadata,
		&notif.ReadAt,
		&notif.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query existing notification: %w", err)
	}

	return &notif, nil
}
