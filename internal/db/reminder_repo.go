package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ReminderRepository handles database operations for reminder schedules.
type ReminderRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewReminderRepository creates a new reminder schedule repository.
func NewReminderRepository(db *DB, logger *zap.Logger) *ReminderRepository {
	return &ReminderRepository{
		db:     db,
		logger: logger,
	}
}

// ListActive retrieves all active schedules for the given event types.
func (r *ReminderRepository) ListActive(ctx context.Context, eventTypes []string) ([]*ReminderSchedule, error) {
	query := `
		SELECT
			id, scope, event_type, trigger_offset_days, cadence,
			is_active, last_triggered_at, next_trigger_at, created_at, updated_at
		FROM reminder_schedules
		WHERE is_active = TRUE AND event_type = ANY($1)
		ORDER BY event_type, trigger_offset_days DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, eventTypes)
	if err != nil {
		return nil, fmt.Errorf("query reminder schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*ReminderSchedule
	for rows.Next() {
		var s ReminderSchedule
		err := rows.Scan(
			&s.ID,
			&s.Scope,
			&s.EventType,
			&s.TriggerOffsetDays,
			&s.Cadence,
			&s.IsActive,
			&s.LastTriggeredAt,
			&s.NextTriggerAt,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reminder schedule: %w", err)
		}
		schedules = append(schedules, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return schedules, nil
}

// InsertMany bulk-creates schedules inside a single transaction.
func (r *ReminderRepository) InsertMany(ctx context.Context, schedules []*ReminderSchedule) error {
	if len(schedules) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO reminder_schedules (
			id, scope, event_type, trigger_offset_days, cadence, is_active
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	batch := &pgx.Batch{}
	for _, s := range schedules {
		batch.Queue(query, s.ID, s.Scope, s.EventType, s.TriggerOffsetDays, s.Cadence, s.IsActive)
	}

	results := tx.SendBatch(ctx, batch)
	for range schedules {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert reminder schedule: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("reminder schedules created", zap.Int("count", len(schedules)))

	return nil
}

// UpdateTriggerTimes stamps a schedule after an evaluation pass. nextTriggerAt
// is always rewritten; lastTriggeredAt is only touched when non-nil, so a
// pass that emitted nothing leaves the previous trigger timestamp intact.
func (r *ReminderRepository) UpdateTriggerTimes(ctx context.Context, id uuid.UUID, nextTriggerAt time.Time, lastTriggeredAt *time.Time) error {
	query := `
		UPDATE reminder_schedules
		SET next_trigger_at = $1,
		    last_triggered_at = COALESCE($2, last_triggered_at),
		    updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, nextTriggerAt, lastTriggeredAt, id)
	if err != nil {
		return fmt.Errorf("update reminder schedule: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("reminder schedule not found: %s", id)
	}

	return nil
}
