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

// OutboxRepository handles database operations for outbox messages.
type OutboxRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		db:     db,
		logger: logger,
	}
}

const outboxColumns = `
	id, tenant_id, template_id, recipient, payload,
	status, retry_count, error, sent_at, created_at, updated_at
`

func scanOutboxMessage(row pgx.Row) (*OutboxMessage, error) {
	var msg OutboxMessage
	err := row.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.TemplateID,
		&msg.Recipient,
		&msg.Payload,
		&msg.Status,
		&msg.RetryCount,
		&msg.Error,
		&msg.SentAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Insert creates a new outbox message in Pending state.
func (r *OutboxRepository) Insert(ctx context.Context, msg *OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (
			id, tenant_id, template_id, recipient, payload, status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.TenantID,
		msg.TemplateID,
		msg.Recipient,
		msg.Payload,
		msg.Status,
		msg.RetryCount,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to insert outbox message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert outbox message: %w", err)
	}

	return nil
}

// FindDueBatch fetches up to limit Pending messages with retries remaining,
// oldest first. Backoff eligibility is evaluated by the worker, not here, so
// candidates may include rows whose retry window has not elapsed yet.
func (r *OutboxRepository) FindDueBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_messages
		WHERE status = $1 AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, OutboxStatusPending, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox batch: %w", err)
	}
	defer rows.Close()

	var messages []*OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// Claim attempts to transition a message from Pending to Sending. The update
// is conditioned on the status and retry count the caller just read, so of
// any number of concurrent claimants exactly one sees a row affected. A false
// return means another worker won the race; it is not an error.
func (r *OutboxRepository) Claim(ctx context.Context, id uuid.UUID, expectedRetryCount int) (bool, error) {
	query := `
		UPDATE outbox_messages
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND retry_count = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, OutboxStatusSending, id, OutboxStatusPending, expectedRetryCount)
	if err != nil {
		return false, fmt.Errorf("claim outbox message: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkSent records a successful delivery.
func (r *OutboxRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, sent_at = NOW(), error = NULL, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, OutboxStatusSent, id)
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox message not found: %s", id)
	}

	return nil
}

// MarkRetryOrFailed records a failed delivery attempt: the bumped retry
// count, the resulting status (Pending for another attempt, Failed when
// retries are exhausted), and the failure message.
func (r *OutboxRepository) MarkRetryOrFailed(ctx context.Context, id uuid.UUID, retryCount int, status string, errorMsg string) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, retry_count = $2, error = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, status, retryCount, errorMsg, id)
	if err != nil {
		return fmt.Errorf("mark outbox message retry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox message not found: %s", id)
	}

	return nil
}

// FindExisting looks for a message with the same tenant, template and
// recipient created at or after since. Used by the reminder scheduler as its
// per-day dedup check. Returns (nil, nil) when no match exists.
func (r *OutboxRepository) FindExisting(ctx context.Context, tenantID *uuid.UUID, templateID, recipient string, since time.Time) (*OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_messages
		WHERE tenant_id IS NOT DISTINCT FROM $1
		  AND template_id = $2
		  AND recipient = $3
		  AND created_at >= $4
		LIMIT 1
	`

	msg, err := scanOutboxMessage(r.db.Pool().QueryRow(ctx, query, tenantID, templateID, recipient, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query existing outbox message: %w", err)
	}

	return msg, nil
}

// GetMessage retrieves a single outbox message by ID. A missing row is
// reported as ErrNotFound.
func (r *OutboxRepository) GetMessage(ctx context.Context, id uuid.UUID) (*OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_messages
		WHERE id = $1
	`

	msg, err := scanOutboxMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox message: %w", err)
	}

	return msg, nil
}

// ListByStatus retrieves messages in a given status, newest first, for
// operational inspection of terminal rows.
func (r *OutboxRepository) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}
