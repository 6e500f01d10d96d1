package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/db"
	"github.com/kestrelhq/belfry/internal/metrics"
)

// maxErrorLength bounds the failure message stored per row.
const maxErrorLength = 500

// Store is the outbox persistence consumed by the worker.
type Store interface {
	FindDueBatch(ctx context.Context, limit int, maxRetries int) ([]*db.OutboxMessage, error)
	Claim(ctx context.Context, id uuid.UUID, expectedRetryCount int) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkRetryOrFailed(ctx context.Context, id uuid.UUID, retryCount int, status string, errorMsg string) error
}

// Config holds worker tuning knobs.
type Config struct {
	BatchSize   int
	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
	SendTimeout time.Duration
}

// Worker drains due Pending outbox messages: claim exclusively via
// compare-and-swap, dispatch through the transport, record the outcome.
// Delivery is at-least-once; the conditional claim keeps any one message
// in flight with at most one worker at a time.
type Worker struct {
	store     Store
	transport Transport
	config    Config
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewWorker creates an outbox worker.
func NewWorker(store Store, transport Transport, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 60 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Worker{
		store:     store,
		transport: transport,
		config:    cfg,
		clock:     clock,
		logger:    logger,
	}
}

// RunCycle processes one batch of due messages and returns how many were
// claimed. Failures are recorded per row and never abort the batch; a
// failure to fetch the batch itself ends the cycle early, to be retried on
// the next tick. The count is informational only.
func (w *Worker) RunCycle(ctx context.Context) int {
	start := w.clock.Now()

	messages, err := w.store.FindDueBatch(ctx, w.config.BatchSize, w.config.MaxRetries)
	if err != nil {
		w.logger.Error("failed to fetch due outbox batch", zap.Error(err))
		return 0
	}

	processed := 0
	now := w.clock.Now()

	for _, msg := range messages {
		if due := w.retryDueTime(msg); now.Before(due) {
			continue
		}
		if w.processMessage(ctx, msg) {
			processed++
		}
	}

	if processed > 0 {
		w.logger.Info("outbox cycle complete",
			zap.Int("processed", processed),
			zap.Int("candidates", len(messages)),
			zap.Duration("duration", w.clock.Since(start)),
		)
	}
	metrics.ObserveOutboxCycle(w.clock.Since(start))

	return processed
}

// retryDueTime computes when a message becomes eligible for its next
// attempt: updatedAt plus capped exponential backoff. A message that has
// never been attempted is due immediately regardless of updatedAt.
func (w *Worker) retryDueTime(msg *db.OutboxMessage) time.Time {
	if msg.RetryCount <= 0 {
		return time.Time{}
	}

	shift := msg.RetryCount - 1
	delay := w.config.RetryCap
	if shift < 32 {
		// A large shift can wrap negative; anything outside (0, cap) is capped.
		if d := w.config.RetryBase << shift; d > 0 && d < w.config.RetryCap {
			delay = d
		}
	}

	return msg.UpdatedAt.Add(delay)
}

// processMessage claims and dispatches one message. Returns true when the
// message was claimed (and therefore counted), false when another worker
// won the claim or persistence failed before the claim.
func (w *Worker) processMessage(ctx context.Context, msg *db.OutboxMessage) bool {
	claimed, err := w.store.Claim(ctx, msg.ID, msg.RetryCount)
	if err != nil {
		w.logger.Error("failed to claim outbox message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return false
	}
	if !claimed {
		// Lost the race to a concurrent worker or cycle. Not an error.
		w.logger.Debug("outbox message already claimed",
			zap.String("message_id", msg.ID.String()),
		)
		metrics.RecordOutboxClaimConflict()
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	err = w.transport.Send(sendCtx, &Delivery{
		MessageID:  msg.ID,
		TenantID:   msg.TenantID,
		TemplateID: msg.TemplateID,
		Recipient:  msg.Recipient,
		Payload:    msg.Payload,
	})

	if err != nil {
		w.recordFailure(ctx, msg, err)
		return true
	}

	if err := w.store.MarkSent(ctx, msg.ID); err != nil {
		w.logger.Error("failed to mark outbox message sent",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return true
	}

	w.logger.Info("outbox message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("template_id", msg.TemplateID),
		zap.String("transport", w.transport.Name()),
	)
	metrics.RecordOutboxProcessed("sent")

	return true
}

func (w *Worker) recordFailure(ctx context.Context, msg *db.OutboxMessage, sendErr error) {
	newCount := msg.RetryCount + 1
	status := db.OutboxStatusPending
	if newCount >= w.config.MaxRetries {
		status = db.OutboxStatusFailed
	}

	w.logger.Error("failed to send outbox message",
		zap.Error(sendErr),
		zap.String("message_id", msg.ID.String()),
		zap.Int("retry_count", newCount),
		zap.String("status", status),
	)

	if err := w.store.MarkRetryOrFailed(ctx, msg.ID, newCount, status, truncateError(sendErr)); err != nil {
		w.logger.Error("failed to record outbox failure",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}

	if status == db.OutboxStatusFailed {
		metrics.RecordOutboxProcessed("failed")
	} else {
		metrics.RecordOutboxProcessed("retry")
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
