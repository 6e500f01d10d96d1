package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/db"
	"github.com/kestrelhq/belfry/internal/metrics"
	"github.com/kestrelhq/belfry/internal/policy"
)

// Lifecycle event types the scheduler generates reminders for.
const (
	EventTrialExpiry         = "trial.expiry"
	EventSubscriptionRenewal = "subscription.renewal"
)

// eventTypes is the fixed set reconciliation and evaluation operate on.
var eventTypes = []string{EventTrialExpiry, EventSubscriptionRenewal}

// ScheduleStore is the reminder schedule persistence.
type ScheduleStore interface {
	ListActive(ctx context.Context, eventTypes []string) ([]*db.ReminderSchedule, error)
	InsertMany(ctx context.Context, schedules []*db.ReminderSchedule) error
	UpdateTriggerTimes(ctx context.Context, id uuid.UUID, nextTriggerAt time.Time, lastTriggeredAt *time.Time) error
}

// OutboxStore is the subset of the outbox used for reminder emission.
type OutboxStore interface {
	FindExisting(ctx context.Context, tenantID *uuid.UUID, templateID, recipient string, since time.Time) (*db.OutboxMessage, error)
	Insert(ctx context.Context, msg *db.OutboxMessage) error
}

// NotificationStore is the in-app notification sink write contract.
type NotificationStore interface {
	FindExisting(ctx context.Context, tenantID *uuid.UUID, notifType, targetEmail string, since time.Time) (*db.Notification, error)
	Insert(ctx context.Context, notif *db.Notification) error
}

// TenantDirectory lists tenants eligible for lifecycle reminders.
type TenantDirectory interface {
	ListActiveWithOwners(ctx context.Context) ([]*db.Tenant, error)
}

// PolicyResolver resolves the two policy documents driving cadence and
// channel selection.
type PolicyResolver interface {
	NotificationPolicy(ctx context.Context) (policy.NotificationPolicy, error)
	BillingPolicy(ctx context.Context) (policy.BillingPolicy, error)
}

// Scheduler keeps reminder schedules synchronized with policy cadence and
// emits trial-expiry and subscription-renewal reminders at most once per
// (tenant, schedule, calendar day). Idempotency rests entirely on the
// per-day existence checks against the notification sink and the outbox;
// there is no distributed lock, so two schedulers racing within the same
// day can in theory double-send. That risk is accepted.
type Scheduler struct {
	schedules     ScheduleStore
	outbox        OutboxStore
	notifications NotificationStore
	tenants       TenantDirectory
	policies      PolicyResolver
	clock         clockwork.Clock
	logger        *zap.Logger
}

// NewScheduler creates a reminder scheduler.
func NewScheduler(
	schedules ScheduleStore,
	outbox OutboxStore,
	notifications NotificationStore,
	tenants TenantDirectory,
	policies PolicyResolver,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		schedules:     schedules,
		outbox:        outbox,
		notifications: notifications,
		tenants:       tenants,
		policies:      policies,
		clock:         clock,
		logger:        logger,
	}
}

// ReconcileSchedules makes sure an active schedule row exists for every
// (event type, cadence offset) combination the resolved policies call for.
// Schedules only accumulate: an offset later dropped from policy keeps its
// row active rather than being pruned, which preserves reminder history and
// avoids surprising tenants mid-cycle.
func (s *Scheduler) ReconcileSchedules(ctx context.Context) error {
	notifPolicy, err := s.policies.NotificationPolicy(ctx)
	if err != nil {
		return err
	}
	billingPolicy, err := s.policies.BillingPolicy(ctx)
	if err != nil {
		return err
	}

	offsets := unionOffsets(notifPolicy.RenewalCadenceDays, billingPolicy.ReminderCadenceDays)
	if len(offsets) == 0 {
		return nil
	}

	existing, err := s.schedules.ListActive(ctx, eventTypes)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}

	have := make(map[string]bool, len(existing))
	for _, sched := range existing {
		have[scheduleKey(sched.Scope, sched.EventType, sched.TriggerOffsetDays)] = true
	}

	var missing []*db.ReminderSchedule
	for _, eventType := range eventTypes {
		for _, offset := range offsets {
			if have[scheduleKey(db.ScopePlatform, eventType, offset)] {
				continue
			}
			missing = append(missing, &db.ReminderSchedule{
				ID:                uuid.New(),
				Scope:             db.ScopePlatform,
				EventType:         eventType,
				TriggerOffsetDays: offset,
				Cadence:           "daily",
				IsActive:          true,
			})
		}
	}

	if len(missing) == 0 {
		return nil
	}

	if err := s.schedules.InsertMany(ctx, missing); err != nil {
		return fmt.Errorf("create missing schedules: %w", err)
	}

	s.logger.Info("reconciled reminder schedules",
		zap.Int("created", len(missing)),
		zap.Ints("offsets", offsets),
	)
	metrics.RecordSchedulesCreated(len(missing))

	return nil
}

// EvaluateDueReminders runs one evaluation pass: every due schedule is
// checked against every active tenant, reminders are emitted for exact
// offset matches (no catch-up for missed days), and each schedule is
// stamped for tomorrow. Returns the number of tenants reminded, which is
// informational only.
func (s *Scheduler) EvaluateDueReminders(ctx context.Context) (int, error) {
	start := s.clock.Now()
	defer func() { metrics.ObserveReminderCycle(s.clock.Since(start)) }()

	now := s.clock.Now()
	today := StartOfDay(now)

	schedules, err := s.schedules.ListActive(ctx, eventTypes)
	if err != nil {
		return 0, fmt.Errorf("list active schedules: %w", err)
	}

	due := schedules[:0]
	for _, sched := range schedules {
		if sched.NextTriggerAt == nil || !sched.NextTriggerAt.After(now) {
			due = append(due, sched)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	tenants, err := s.tenants.ListActiveWithOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	notifPolicy, err := s.policies.NotificationPolicy(ctx)
	if err != nil {
		return 0, err
	}
	billingPolicy, err := s.policies.BillingPolicy(ctx)
	if err != nil {
		return 0, err
	}

	trialDays := trialLengthDays(billingPolicy)
	total := 0

	for _, sched := range due {
		fired := 0

		for _, tenant := range tenants {
			if len(tenant.Owners) == 0 {
				continue
			}

			dueDate, match := s.matchTenant(sched, tenant, trialDays, today)
			if !match {
				continue
			}

			emitted, err := s.emitReminder(ctx, sched, tenant, notifPolicy, dueDate, today)
			if err != nil {
				// One tenant's failure must not starve the rest of the pass.
				s.logger.Error("failed to emit reminder",
					zap.Error(err),
					zap.String("tenant_id", tenant.ID.String()),
					zap.String("event_type", sched.EventType),
					zap.Int("offset_days", sched.TriggerOffsetDays),
				)
				continue
			}
			if emitted {
				fired++
				metrics.RecordReminderEmitted(sched.EventType)
			}
		}

		nextTrigger := today.AddDate(0, 0, 1)
		var lastTriggered *time.Time
		if fired > 0 {
			stamp := now
			lastTriggered = &stamp
		}

		if err := s.schedules.UpdateTriggerTimes(ctx, sched.ID, nextTrigger, lastTriggered); err != nil {
			s.logger.Error("failed to stamp schedule",
				zap.Error(err),
				zap.String("schedule_id", sched.ID.String()),
			)
		}

		total += fired
	}

	if total > 0 {
		s.logger.Info("reminder evaluation complete",
			zap.Int("emitted", total),
			zap.Int("due_schedules", len(due)),
			zap.Duration("duration", s.clock.Since(start)),
		)
	}

	return total, nil
}

// matchTenant decides whether a schedule fires for a tenant today and, if
// so, returns the lifecycle date the reminder refers to.
func (s *Scheduler) matchTenant(sched *db.ReminderSchedule, tenant *db.Tenant, trialDays int, today time.Time) (time.Time, bool) {
	trialEnd := StartOfDay(tenant.CreatedAt.In(today.Location())).AddDate(0, 0, trialDays)

	switch sched.EventType {
	case EventTrialExpiry:
		if DiffWholeDays(trialEnd, today) == sched.TriggerOffsetDays {
			return trialEnd, true
		}

	case EventSubscriptionRenewal:
		// Renewal reminders only apply once the trial has ended.
		if trialEnd.After(today) {
			return time.Time{}, false
		}
		renewal := NextRenewalOnOrAfter(trialEnd, today)
		if DiffWholeDays(renewal, today) == sched.TriggerOffsetDays {
			return renewal, true
		}
	}

	return time.Time{}, false
}

// emitReminder writes the in-app notification and/or outbox message for
// every owner of the tenant, subject to the policy's channel flags. A prior
// row for the same (tenant, type, recipient) created today suppresses the
// write, which is what makes re-running the scheduler within a day safe.
// Returns true when at least one row was written.
func (s *Scheduler) emitReminder(
	ctx context.Context,
	sched *db.ReminderSchedule,
	tenant *db.Tenant,
	notifPolicy policy.NotificationPolicy,
	dueDate time.Time,
	today time.Time,
) (bool, error) {
	category := notifPolicy.Categories.RenewalReminder
	if sched.EventType == EventTrialExpiry {
		category = notifPolicy.Categories.TrialMilestone
	}

	inApp := notifPolicy.Channels.InAppEnabled() && category.InAppEnabled()
	email := notifPolicy.Channels.EmailEnabled() && category.EmailEnabled()
	if !inApp && !email {
		return false, nil
	}

	copyText := reminderCopy(sched.EventType, sched.TriggerOffsetDays, tenant.Name, dueDate)
	notifType := fmt.Sprintf("%s.d%d", sched.EventType, sched.TriggerOffsetDays)
	templateID := fmt.Sprintf("reminder.%s.d%d", sched.EventType, sched.TriggerOffsetDays)
	tenantID := tenant.ID

	emitted := false

	for _, owner := range tenant.Owners {
		recipient := strings.ToLower(strings.TrimSpace(owner.Email))
		if recipient == "" {
			continue
		}

		if inApp {
			wrote, err := s.emitInApp(ctx, &tenantID, notifType, recipient, tenant, copyText, dueDate, today)
			if err != nil {
				return emitted, err
			}
			emitted = emitted || wrote
		}

		if email {
			wrote, err := s.emitEmail(ctx, &tenantID, templateID, recipient, sched, tenant, copyText, dueDate, today)
			if err != nil {
				return emitted, err
			}
			emitted = emitted || wrote
		}
	}

	return emitted, nil
}

func (s *Scheduler) emitInApp(
	ctx context.Context,
	tenantID *uuid.UUID,
	notifType, recipient string,
	tenant *db.Tenant,
	copyText reminderText,
	dueDate, today time.Time,
) (bool, error) {
	existing, err := s.notifications.FindExisting(ctx, tenantID, notifType, recipient, today)
	if err != nil {
		return false, fmt.Errorf("check existing notification: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	metadata, err := json.Marshal(map[string]any{
		"due_date": dueDate.Format("2006-01-02"),
		"domain":   tenant.Domain,
	})
	if err != nil {
		return false, fmt.Errorf("encode notification metadata: %w", err)
	}

	notif := &db.Notification{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Scope:       "tenant",
		Type:        notifType,
		Title:       copyText.Title,
		Body:        copyText.Body,
		Severity:    copyText.Severity,
		TargetEmail: recipient,
		Metadata:    metadata,
	}

	if err := s.notifications.Insert(ctx, notif); err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	return true, nil
}

func (s *Scheduler) emitEmail(
	ctx context.Context,
	tenantID *uuid.UUID,
	templateID, recipient string,
	sched *db.ReminderSchedule,
	tenant *db.Tenant,
	copyText reminderText,
	dueDate, today time.Time,
) (bool, error) {
	existing, err := s.outbox.FindExisting(ctx, tenantID, templateID, recipient, today)
	if err != nil {
		return false, fmt.Errorf("check existing outbox message: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	payload, err := json.Marshal(map[string]any{
		"tenant_name": tenant.Name,
		"domain":      tenant.Domain,
		"due_date":    dueDate.Format("2006-01-02"),
		"offset_days": sched.TriggerOffsetDays,
		"event_type":  sched.EventType,
		"title":       copyText.Title,
		"body":        copyText.Body,
	})
	if err != nil {
		return false, fmt.Errorf("encode outbox payload: %w", err)
	}

	msg := &db.OutboxMessage{
		ID:         uuid.New(),
		TenantID:   tenantID,
		TemplateID: templateID,
		Recipient:  recipient,
		Payload:    payload,
		Status:     db.OutboxStatusPending,
	}

	if err := s.outbox.Insert(ctx, msg); err != nil {
		return false, fmt.Errorf("insert outbox message: %w", err)
	}

	return true, nil
}

// reminderText is the generated title, body and severity for one reminder.
type reminderText struct {
	Title    string
	Body     string
	Severity string
}

// reminderCopy generates user-facing copy for a reminder. Offsets of one
// day or less read "tomorrow" and escalate severity; longer offsets state
// the day count.
func reminderCopy(eventType string, offsetDays int, tenantName string, dueDate time.Time) reminderText {
	humanDate := dueDate.Format("January 2, 2006")

	if eventType == EventTrialExpiry {
		if offsetDays > 1 {
			return reminderText{
				Title:    fmt.Sprintf("Trial ends in %d days", offsetDays),
				Body:     fmt.Sprintf("The trial for %s ends on %s. Choose a plan to keep everything running.", tenantName, humanDate),
				Severity: "warning",
			}
		}
		return reminderText{
			Title:    "Trial ends tomorrow",
			Body:     fmt.Sprintf("The trial for %s ends on %s. Choose a plan to keep everything running.", tenantName, humanDate),
			Severity: "critical",
		}
	}

	if offsetDays > 1 {
		return reminderText{
			Title:    fmt.Sprintf("Renewal due in %d days", offsetDays),
			Body:     fmt.Sprintf("The subscription for %s renews on %s.", tenantName, humanDate),
			Severity: "info",
		}
	}
	return reminderText{
		Title:    "Renewal due tomorrow",
		Body:     fmt.Sprintf("The subscription for %s renews on %s.", tenantName, humanDate),
		Severity: "warning",
	}
}

// trialLengthDays resolves the trial length in whole days, at least one.
func trialLengthDays(billingPolicy policy.BillingPolicy) int {
	days := int(math.Floor(billingPolicy.DefaultTrialDays))
	if days < 1 {
		return 1
	}
	return days
}

// unionOffsets merges the two cadence lists into distinct non-negative
// offsets, sorted descending so farther-out reminders are evaluated first.
func unionOffsets(lists ...[]int) []int {
	seen := make(map[int]bool)
	var offsets []int

	for _, list := range lists {
		for _, offset := range list {
			if offset < 0 || seen[offset] {
				continue
			}
			seen[offset] = true
			offsets = append(offsets, offset)
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(offsets)))
	return offsets
}

func scheduleKey(scope, eventType string, offset int) string {
	return fmt.Sprintf("%s|%s|%d", scope, eventType, offset)
}
