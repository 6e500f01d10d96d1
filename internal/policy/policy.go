package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Settings store keys for the two policy documents this subsystem consumes.
const (
	KeyNotificationPolicy = "notification_policy"
	KeyBillingPolicy      = "billing_policy"
)

// SettingsStore reads a single JSON-valued row by key. A missing key is
// reported as (nil, nil), not an error.
type SettingsStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
}

// ChannelFlags toggles delivery channels. Absent flags mean enabled, so the
// fields are pointers and resolution happens at read time rather than by
// merging defaults into stored documents.
type ChannelFlags struct {
	InApp *bool `json:"inApp,omitempty"`
	Email *bool `json:"email,omitempty"`
}

// InAppEnabled reports whether the in-app channel is on (default true).
func (f ChannelFlags) InAppEnabled() bool {
	return f.InApp == nil || *f.InApp
}

// EmailEnabled reports whether the email channel is on (default true).
func (f ChannelFlags) EmailEnabled() bool {
	return f.Email == nil || *f.Email
}

// CategoryFlags holds per-category channel overrides.
type CategoryFlags struct {
	TrialMilestone  ChannelFlags `json:"trialMilestone"`
	RenewalReminder ChannelFlags `json:"renewalReminder"`
}

// NotificationPolicy controls which reminder channels fire and the renewal
// reminder cadence.
type NotificationPolicy struct {
	Channels           ChannelFlags  `json:"channels"`
	RenewalCadenceDays []int         `json:"renewalCadenceDays"`
	Categories         CategoryFlags `json:"categories"`
}

// BillingPolicy controls trial length and the billing-side reminder cadence.
type BillingPolicy struct {
	DefaultTrialDays    float64 `json:"defaultTrialDays"`
	ReminderCadenceDays []int   `json:"reminderCadenceDays"`
}

// DefaultNotificationPolicy is the fallback used when the stored document is
// absent or malformed. Substitution is all-or-nothing: a malformed document
// is never partially merged with these values.
func DefaultNotificationPolicy() NotificationPolicy {
	return NotificationPolicy{
		RenewalCadenceDays: []int{7, 3, 1},
	}
}

// DefaultBillingPolicy is the fallback billing policy document.
func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		DefaultTrialDays:    14,
		ReminderCadenceDays: []int{7, 3, 1},
	}
}

// Resolver reads policy documents from the settings store, substituting the
// static defaults whenever a document is missing or unusable.
type Resolver struct {
	settings SettingsStore
	logger   *zap.Logger
}

// NewResolver creates a policy resolver.
func NewResolver(settings SettingsStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		settings: settings,
		logger:   logger,
	}
}

// NotificationPolicy resolves the notification policy document. An error is
// returned only when the settings store itself is unreachable; malformed
// content degrades to defaults.
func (r *Resolver) NotificationPolicy(ctx context.Context) (NotificationPolicy, error) {
	var p NotificationPolicy
	ok, err := r.resolve(ctx, KeyNotificationPolicy, &p)
	if err != nil {
		return NotificationPolicy{}, err
	}
	if !ok {
		return DefaultNotificationPolicy(), nil
	}
	return p, nil
}

// BillingPolicy resolves the billing policy document.
func (r *Resolver) BillingPolicy(ctx context.Context) (BillingPolicy, error) {
	var p BillingPolicy
	ok, err := r.resolve(ctx, KeyBillingPolicy, &p)
	if err != nil {
		return BillingPolicy{}, err
	}
	if !ok {
		return DefaultBillingPolicy(), nil
	}
	return p, nil
}

// resolve loads the document under key into out. It reports ok=false when
// the caller should use the fallback instead: key absent, value not a plain
// JSON object (null, array, scalar), or object fields that do not decode.
func (r *Resolver) resolve(ctx context.Context, key string, out any) (bool, error) {
	raw, err := r.settings.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("resolve policy %q: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}

	if !isJSONObject(raw) {
		r.logger.Warn("policy document is not a JSON object, using defaults",
			zap.String("key", key),
		)
		return false, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		r.logger.Warn("policy document failed to decode, using defaults",
			zap.String("key", key),
			zap.Error(err),
		)
		return false, nil
	}

	return true, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
