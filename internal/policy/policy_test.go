package policy

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

type fakeSettings struct {
	docs map[string]json.RawMessage
	err  error
}

func (f *fakeSettings) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[key], nil
}

func newTestResolver(docs map[string]json.RawMessage) *Resolver {
	return NewResolver(&fakeSettings{docs: docs}, zap.NewNop())
}

func boolPtr(b bool) *bool { return &b }

func TestNotificationPolicy_FallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name string
		doc  json.RawMessage
	}{
		{"absent", nil},
		{"null", json.RawMessage(`null`)},
		{"array", json.RawMessage(`[1,2,3]`)},
		{"string", json.RawMessage(`"not a policy"`)},
		{"number", json.RawMessage(`42`)},
		{"wrong field type", json.RawMessage(`{"renewalCadenceDays": "weekly"}`)},
		{"truncated object", json.RawMessage(`{"channels": {`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := map[string]json.RawMessage{}
			if tt.doc != nil {
				docs[KeyNotificationPolicy] = tt.doc
			}
			r := newTestResolver(docs)

			got, err := r.NotificationPolicy(context.Background())
			if err != nil {
				t.Fatalf("NotificationPolicy: %v", err)
			}
			if !reflect.DeepEqual(got, DefaultNotificationPolicy()) {
				t.Errorf("policy = %+v, want full defaults", got)
			}
		})
	}
}

func TestNotificationPolicy_NoPartialMerge(t *testing.T) {
	// A document with a decode error must not contribute even its valid
	// fields; substitution is whole-document.
	r := newTestResolver(map[string]json.RawMessage{
		KeyNotificationPolicy: json.RawMessage(`{"channels":{"email":false},"renewalCadenceDays":"oops"}`),
	})

	got, err := r.NotificationPolicy(context.Background())
	if err != nil {
		t.Fatalf("NotificationPolicy: %v", err)
	}
	if !got.Channels.EmailEnabled() {
		t.Error("email flag leaked from a malformed document")
	}
	if !reflect.DeepEqual(got.RenewalCadenceDays, []int{7, 3, 1}) {
		t.Errorf("renewalCadenceDays = %v, want defaults", got.RenewalCadenceDays)
	}
}

func TestNotificationPolicy_ParsesValidDocument(t *testing.T) {
	r := newTestResolver(map[string]json.RawMessage{
		KeyNotificationPolicy: json.RawMessage(`{
			"channels": {"inApp": true, "email": false},
			"renewalCadenceDays": [14, 7],
			"categories": {"trialMilestone": {"email": false}}
		}`),
	})

	got, err := r.NotificationPolicy(context.Background())
	if err != nil {
		t.Fatalf("NotificationPolicy: %v", err)
	}

	if !got.Channels.InAppEnabled() {
		t.Error("inApp should be enabled")
	}
	if got.Channels.EmailEnabled() {
		t.Error("email should be disabled")
	}
	if !reflect.DeepEqual(got.RenewalCadenceDays, []int{14, 7}) {
		t.Errorf("renewalCadenceDays = %v, want [14 7]", got.RenewalCadenceDays)
	}
	if got.Categories.TrialMilestone.EmailEnabled() {
		t.Error("trialMilestone email should be disabled")
	}
	if !got.Categories.RenewalReminder.EmailEnabled() {
		t.Error("renewalReminder email should default to enabled")
	}
}

func TestNotificationPolicy_StoreErrorPropagates(t *testing.T) {
	r := NewResolver(&fakeSettings{err: errors.New("connection refused")}, zap.NewNop())

	_, err := r.NotificationPolicy(context.Background())
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestBillingPolicy_FallsBackToDefaults(t *testing.T) {
	r := newTestResolver(map[string]json.RawMessage{
		KeyBillingPolicy: json.RawMessage(`[]`),
	})

	got, err := r.BillingPolicy(context.Background())
	if err != nil {
		t.Fatalf("BillingPolicy: %v", err)
	}
	if !reflect.DeepEqual(got, DefaultBillingPolicy()) {
		t.Errorf("policy = %+v, want full defaults", got)
	}
	if got.DefaultTrialDays != 14 {
		t.Errorf("defaultTrialDays = %v, want 14", got.DefaultTrialDays)
	}
}

func TestBillingPolicy_ParsesValidDocument(t *testing.T) {
	r := newTestResolver(map[string]json.RawMessage{
		KeyBillingPolicy: json.RawMessage(`{"defaultTrialDays": 30.5, "reminderCadenceDays": [10, 5, 1]}`),
	})

	got, err := r.BillingPolicy(context.Background())
	if err != nil {
		t.Fatalf("BillingPolicy: %v", err)
	}
	if got.DefaultTrialDays != 30.5 {
		t.Errorf("defaultTrialDays = %v, want 30.5", got.DefaultTrialDays)
	}
	if !reflect.DeepEqual(got.ReminderCadenceDays, []int{10, 5, 1}) {
		t.Errorf("reminderCadenceDays = %v", got.ReminderCadenceDays)
	}
}

func TestChannelFlags_NilMeansEnabled(t *testing.T) {
	var flags ChannelFlags
	if !flags.InAppEnabled() || !flags.EmailEnabled() {
		t.Error("unset flags should read as enabled")
	}

	flags = ChannelFlags{InApp: boolPtr(false), Email: boolPtr(true)}
	if flags.InAppEnabled() {
		t.Error("explicit false should disable inApp")
	}
	if !flags.EmailEnabled() {
		t.Error("explicit true should enable email")
	}
}
