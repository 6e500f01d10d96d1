package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/db"
)

type fakeOutboxReader struct {
	messages []*db.OutboxMessage
	listErr  error
	getErr   error

	gotStatus string
	gotLimit  int
	gotOffset int
}

func (f *fakeOutboxReader) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*db.OutboxMessage, error) {
	f.gotStatus = status
	f.gotLimit = limit
	f.gotOffset = offset
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages, nil
}

func (f *fakeOutboxReader) GetMessage(ctx context.Context, id uuid.UUID) (*db.OutboxMessage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("outbox message %s: %w", id, db.ErrNotFound)
}

func newTestRouter(reader OutboxReader) http.Handler {
	h := NewHandler(zap.NewNop(), reader)
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return r
}

func failedMessage() *db.OutboxMessage {
	errMsg := "delivery endpoint returned status 502"
	return &db.OutboxMessage{
		ID:         uuid.New(),
		TemplateID: "reminder.trial.expiry.d1",
		Recipient:  "owner@example.com",
		Payload:    []byte(`{"title":"Trial ends tomorrow"}`),
		Status:     db.OutboxStatusFailed,
		RetryCount: 5,
		Error:      &errMsg,
		CreatedAt:  time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2024, time.June, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestListFailedMessages(t *testing.T) {
	reader := &fakeOutboxReader{messages: []*db.OutboxMessage{failedMessage()}}
	router := newTestRouter(reader)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/failed", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if reader.gotStatus != db.OutboxStatusFailed {
		t.Errorf("queried status = %q, want failed", reader.gotStatus)
	}
	if reader.gotLimit != 50 || reader.gotOffset != 0 {
		t.Errorf("pagination = %d/%d, want 50/0", reader.gotLimit, reader.gotOffset)
	}

	var body struct {
		Messages []db.OutboxMessage `json:"messages"`
		Limit    int                `json:"limit"`
		Offset   int                `json:"offset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(body.Messages))
	}
	if body.Messages[0].Error == nil {
		t.Error("failed message should expose its last error")
	}
}

func TestListFailedMessages_Pagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"explicit values", "?limit=10&offset=20", 10, 20},
		{"limit too large falls back", "?limit=10000", 50, 0},
		{"limit zero falls back", "?limit=0", 50, 0},
		{"negative offset clamped", "?offset=-5", 50, 0},
		{"non-numeric ignored", "?limit=lots&offset=some", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeOutboxReader{}
			router := newTestRouter(reader)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/failed"+tt.query, nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if reader.gotLimit != tt.wantLimit || reader.gotOffset != tt.wantOffset {
				t.Errorf("pagination = %d/%d, want %d/%d",
					reader.gotLimit, reader.gotOffset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestListFailedMessages_EmptyResultIsArray(t *testing.T) {
	router := newTestRouter(&fakeOutboxReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/failed", nil))

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(body["messages"]) != "[]" {
		t.Errorf("messages = %s, want []", body["messages"])
	}
}

func TestListFailedMessages_StoreError(t *testing.T) {
	router := newTestRouter(&fakeOutboxReader{listErr: errors.New("database unreachable")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/failed", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestGetMessage(t *testing.T) {
	msg := failedMessage()
	router := newTestRouter(&fakeOutboxReader{messages: []*db.OutboxMessage{msg}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/messages/"+msg.ID.String(), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got db.OutboxMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.ID != msg.ID {
		t.Errorf("id = %s, want %s", got.ID, msg.ID)
	}
	if got.TemplateID != msg.TemplateID {
		t.Errorf("templateID = %q, want %q", got.TemplateID, msg.TemplateID)
	}
}

func TestGetMessage_InvalidID(t *testing.T) {
	router := newTestRouter(&fakeOutboxReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/messages/not-a-uuid", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != http.StatusBadRequest {
		t.Errorf("body status = %d, want 400", body.Status)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	router := newTestRouter(&fakeOutboxReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/messages/"+uuid.NewString(), nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetMessage_StoreErrorIsNot404(t *testing.T) {
	router := newTestRouter(&fakeOutboxReader{getErr: errors.New("database unreachable")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outbox/messages/"+uuid.NewString(), nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
