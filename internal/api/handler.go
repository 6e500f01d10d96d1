package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/db"
)

// OutboxReader is the read-only view the ops endpoints need. Terminal rows
// are never deleted, so permanently failed messages stay queryable here
// with their last error for operational inspection.
type OutboxReader interface {
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*db.OutboxMessage, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*db.OutboxMessage, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the ops API handlers.
type Handler struct {
	logger *zap.Logger
	outbox OutboxReader
}

// NewHandler creates a new ops API handler.
func NewHandler(logger *zap.Logger, outbox OutboxReader) *Handler {
	return &Handler{
		logger: logger,
		outbox: outbox,
	}
}

// Routes mounts the ops endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/outbox/failed", h.ListFailedMessages)
	r.Get("/outbox/messages/{id}", h.GetMessage)
}

// ListFailedMessages returns permanently failed outbox messages, newest
// first, with limit/offset pagination.
func (h *Handler) ListFailedMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	messages, err := h.outbox.ListByStatus(r.Context(), db.OutboxStatusFailed, limit, offset)
	if err != nil {
		h.logger.Error("failed to list failed outbox messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	if messages == nil {
		messages = []*db.OutboxMessage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetMessage returns a single outbox message by ID.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := h.outbox.GetMessage(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.logger.Error("outbox message lookup failed",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
