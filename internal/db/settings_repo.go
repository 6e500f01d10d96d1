package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SettingsRepository reads JSON configuration documents from the generic
// key/value settings store.
type SettingsRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSettingsRepository creates a new settings repository.
func NewSettingsRepository(db *DB, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the raw JSON value stored under key, or (nil, nil) when the
// key is absent. Interpreting the document is the caller's job.
func (r *SettingsRepository) Get(ctx context.Context, key string) (json.RawMessage, error) {
	query := `SELECT value FROM settings WHERE key = $1`

	var value json.RawMessage
	err := r.db.Pool().QueryRow(ctx, query, key).Scan(&value)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query setting %q: %w", key, err)
	}

	return value, nil
}
