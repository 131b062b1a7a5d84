package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetSetting upserts a single key/value row in the global settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if key == "" {
		return errors.New("setting key is required")
	}
	now := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a setting value, returning ("", nil) if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if s == nil || s.DB == nil {
		return "", errors.New("db store is nil")
	}
	var value string
	row := s.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}
