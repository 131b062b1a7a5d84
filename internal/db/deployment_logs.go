package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// AppendDeploymentLog inserts one append-only log line for an application.
func (s *Store) AppendDeploymentLog(ctx context.Context, entry models.DeploymentLog) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if entry.ID == "" || entry.AppID == "" || entry.Step == "" {
		return errors.New("deployment log id, app_id, and step are required")
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO deployment_logs (id, app_id, step, level, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AppID, entry.Step, entry.Level, entry.Message, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert deployment log for application %s: %w", entry.AppID, err)
	}
	return nil
}

// ListDeploymentLogs returns every log line for an application, oldest first.
func (s *Store) ListDeploymentLogs(ctx context.Context, appID string) ([]models.DeploymentLog, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, app_id, step, level, message, created_at
		FROM deployment_logs WHERE app_id = ? ORDER BY created_at`, appID)
	if err != nil {
		return nil, fmt.Errorf("list deployment logs for application %s: %w", appID, err)
	}
	defer rows.Close()
	var out []models.DeploymentLog
	for rows.Next() {
		var l models.DeploymentLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.AppID, &l.Step, &l.Level, &l.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan deployment log: %w", err)
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
