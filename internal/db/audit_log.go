package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// RecordAuditLog inserts an immutable audit row. This is the database-backed
// half of internal/audit's dual-write (the other half is the structured
// zerolog line).
func (s *Store) RecordAuditLog(ctx context.Context, entry models.AuditLog) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if entry.ID == "" || entry.Actor == "" || entry.Action == "" {
		return errors.New("audit log id, actor, and action are required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var detailsJSON interface{}
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		detailsJSON = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO audit_log (id, actor, action, resource_kind, resource_id, details_json, client_ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.ResourceKind, entry.ResourceID,
		detailsJSON, nullIfEmpty(entry.ClientIP), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogForResource returns every audit entry for a resource, newest first.
func (s *Store) ListAuditLogForResource(ctx context.Context, kind, id string) ([]models.AuditLog, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, actor, action, resource_kind, resource_id, details_json, client_ip, created_at
		FROM audit_log WHERE resource_kind = ? AND resource_id = ? ORDER BY created_at DESC`, kind, id)
	if err != nil {
		return nil, fmt.Errorf("list audit log for %s %s: %w", kind, id, err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var detailsJSON, clientIP sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.ResourceKind, &a.ResourceID, &detailsJSON, &clientIP, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			details := map[string]any{}
			if err := json.Unmarshal([]byte(detailsJSON.String), &details); err != nil {
				return nil, fmt.Errorf("parse audit details: %w", err)
			}
			a.Details = details
		}
		if clientIP.Valid {
			a.ClientIP = clientIP.String
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
