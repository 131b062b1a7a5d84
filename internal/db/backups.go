package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// CreateBackup records a newly requested backup artifact in BackupCreating.
func (s *Store) CreateBackup(ctx context.Context, backup models.Backup) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if backup.ID == "" || backup.AppID == "" {
		return errors.New("backup id and app_id are required")
	}
	if backup.Status == "" {
		backup.Status = models.BackupCreating
	}
	createdAt := backup.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO backups (id, app_id, storage_vol_id, reason, status, error_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		backup.ID, backup.AppID, backup.StorageVolID, backup.Reason, string(backup.Status),
		nullIfEmpty(backup.ErrorMessage), formatTime(createdAt), formatTimePtr(backup.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert backup for application %s: %w", backup.AppID, err)
	}
	return nil
}

// SetBackupAvailable marks a backup complete with its final storage volume id.
func (s *Store) SetBackupAvailable(ctx context.Context, id, storageVolID string, sizeBytes int64) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE backups SET status = ?, storage_vol_id = ?, completed_at = ? WHERE id = ?`,
		string(models.BackupAvailable), storageVolID, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("mark backup %s available: %w", id, err)
	}
	return nil
}

// SetBackupFailed marks a backup failed with a diagnostic message.
func (s *Store) SetBackupFailed(ctx context.Context, id, errMsg string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE backups SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(models.BackupFailed), errMsg, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("mark backup %s failed: %w", id, err)
	}
	return nil
}

// SetBackupRestoring flags a backup as the source of an in-flight restore.
func (s *Store) SetBackupRestoring(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE backups SET status = ? WHERE id = ?`, string(models.BackupRestoring), id)
	if err != nil {
		return fmt.Errorf("mark backup %s restoring: %w", id, err)
	}
	return nil
}

// ListBackups returns every backup for an application, newest first.
func (s *Store) ListBackups(ctx context.Context, appID string) ([]models.Backup, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, backupSelect+` WHERE app_id = ? ORDER BY created_at DESC`, appID)
	if err != nil {
		return nil, fmt.Errorf("list backups for application %s: %w", appID, err)
	}
	defer rows.Close()
	return scanBackupRows(rows)
}

// GetBackup loads a single backup by id.
func (s *Store) GetBackup(ctx context.Context, id string) (models.Backup, error) {
	if s == nil || s.DB == nil {
		return models.Backup{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, backupSelect+` WHERE id = ?`, id)
	return scanBackupRow(row)
}

// LatestAvailableBackup returns the most recent available backup for an
// application, used by the update pipeline's rollback step.
func (s *Store) LatestAvailableBackup(ctx context.Context, appID string) (models.Backup, error) {
	if s == nil || s.DB == nil {
		return models.Backup{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, backupSelect+` WHERE app_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		appID, string(models.BackupAvailable))
	return scanBackupRow(row)
}

// DeleteBackup removes a backup row. Callers are responsible for deleting
// the underlying storage volume via internal/pve first.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	return nil
}

const backupSelect = `SELECT id, app_id, storage_vol_id, reason, status, error_message, created_at, completed_at FROM backups`

func scanBackupRows(rows *sql.Rows) ([]models.Backup, error) {
	var out []models.Backup
	for rows.Next() {
		b, err := scanBackupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBackupRow(scanner interface{ Scan(dest ...any) error }) (models.Backup, error) {
	var b models.Backup
	var status string
	var storageVolID, errMsg, completedAt sql.NullString
	var createdAt string
	if err := scanner.Scan(&b.ID, &b.AppID, &storageVolID, &b.Reason, &status, &errMsg, &createdAt, &completedAt); err != nil {
		return models.Backup{}, err
	}
	b.Status = models.BackupStatus(status)
	if storageVolID.Valid {
		b.StorageVolID = storageVolID.String
	}
	if errMsg.Valid {
		b.ErrorMessage = errMsg.String
	}
	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Backup{}, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		if b.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return models.Backup{}, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	return b, nil
}
