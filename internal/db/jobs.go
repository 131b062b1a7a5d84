package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// CreateJob inserts a new job record in models.JobQueued.
func (s *Store) CreateJob(ctx context.Context, job models.JobRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if job.ID == "" || job.AppID == "" || job.Kind == "" {
		return errors.New("job id, app_id, and kind are required")
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var nextRetryAt interface{}
	if !job.NextRetryAt.IsZero() {
		nextRetryAt = formatTime(job.NextRetryAt)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO jobs (
		id, app_id, kind, status, attempt, max_attempts, next_retry_at, error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AppID, string(job.Kind), string(job.Status), job.Attempt, job.MaxAttempts,
		nextRetryAt, nullIfEmpty(job.Error), formatTime(createdAt), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	if s == nil || s.DB == nil {
		return models.JobRecord{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJobRow(row)
}

// ListJobsForApplication returns every job for an application, newest first.
func (s *Store) ListJobsForApplication(ctx context.Context, appID string) ([]models.JobRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, jobSelect+` WHERE app_id = ? ORDER BY created_at DESC`, appID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for application %s: %w", appID, err)
	}
	defer rows.Close()
	var out []models.JobRecord
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListDueRetries returns failed jobs whose next_retry_at has elapsed and
// whose attempt count has not exhausted max_attempts.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time) ([]models.JobRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, jobSelect+`
		WHERE status = ? AND attempt < max_attempts AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at`, string(models.JobFailed), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()
	var out []models.JobRecord
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobRunning transitions a queued/failed job to running.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	now := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(models.JobRunning), now, id)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", id, err)
	}
	return nil
}

// MarkJobSucceeded transitions a job to succeeded.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	now := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, error = NULL, updated_at = ? WHERE id = ?`,
		string(models.JobSucceeded), now, id)
	if err != nil {
		return fmt.Errorf("mark job %s succeeded: %w", id, err)
	}
	return nil
}

// MarkJobFailed transitions a job to failed, recording the error and the
// next retry time (60s * 2^attempt, capped by the caller at max_attempts).
func (s *Store) MarkJobFailed(ctx context.Context, id string, cause error, nextRetryAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	now := formatTime(time.Now().UTC())
	var nextRetry interface{}
	if !nextRetryAt.IsZero() {
		nextRetry = formatTime(nextRetryAt)
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = ?, attempt = attempt + 1, error = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		string(models.JobFailed), errMsg, nextRetry, now, id)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	return nil
}

const jobSelect = `SELECT id, app_id, kind, status, attempt, max_attempts, next_retry_at, error, created_at, updated_at FROM jobs`

func scanJobRow(scanner interface{ Scan(dest ...any) error }) (models.JobRecord, error) {
	var j models.JobRecord
	var kind, status string
	var nextRetryAt, errMsg sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(&j.ID, &j.AppID, &kind, &status, &j.Attempt, &j.MaxAttempts,
		&nextRetryAt, &errMsg, &createdAt, &updatedAt); err != nil {
		return models.JobRecord{}, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	var err error
	if nextRetryAt.Valid {
		if j.NextRetryAt, err = parseTime(nextRetryAt.String); err != nil {
			return models.JobRecord{}, fmt.Errorf("parse next_retry_at: %w", err)
		}
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.JobRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.JobRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return j, nil
}
