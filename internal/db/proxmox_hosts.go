package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
)

// CreateProxmoxHost inserts a new Proxmox host registration.
func (s *Store) CreateProxmoxHost(ctx context.Context, host models.ProxmoxHost) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if host.ID == "" || host.Name == "" || host.APIURL == "" {
		return errors.New("proxmox host id, name, and api_url are required")
	}
	now := time.Now().UTC()
	createdAt := host.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO proxmox_hosts (
		id, name, api_url, credentials_enc, tls_insecure, tls_ca_path, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		host.ID, host.Name, host.APIURL, host.CredentialsEnc, host.TLSInsecure,
		nullIfEmpty(host.TLSCAPath), formatTime(createdAt), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert proxmox host %s: %w", host.ID, err)
	}
	return nil
}

// GetProxmoxHost loads a host by id.
func (s *Store) GetProxmoxHost(ctx context.Context, id string) (models.ProxmoxHost, error) {
	if s == nil || s.DB == nil {
		return models.ProxmoxHost{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, proxmoxHostSelect+` WHERE id = ?`, id)
	return scanProxmoxHostRow(row)
}

// ListProxmoxHosts returns every registered host.
func (s *Store) ListProxmoxHosts(ctx context.Context) ([]models.ProxmoxHost, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, proxmoxHostSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list proxmox hosts: %w", err)
	}
	defer rows.Close()
	var out []models.ProxmoxHost
	for rows.Next() {
		h, err := scanProxmoxHostRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountApplicationsForHost reports how many applications still reference a
// host, used to refuse deleting a host still in use.
func (s *Store) CountApplicationsForHost(ctx context.Context, hostID string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	var count int
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE host_id = ?`, hostID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count applications for host %s: %w", hostID, err)
	}
	return count, nil
}

// DeleteProxmoxHost removes a host registration; proxmox_nodes cascades.
// Callers must check CountApplicationsForHost first.
func (s *Store) DeleteProxmoxHost(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM proxmox_hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete proxmox host %s: %w", id, err)
	}
	return nil
}

const proxmoxHostSelect = `SELECT id, name, api_url, credentials_enc, tls_insecure, tls_ca_path, created_at, updated_at FROM proxmox_hosts`

func scanProxmoxHostRow(scanner interface{ Scan(dest ...any) error }) (models.ProxmoxHost, error) {
	var h models.ProxmoxHost
	var tlsCAPath sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(&h.ID, &h.Name, &h.APIURL, &h.CredentialsEnc, &h.TLSInsecure, &tlsCAPath, &createdAt, &updatedAt); err != nil {
		return models.ProxmoxHost{}, err
	}
	if tlsCAPath.Valid {
		h.TLSCAPath = tlsCAPath.String
	}
	var err error
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ProxmoxHost{}, fmt.Errorf("parse created_at: %w", err)
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ProxmoxHost{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return h, nil
}
