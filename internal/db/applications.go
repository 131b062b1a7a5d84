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

// CreateApplication inserts a new application row in models.StatusPending.
func (s *Store) CreateApplication(ctx context.Context, app models.Application) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if app.ID == "" {
		return errors.New("application id is required")
	}
	if app.Name == "" {
		return errors.New("application name is required")
	}
	if app.Hostname == "" {
		return errors.New("application hostname is required")
	}
	if app.HostID == "" {
		return errors.New("application host_id is required")
	}
	if app.Status == "" {
		app.Status = models.StatusPending
	}
	now := time.Now().UTC()
	createdAt := app.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	stateChangedAt := app.StateChangedAt
	if stateChangedAt.IsZero() {
		stateChangedAt = createdAt
	}
	configJSON, err := marshalConfig(app.Config)
	if err != nil {
		return fmt.Errorf("marshal config for application %s: %w", app.ID, err)
	}
	envJSON, err := marshalEnvironment(app.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment for application %s: %w", app.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO applications (
		id, name, hostname, host_id, node_name, vmid, catalog_app, status, state_changed_at,
		public_port, internal_port, root_password_enc, config_json, environment_json, owner_id,
		access_url, iframe_url, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.Name, app.Hostname, app.HostID, app.NodeName, intPtrToAny(app.VMID), app.CatalogApp,
		string(app.Status), formatTime(stateChangedAt),
		intPtrToAny(app.PublicPort), intPtrToAny(app.InternalPort),
		bytesPtrToAny(app.RootPasswordEnc), configJSON, envJSON, nullIfEmpty(app.OwnerID),
		nullIfEmpty(app.AccessURL), nullIfEmpty(app.IframeURL),
		formatTime(createdAt), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert application %s: %w", app.ID, err)
	}
	return nil
}

// GetApplicationByHostname loads an application by its unique hostname.
func (s *Store) GetApplicationByHostname(ctx context.Context, hostname string) (models.Application, error) {
	if s == nil || s.DB == nil {
		return models.Application{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, applicationSelect+` WHERE hostname = ?`, hostname)
	return scanApplicationRow(row)
}

// GetApplication loads an application by id.
func (s *Store) GetApplication(ctx context.Context, id string) (models.Application, error) {
	if s == nil || s.DB == nil {
		return models.Application{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, applicationSelect+` WHERE id = ?`, id)
	return scanApplicationRow(row)
}

// GetApplicationByName loads an application by its unique name.
func (s *Store) GetApplicationByName(ctx context.Context, name string) (models.Application, error) {
	if s == nil || s.DB == nil {
		return models.Application{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, applicationSelect+` WHERE name = ?`, name)
	return scanApplicationRow(row)
}

// ListApplications returns every application ordered by created_at descending.
func (s *Store) ListApplications(ctx context.Context) ([]models.Application, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, applicationSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()
	return scanApplicationRows(rows)
}

// ListApplicationsByStatus returns applications currently in the given status.
func (s *Store) ListApplicationsByStatus(ctx context.Context, status models.Status) ([]models.Application, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, applicationSelect+` WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list applications by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanApplicationRows(rows)
}

// ListApplicationsByHost returns applications running on a given Proxmox host.
func (s *Store) ListApplicationsByHost(ctx context.Context, hostID string) ([]models.Application, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, applicationSelect+` WHERE host_id = ? ORDER BY created_at`, hostID)
	if err != nil {
		return nil, fmt.Errorf("list applications for host %s: %w", hostID, err)
	}
	defer rows.Close()
	return scanApplicationRows(rows)
}

// ListStuckApplications returns applications in a transitional status whose
// state_changed_at is older than cutoff — the janitor's sweep query.
func (s *Store) ListStuckApplications(ctx context.Context, cutoff time.Time) ([]models.Application, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, applicationSelect+`
		WHERE status IN (?, ?, ?, ?, ?) AND state_changed_at <= ?
		ORDER BY state_changed_at`,
		string(models.StatusDeploying), string(models.StatusCloning), string(models.StatusAdopting),
		string(models.StatusUpdating), string(models.StatusRemoving),
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck applications: %w", err)
	}
	defer rows.Close()
	return scanApplicationRows(rows)
}

// SetApplicationVMID assigns the allocated LXC id to a pending application.
func (s *Store) SetApplicationVMID(ctx context.Context, appID string, vmid int) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE applications SET vmid = ?, updated_at = ? WHERE id = ?`, vmid, updatedAt, appID)
	if err != nil {
		return fmt.Errorf("set application %s vmid: %w", appID, err)
	}
	return nil
}

// SetApplicationPorts assigns the allocated port pair to an application.
func (s *Store) SetApplicationPorts(ctx context.Context, appID string, publicPort, internalPort int) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE applications SET public_port = ?, internal_port = ?, updated_at = ? WHERE id = ?`,
		publicPort, internalPort, updatedAt, appID)
	if err != nil {
		return fmt.Errorf("set application %s ports: %w", appID, err)
	}
	return nil
}

// ReleaseApplicationPorts clears an application's port allocation, e.g. after
// a failed deploy, so the allocator can hand the ports to someone else.
func (s *Store) ReleaseApplicationPorts(ctx context.Context, appID string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE applications SET public_port = NULL, internal_port = NULL, updated_at = ? WHERE id = ?`,
		updatedAt, appID)
	if err != nil {
		return fmt.Errorf("release application %s ports: %w", appID, err)
	}
	return nil
}

// SetApplicationAccessURL records the reverse-proxy public and internal URLs
// once the vhost is registered (or the direct-access URLs in degraded mode).
func (s *Store) SetApplicationAccessURL(ctx context.Context, appID, accessURL, iframeURL string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE applications SET access_url = ?, iframe_url = ?, updated_at = ? WHERE id = ?`,
		accessURL, iframeURL, updatedAt, appID)
	if err != nil {
		return fmt.Errorf("set application %s access url: %w", appID, err)
	}
	return nil
}

// SetApplicationRootPasswordEnc records the age-encrypted root password once
// the deploy pipeline has created the LXC, since the Application row is
// created before the password is known (spec.md §4.9 step 6).
func (s *Store) SetApplicationRootPasswordEnc(ctx context.Context, appID string, enc []byte) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE applications SET root_password_enc = ?, updated_at = ? WHERE id = ?`,
		bytesPtrToAny(enc), updatedAt, appID)
	if err != nil {
		return fmt.Errorf("set application %s root password: %w", appID, err)
	}
	return nil
}

// SetApplicationConfig overwrites the application's config bag, e.g. to set
// the direct_access degraded-mode flag or mark an adopted application.
func (s *Store) SetApplicationConfig(ctx context.Context, appID string, cfg map[string]any) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	configJSON, err := marshalConfig(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for application %s: %w", appID, err)
	}
	updatedAt := formatTime(time.Now().UTC())
	if _, err := s.DB.ExecContext(ctx, `UPDATE applications SET config_json = ?, updated_at = ? WHERE id = ?`,
		configJSON, updatedAt, appID); err != nil {
		return fmt.Errorf("set application %s config: %w", appID, err)
	}
	return nil
}

// DeleteApplication removes the application row; deployment_logs and backups
// cascade via foreign keys.
func (s *Store) DeleteApplication(ctx context.Context, appID string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, appID)
	if err != nil {
		return fmt.Errorf("delete application %s: %w", appID, err)
	}
	return nil
}

// AllocatedPorts returns every public/internal port currently recorded in the
// given inclusive range, for use by internal/alloc's sequential scan.
func (s *Store) AllocatedPorts(ctx context.Context, column string, lo, hi int) (map[int]struct{}, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if column != "public_port" && column != "internal_port" {
		return nil, fmt.Errorf("invalid port column %q", column)
	}
	query := fmt.Sprintf(`SELECT %s FROM applications WHERE %s BETWEEN ? AND ?`, column, column)
	rows, err := s.DB.QueryContext(ctx, query, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("list allocated %s: %w", column, err)
	}
	defer rows.Close()
	out := make(map[int]struct{})
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("scan allocated %s: %w", column, err)
		}
		out[port] = struct{}{}
	}
	return out, rows.Err()
}

// ErrNoFreePort is returned by AllocatePorts when a range has no free port
// left, wrapped by internal/alloc into its own ErrPortsExhausted.
var ErrNoFreePort = errors.New("no free port in range")

// AllocatePorts scans the public and internal port ranges for the lowest
// free port in each and persists both on appID's row, all inside one write
// transaction: spec.md §4.4 requires the scan and the persist to be atomic,
// since two concurrent deploys (spec.md §5) scanning independently could
// otherwise both land on the same free port before either one commits.
// Holding the transaction across both the SELECT and the UPDATE is what
// actually serializes them, not merely routing every call through the
// store's single pooled connection.
func (s *Store) AllocatePorts(ctx context.Context, appID string, publicLo, publicHi, internalLo, internalHi int) (public, internal int, err error) {
	if s == nil || s.DB == nil {
		return 0, 0, errors.New("db store is nil")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin port allocation transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	public, err = scanFreePort(ctx, tx, "public_port", publicLo, publicHi)
	if err != nil {
		return 0, 0, err
	}
	internal, err = scanFreePort(ctx, tx, "internal_port", internalLo, internalHi)
	if err != nil {
		return 0, 0, err
	}

	updatedAt := formatTime(time.Now().UTC())
	if _, err = tx.ExecContext(ctx, `UPDATE applications SET public_port = ?, internal_port = ?, updated_at = ? WHERE id = ?`,
		public, internal, updatedAt, appID); err != nil {
		return 0, 0, fmt.Errorf("persist allocated ports for application %s: %w", appID, err)
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit port allocation for application %s: %w", appID, err)
	}
	return public, internal, nil
}

// scanFreePort finds the lowest port in [lo, hi] not already recorded in
// column, within the given transaction.
func scanFreePort(ctx context.Context, tx *sql.Tx, column string, lo, hi int) (int, error) {
	if column != "public_port" && column != "internal_port" {
		return 0, fmt.Errorf("invalid port column %q", column)
	}
	query := fmt.Sprintf(`SELECT %s FROM applications WHERE %s BETWEEN ? AND ?`, column, column)
	rows, err := tx.QueryContext(ctx, query, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("list allocated %s: %w", column, err)
	}
	taken := make(map[int]struct{})
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan allocated %s: %w", column, err)
		}
		taken[port] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate allocated %s: %w", column, err)
	}
	rows.Close()
	for port := lo; port <= hi; port++ {
		if _, ok := taken[port]; !ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %s [%d,%d]", ErrNoFreePort, column, lo, hi)
}

// AllocatedVMIDs returns every vmid currently recorded against an application,
// for use by internal/alloc's VMID conflict check.
func (s *Store) AllocatedVMIDs(ctx context.Context) (map[int]struct{}, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT vmid FROM applications WHERE vmid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list allocated vmids: %w", err)
	}
	defer rows.Close()
	out := make(map[int]struct{})
	for rows.Next() {
		var vmid int
		if err := rows.Scan(&vmid); err != nil {
			return nil, fmt.Errorf("scan allocated vmid: %w", err)
		}
		out[vmid] = struct{}{}
	}
	return out, rows.Err()
}

// ReclaimVMIDFromErrored clears vmid on an errored application so the id can
// be reused, compare-and-swapped against the vmid the caller observed.
func (s *Store) ReclaimVMIDFromErrored(ctx context.Context, vmid int) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE applications SET vmid = NULL WHERE vmid = ? AND status = ?`,
		vmid, string(models.StatusError))
	if err != nil {
		return false, fmt.Errorf("reclaim vmid %d: %w", vmid, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected reclaiming vmid %d: %w", vmid, err)
	}
	return affected > 0, nil
}

const applicationSelect = `SELECT id, name, hostname, host_id, node_name, vmid, catalog_app, status, state_changed_at,
	public_port, internal_port, root_password_enc, config_json, environment_json, owner_id,
	access_url, iframe_url, created_at, updated_at
	FROM applications`

func scanApplicationRows(rows *sql.Rows) ([]models.Application, error) {
	var out []models.Application
	for rows.Next() {
		app, err := scanApplicationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return out, nil
}

func scanApplicationRow(scanner interface{ Scan(dest ...any) error }) (models.Application, error) {
	var app models.Application
	var status string
	var vmid, publicPort, internalPort sql.NullInt64
	var rootPasswordEnc []byte
	var hostname sql.NullString
	var configJSON, envJSON, ownerID, accessURL, iframeURL sql.NullString
	var stateChangedAt, createdAt, updatedAt string
	if err := scanner.Scan(&app.ID, &app.Name, &hostname, &app.HostID, &app.NodeName, &vmid, &app.CatalogApp,
		&status, &stateChangedAt, &publicPort, &internalPort, &rootPasswordEnc, &configJSON, &envJSON, &ownerID,
		&accessURL, &iframeURL, &createdAt, &updatedAt); err != nil {
		return models.Application{}, err
	}
	app.Status = models.Status(status)
	if hostname.Valid {
		app.Hostname = hostname.String
	}
	if vmid.Valid {
		v := int(vmid.Int64)
		app.VMID = &v
	}
	if publicPort.Valid {
		v := int(publicPort.Int64)
		app.PublicPort = &v
	}
	if internalPort.Valid {
		v := int(internalPort.Int64)
		app.InternalPort = &v
	}
	app.RootPasswordEnc = rootPasswordEnc
	if ownerID.Valid {
		app.OwnerID = ownerID.String
	}
	if accessURL.Valid {
		app.AccessURL = accessURL.String
	}
	if iframeURL.Valid {
		app.IframeURL = iframeURL.String
	}
	if configJSON.Valid && configJSON.String != "" {
		cfg := map[string]any{}
		if err := json.Unmarshal([]byte(configJSON.String), &cfg); err != nil {
			return models.Application{}, fmt.Errorf("parse config_json: %w", err)
		}
		app.Config = cfg
	}
	if envJSON.Valid && envJSON.String != "" {
		env := map[string]string{}
		if err := json.Unmarshal([]byte(envJSON.String), &env); err != nil {
			return models.Application{}, fmt.Errorf("parse environment_json: %w", err)
		}
		app.Environment = env
	}
	var err error
	if app.StateChangedAt, err = parseTime(stateChangedAt); err != nil {
		return models.Application{}, fmt.Errorf("parse state_changed_at: %w", err)
	}
	if app.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Application{}, fmt.Errorf("parse created_at: %w", err)
	}
	if app.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Application{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return app, nil
}

func marshalConfig(cfg map[string]any) (interface{}, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalEnvironment(env map[string]string) (interface{}, error) {
	if len(env) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func intPtrToAny(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func bytesPtrToAny(v []byte) interface{} {
	if len(v) == 0 {
		return nil
	}
	return v
}
