// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS proxmox_hosts (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				api_url TEXT NOT NULL,
				credentials_enc BLOB NOT NULL,
				tls_insecure INTEGER NOT NULL DEFAULT 0,
				tls_ca_path TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS proxmox_nodes (
				host_id TEXT NOT NULL,
				name TEXT NOT NULL,
				online INTEGER NOT NULL DEFAULT 0,
				last_seen_at TEXT,
				PRIMARY KEY (host_id, name),
				FOREIGN KEY(host_id) REFERENCES proxmox_hosts(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS applications (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				host_id TEXT NOT NULL,
				node_name TEXT NOT NULL,
				vmid INTEGER,
				catalog_app TEXT NOT NULL,
				status TEXT NOT NULL,
				state_changed_at TEXT NOT NULL,
				public_port INTEGER,
				internal_port INTEGER,
				root_password_enc BLOB,
				config_json TEXT,
				access_url TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY(host_id) REFERENCES proxmox_hosts(id)
			)`,
			`CREATE TABLE IF NOT EXISTS deployment_logs (
				id TEXT PRIMARY KEY,
				app_id TEXT NOT NULL,
				step TEXT NOT NULL,
				level TEXT NOT NULL,
				message TEXT NOT NULL,
				created_at TEXT NOT NULL,
				FOREIGN KEY(app_id) REFERENCES applications(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS backups (
				id TEXT PRIMARY KEY,
				app_id TEXT NOT NULL,
				storage_vol_id TEXT NOT NULL,
				reason TEXT NOT NULL,
				created_at TEXT NOT NULL,
				FOREIGN KEY(app_id) REFERENCES applications(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id TEXT PRIMARY KEY,
				actor TEXT NOT NULL,
				action TEXT NOT NULL,
				resource_kind TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				details_json TEXT,
				client_ip TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				app_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				status TEXT NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 1,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				next_retry_at TEXT,
				error TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY(app_id) REFERENCES applications(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(status)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_host ON applications(host_id, node_name)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_public_port ON applications(public_port)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_internal_port ON applications(internal_port)`,
			`CREATE INDEX IF NOT EXISTS idx_deployment_logs_app ON deployment_logs(app_id)`,
			`CREATE INDEX IF NOT EXISTS idx_backups_app ON backups(app_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_kind, resource_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_app ON jobs(app_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		},
	},
	{
		version: 2,
		name:    "add_proxmox_node_cluster_fields",
		statements: []string{
			`ALTER TABLE proxmox_nodes ADD COLUMN cpu_usage REAL`,
			`ALTER TABLE proxmox_nodes ADD COLUMN mem_usage REAL`,
		},
	},
	{
		version: 3,
		name:    "add_application_identity_fields_and_backup_status",
		statements: []string{
			`ALTER TABLE applications ADD COLUMN hostname TEXT`,
			`ALTER TABLE applications ADD COLUMN environment_json TEXT`,
			`ALTER TABLE applications ADD COLUMN owner_id TEXT`,
			`ALTER TABLE applications ADD COLUMN iframe_url TEXT`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_hostname ON applications(hostname)`,
			`ALTER TABLE backups ADD COLUMN status TEXT NOT NULL DEFAULT 'available'`,
			`ALTER TABLE backups ADD COLUMN error_message TEXT`,
			`ALTER TABLE backups ADD COLUMN completed_at TEXT`,
		},
	},
	{
		version: 4,
		name:    "add_proxmox_node_memory_fields",
		statements: []string{
			`ALTER TABLE proxmox_nodes ADD COLUMN mem_total_mb INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE proxmox_nodes ADD COLUMN mem_used_mb INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// Migrate runs any pending migrations against the provided database.
//
// This function:
//   - Enables foreign key constraints
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Loads previously applied migration versions
//   - Verifies applied migrations are still known
//   - Applies any pending migrations in transaction
//
// Migrations are applied in version order. Each migration runs in a
// separate transaction for atomicity. Returns an error if any step fails.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	// Enable foreign key constraints in SQLite
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
//
// The schema_migrations table stores which migrations have been applied,
// ensuring each migration is only run once even if Migrate() is called
// multiple times.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
//
// Queries the schema_migrations table to determine which migrations have
// already been run, returning them as a set for fast lookup.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
//
// This prevents a scenario where a migration was applied but then removed
// from the code, which would cause database schema drift. Returns an error
// if an applied migration version is not found in the defined migrations.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
//
// Runs all SQL statements for the migration in order. If any statement
// fails, the transaction is rolled back. On success, records the migration
// in schema_migrations before committing. Returns an error on failure.
func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks that all migrations are properly defined.
//
// Validates:
//   - At least one migration exists
//   - All version numbers are positive
//   - No duplicate version numbers
//   - Versions are in ascending order
//   - All migrations have names
//
// Returns an error if any validation fails.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
