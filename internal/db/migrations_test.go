package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies all migrations", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		err = Migrate(conn)
		require.NoError(t, err)

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 4, count)

		rows, err := conn.Query("SELECT version FROM schema_migrations ORDER BY version")
		require.NoError(t, err)
		defer rows.Close()

		versions := []int{}
		for rows.Next() {
			var v int
			require.NoError(t, rows.Scan(&v))
			versions = append(versions, v)
		}
		assert.Equal(t, []int{1, 2, 3, 4}, versions)
	})

	t.Run("idempotent - re-running is safe", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))
		require.NoError(t, Migrate(conn))

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})

	t.Run("creates all core tables", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		tables := []string{
			"proxmox_hosts", "proxmox_nodes", "applications",
			"deployment_logs", "backups", "audit_log", "settings", "jobs",
		}
		for _, table := range tables {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "table %s should exist", table)
		}
	})

	t.Run("creates indexes", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		indexes := []string{
			"idx_applications_status", "idx_applications_host",
			"idx_applications_public_port", "idx_applications_internal_port",
			"idx_deployment_logs_app", "idx_backups_app",
			"idx_audit_log_resource", "idx_jobs_app", "idx_jobs_status",
		}
		for _, index := range indexes {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "index %s should exist", index)
		}
	})

	t.Run("nil db", func(t *testing.T) {
		err := Migrate(nil)
		assert.EqualError(t, err, "db is nil")
	})
}

func TestMigrationVersion1(t *testing.T) {
	t.Run("applications table structure", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		columns := []string{
			"id", "name", "host_id", "node_name", "vmid", "catalog_app",
			"status", "state_changed_at", "public_port", "internal_port",
			"root_password_enc", "config_json", "access_url", "created_at", "updated_at",
		}
		for _, col := range columns {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('applications') WHERE name=?", col).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "applications.%s column should exist", col)
		}
	})

	t.Run("jobs table structure", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		columns := []string{
			"id", "app_id", "kind", "status", "attempt", "max_attempts",
			"next_retry_at", "error", "created_at", "updated_at",
		}
		for _, col := range columns {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name=?", col).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "jobs.%s column should exist", col)
		}
	})

	t.Run("deployment_logs foreign key to applications with cascade delete", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Exec("PRAGMA foreign_keys = ON")
		require.NoError(t, err)
		require.NoError(t, Migrate(conn))

		now := "2024-01-15T10:30:00Z"
		_, err = conn.Exec(`INSERT INTO proxmox_hosts (id, name, api_url, credentials_enc, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`, "host-1", "pve-main", "https://pve:8006", []byte("enc"), now, now)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO applications (id, name, host_id, node_name, catalog_app, status, state_changed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, "app-1", "my-app", "host-1", "pve1", "nextcloud", "pending", now, now, now)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO deployment_logs (id, app_id, step, level, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, "log-1", "app-1", "allocate_ports", "info", "allocated", now)
		require.NoError(t, err)

		_, err = conn.Exec("DELETE FROM applications WHERE id = ?", "app-1")
		require.NoError(t, err)

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM deployment_logs WHERE id = ?", "log-1").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestMigrationVersion2(t *testing.T) {
	t.Run("adds proxmox_nodes cluster usage columns", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, Migrate(conn))

		columns := []string{"cpu_usage", "mem_usage"}
		for _, col := range columns {
			var count int
			err = conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info('proxmox_nodes') WHERE name=?", col).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "proxmox_nodes.%s column should exist", col)
		}
	})
}

func TestPartialMigration(t *testing.T) {
	t.Run("applies only pending migrations", func(t *testing.T) {
		path := t.TempDir() + "/test.db"
		conn, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer conn.Close()

		for _, m := range migrations {
			if m.version == 1 {
				_, err = conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
					version INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					applied_at TEXT NOT NULL
				)`)
				require.NoError(t, err)
				for _, stmt := range m.statements {
					_, err = conn.Exec(stmt)
					require.NoError(t, err)
				}
				_, err = conn.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, datetime('now'))", m.version, m.name)
				require.NoError(t, err)
				break
			}
		}

		require.NoError(t, Migrate(conn))

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})
}

func TestMigrationValidation(t *testing.T) {
	t.Run("all migrations have valid versions", func(t *testing.T) {
		assert.Greater(t, len(migrations), 0)
		for i, m := range migrations {
			assert.Equal(t, i+1, m.version, "migration %d should have version %d", i, i+1)
			assert.NotEmpty(t, m.name, "migration %d should have a name", m.version)
			assert.NotEmpty(t, m.statements, "migration %d should have statements", m.version)
		}
	})
}
