package db

import (
	"context"
	"testing"
	"time"

	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxmoxHostCRUD(t *testing.T) {
	store := openTestStore(t)
	host := seedHost(t, store)

	got, err := store.GetProxmoxHost(context.Background(), host.ID)
	require.NoError(t, err)
	assert.Equal(t, "pve-main", got.Name)

	hosts, err := store.ListProxmoxHosts(context.Background())
	require.NoError(t, err)
	assert.Len(t, hosts, 1)

	count, err := store.CountApplicationsForHost(context.Background(), host.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, store.DeleteProxmoxHost(context.Background(), host.ID))
	_, err = store.GetProxmoxHost(context.Background(), host.ID)
	assert.Error(t, err)
}

func TestProxmoxNodeUpsert(t *testing.T) {
	store := openTestStore(t)
	host := seedHost(t, store)

	require.NoError(t, store.UpsertProxmoxNode(context.Background(), models.ProxmoxNode{
		HostID: host.ID, Name: "pve1", Online: true,
	}))
	require.NoError(t, store.UpsertProxmoxNode(context.Background(), models.ProxmoxNode{
		HostID: host.ID, Name: "pve1", Online: false,
	}))

	nodes, err := store.ListProxmoxNodes(context.Background(), host.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].Online)
}

func TestDeploymentLogAppendAndList(t *testing.T) {
	store := openTestStore(t)
	host := seedHost(t, store)
	require.NoError(t, store.CreateApplication(context.Background(), models.Application{
		ID: "app-1", Name: "my-app", Hostname: "my-app.local", HostID: host.ID, NodeName: "pve1", CatalogApp: "nextcloud",
	}))

	require.NoError(t, store.AppendDeploymentLog(context.Background(), models.DeploymentLog{
		ID: "log-1", AppID: "app-1", Step: "allocate_ports", Level: "info", Message: "ok",
	}))
	require.NoError(t, store.AppendDeploymentLog(context.Background(), models.DeploymentLog{
		ID: "log-2", AppID: "app-1", Step: "clone", Level: "error", Message: "failed",
	}))

	logs, err := store.ListDeploymentLogs(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "allocate_ports", logs[0].Step)
	assert.Equal(t, "clone", logs[1].Step)
}

func TestBackupCreateListLatestDelete(t *testing.T) {
	store := openTestStore(t)
	host := seedHost(t, store)
	require.NoError(t, store.CreateApplication(context.Background(), models.Application{
		ID: "app-1", Name: "my-app", Hostname: "my-app.local", HostID: host.ID, NodeName: "pve1", CatalogApp: "nextcloud",
	}))

	require.NoError(t, store.CreateBackup(context.Background(), models.Backup{
		ID: "bk-1", AppID: "app-1", StorageVolID: "local:backup/vzdump-1.tar", Reason: "pre_update", Status: models.BackupAvailable,
	}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.CreateBackup(context.Background(), models.Backup{
		ID: "bk-2", AppID: "app-1", StorageVolID: "local:backup/vzdump-2.tar", Reason: "manual", Status: models.BackupAvailable,
	}))

	backups, err := store.ListBackups(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, backups, 2)

	latest, err := store.LatestAvailableBackup(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, "bk-2", latest.ID)

	require.NoError(t, store.DeleteBackup(context.Background(), "bk-1"))
	backups, err = store.ListBackups(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestAuditLogRecordAndList(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.RecordAuditLog(context.Background(), models.AuditLog{
		ID: "audit-1", Actor: "operator:alice", Action: "deploy",
		ResourceKind: "application", ResourceID: "app-1",
		Details: map[string]any{"catalog_app": "nextcloud"},
	}))

	entries, err := store.ListAuditLogForResource(context.Background(), "application", "app-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "deploy", entries[0].Action)
	assert.Equal(t, "nextcloud", entries[0].Details["catalog_app"])
}

func TestSettingsGetSet(t *testing.T) {
	store := openTestStore(t)

	value, err := store.GetSetting(context.Background(), "reconcile_interval")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, store.SetSetting(context.Background(), "reconcile_interval", "5m"))
	value, err = store.GetSetting(context.Background(), "reconcile_interval")
	require.NoError(t, err)
	assert.Equal(t, "5m", value)

	require.NoError(t, store.SetSetting(context.Background(), "reconcile_interval", "10m"))
	value, err = store.GetSetting(context.Background(), "reconcile_interval")
	require.NoError(t, err)
	assert.Equal(t, "10m", value)
}

func TestJobLifecycle(t *testing.T) {
	store := openTestStore(t)
	host := seedHost(t, store)
	require.NoError(t, store.CreateApplication(context.Background(), models.Application{
		ID: "app-1", Name: "my-app", Hostname: "my-app.local", HostID: host.ID, NodeName: "pve1", CatalogApp: "nextcloud",
	}))

	require.NoError(t, store.CreateJob(context.Background(), models.JobRecord{
		ID: "job-1", AppID: "app-1", Kind: models.JobKindDeploy,
	}))

	require.NoError(t, store.MarkJobRunning(context.Background(), "job-1"))
	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)

	retryAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.MarkJobFailed(context.Background(), "job-1", assert.AnError, retryAt))
	got, err = store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.NotEmpty(t, got.Error)

	due, err := store.ListDueRetries(context.Background(), retryAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "job-1", due[0].ID)

	require.NoError(t, store.MarkJobSucceeded(context.Background(), "job-1"))
	jobs, err := store.ListJobsForApplication(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobSucceeded, jobs[0].Status)
}
