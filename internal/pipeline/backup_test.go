package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

func TestBackupRecordsAvailableBackup(t *testing.T) {
	pveClient := pve.NewFakeClient()
	pveClient.AddStorage(pve.StorageInfo{Storage: "local-lvm", Content: "rootdir,vztmpl,backup", AvailGB: 100})
	_, err := pveClient.CreateLXC(context.Background(), pve.Host{}, "pve1", 601, pve.LXCSpec{Hostname: "app1"})
	require.NoError(t, err)

	kr := testKeyring(t)
	vmid := 601
	app := models.Application{ID: "app1", Name: "app1", Hostname: "app1.prox.local", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &vmid}
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(app, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	require.NoError(t, p.Backup(context.Background(), "app1", "manual", zerolog.Nop()))

	backup, err := store.LatestAvailableBackup(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, models.BackupAvailable, backup.Status)
	assert.Equal(t, "manual", backup.Reason)
}

func TestRestoreRejectsUnknownBackup(t *testing.T) {
	pveClient := pve.NewFakeClient()
	kr := testKeyring(t)
	vmid := 602
	app := models.Application{ID: "app1", Name: "app1", Hostname: "app1.prox.local", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &vmid}
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(app, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	err := p.Restore(context.Background(), "app1", "nonexistent-backup", zerolog.Nop())
	require.Error(t, err)

	got, err := store.GetApplication(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestRestoreSucceeds(t *testing.T) {
	pveClient := pve.NewFakeClient()
	pveClient.AddStorage(pve.StorageInfo{Storage: "local-lvm", Content: "rootdir,vztmpl,backup", AvailGB: 100})
	_, err := pveClient.CreateLXC(context.Background(), pve.Host{}, "pve1", 603, pve.LXCSpec{Hostname: "app1"})
	require.NoError(t, err)

	kr := testKeyring(t)
	vmid := 603
	app := models.Application{ID: "app1", Name: "app1", Hostname: "app1.prox.local", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &vmid}
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(app, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	require.NoError(t, p.Backup(context.Background(), "app1", "manual", zerolog.Nop()))
	backup, err := store.LatestAvailableBackup(context.Background(), "app1")
	require.NoError(t, err)

	require.NoError(t, p.Restore(context.Background(), "app1", backup.ID, zerolog.Nop()))

	got, err := store.GetApplication(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}
