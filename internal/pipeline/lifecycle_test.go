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

func TestStartStopRestart(t *testing.T) {
	pveClient := pve.NewFakeClient()
	_, err := pveClient.CreateLXC(context.Background(), pve.Host{}, "pve1", 201, pve.LXCSpec{Hostname: "app1"})
	require.NoError(t, err)

	kr := testKeyring(t)
	app := models.Application{ID: "app1", Name: "app1", Hostname: "app1.prox.local", HostID: "host1", NodeName: "pve1", Status: models.StatusStopped}
	vmid := 201
	app.VMID = &vmid
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(app, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	require.NoError(t, p.Start(context.Background(), "app1", zerolog.Nop()))
	got, _ := store.GetApplication(context.Background(), "app1")
	assert.Equal(t, models.StatusRunning, got.Status)

	require.NoError(t, p.Stop(context.Background(), "app1", zerolog.Nop()))
	got, _ = store.GetApplication(context.Background(), "app1")
	assert.Equal(t, models.StatusStopped, got.Status)

	// Restart requires running; start again before restarting.
	require.NoError(t, p.Start(context.Background(), "app1", zerolog.Nop()))
	require.NoError(t, p.Restart(context.Background(), "app1", zerolog.Nop()))
	status, err := pveClient.LXCStatus(context.Background(), pve.Host{}, "pve1", 201)
	require.NoError(t, err)
	assert.Equal(t, pve.StatusRunning, status)
}

func TestDeleteAccumulatesWarningsButDeletesRow(t *testing.T) {
	pveClient := pve.NewFakeClient()
	// No container 301 created: StopLXC/DeleteLXC will fail with ErrNotFound,
	// exercising Delete's warning-accumulation path.
	kr := testKeyring(t)
	app := models.Application{ID: "app1", Name: "app1", Hostname: "app1.prox.local", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning}
	vmid := 301
	app.VMID = &vmid
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(app, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	require.NoError(t, p.Delete(context.Background(), "app1", true, zerolog.Nop()))
	_, err := store.GetApplication(context.Background(), "app1")
	assert.Error(t, err)
}

func TestAdoptImportsExistingContainer(t *testing.T) {
	pveClient := pve.NewFakeClient()
	_, err := pveClient.CreateLXC(context.Background(), pve.Host{}, "pve1", 401, pve.LXCSpec{Hostname: "legacy"})
	require.NoError(t, err)
	_, err = pveClient.StartLXC(context.Background(), pve.Host{}, "pve1", 401)
	require.NoError(t, err)

	kr := testKeyring(t)
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(models.Application{ID: "placeholder", Name: "placeholder", Hostname: "placeholder", HostID: "host1", Status: models.StatusGone}, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	intent := AdoptIntent{AppID: "adopted1", HostID: "host1", Node: "pve1", VMID: 401, Hostname: "legacy.prox.local", CatalogID: "demo"}
	require.NoError(t, p.Adopt(context.Background(), intent, zerolog.Nop()))

	got, err := store.GetApplication(context.Background(), "adopted1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.VMID)
	assert.Equal(t, 401, *got.VMID)
}

func TestCloneSucceedsFromStoppedSource(t *testing.T) {
	pveClient := pve.NewFakeClient()
	_, err := pveClient.CreateLXC(context.Background(), pve.Host{}, "pve1", 501, pve.LXCSpec{Hostname: "source"})
	require.NoError(t, err)

	kr := testKeyring(t)
	srcVMID := 501
	src := models.Application{
		ID: "src1", Name: "src1", Hostname: "src1.prox.local", HostID: "host1", NodeName: "pve1",
		CatalogApp: "demo", Status: models.StatusStopped, VMID: &srcVMID,
	}
	host := models.ProxmoxHost{ID: "host1", Name: "cluster1", APIURL: "https://pve1:8006", CredentialsEnc: encryptedHostCreds(t, kr)}
	store := newFakeStore(src, host)

	p := newTestPipeline(t, store, pveClient, &fakeSSH{})
	p.Keyring = kr

	intent := CloneIntent{SourceAppID: "src1", NewAppID: "clone1", NewHostname: "clone1.prox.local", Full: false}
	err = p.Clone(context.Background(), intent, zerolog.Nop())
	require.NoError(t, err)

	got, err := store.GetApplication(context.Background(), "clone1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.VMID)
	assert.NotEqual(t, srcVMID, *got.VMID)
}
