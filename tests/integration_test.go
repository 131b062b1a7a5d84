//go:build integration
// +build integration

package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/prox-orchd/internal/alloc"
	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/controlapi"
	"github.com/agentlab/prox-orchd/internal/db"
	"github.com/agentlab/prox-orchd/internal/facade"
	"github.com/agentlab/prox-orchd/internal/jobrunner"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pipeline"
	"github.com/agentlab/prox-orchd/internal/pve"
	"github.com/agentlab/prox-orchd/internal/reconcile"
	"github.com/agentlab/prox-orchd/internal/sshexec"
)

// integrationHarness wires the real db.Store, jobrunner.Runner,
// pipeline.Pipeline, facade.Facade, reconcile.Reconciler, and
// controlapi.API together against pve.FakeClient, exercising the whole
// daemon stack the way cmd/prox-orchd's run() does, minus process
// lifecycle and real SSH/network appliance concerns.
type integrationHarness struct {
	store  *db.Store
	pve    *pve.FakeClient
	server *httptest.Server
}

func newIntegrationHarness(t *testing.T) *integrationHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "prox-orchd.db")
	store, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := pve.NewFakeClient()

	host := models.ProxmoxHost{ID: "host1", Name: "pve1", APIURL: "https://pve1.local:8006"}
	require.NoError(t, store.CreateProxmoxHost(context.Background(), host))

	cat := catalog.Catalog{Apps: map[string]catalog.App{
		"demo": {ID: "demo", Image: "local:vztmpl/debian-12-standard.tar.zst"},
	}}

	pl := pipeline.New()
	pl.Store = store
	pl.PVE = fake
	pl.Ports = alloc.NewPortAllocator(store)
	pl.VMIDs = alloc.NewVMIDAllocator(fake, store)
	pl.Catalog = cat
	pl.VolumeRoot = t.TempDir()
	pl.NodeCreds = func(context.Context, pve.Host, string) (sshexec.NodeCredentials, error) {
		return sshexec.NodeCredentials{}, nil
	}

	jobs := jobrunner.New(store, jobrunner.WithMaxAttempts(1))
	t.Cleanup(jobs.Wait)

	fc := facade.New()
	fc.Store = store
	fc.PVE = fake
	fc.Jobs = jobs
	fc.Pipeline = pl
	fc.Catalog = cat

	rec := reconcile.New()
	rec.Store = store
	rec.PVE = fake
	rec.Interval = time.Hour
	rec.ResolveHost = func(context.Context, string) (pve.Host, error) {
		return pve.Host{Name: "pve1"}, nil
	}

	api := controlapi.New(fc, zerolog.Nop())
	mux := http.NewServeMux()
	api.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &integrationHarness{store: store, pve: fake, server: server}
}

func TestControlAPIListApplicationsEmpty(t *testing.T) {
	h := newIntegrationHarness(t)

	resp, err := http.Get(h.server.URL + "/v1/applications")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlAPIDeployRejectsUnknownHost(t *testing.T) {
	h := newIntegrationHarness(t)

	body := `{"catalog_id":"demo","hostname":"app1.example.com","host_id":"missing-host"}`
	resp, err := http.Post(h.server.URL+"/v1/applications", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlAPIDeployCreatesPendingApplication(t *testing.T) {
	h := newIntegrationHarness(t)

	body := `{"catalog_id":"demo","hostname":"app1.example.com","host_id":"host1","node":"pve1"}`
	resp, err := http.Post(h.server.URL+"/v1/applications", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	// The deploy job itself fails past the initial insert (no real ssh/
	// appliance wiring in this harness), but the Application row must
	// exist regardless of the job's outcome.
	apps, err := h.store.ListApplications(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "app1.example.com", apps[0].Hostname)
}

func TestControlAPIGetApplicationNotFound(t *testing.T) {
	h := newIntegrationHarness(t)

	resp, err := http.Get(h.server.URL + "/v1/applications/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlAPIUnmanagedContainersForUnknownHost(t *testing.T) {
	h := newIntegrationHarness(t)

	resp, err := http.Get(h.server.URL + "/v1/unmanaged?host_id=missing-host")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
