package facade

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/jobrunner"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pipeline"
	"github.com/agentlab/prox-orchd/internal/pve"
)

type fakeStore struct {
	mu    sync.Mutex
	apps  map[string]*models.Application
	hosts map[string]models.ProxmoxHost
	nodes map[string][]models.ProxmoxNode
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:  map[string]*models.Application{},
		hosts: map[string]models.ProxmoxHost{},
		nodes: map[string][]models.ProxmoxNode{},
	}
}

func (f *fakeStore) GetApplication(_ context.Context, id string) (models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[id]
	if !ok {
		return models.Application{}, pve.ErrNotFound
	}
	return *a, nil
}

func (f *fakeStore) GetApplicationByHostname(_ context.Context, hostname string) (models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.apps {
		if a.Hostname == hostname {
			return *a, nil
		}
	}
	return models.Application{}, pve.ErrNotFound
}

func (f *fakeStore) CreateApplication(_ context.Context, app models.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.apps[app.ID]; ok {
		return fmt.Errorf("application %s already exists", app.ID)
	}
	a := app
	f.apps[app.ID] = &a
	return nil
}

func (f *fakeStore) ListApplications(_ context.Context) ([]models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Application
	for _, a := range f.apps {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeStore) ListApplicationsByStatus(_ context.Context, status models.Status) ([]models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Application
	for _, a := range f.apps {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) ListApplicationsByHost(_ context.Context, hostID string) ([]models.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Application
	for _, a := range f.apps {
		if a.HostID == hostID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProxmoxHost(_ context.Context, id string) (models.ProxmoxHost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return models.ProxmoxHost{}, pve.ErrNotFound
	}
	return h, nil
}

func (f *fakeStore) ListProxmoxHosts(_ context.Context) ([]models.ProxmoxHost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProxmoxHost
	for _, h := range f.hosts {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeStore) ListProxmoxNodes(_ context.Context, hostID string) ([]models.ProxmoxNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[hostID], nil
}

func (f *fakeStore) AllocatedVMIDs(_ context.Context) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int]struct{}{}
	for _, a := range f.apps {
		if a.VMID != nil {
			out[*a.VMID] = struct{}{}
		}
	}
	return out, nil
}

type fakePVEReader struct {
	statuses  map[pve.LXCID]pve.Status
	lxcByNode map[string][]pve.LXCID
}

func (p *fakePVEReader) ListLXC(_ context.Context, _ pve.Host, node string) ([]pve.LXCID, error) {
	return p.lxcByNode[node], nil
}

func (p *fakePVEReader) LXCStatus(_ context.Context, _ pve.Host, _ string, id pve.LXCID) (pve.Status, error) {
	s, ok := p.statuses[id]
	if !ok {
		return pve.StatusUnknown, pve.ErrNotFound
	}
	return s, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	runs []string
}

func (j *fakeJobs) Submit(ctx context.Context, appID string, kind models.JobKind, attempt jobrunner.Attempt) (string, error) {
	j.mu.Lock()
	j.runs = append(j.runs, appID+":"+string(kind))
	j.mu.Unlock()
	return "job-" + appID, attempt(ctx, zerolog.Nop())
}

type fakeOps struct {
	deployed []pipeline.DeployIntent
	started  []string
}

func (o *fakeOps) Deploy(_ context.Context, intent pipeline.DeployIntent, _ zerolog.Logger) error {
	o.deployed = append(o.deployed, intent)
	return nil
}
func (o *fakeOps) Start(_ context.Context, appID string, _ zerolog.Logger) error {
	o.started = append(o.started, appID)
	return nil
}
func (o *fakeOps) Stop(context.Context, string, zerolog.Logger) error         { return nil }
func (o *fakeOps) Restart(context.Context, string, zerolog.Logger) error      { return nil }
func (o *fakeOps) Delete(context.Context, string, bool, zerolog.Logger) error { return nil }
func (o *fakeOps) Clone(context.Context, pipeline.CloneIntent, zerolog.Logger) error {
	return nil
}
func (o *fakeOps) Update(context.Context, pipeline.UpdateIntent, zerolog.Logger) error {
	return nil
}
func (o *fakeOps) Adopt(context.Context, pipeline.AdoptIntent, zerolog.Logger) error {
	return nil
}
func (o *fakeOps) Backup(context.Context, string, string, zerolog.Logger) error  { return nil }
func (o *fakeOps) Restore(context.Context, string, string, zerolog.Logger) error { return nil }

func newTestFacade(store *fakeStore, pveReader *fakePVEReader, jobs *fakeJobs, ops *fakeOps) *Facade {
	f := New()
	f.Store = store
	f.PVE = pveReader
	f.Jobs = jobs
	f.Pipeline = ops
	f.Catalog = catalog.Catalog{Apps: map[string]catalog.App{"demo": {ID: "demo"}}}
	return f
}

func TestDeployApplicationValidatesAndEnqueues(t *testing.T) {
	store := newFakeStore()
	store.hosts["host1"] = models.ProxmoxHost{ID: "host1", Name: "cluster1"}
	jobs := &fakeJobs{}
	ops := &fakeOps{}
	f := newTestFacade(store, &fakePVEReader{}, jobs, ops)

	app, err := f.DeployApplication(context.Background(), DeployIntent{CatalogID: "demo", Hostname: "app1.prox.local", HostID: "host1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, app.Status)

	got, err := store.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, got.ID)
	require.Len(t, ops.deployed, 1)
	assert.Equal(t, "demo", ops.deployed[0].CatalogID)
}

func TestDeployApplicationRejectsDuplicateHostname(t *testing.T) {
	store := newFakeStore()
	store.hosts["host1"] = models.ProxmoxHost{ID: "host1"}
	store.apps["existing"] = &models.Application{ID: "existing", Hostname: "taken.prox.local", HostID: "host1"}
	f := newTestFacade(store, &fakePVEReader{}, &fakeJobs{}, &fakeOps{})

	_, err := f.DeployApplication(context.Background(), DeployIntent{CatalogID: "demo", Hostname: "taken.prox.local", HostID: "host1"})
	assert.Error(t, err)
}

func TestPerformActionStart(t *testing.T) {
	store := newFakeStore()
	store.apps["app1"] = &models.Application{ID: "app1", Status: models.StatusStopped}
	ops := &fakeOps{}
	f := newTestFacade(store, &fakePVEReader{}, &fakeJobs{}, ops)

	jobID, err := f.PerformAction(context.Background(), "app1", ActionStart, ActionParams{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, []string{"app1"}, ops.started)
}

func TestPerformActionRestoreRequiresBackupID(t *testing.T) {
	f := newTestFacade(newFakeStore(), &fakePVEReader{}, &fakeJobs{}, &fakeOps{})
	_, err := f.PerformAction(context.Background(), "app1", ActionRestore, ActionParams{})
	assert.Error(t, err)
}

func TestListApplicationsAttachesLiveStatus(t *testing.T) {
	store := newFakeStore()
	store.hosts["host1"] = models.ProxmoxHost{ID: "host1"}
	vmid := 701
	store.apps["app1"] = &models.Application{ID: "app1", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &vmid}
	pveReader := &fakePVEReader{statuses: map[pve.LXCID]pve.Status{701: pve.StatusRunning}}
	f := newTestFacade(store, pveReader, &fakeJobs{}, &fakeOps{})
	f.Keyring = nil // CredentialsEnc is empty so DecryptString must tolerate a nil keyring gracefully in this path

	views, total, err := f.ListApplications(context.Background(), Filter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, views, 1)
}

func TestDiscoverUnmanagedContainers(t *testing.T) {
	store := newFakeStore()
	store.hosts["host1"] = models.ProxmoxHost{ID: "host1"}
	store.nodes["host1"] = []models.ProxmoxNode{{HostID: "host1", Name: "pve1", Online: true}}
	vmid := 801
	store.apps["app1"] = &models.Application{ID: "app1", HostID: "host1", NodeName: "pve1", VMID: &vmid}
	pveReader := &fakePVEReader{lxcByNode: map[string][]pve.LXCID{"pve1": {801, 802}}}
	f := newTestFacade(store, pveReader, &fakeJobs{}, &fakeOps{})

	out, err := f.DiscoverUnmanagedContainers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 802, out[0].VMID)
}
