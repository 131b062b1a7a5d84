package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/facade"
	"github.com/agentlab/prox-orchd/internal/jobrunner"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pipeline"
	"github.com/agentlab/prox-orchd/internal/pve"
)

type fakeStore struct {
	apps  map[string]*models.Application
	hosts map[string]models.ProxmoxHost
}

func (s *fakeStore) GetApplication(_ context.Context, id string) (models.Application, error) {
	a, ok := s.apps[id]
	if !ok {
		return models.Application{}, pve.ErrNotFound
	}
	return *a, nil
}
func (s *fakeStore) GetApplicationByHostname(_ context.Context, hostname string) (models.Application, error) {
	for _, a := range s.apps {
		if a.Hostname == hostname {
			return *a, nil
		}
	}
	return models.Application{}, pve.ErrNotFound
}
func (s *fakeStore) CreateApplication(_ context.Context, app models.Application) error {
	s.apps[app.ID] = &app
	return nil
}
func (s *fakeStore) ListApplications(_ context.Context) ([]models.Application, error) {
	var out []models.Application
	for _, a := range s.apps {
		out = append(out, *a)
	}
	return out, nil
}
func (s *fakeStore) ListApplicationsByStatus(_ context.Context, status models.Status) ([]models.Application, error) {
	var out []models.Application
	for _, a := range s.apps {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (s *fakeStore) ListApplicationsByHost(_ context.Context, hostID string) ([]models.Application, error) {
	var out []models.Application
	for _, a := range s.apps {
		if a.HostID == hostID {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (s *fakeStore) GetProxmoxHost(_ context.Context, id string) (models.ProxmoxHost, error) {
	h, ok := s.hosts[id]
	if !ok {
		return models.ProxmoxHost{}, pve.ErrNotFound
	}
	return h, nil
}
func (s *fakeStore) ListProxmoxHosts(_ context.Context) ([]models.ProxmoxHost, error) {
	var out []models.ProxmoxHost
	for _, h := range s.hosts {
		out = append(out, h)
	}
	return out, nil
}
func (s *fakeStore) ListProxmoxNodes(_ context.Context, hostID string) ([]models.ProxmoxNode, error) {
	return nil, nil
}
func (s *fakeStore) AllocatedVMIDs(_ context.Context) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}

type fakePVE struct{}

func (p *fakePVE) ListLXC(_ context.Context, _ pve.Host, _ string) ([]pve.LXCID, error) {
	return nil, nil
}
func (p *fakePVE) LXCStatus(_ context.Context, _ pve.Host, _ string, _ pve.LXCID) (pve.Status, error) {
	return pve.StatusRunning, nil
}

type fakeJobs struct{}

func (j *fakeJobs) Submit(ctx context.Context, appID string, kind models.JobKind, attempt jobrunner.Attempt) (string, error) {
	return "job-" + appID, attempt(ctx, zerolog.Nop())
}

type fakeOps struct{}

func (o *fakeOps) Deploy(context.Context, pipeline.DeployIntent, zerolog.Logger) error  { return nil }
func (o *fakeOps) Start(context.Context, string, zerolog.Logger) error                  { return nil }
func (o *fakeOps) Stop(context.Context, string, zerolog.Logger) error                   { return nil }
func (o *fakeOps) Restart(context.Context, string, zerolog.Logger) error                { return nil }
func (o *fakeOps) Delete(context.Context, string, bool, zerolog.Logger) error           { return nil }
func (o *fakeOps) Clone(context.Context, pipeline.CloneIntent, zerolog.Logger) error    { return nil }
func (o *fakeOps) Update(context.Context, pipeline.UpdateIntent, zerolog.Logger) error  { return nil }
func (o *fakeOps) Adopt(context.Context, pipeline.AdoptIntent, zerolog.Logger) error    { return nil }
func (o *fakeOps) Backup(context.Context, string, string, zerolog.Logger) error         { return nil }
func (o *fakeOps) Restore(context.Context, string, string, zerolog.Logger) error        { return nil }

func newTestAPI() *API {
	f := facade.New()
	f.Store = &fakeStore{apps: map[string]*models.Application{}, hosts: map[string]models.ProxmoxHost{
		"host1": {ID: "host1"},
	}}
	f.PVE = &fakePVE{}
	f.Jobs = &fakeJobs{}
	f.Pipeline = &fakeOps{}
	f.Catalog = catalog.Catalog{Apps: map[string]catalog.App{"demo": {ID: "demo"}}}
	return New(f, zerolog.Nop())
}

func newTestMux(api *API) *http.ServeMux {
	mux := http.NewServeMux()
	api.Register(mux)
	return mux
}

func TestDeployApplicationCreatesRow(t *testing.T) {
	api := newTestAPI()
	mux := newTestMux(api)
	body, _ := json.Marshal(deployRequest{CatalogID: "demo", Hostname: "app1", HostID: "host1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var app models.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))
	assert.Equal(t, "app1", app.Hostname)
	assert.Equal(t, models.StatusPending, app.Status)
}

func TestDeployApplicationRejectsUnknownCatalog(t *testing.T) {
	api := newTestAPI()
	mux := newTestMux(api)
	body, _ := json.Marshal(deployRequest{CatalogID: "nope", Hostname: "app1", HostID: "host1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetApplicationReturnsLiveStatus(t *testing.T) {
	api := newTestAPI()
	vmid := 100
	store := api.Facade.Store.(*fakeStore)
	store.apps["app1"] = &models.Application{ID: "app1", HostID: "host1", Status: models.StatusRunning, VMID: &vmid}
	mux := newTestMux(api)
	req := httptest.NewRequest(http.MethodGet, "/v1/applications/app1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view facade.ApplicationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, pve.StatusRunning, view.LiveStatus)
}

func TestGetApplicationNotFound(t *testing.T) {
	api := newTestAPI()
	mux := newTestMux(api)
	req := httptest.NewRequest(http.MethodGet, "/v1/applications/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPerformActionStartReturnsJobID(t *testing.T) {
	api := newTestAPI()
	store := api.Facade.Store.(*fakeStore)
	store.apps["app1"] = &models.Application{ID: "app1", HostID: "host1", Status: models.StatusStopped}
	mux := newTestMux(api)
	req := httptest.NewRequest(http.MethodPost, "/v1/applications/app1/actions/start", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-app1", resp["job_id"])
}

func TestListApplicationsReturnsAll(t *testing.T) {
	api := newTestAPI()
	store := api.Facade.Store.(*fakeStore)
	store.apps["app1"] = &models.Application{ID: "app1", HostID: "host1", Status: models.StatusStopped}
	mux := newTestMux(api)
	req := httptest.NewRequest(http.MethodGet, "/v1/applications", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listApplicationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
}

func TestUnmanagedContainersMethodNotAllowed(t *testing.T) {
	api := newTestAPI()
	mux := newTestMux(api)
	req := httptest.NewRequest(http.MethodPost, "/v1/unmanaged", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
