package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

type fakeStore struct {
	mu          sync.Mutex
	apps        map[string]*models.Application
	hosts       map[string]models.ProxmoxHost
	deleted     []string
	portsFreed  []string
	forcedError []string
}

func newFakeStore(apps ...models.Application) *fakeStore {
	s := &fakeStore{apps: map[string]*models.Application{}, hosts: map[string]models.ProxmoxHost{}}
	for _, a := range apps {
		app := a
		s.apps[a.ID] = &app
	}
	return s
}

func (s *fakeStore) ListApplications(context.Context) ([]models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Application
	for _, a := range s.apps {
		out = append(out, *a)
	}
	return out, nil
}

func (s *fakeStore) ListStuckApplications(_ context.Context, cutoff time.Time) ([]models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Application
	for _, a := range s.apps {
		switch a.Status {
		case models.StatusDeploying, models.StatusCloning, models.StatusAdopting, models.StatusUpdating, models.StatusRemoving:
			if !a.StateChangedAt.After(cutoff) {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetProxmoxHost(_ context.Context, id string) (models.ProxmoxHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return models.ProxmoxHost{}, pve.ErrNotFound
	}
	return h, nil
}

func (s *fakeStore) ForceStatus(_ context.Context, appID string, to models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[appID]
	if !ok {
		return pve.ErrNotFound
	}
	a.Status = to
	s.forcedError = append(s.forcedError, appID)
	return nil
}

func (s *fakeStore) DeleteApplication(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, appID)
	s.deleted = append(s.deleted, appID)
	return nil
}

func (s *fakeStore) ReleaseApplicationPorts(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portsFreed = append(s.portsFreed, appID)
	return nil
}

type fakeStatusReader struct {
	statuses map[int]pve.Status
}

func (f *fakeStatusReader) LXCStatus(_ context.Context, _ pve.Host, _ string, id pve.LXCID) (pve.Status, error) {
	s, ok := f.statuses[int(id)]
	if !ok {
		return pve.StatusUnknown, pve.ErrNotFound
	}
	return s, nil
}

type fakeMetrics struct {
	orphans   int
	anomalous int
	stuck     int
}

func (m *fakeMetrics) IncReconcileOrphans(n int)           { m.orphans += n }
func (m *fakeMetrics) IncReconcileOrphansAnomalous(n int)  { m.anomalous += n }
func (m *fakeMetrics) IncJanitorStuck(n int)               { m.stuck += n }

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAudit) Record(_ context.Context, actor, action, resourceKind, resourceID string, _ map[string]any, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action+":"+resourceID)
}

func resolveHostNoop(_ context.Context, hostID string) (pve.Host, error) {
	return pve.Host{Name: hostID}, nil
}

func TestOrphanSweepDeletesMissingContainers(t *testing.T) {
	missingVMID := 101
	presentVMID := 102
	store := newFakeStore(
		models.Application{ID: "app-missing", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &missingVMID},
		models.Application{ID: "app-present", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &presentVMID},
	)
	pveReader := &fakeStatusReader{statuses: map[int]pve.Status{102: pve.StatusRunning}}
	metrics := &fakeMetrics{}
	r := New()
	r.Store = store
	r.PVE = pveReader
	r.ResolveHost = resolveHostNoop
	r.Metrics = metrics

	r.runOrphanSweep(context.Background(), zerolog.Nop())

	assert.Equal(t, []string{"app-missing"}, store.deleted)
	assert.Equal(t, []string{"app-missing"}, store.portsFreed)
	assert.Equal(t, 1, metrics.orphans)
	_, stillThere := store.apps["app-present"]
	assert.True(t, stillThere)
}

func TestOrphanSweepClassifiesAnomalousVsExpected(t *testing.T) {
	anomalousVMID := 111
	expectedVMID := 112
	store := newFakeStore(
		models.Application{ID: "app-anomalous", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &anomalousVMID},
		models.Application{ID: "app-expected", HostID: "host1", NodeName: "pve1", Status: models.StatusRemoving, VMID: &expectedVMID},
	)
	metrics := &fakeMetrics{}
	auditLog := &fakeAudit{}
	r := New()
	r.Store = store
	r.PVE = &fakeStatusReader{}
	r.ResolveHost = resolveHostNoop
	r.Metrics = metrics
	r.Audit = auditLog

	r.runOrphanSweep(context.Background(), zerolog.Nop())

	assert.ElementsMatch(t, []string{"app-anomalous", "app-expected"}, store.deleted)
	assert.Equal(t, 2, metrics.orphans)
	assert.Equal(t, 1, metrics.anomalous)
	assert.Equal(t, []string{"orphan_anomalous:app-anomalous"}, auditLog.actions)
}

func TestOrphanSweepSkipsPendingApplications(t *testing.T) {
	store := newFakeStore(models.Application{ID: "app-pending", HostID: "host1", Status: models.StatusPending})
	r := New()
	r.Store = store
	r.PVE = &fakeStatusReader{}
	r.ResolveHost = resolveHostNoop

	r.runOrphanSweep(context.Background(), zerolog.Nop())

	assert.Empty(t, store.deleted)
}

func TestJanitorSweepForcesStuckApplicationsToError(t *testing.T) {
	store := newFakeStore(
		models.Application{ID: "app-stuck", Status: models.StatusDeploying, StateChangedAt: time.Now().Add(-time.Hour)},
		models.Application{ID: "app-fresh", Status: models.StatusDeploying, StateChangedAt: time.Now()},
	)
	metrics := &fakeMetrics{}
	r := New()
	r.Store = store
	r.PVE = &fakeStatusReader{}
	r.ResolveHost = resolveHostNoop
	r.Metrics = metrics
	r.StuckAfter = 15 * time.Minute

	r.runJanitorSweep(context.Background(), zerolog.Nop())

	stuck, err := store.ListApplications(context.Background())
	require.NoError(t, err)
	var stuckApp, freshApp models.Application
	for _, a := range stuck {
		switch a.ID {
		case "app-stuck":
			stuckApp = a
		case "app-fresh":
			freshApp = a
		}
	}
	assert.Equal(t, models.StatusError, stuckApp.Status)
	assert.Equal(t, models.StatusDeploying, freshApp.Status)
	assert.Equal(t, 1, metrics.stuck)
}

func TestStartRunsImmediateSweepAndStopsOnCancel(t *testing.T) {
	vmid := 201
	store := newFakeStore(models.Application{ID: "app1", HostID: "host1", NodeName: "pve1", Status: models.StatusRunning, VMID: &vmid})
	r := New()
	r.Store = store
	r.PVE = &fakeStatusReader{}
	r.ResolveHost = resolveHostNoop
	r.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, zerolog.Nop())
	cancel()

	assert.Equal(t, []string{"app1"}, store.deleted)
}
