package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentlab/prox-orchd/internal/models"
)

func TestObservationsDoNotPanic(t *testing.T) {
	m := New()
	m.IncAppTransition(models.StatusPending, models.StatusDeploying)
	m.ObserveDeployStage("select_node", "success", 2*time.Second)
	m.ObserveUpdateStage("health_probe", "failure", time.Second)
	m.IncJobStatus(models.JobKindDeploy, models.JobSucceeded)
	m.ObserveJobDuration(models.JobKindDeploy, models.JobSucceeded, 30*time.Second)
	m.IncJobRetry(models.JobKindDeploy)
	m.SetPortsInUse("public", 12)
	m.IncReconcileOrphans(2)
	m.IncJanitorStuck(1)
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncAppTransition(models.StatusPending, models.StatusDeploying)
		m.ObserveDeployStage("x", "y", time.Second)
		m.IncJobStatus(models.JobKindDeploy, models.JobSucceeded)
		m.IncReconcileOrphans(5)
		_ = m.Handler()
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.IncReconcileOrphans(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxorchd_reconcile_orphans_total")
}
