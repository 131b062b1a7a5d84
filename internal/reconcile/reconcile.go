// Package reconcile runs the two background sweeps spec.md §4.10 (C10)
// calls for: an orphan sweep that reconciles Application rows against live
// PVE state, and a janitor sweep that force-fails applications stuck in a
// transitional status past a threshold.
//
// Grounded on internal/daemon/sandbox_manager.go's StartReconciler/
// ReconcileState and StartLeaseGC/runLeaseGC: both run an immediate pass and
// then tick on an interval until ctx is done, both treat per-row failures as
// loggable rather than fatal so one bad row never blocks the rest of the
// sweep. Start is a no-op on a nil Reconciler or one with a nil Store.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/db"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

// Store is the subset of *db.Store the reconciler needs.
type Store interface {
	ListApplications(ctx context.Context) ([]models.Application, error)
	ListStuckApplications(ctx context.Context, cutoff time.Time) ([]models.Application, error)
	GetProxmoxHost(ctx context.Context, id string) (models.ProxmoxHost, error)
	ForceStatus(ctx context.Context, appID string, to models.Status) error
	DeleteApplication(ctx context.Context, appID string) error
	ReleaseApplicationPorts(ctx context.Context, appID string) error
}

// statusReader is the subset of pve.Client the orphan sweep needs.
type statusReader interface {
	LXCStatus(ctx context.Context, host pve.Host, node string, id pve.LXCID) (pve.Status, error)
}

// hostResolver decrypts a models.ProxmoxHost row into pve.Host coordinates.
// internal/pipeline.Pipeline and internal/facade.Facade both implement this
// shape already; Reconciler takes the function directly rather than a
// *secrets.Keyring so it never needs to know the encryption scheme.
type hostResolver func(ctx context.Context, hostID string) (pve.Host, error)

// incrementer is the subset of *metrics.Metrics the reconciler drives.
type incrementer interface {
	IncReconcileOrphans(n int)
	IncJanitorStuck(n int)
	IncReconcileOrphansAnomalous(n int)
}

// auditRecorder is the subset of *audit.Logger the orphan sweep needs to
// raise its anomalous-orphan alert.
type auditRecorder interface {
	Record(ctx context.Context, actor, action, resourceKind, resourceID string, details map[string]any, clientIP string)
}

// Reconciler owns the two sweep loops. The zero value is not usable; build
// one with New.
type Reconciler struct {
	Store       Store
	PVE         statusReader
	ResolveHost hostResolver
	Metrics     incrementer
	Audit       auditRecorder
	Interval    time.Duration
	StuckAfter  time.Duration
	now         func() time.Time
}

// New constructs a Reconciler with spec.md §5's default sweep cadence (60s)
// and stuck-transition threshold (15m). Both are overridable on the
// returned value before Start is called.
func New() *Reconciler {
	return &Reconciler{
		Interval:   60 * time.Second,
		StuckAfter: 15 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// Start runs one orphan sweep and one janitor sweep synchronously before it
// returns, then repeats both on Interval in a background goroutine until
// ctx is done, mirroring StartReconciler/StartLeaseGC's run-now-then-tick
// shape.
func (r *Reconciler) Start(ctx context.Context, logger zerolog.Logger) {
	if r == nil || r.Store == nil {
		return
	}
	r.runOrphanSweep(ctx, logger)
	r.runJanitorSweep(ctx, logger)
	ticker := time.NewTicker(r.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOrphanSweep(ctx, logger)
				r.runJanitorSweep(ctx, logger)
			}
		}
	}()
}

// runOrphanSweep deletes Application rows whose LXC is confirmedly absent
// from PVE (pve.ErrNotFound from LXCStatus). It never takes a per-application
// lock: a row that's mid-deploy has no vmid yet and is skipped, and a row
// whose LXC genuinely still exists just fails the absence check and is left
// alone, so this sweep can never race a pipeline operation into deleting a
// live container's row out from under it (spec.md §4.10's "soft cleanup,
// never takes application locks" invariant).
func (r *Reconciler) runOrphanSweep(ctx context.Context, logger zerolog.Logger) {
	apps, err := r.Store.ListApplications(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile: list applications failed")
		return
	}
	orphans, anomalous := 0, 0
	for _, app := range apps {
		if app.VMID == nil || app.Status == models.StatusPending || app.Status == models.StatusGone {
			continue
		}
		host, err := r.ResolveHost(ctx, app.HostID)
		if err != nil {
			logger.Warn().Err(err).Str("app_id", app.ID).Msg("reconcile: resolve host failed")
			continue
		}
		_, err = r.PVE.LXCStatus(ctx, host, app.NodeName, pve.LXCID(*app.VMID))
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			logger.Warn().Err(err).Str("app_id", app.ID).Msg("reconcile: lxc status check failed")
			continue
		}

		// removing/error is where a container going missing is expected: a
		// delete that died mid-way, or a deploy/update cleanup that already
		// tore the LXC down. Any other status means the container vanished
		// out from under a row that still believed it was alive, which is
		// never supposed to happen on its own (someone deleted it by hand in
		// the PVE UI, or another prox-orchd instance raced this one).
		expected := app.Status == models.StatusRemoving || app.Status == models.StatusError
		if expected {
			logger.Info().Str("app_id", app.ID).Int("vmid", *app.VMID).Str("prior_status", string(app.Status)).
				Msg("reconcile: lxc missing, reclaiming orphan row")
		} else {
			logger.Warn().Str("app_id", app.ID).Int("vmid", *app.VMID).Str("prior_status", string(app.Status)).
				Msg("reconcile: lxc missing while application was not being removed, reclaiming orphan row")
			if r.Audit != nil {
				r.Audit.Record(ctx, "system:reconciler", "orphan_anomalous", "application", app.ID,
					map[string]any{"vmid": *app.VMID, "prior_status": string(app.Status)}, "")
			}
			anomalous++
		}

		if err := r.Store.ReleaseApplicationPorts(ctx, app.ID); err != nil {
			logger.Warn().Err(err).Str("app_id", app.ID).Msg("reconcile: release ports failed")
		}
		if err := r.Store.DeleteApplication(ctx, app.ID); err != nil {
			logger.Warn().Err(err).Str("app_id", app.ID).Msg("reconcile: delete orphan row failed")
			continue
		}
		orphans++
	}
	if r.Metrics != nil {
		if orphans > 0 {
			r.Metrics.IncReconcileOrphans(orphans)
		}
		if anomalous > 0 {
			r.Metrics.IncReconcileOrphansAnomalous(anomalous)
		}
	}
}

// runJanitorSweep force-fails applications stuck in deploying, cloning,
// adopting, updating, or removing past StuckAfter, using ForceStatus (bypassing the Transition
// state machine) exactly as internal/daemon's reconciler force-marks zombie
// VMs rather than trying to walk the normal edges from an unknown stuck
// state (spec.md §4.10).
func (r *Reconciler) runJanitorSweep(ctx context.Context, logger zerolog.Logger) {
	cutoff := r.clock().Add(-r.StuckAfter)
	stuck, err := r.Store.ListStuckApplications(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("janitor: list stuck applications failed")
		return
	}
	forced := 0
	for _, app := range stuck {
		// error is the right terminal landing spot for every stuck status
		// this query returns (deploying/cloning/adopting/updating/removing): gone would
		// misreport a delete that never completed.
		if err := r.Store.ForceStatus(ctx, app.ID, models.StatusError); err != nil {
			logger.Warn().Err(err).Str("app_id", app.ID).Msg("janitor: force status failed")
			continue
		}
		logger.Warn().Str("app_id", app.ID).Str("from_status", string(app.Status)).Msg("janitor: forced stuck application to error")
		forced++
	}
	if r.Metrics != nil && forced > 0 {
		r.Metrics.IncJanitorStuck(forced)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, pve.ErrNotFound)
}

var _ Store = (*db.Store)(nil)
