package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

// Backup takes an on-demand vzdump of a running or stopped Application's
// LXC, independent of the update pipeline's mandatory pre-update backup.
// The application's status is untouched; a backup is a read-only operation
// from the state machine's point of view (spec.md §4.12 PerformAction).
func (p *Pipeline) Backup(ctx context.Context, appID, reason string, logger zerolog.Logger) error {
	app, err := p.Store.GetApplication(ctx, appID)
	if err != nil {
		return fmt.Errorf("load application %s: %w", appID, err)
	}
	if app.VMID == nil {
		return fmt.Errorf("application %s has no vmid", appID)
	}
	host, err := p.hostFor(ctx, app.HostID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "manual"
	}

	backupRow := models.Backup{
		ID:        uuid.NewString(),
		AppID:     appID,
		Reason:    reason,
		Status:    models.BackupCreating,
		CreatedAt: p.clock(),
	}
	if err := p.Store.CreateBackup(ctx, backupRow); err != nil {
		return fmt.Errorf("record backup: %w", err)
	}
	p.logStep(ctx, logger, appID, "backup", "info", "backup "+backupRow.ID+" started")

	vmid := pve.LXCID(*app.VMID)
	storage, err := p.PVE.SelectStorage(ctx, host, app.NodeName, 1)
	if err != nil {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, err.Error())
		return fmt.Errorf("select backup storage: %w", err)
	}
	task, err := p.PVE.Backup(ctx, host, app.NodeName, vmid, storage)
	if err != nil {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, err.Error())
		return fmt.Errorf("start backup: %w", err)
	}

	// Backups vzdump the whole rootfs and may run long; spec.md §5 calls out
	// an extended ~30 min deadline distinct from the usual task-wait budget.
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	if err := p.PVE.WaitForTask(waitCtx, host, app.NodeName, task); err != nil {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, err.Error())
		return fmt.Errorf("wait for backup: %w", err)
	}

	backups, err := p.PVE.ListBackups(ctx, host, app.NodeName, storage, vmid)
	if err != nil || len(backups) == 0 {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, "backup volume not found after task completion")
		return fmt.Errorf("locate completed backup volume")
	}
	latest := backups[len(backups)-1]
	if err := p.Store.SetBackupAvailable(ctx, backupRow.ID, latest.VolID, latest.Size); err != nil {
		return fmt.Errorf("record backup availability: %w", err)
	}
	p.logStep(ctx, logger, appID, "backup_complete", "info", "backup "+backupRow.ID+" available")
	return nil
}

// Restore replaces a running or stopped Application's LXC with the contents
// of backupID, which must be the application's latest available backup; an
// older backup id is rejected. It reuses the updating status as its
// maintenance window since restore, like update, must not be observed as
// running mid-flight (spec.md §4.12 PerformAction, restore(backup_id)).
func (p *Pipeline) Restore(ctx context.Context, appID, backupID string, logger zerolog.Logger) (err error) {
	app, gerr := p.Store.GetApplication(ctx, appID)
	if gerr != nil {
		return fmt.Errorf("load application %s: %w", appID, gerr)
	}
	if app.VMID == nil {
		return fmt.Errorf("application %s has no vmid", appID)
	}
	backupRow, err := p.Store.LatestAvailableBackup(ctx, appID)
	if err != nil || backupRow.ID != backupID {
		return fmt.Errorf("backup %s is not an available backup for application %s", backupID, appID)
	}

	// Running/stopped is the normal first attempt; update_failed is where a
	// previous failed restore attempt's own cleanup (below) left the row,
	// so a jobrunner retry can still re-enter updating.
	fromStatus := app.Status
	if fromStatus != models.StatusRunning && fromStatus != models.StatusStopped && fromStatus != models.StatusUpdateFailed {
		return fmt.Errorf("application %s is not running, stopped, or update_failed", appID)
	}
	if ok, terr := p.Store.Transition(ctx, appID, fromStatus, models.StatusUpdating); terr != nil {
		return fmt.Errorf("transition to updating: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s changed state concurrently", appID)
	}
	defer func() {
		if err != nil {
			p.logStep(ctx, logger, appID, "restore", "error", err.Error())
			if _, terr := p.Store.Transition(ctx, appID, models.StatusUpdating, models.StatusUpdateFailed); terr != nil {
				p.logStep(ctx, logger, appID, "restore", "error", fmt.Sprintf("force update_failed failed: %v", terr))
			}
			p.Metrics.IncAppTransition(models.StatusUpdating, models.StatusUpdateFailed)
		}
	}()

	host, err := p.hostFor(ctx, app.HostID)
	if err != nil {
		return err
	}
	vmid := pve.LXCID(*app.VMID)

	storage, err := p.PVE.SelectStorage(ctx, host, app.NodeName, 1)
	if err != nil {
		return fmt.Errorf("select restore storage: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	task, err := p.PVE.Restore(waitCtx, host, app.NodeName, vmid, backupRow.StorageVolID, storage)
	if err != nil {
		return fmt.Errorf("start restore: %w", err)
	}
	if err := p.PVE.WaitForTask(waitCtx, host, app.NodeName, task); err != nil {
		return fmt.Errorf("wait for restore: %w", err)
	}
	p.logStep(ctx, logger, appID, "restore", "info", "restore applied, restarting container")

	startTask, err := p.PVE.StartLXC(ctx, host, app.NodeName, vmid)
	if err != nil {
		return fmt.Errorf("start restored container: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, app.NodeName, startTask); err != nil {
		return fmt.Errorf("wait for restored container start: %w", err)
	}
	sleep(ctx, postActionDelay)

	if ok, terr := p.Store.Transition(ctx, appID, models.StatusUpdating, models.StatusRunning); terr != nil {
		return fmt.Errorf("transition to running: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s left updating state unexpectedly", appID)
	}
	p.Metrics.IncAppTransition(models.StatusUpdating, models.StatusRunning)
	p.logStep(ctx, logger, appID, "restore_complete", "info", "restore complete")
	return nil
}
