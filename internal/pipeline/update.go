package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

// UpdateIntent carries the inputs for an update job (spec.md §4.10). Ports,
// vmid, and the compose document are re-derived from the running
// Application row rather than passed in, since an update never changes them.
type UpdateIntent struct {
	AppID     string
	CatalogID string
	Hostname  string
}

// httpClient is the subset of *http.Client Update needs, narrowed so tests
// can substitute a fake transport without a real listener.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Update runs the 7-step update pipeline on a running Application: backup,
// pull, recreate, probe, and either settle on running or update_failed.
// Grounded on the same job_orchestrator.go step-logging shape as Deploy;
// step numbers follow spec.md §4.10.
func (p *Pipeline) Update(ctx context.Context, intent UpdateIntent, logger zerolog.Logger) error {
	// Step 1: transition to updating. Running is the normal first attempt;
	// update_failed is where a previous failed attempt's failUpdate left
	// the row, so a jobrunner retry can still re-enter updating.
	ok, err := p.transitionFromAny(ctx, intent.AppID, []models.Status{models.StatusRunning, models.StatusUpdateFailed}, models.StatusUpdating)
	if err != nil {
		return fmt.Errorf("transition to updating: %w", err)
	}
	if !ok {
		return fmt.Errorf("application %s is not running", intent.AppID)
	}

	appRow, err := p.Store.GetApplication(ctx, intent.AppID)
	if err != nil {
		return fmt.Errorf("load application %s: %w", intent.AppID, err)
	}
	host, err := p.hostFor(ctx, appRow.HostID)
	if err != nil {
		return p.abortUpdate(ctx, logger, intent.AppID, "pre-backup-failed", err)
	}
	if appRow.VMID == nil {
		return p.abortUpdate(ctx, logger, intent.AppID, "pre-backup-failed", fmt.Errorf("application has no vmid"))
	}
	vmid := pve.LXCID(*appRow.VMID)

	// Step 2: mandatory pre-update backup.
	backupID, berr := p.preUpdateBackup(ctx, logger, intent.AppID, host, appRow.NodeName, vmid)
	if berr != nil {
		return p.abortUpdate(ctx, logger, intent.AppID, "pre-backup-failed", berr)
	}
	p.logStep(ctx, logger, intent.AppID, "pre_update_backup", "info", "backup "+backupID+" available")

	// Steps 3-5 can fail into update_failed rather than abort back to running.
	if err := p.composePull(ctx, host, appRow.NodeName, vmid); err != nil {
		return p.failUpdate(ctx, logger, intent.AppID, "pull_images", err)
	}
	p.logStep(ctx, logger, intent.AppID, "pull_images", "info", "images pulled")

	if err := p.composeUpWithOrphanRemoval(ctx, host, appRow.NodeName, vmid); err != nil {
		return p.failUpdate(ctx, logger, intent.AppID, "recreate", err)
	}
	p.logStep(ctx, logger, intent.AppID, "recreate", "info", "stack recreated")

	if appRow.AccessURL == "" {
		p.logStep(ctx, logger, intent.AppID, "health_probe", "warn", "no access url, skipping health probe")
	} else {
		sleep(ctx, 20*time.Second)
		if err := p.healthProbe(ctx, appRow.AccessURL); err != nil {
			return p.failUpdate(ctx, logger, intent.AppID, "health_probe", err)
		}
		p.logStep(ctx, logger, intent.AppID, "health_probe", "info", "health check passed")
	}

	// Step 6: success.
	if ok, terr := p.Store.Transition(ctx, intent.AppID, models.StatusUpdating, models.StatusRunning); terr != nil {
		return fmt.Errorf("transition to running: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s left updating state unexpectedly", intent.AppID)
	}
	p.Metrics.IncAppTransition(models.StatusUpdating, models.StatusRunning)
	p.logStep(ctx, logger, intent.AppID, "update_complete", "info", "update complete")
	return nil
}

// preUpdateBackup takes a backup and waits up to 5 minutes for it to become
// available, per spec.md §4.10 step 2. Never proceed without one.
func (p *Pipeline) preUpdateBackup(ctx context.Context, logger zerolog.Logger, appID string, host pve.Host, node string, vmid pve.LXCID) (string, error) {
	storage, err := p.PVE.SelectStorage(ctx, host, node, 1)
	if err != nil {
		return "", fmt.Errorf("select backup storage: %w", err)
	}
	backupRow := models.Backup{
		ID:        uuid.NewString(),
		AppID:     appID,
		Reason:    "pre-update",
		Status:    models.BackupCreating,
		CreatedAt: p.clock(),
	}
	if err := p.Store.CreateBackup(ctx, backupRow); err != nil {
		return "", fmt.Errorf("record backup: %w", err)
	}

	task, err := p.PVE.Backup(ctx, host, node, vmid, storage)
	if err != nil {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, err.Error())
		return "", fmt.Errorf("start backup: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := p.PVE.WaitForTask(waitCtx, host, node, task); err != nil {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, err.Error())
		return "", fmt.Errorf("wait for backup: %w", err)
	}

	backups, err := p.PVE.ListBackups(ctx, host, node, storage, vmid)
	if err != nil || len(backups) == 0 {
		_ = p.Store.SetBackupFailed(ctx, backupRow.ID, "backup volume not found after task completion")
		return "", fmt.Errorf("locate completed backup volume")
	}
	latest := backups[len(backups)-1]
	if err := p.Store.SetBackupAvailable(ctx, backupRow.ID, latest.VolID, latest.Size); err != nil {
		return "", fmt.Errorf("record backup availability: %w", err)
	}
	return backupRow.ID, nil
}

// abortUpdate restores the running status and surfaces UpdateAborted
// (spec.md §4.10 step 2, §7).
func (p *Pipeline) abortUpdate(ctx context.Context, logger zerolog.Logger, appID, reason string, cause error) error {
	p.logStep(ctx, logger, appID, "update_aborted", "error", fmt.Sprintf("%s: %v", reason, cause))
	if _, terr := p.Store.Transition(ctx, appID, models.StatusUpdating, models.StatusRunning); terr != nil {
		p.logStep(ctx, logger, appID, "update_aborted", "error", fmt.Sprintf("restore running state failed: %v", terr))
	}
	return fmt.Errorf("%w: %s: %v", ErrUpdateAborted, reason, cause)
}

// failUpdate leaves the application in update_failed for an operator or a
// façade-triggered rollback job to act on (spec.md §4.10 step 7).
func (p *Pipeline) failUpdate(ctx context.Context, logger zerolog.Logger, appID, step string, cause error) error {
	p.logStep(ctx, logger, appID, step, "error", cause.Error())
	if _, terr := p.Store.Transition(ctx, appID, models.StatusUpdating, models.StatusUpdateFailed); terr != nil {
		p.logStep(ctx, logger, appID, step, "error", fmt.Sprintf("force update_failed failed: %v", terr))
	}
	p.Metrics.IncAppTransition(models.StatusUpdating, models.StatusUpdateFailed)
	return fmt.Errorf("update step %s failed: %w", step, cause)
}

// ErrUpdateAborted is spec.md §7's UpdateAborted error, raised when the
// pre-update backup itself could not be completed.
var ErrUpdateAborted = fmt.Errorf("update aborted")

func (p *Pipeline) composeUpWithOrphanRemoval(ctx context.Context, host pve.Host, node string, vmid pve.LXCID) error {
	creds, err := p.NodeCreds(ctx, host, node)
	if err != nil {
		return fmt.Errorf("resolve ssh credentials for node %s: %w", node, err)
	}
	_, err = p.SSH.ExecInContainer(ctx, creds, int(vmid), "docker compose -f /root/docker-compose.yml up -d --remove-orphans", 5*time.Minute, false)
	return err
}

var healthProbeClient httpClient = &http.Client{Timeout: 10 * time.Second}

// healthProbe issues a best-effort GET against the application's public URL,
// accepting 2xx/3xx (spec.md §4.10 step 5).
func (p *Pipeline) healthProbe(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("no access url to probe")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health probe request: %w", err)
	}
	resp, err := healthProbeClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}
