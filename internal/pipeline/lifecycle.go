package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
)

// postActionDelay is the fixed settle time after Start/Stop/Restart's PVE
// task completes, spec.md §4.11.
const postActionDelay = 3 * time.Second

// Start flips a stopped Application to running (spec.md §4.11).
func (p *Pipeline) Start(ctx context.Context, appID string, logger zerolog.Logger) error {
	app, host, err := p.loadForAction(ctx, appID)
	if err != nil {
		return err
	}
	if err := p.startContainer(ctx, host, app, logger); err != nil {
		return err
	}
	if ok, terr := p.Store.Transition(ctx, appID, models.StatusStopped, models.StatusRunning); terr != nil {
		return fmt.Errorf("transition to running: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s is not stopped", appID)
	}
	p.Metrics.IncAppTransition(models.StatusStopped, models.StatusRunning)
	return nil
}

// Stop flips a running Application to stopped.
func (p *Pipeline) Stop(ctx context.Context, appID string, logger zerolog.Logger) error {
	app, host, err := p.loadForAction(ctx, appID)
	if err != nil {
		return err
	}
	if err := p.stopContainer(ctx, host, app, logger); err != nil {
		return err
	}
	if ok, terr := p.Store.Transition(ctx, appID, models.StatusRunning, models.StatusStopped); terr != nil {
		return fmt.Errorf("transition to stopped: %w", terr)
	} else if !ok {
		return fmt.Errorf("application %s is not running", appID)
	}
	p.Metrics.IncAppTransition(models.StatusRunning, models.StatusStopped)
	return nil
}

// Restart is stop-then-start with a short gap; it never skips the stop
// (spec.md §4.11) even if PVE reports the container already stopped.
func (p *Pipeline) Restart(ctx context.Context, appID string, logger zerolog.Logger) error {
	app, host, err := p.loadForAction(ctx, appID)
	if err != nil {
		return err
	}
	if err := p.stopContainer(ctx, host, app, logger); err != nil {
		return err
	}
	sleep(ctx, 2*time.Second)
	if err := p.startContainer(ctx, host, app, logger); err != nil {
		return err
	}
	p.logStep(ctx, logger, appID, "restart", "info", "container restarted")
	return nil
}

func (p *Pipeline) loadForAction(ctx context.Context, appID string) (models.Application, pve.Host, error) {
	app, err := p.Store.GetApplication(ctx, appID)
	if err != nil {
		return models.Application{}, pve.Host{}, fmt.Errorf("load application %s: %w", appID, err)
	}
	if app.VMID == nil {
		return models.Application{}, pve.Host{}, fmt.Errorf("application %s has no vmid", appID)
	}
	host, err := p.hostFor(ctx, app.HostID)
	if err != nil {
		return models.Application{}, pve.Host{}, err
	}
	return app, host, nil
}

func (p *Pipeline) startContainer(ctx context.Context, host pve.Host, app models.Application, logger zerolog.Logger) error {
	task, err := p.PVE.StartLXC(ctx, host, app.NodeName, pve.LXCID(*app.VMID))
	if err != nil {
		return fmt.Errorf("start lxc: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, app.NodeName, task); err != nil {
		return fmt.Errorf("wait for start: %w", err)
	}
	sleep(ctx, postActionDelay)
	p.logStep(ctx, logger, app.ID, "start", "info", "container started")
	return nil
}

func (p *Pipeline) stopContainer(ctx context.Context, host pve.Host, app models.Application, logger zerolog.Logger) error {
	task, err := p.PVE.StopLXC(ctx, host, app.NodeName, pve.LXCID(*app.VMID))
	if err != nil {
		return fmt.Errorf("stop lxc: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, app.NodeName, task); err != nil {
		return fmt.Errorf("wait for stop: %w", err)
	}
	sleep(ctx, postActionDelay)
	p.logStep(ctx, logger, app.ID, "stop", "info", "container stopped")
	return nil
}

// CloneIntent carries the inputs for a clone job (spec.md §4.11).
type CloneIntent struct {
	SourceAppID string
	NewAppID    string // pre-allocated id for the shell row
	NewHostname string
	Full        bool
}

// Clone duplicates a running or stopped Application's LXC under a new
// hostname. A temporary snapshot is used for a zero-downtime full clone of a
// running source; it is always cleaned up, even on failure, per the
// mandatory finally-block invariant in spec.md §4.11.
func (p *Pipeline) Clone(ctx context.Context, intent CloneIntent, logger zerolog.Logger) (err error) {
	src, err := p.Store.GetApplication(ctx, intent.SourceAppID)
	if err != nil {
		return fmt.Errorf("load source application %s: %w", intent.SourceAppID, err)
	}
	if src.Status != models.StatusRunning && src.Status != models.StatusStopped {
		return fmt.Errorf("source application %s is not running or stopped", intent.SourceAppID)
	}
	if src.VMID == nil {
		return fmt.Errorf("source application %s has no vmid", intent.SourceAppID)
	}
	if _, herr := p.Store.GetApplicationByHostname(ctx, intent.NewHostname); herr == nil {
		return fmt.Errorf("hostname %s is already in use", intent.NewHostname)
	}

	host, err := p.hostFor(ctx, src.HostID)
	if err != nil {
		return err
	}

	app, err := p.catalogAppFor(src)
	if err != nil {
		return err
	}

	shell := models.Application{
		ID: intent.NewAppID, Name: intent.NewHostname, Hostname: intent.NewHostname,
		HostID: src.HostID, NodeName: src.NodeName, CatalogApp: src.CatalogApp,
		Status: models.StatusCloning, Environment: src.Environment,
	}
	if err := p.Store.CreateApplication(ctx, shell); err != nil {
		return fmt.Errorf("create clone shell application: %w", err)
	}

	var cloneVMID pve.LXCID
	var created, portsAllocated bool
	defer func() {
		if err == nil {
			return
		}
		p.logStep(ctx, logger, intent.NewAppID, "clone_rollback", "warn", fmt.Sprintf("clone failed, rolling back: %v", err))
		if created {
			if task, derr := p.PVE.DeleteLXC(ctx, host, src.NodeName, cloneVMID); derr == nil {
				_ = p.PVE.WaitForTask(ctx, host, src.NodeName, task)
			}
		}
		if portsAllocated {
			_ = p.Store.ReleaseApplicationPorts(ctx, intent.NewAppID)
		}
		_ = p.Store.DeleteApplication(ctx, intent.NewAppID)
	}()

	cloneVMID, err = p.VMIDs.Allocate(ctx, host)
	if err != nil {
		return fmt.Errorf("allocate clone vmid: %w", err)
	}
	if err := p.Store.SetApplicationVMID(ctx, intent.NewAppID, int(cloneVMID)); err != nil {
		return fmt.Errorf("persist clone vmid: %w", err)
	}

	publicPort, internalPort, err := p.Ports.Allocate(ctx, intent.NewAppID)
	if err != nil {
		return fmt.Errorf("allocate clone ports: %w", err)
	}
	portsAllocated = true

	snapshotName := ""
	full := intent.Full
	if src.Status == models.StatusRunning && full {
		snapshotName = fmt.Sprintf("prox_clone_temp_%d", p.clock().Unix())
		task, serr := p.PVE.Snapshot(ctx, host, src.NodeName, pve.LXCID(*src.VMID), snapshotName)
		if serr != nil {
			return fmt.Errorf("take temporary snapshot: %w", serr)
		}
		if werr := p.PVE.WaitForTask(ctx, host, src.NodeName, task); werr != nil {
			return fmt.Errorf("wait for temporary snapshot: %w", werr)
		}
	}

	// The temporary snapshot must never survive this function, success or
	// failure; it is cleaned up unconditionally in its own finally block
	// rather than folded into the rollback defer above, since rollback only
	// runs on error but the snapshot must go either way.
	if snapshotName != "" {
		defer func() {
			dtask, derr := p.PVE.DeleteSnapshot(ctx, host, src.NodeName, pve.LXCID(*src.VMID), snapshotName)
			if derr != nil {
				logger.Error().Err(derr).Str("snapshot", snapshotName).Str("vmid", fmt.Sprintf("%d", *src.VMID)).
					Msg("CRITICAL: temporary clone snapshot could not be deleted, manual cleanup required: pct delsnapshot " +
						fmt.Sprintf("%d %s", *src.VMID, snapshotName))
				return
			}
			_ = p.PVE.WaitForTask(ctx, host, src.NodeName, dtask)
		}()
	}

	cloneTask, err := p.PVE.CloneLXC(ctx, host, src.NodeName, pve.LXCID(*src.VMID), cloneVMID, intent.NewHostname, full)
	if err != nil {
		return fmt.Errorf("clone lxc: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, src.NodeName, cloneTask); err != nil {
		return fmt.Errorf("wait for clone: %w", err)
	}
	created = true

	if err := p.patchAppArmor(ctx, host, src.NodeName, cloneVMID); err != nil {
		return fmt.Errorf("patch clone apparmor: %w", err)
	}

	startTask, err := p.PVE.StartLXC(ctx, host, src.NodeName, cloneVMID)
	if err != nil {
		return fmt.Errorf("start clone: %w", err)
	}
	if err := p.PVE.WaitForTask(ctx, host, src.NodeName, startTask); err != nil {
		return fmt.Errorf("wait for clone start: %w", err)
	}
	sleep(ctx, postActionDelay)

	containerIP, err := p.discoverContainerIP(ctx, host, src.NodeName, cloneVMID)
	accessURL := fmt.Sprintf("http://%s:%d/", p.ApplianceWANIP, publicPort)
	iframeURL := fmt.Sprintf("http://%s:%d/", p.ApplianceWANIP, internalPort)
	if err == nil && p.Appliance != nil {
		primaryPort := internalPort
		if port, ok := app.PrimaryPort(); ok {
			primaryPort = port.Container
		}
		if rerr := p.Appliance.AddRoute(ctx, intent.NewHostname, containerIP, publicPort, internalPort, primaryPort); rerr != nil {
			p.logStep(ctx, logger, intent.NewAppID, "register_vhost", "warn", fmt.Sprintf("proxy registration failed: %v", rerr))
			accessURL = fmt.Sprintf("http://%s:%d/", containerIP, primaryPort)
			iframeURL = accessURL
		}
	}
	if serr := p.Store.SetApplicationAccessURL(ctx, intent.NewAppID, accessURL, iframeURL); serr != nil {
		return fmt.Errorf("persist clone access url: %w", serr)
	}

	if ok, terr := p.Store.Transition(ctx, intent.NewAppID, models.StatusCloning, models.StatusRunning); terr != nil {
		return fmt.Errorf("transition clone to running: %w", terr)
	} else if !ok {
		return fmt.Errorf("clone %s left cloning state unexpectedly", intent.NewAppID)
	}
	p.Metrics.IncAppTransition(models.StatusCloning, models.StatusRunning)
	p.logStep(ctx, logger, intent.NewAppID, "clone_complete", "info", "clone complete")
	return nil
}

// catalogAppFor resolves the catalog entry an existing Application was
// deployed from, so Clone can reuse its primary port for vhost registration.
func (p *Pipeline) catalogAppFor(app models.Application) (catalog.App, error) {
	return p.Catalog.Get(app.CatalogApp)
}

// Delete tears down an Application's LXC and every record of it. It is
// built to finish even against a partially broken container: failures after
// the stop is confirmed accumulate as warnings but never block row deletion
// (spec.md §4.11).
func (p *Pipeline) Delete(ctx context.Context, appID string, force bool, logger zerolog.Logger) error {
	app, err := p.Store.GetApplication(ctx, appID)
	if err != nil {
		return fmt.Errorf("load application %s: %w", appID, err)
	}

	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warnings = append(warnings, msg)
		p.logStep(ctx, logger, appID, "delete", "warn", msg)
	}

	if app.Status != models.StatusRemoving {
		if _, terr := p.Store.Transition(ctx, appID, app.Status, models.StatusRemoving); terr != nil {
			warn("transition to removing failed: %v", terr)
		}
	}

	var host pve.Host
	if app.HostID != "" {
		if h, herr := p.hostFor(ctx, app.HostID); herr == nil {
			host = h
		} else {
			warn("resolve host failed: %v", herr)
		}
	}

	if app.VMID != nil && host.BaseURL != "" {
		vmid := pve.LXCID(*app.VMID)
		if task, serr := p.PVE.StopLXC(ctx, host, app.NodeName, vmid); serr != nil {
			warn("stop failed: %v", serr)
		} else if werr := p.PVE.WaitForTask(ctx, host, app.NodeName, task); werr != nil {
			warn("wait for stop failed: %v", werr)
		} else {
			p.pollStopped(ctx, host, app.NodeName, vmid, 30*time.Second)
		}

		if dtask, derr := p.PVE.DeleteLXC(ctx, host, app.NodeName, vmid); derr != nil {
			warn("delete lxc failed: %v", derr)
		} else if werr := p.PVE.WaitForTask(ctx, host, app.NodeName, dtask); werr != nil {
			warn("wait for delete failed: %v", werr)
		}
	}

	if rerr := p.Store.ReleaseApplicationPorts(ctx, appID); rerr != nil {
		warn("release ports failed: %v", rerr)
	}
	if p.Appliance != nil {
		if rerr := p.Appliance.RemoveRoute(ctx, app.Hostname); rerr != nil {
			warn("remove vhost failed: %v", rerr)
		}
	}

	if derr := p.Store.DeleteApplication(ctx, appID); derr != nil {
		return fmt.Errorf("delete application row %s (after %d warnings): %w", appID, len(warnings), derr)
	}
	p.logStep(ctx, logger, appID, "delete_complete", "info", fmt.Sprintf("deleted with %d warnings", len(warnings)))
	return nil
}

// pollStopped polls LXCStatus until the container reports stopped or the
// deadline elapses; a timeout here is not itself fatal to Delete, which
// proceeds to force-delete regardless (spec.md §4.11 step 2).
func (p *Pipeline) pollStopped(ctx context.Context, host pve.Host, node string, vmid pve.LXCID, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := p.PVE.LXCStatus(ctx, host, node, vmid)
		if err == nil && status == pve.StatusStopped {
			return
		}
		sleep(ctx, time.Second)
	}
}

// AdoptIntent carries the inputs for adopting an existing, unmanaged LXC
// into prox-orchd (spec.md §4.11).
type AdoptIntent struct {
	AppID     string
	HostID    string
	Node      string
	VMID      int
	Hostname  string
	CatalogID string
}

// Adopt imports an existing container. It never touches the container's
// running state beyond observing it: the final status mirrors whatever PVE
// already reports.
func (p *Pipeline) Adopt(ctx context.Context, intent AdoptIntent, logger zerolog.Logger) error {
	if _, err := p.Catalog.Get(intent.CatalogID); err != nil {
		return fmt.Errorf("unknown catalog app %s: %w", intent.CatalogID, err)
	}
	host, err := p.hostFor(ctx, intent.HostID)
	if err != nil {
		return err
	}
	vmid := pve.LXCID(intent.VMID)
	status, err := p.PVE.LXCStatus(ctx, host, intent.Node, vmid)
	if err != nil {
		return fmt.Errorf("inspect container %d: %w", intent.VMID, err)
	}

	// A retried attempt finds the shell row a previous attempt already
	// inserted, still sitting in adopting (Adopt never force-transitions to
	// error on failure); resume from there instead of trying, and failing,
	// to insert the same row again.
	needPorts := true
	if existing, gerr := p.Store.GetApplication(ctx, intent.AppID); gerr == nil {
		if existing.Status != models.StatusAdopting {
			return fmt.Errorf("application %s is not adopting", intent.AppID)
		}
		needPorts = existing.PublicPort == nil || existing.InternalPort == nil
	} else {
		app := models.Application{
			ID: intent.AppID, Name: intent.Hostname, Hostname: intent.Hostname,
			HostID: intent.HostID, NodeName: intent.Node, CatalogApp: intent.CatalogID,
			Status: models.StatusAdopting,
		}
		vmidCopy := intent.VMID
		app.VMID = &vmidCopy
		if err := p.Store.CreateApplication(ctx, app); err != nil {
			return fmt.Errorf("create adopted application row: %w", err)
		}
		if err := p.Store.SetApplicationConfig(ctx, intent.AppID, map[string]any{"adopted": true}); err != nil {
			p.logStep(ctx, logger, intent.AppID, "adopt", "warn", fmt.Sprintf("mark adopted failed: %v", err))
		}
	}
	// Allocate needs the row to already exist: its UPDATE targets appID. A
	// retried attempt whose previous run created the row but died before
	// allocating ports lands here too.
	if needPorts {
		if _, _, perr := p.Ports.Allocate(ctx, intent.AppID); perr != nil {
			return fmt.Errorf("allocate ports for adopted application: %w", perr)
		}
	}

	finalStatus := models.StatusStopped
	if status == pve.StatusRunning {
		finalStatus = models.StatusRunning
	}
	if ok, terr := p.Store.Transition(ctx, intent.AppID, models.StatusAdopting, finalStatus); terr != nil {
		return fmt.Errorf("transition adopted application to %s: %w", finalStatus, terr)
	} else if !ok {
		return fmt.Errorf("adopted application %s left adopting state unexpectedly", intent.AppID)
	}
	p.Metrics.IncAppTransition(models.StatusAdopting, finalStatus)
	p.logStep(ctx, logger, intent.AppID, "adopt_complete", "info", fmt.Sprintf("adopted container %d as %s", intent.VMID, finalStatus))
	return nil
}
