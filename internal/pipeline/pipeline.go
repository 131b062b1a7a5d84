// Package pipeline implements the deployment (C8), update (C9), and
// clone/delete/adopt/start/stop/restart (C11) operations that run inside a
// jobrunner.Attempt: each is a sequence of idempotent, individually-logged
// steps against internal/pve, internal/sshexec, and internal/appliance.
//
// Grounded on internal/daemon/job_orchestrator.go's Run method: load state,
// drive a linear sequence of backend calls logging progress at each step,
// clean up on failure. Step numbering and semantics follow spec.md §4.9
// (deploy) and §4.10 (update); original_source/backend/apps/applications/tasks.py
// is the source for step ordering where spec.md is terse (e.g. the fixed
// post-start delay, the AppArmor patch being idempotent-on-grep).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/alloc"
	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/metrics"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pve"
	"github.com/agentlab/prox-orchd/internal/secrets"
	"github.com/agentlab/prox-orchd/internal/sshexec"
)

// Store is the subset of *db.Store the pipeline needs. Declared narrow so
// tests can substitute a fake, the same shape as internal/alloc's portStore.
type Store interface {
	GetApplication(ctx context.Context, id string) (models.Application, error)
	GetApplicationByHostname(ctx context.Context, hostname string) (models.Application, error)
	CreateApplication(ctx context.Context, app models.Application) error
	Transition(ctx context.Context, appID string, from, to models.Status) (bool, error)
	ForceStatus(ctx context.Context, appID string, to models.Status) error
	SetApplicationVMID(ctx context.Context, appID string, vmid int) error
	ReleaseApplicationPorts(ctx context.Context, appID string) error
	SetApplicationAccessURL(ctx context.Context, appID, accessURL, iframeURL string) error
	SetApplicationConfig(ctx context.Context, appID string, cfg map[string]any) error
	SetApplicationRootPasswordEnc(ctx context.Context, appID string, enc []byte) error
	DeleteApplication(ctx context.Context, appID string) error
	AppendDeploymentLog(ctx context.Context, entry models.DeploymentLog) error
	OnlineNodesForHost(ctx context.Context, hostID string) ([]models.ProxmoxNode, error)
	CreateBackup(ctx context.Context, backup models.Backup) error
	SetBackupAvailable(ctx context.Context, id, storageVolID string, sizeBytes int64) error
	SetBackupFailed(ctx context.Context, id, errMsg string) error
	LatestAvailableBackup(ctx context.Context, appID string) (models.Backup, error)
	GetProxmoxHost(ctx context.Context, id string) (models.ProxmoxHost, error)
}

// sshRunner is the subset of *sshexec.Runner the pipeline needs, kept as an
// interface (mirroring internal/appliance's execRunner) so tests can
// substitute a fake without dialing real SSH.
type sshRunner interface {
	ExecOnNode(ctx context.Context, creds sshexec.NodeCredentials, command string, timeout time.Duration) (sshexec.Result, error)
	ExecInContainer(ctx context.Context, creds sshexec.NodeCredentials, lxcID int, command string, timeout time.Duration, allowNonzero bool) (sshexec.Result, error)
}

// applianceRouter is the subset of *appliance.Orchestrator the pipeline
// needs for reverse-proxy vhost registration, kept as an interface for the
// same reason as sshRunner.
type applianceRouter interface {
	AddRoute(ctx context.Context, appName, containerIP string, publicPort, internalPort, containerPort int) error
	RemoveRoute(ctx context.Context, appName string) error
}

// Pipeline bundles every collaborator the deploy/update/lifecycle
// operations call through. Construct one per daemon instance and share it
// across jobs; it holds no per-job state itself.
type Pipeline struct {
	Store     Store
	PVE       pve.Client
	SSH       sshRunner
	Appliance applianceRouter
	Ports     *alloc.PortAllocator
	VMIDs     *alloc.VMIDAllocator
	Keyring   *secrets.Keyring
	Catalog   catalog.Catalog
	Metrics   *metrics.Metrics

	// VolumeRoot is the host directory application volumes are mounted
	// under, one subdirectory per hostname (spec.md §6 persisted state layout).
	VolumeRoot string
	// ApplianceWANIP is the appliance container's externally reachable
	// address, used to compute access_url/iframe_url (spec.md §4.9 step 13).
	ApplianceWANIP string

	// NodeCreds resolves SSH credentials for a cluster node (cmd/prox-orchd
	// fills in the operator user, port and key, which are the same for
	// every node). Kept as a callback rather than a field on pve.Host so
	// tests can substitute a fake without dialing real SSH.
	NodeCreds func(ctx context.Context, host pve.Host, node string) (sshexec.NodeCredentials, error)

	now func() time.Time
}

// New constructs a Pipeline. All fields may also be set directly; this
// constructor only fixes the clock.
func New() *Pipeline {
	return &Pipeline{now: func() time.Time { return time.Now().UTC() }}
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now().UTC()
}

// transitionFromAny moves appID to to, trying each candidate in from in
// order against the row's actual current status. A retried jobrunner
// attempt re-enters a pipeline step from whatever terminal status the
// previous failed attempt's own cleanup left the row in, not necessarily
// the status the job started its first attempt from, so an entry step
// checks more than one predecessor.
func (p *Pipeline) transitionFromAny(ctx context.Context, appID string, from []models.Status, to models.Status) (bool, error) {
	for _, f := range from {
		ok, err := p.Store.Transition(ctx, appID, f, to)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// logStep appends a DeploymentLog line and mirrors it to logger, matching
// internal/daemon's dual text-log/DB-row pattern used throughout
// job_orchestrator.go.
func (p *Pipeline) logStep(ctx context.Context, logger zerolog.Logger, appID, step, level, message string) {
	entry := models.DeploymentLog{
		ID:        uuid.NewString(),
		AppID:     appID,
		Step:      step,
		Level:     level,
		Message:   message,
		CreatedAt: p.clock(),
	}
	if err := p.Store.AppendDeploymentLog(ctx, entry); err != nil {
		logger.Error().Err(err).Str("step", step).Msg("write deployment log failed")
	}
	evt := logger.Info()
	if level == "warn" {
		evt = logger.Warn()
	} else if level == "error" {
		evt = logger.Error()
	}
	evt.Str("step", step).Msg(message)
}

// hostFor resolves the pve.Host coordinates for a ProxmoxHost row, decrypting
// its stored API token through the Pipeline's Keyring.
func (p *Pipeline) hostFor(ctx context.Context, hostID string) (pve.Host, error) {
	host, err := p.Store.GetProxmoxHost(ctx, hostID)
	if err != nil {
		return pve.Host{}, fmt.Errorf("load proxmox host %s: %w", hostID, err)
	}
	token, err := p.Keyring.DecryptString(host.CredentialsEnc)
	if err != nil {
		return pve.Host{}, fmt.Errorf("decrypt credentials for host %s: %w", hostID, err)
	}
	return pve.Host{
		Name:        host.Name,
		BaseURL:     host.APIURL,
		APIToken:    token,
		TLSInsecure: host.TLSInsecure,
		TLSCAPath:   host.TLSCAPath,
	}, nil
}

// selectNode picks the online node with the most free memory, ties broken by
// name (spec.md §4.9 step 1).
func selectNode(nodes []models.ProxmoxNode) (models.ProxmoxNode, error) {
	var best models.ProxmoxNode
	found := false
	for _, n := range nodes {
		if !found {
			best, found = n, true
			continue
		}
		if n.FreeMemMB() > best.FreeMemMB() || (n.FreeMemMB() == best.FreeMemMB() && n.Name < best.Name) {
			best = n
		}
	}
	if !found {
		return models.ProxmoxNode{}, fmt.Errorf("%w: no online nodes available", ErrNoOnlineNodes)
	}
	return best, nil
}

// ErrNoOnlineNodes is returned when a deploy with no explicit node cannot
// auto-select any online node.
var ErrNoOnlineNodes = errors.New("no online nodes available")
