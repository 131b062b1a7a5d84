// Package facade implements the narrow outward contract of spec.md §4.12
// (C11): the five operations an HTTP layer would call, without itself
// being HTTP-aware. Grounded on internal/daemon/api.go's role as "the
// thing handlers call" while returning Go values rather than writing
// responses directly — this repo keeps that same separation even though
// HTTP routing itself is out of scope (spec.md §1).
package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentlab/prox-orchd/internal/catalog"
	"github.com/agentlab/prox-orchd/internal/jobrunner"
	"github.com/agentlab/prox-orchd/internal/models"
	"github.com/agentlab/prox-orchd/internal/pipeline"
	"github.com/agentlab/prox-orchd/internal/pve"
	"github.com/agentlab/prox-orchd/internal/secrets"
)

// Store is the subset of *db.Store the façade needs.
type Store interface {
	GetApplication(ctx context.Context, id string) (models.Application, error)
	GetApplicationByHostname(ctx context.Context, hostname string) (models.Application, error)
	CreateApplication(ctx context.Context, app models.Application) error
	ListApplications(ctx context.Context) ([]models.Application, error)
	ListApplicationsByStatus(ctx context.Context, status models.Status) ([]models.Application, error)
	ListApplicationsByHost(ctx context.Context, hostID string) ([]models.Application, error)
	GetProxmoxHost(ctx context.Context, id string) (models.ProxmoxHost, error)
	ListProxmoxHosts(ctx context.Context) ([]models.ProxmoxHost, error)
	ListProxmoxNodes(ctx context.Context, hostID string) ([]models.ProxmoxNode, error)
	AllocatedVMIDs(ctx context.Context) (map[int]struct{}, error)
}

// pveReader is the subset of pve.Client the façade needs for live-status
// refresh and unmanaged-container discovery; kept narrow so tests can
// substitute a fake without a full Client implementation.
type pveReader interface {
	ListLXC(ctx context.Context, host pve.Host, node string) ([]pve.LXCID, error)
	LXCStatus(ctx context.Context, host pve.Host, node string, id pve.LXCID) (pve.Status, error)
}

// jobSubmitter is the subset of *jobrunner.Runner the façade needs.
type jobSubmitter interface {
	Submit(ctx context.Context, appID string, kind models.JobKind, attempt jobrunner.Attempt) (string, error)
}

// operations is the subset of *pipeline.Pipeline the façade drives,
// wrapped as jobrunner.Attempts. Kept as an interface for the same
// testability reason as internal/pipeline's own sshRunner/applianceRouter.
type operations interface {
	Deploy(ctx context.Context, intent pipeline.DeployIntent, logger zerolog.Logger) error
	Start(ctx context.Context, appID string, logger zerolog.Logger) error
	Stop(ctx context.Context, appID string, logger zerolog.Logger) error
	Restart(ctx context.Context, appID string, logger zerolog.Logger) error
	Delete(ctx context.Context, appID string, force bool, logger zerolog.Logger) error
	Clone(ctx context.Context, intent pipeline.CloneIntent, logger zerolog.Logger) error
	Update(ctx context.Context, intent pipeline.UpdateIntent, logger zerolog.Logger) error
	Adopt(ctx context.Context, intent pipeline.AdoptIntent, logger zerolog.Logger) error
	Backup(ctx context.Context, appID, reason string, logger zerolog.Logger) error
	Restore(ctx context.Context, appID, backupID string, logger zerolog.Logger) error
}

// Facade bundles every collaborator the five C11 operations need.
type Facade struct {
	Store      Store
	PVE        pveReader
	Jobs       jobSubmitter
	Pipeline   operations
	Catalog    catalog.Catalog
	Keyring    *secrets.Keyring
	now        func() time.Time
}

// New constructs a Facade. All fields may also be set directly.
func New() *Facade {
	return &Facade{now: func() time.Time { return time.Now().UTC() }}
}

func (f *Facade) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now().UTC()
}

func (f *Facade) hostFor(ctx context.Context, hostID string) (pve.Host, error) {
	host, err := f.Store.GetProxmoxHost(ctx, hostID)
	if err != nil {
		return pve.Host{}, fmt.Errorf("load proxmox host %s: %w", hostID, err)
	}
	token, err := f.Keyring.DecryptString(host.CredentialsEnc)
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

// Filter narrows ListApplications. A zero-value Filter matches everything.
type Filter struct {
	Status *models.Status
	HostID string
}

// Page bounds ListApplications' result, applied in-process since the
// underlying list queries have no native LIMIT/OFFSET (spec.md's data
// model doesn't require one; application counts are small per host).
type Page struct {
	Limit  int
	Offset int
}

// ApplicationView is an Application enriched with its live PVE status,
// refreshed at read time rather than trusted from the last reconciliation
// pass (spec.md §4.12).
type ApplicationView struct {
	models.Application
	LiveStatus    pve.Status
	LiveStatusErr string // non-empty if the live refresh failed; Application fields are still valid
}

// ListApplications returns a filtered, paged slice of applications with
// live status attached, caching PVE host/credential resolution per
// host_id so a page of N applications spread across M hosts costs M host
// lookups, not N. The live status itself is still fetched with one
// LXCStatus call per application; those calls are not grouped per
// (host, node). Grounded on no single teacher helper for the caching shape
// itself (none exists in the pack).
func (f *Facade) ListApplications(ctx context.Context, filter Filter, page Page) ([]ApplicationView, int, error) {
	apps, err := f.listFiltered(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total := len(apps)

	start := page.Offset
	if start > len(apps) {
		start = len(apps)
	}
	end := len(apps)
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	apps = apps[start:end]

	hostCache := map[string]pve.Host{}
	hostErr := map[string]error{}
	views := make([]ApplicationView, 0, len(apps))
	for _, app := range apps {
		view := ApplicationView{Application: app}
		if app.VMID == nil {
			views = append(views, view)
			continue
		}
		host, ok := hostCache[app.HostID]
		if !ok {
			if h, herr := f.hostFor(ctx, app.HostID); herr != nil {
				hostErr[app.HostID] = herr
				hostCache[app.HostID] = pve.Host{}
			} else {
				host = h
				hostCache[app.HostID] = h
			}
		}
		if herr, failed := hostErr[app.HostID]; failed {
			view.LiveStatusErr = herr.Error()
			views = append(views, view)
			continue
		}
		status, serr := f.PVE.LXCStatus(ctx, host, app.NodeName, pve.LXCID(*app.VMID))
		if serr != nil {
			view.LiveStatusErr = serr.Error()
		} else {
			view.LiveStatus = status
		}
		views = append(views, view)
	}
	return views, total, nil
}

func (f *Facade) listFiltered(ctx context.Context, filter Filter) ([]models.Application, error) {
	switch {
	case filter.Status != nil:
		return f.Store.ListApplicationsByStatus(ctx, *filter.Status)
	case filter.HostID != "":
		return f.Store.ListApplicationsByHost(ctx, filter.HostID)
	default:
		return f.Store.ListApplications(ctx)
	}
}

// GetApplication loads a single application and refreshes its live status
// from PVE before returning (spec.md §4.12).
func (f *Facade) GetApplication(ctx context.Context, id string) (ApplicationView, error) {
	app, err := f.Store.GetApplication(ctx, id)
	if err != nil {
		return ApplicationView{}, fmt.Errorf("load application %s: %w", id, err)
	}
	view := ApplicationView{Application: app}
	if app.VMID == nil {
		return view, nil
	}
	host, err := f.hostFor(ctx, app.HostID)
	if err != nil {
		view.LiveStatusErr = err.Error()
		return view, nil
	}
	status, err := f.PVE.LXCStatus(ctx, host, app.NodeName, pve.LXCID(*app.VMID))
	if err != nil {
		view.LiveStatusErr = err.Error()
		return view, nil
	}
	view.LiveStatus = status
	return view, nil
}

// DeployIntent carries the upstream request fields spec.md §6's payload
// shape names for a deploy: catalog_id, hostname, and optional config/env/node.
type DeployIntent struct {
	CatalogID   string
	Hostname    string
	HostID      string
	Node        string
	Config      map[string]any
	Environment map[string]string
}

// DeployApplication validates intent, writes the Application row in
// models.StatusPending, and enqueues the deploy job only after that insert
// is visible — the single SQLite connection makes it visible to the very
// next query by construction, so the sequential insert-then-enqueue here
// already satisfies "enqueue on commit" without an explicit hook (spec.md
// §4.12; no teacher on-commit-callback exists either, see DESIGN.md).
func (f *Facade) DeployApplication(ctx context.Context, intent DeployIntent) (models.Application, error) {
	if intent.Hostname == "" || intent.CatalogID == "" || intent.HostID == "" {
		return models.Application{}, fmt.Errorf("hostname, catalog_id, and host_id are required")
	}
	if _, err := f.Catalog.Get(intent.CatalogID); err != nil {
		return models.Application{}, fmt.Errorf("unknown catalog app %s: %w", intent.CatalogID, err)
	}
	if _, err := f.Store.GetApplicationByHostname(ctx, intent.Hostname); err == nil {
		return models.Application{}, fmt.Errorf("hostname %s is already in use", intent.Hostname)
	}
	if _, err := f.Store.GetProxmoxHost(ctx, intent.HostID); err != nil {
		return models.Application{}, fmt.Errorf("unknown proxmox host %s: %w", intent.HostID, err)
	}

	app := models.Application{
		ID:          uuid.NewString(),
		Name:        intent.Hostname,
		Hostname:    intent.Hostname,
		HostID:      intent.HostID,
		NodeName:    intent.Node,
		CatalogApp:  intent.CatalogID,
		Status:      models.StatusPending,
		Config:      intent.Config,
		Environment: intent.Environment,
		CreatedAt:   f.clock(),
	}
	if err := f.Store.CreateApplication(ctx, app); err != nil {
		return models.Application{}, fmt.Errorf("create application: %w", err)
	}

	deployIntent := pipeline.DeployIntent{
		AppID:       app.ID,
		HostID:      app.HostID,
		CatalogID:   app.CatalogApp,
		Hostname:    app.Hostname,
		Node:        app.NodeName,
		Config:      app.Config,
		Environment: app.Environment,
	}
	if _, err := f.Jobs.Submit(ctx, app.ID, models.JobKindDeploy, func(ctx context.Context, logger zerolog.Logger) error {
		return f.Pipeline.Deploy(ctx, deployIntent, logger)
	}); err != nil {
		return models.Application{}, fmt.Errorf("enqueue deploy job: %w", err)
	}
	return app, nil
}

// Action names one of the operations PerformAction accepts (spec.md §4.12).
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionDelete  Action = "delete"
	ActionClone   Action = "clone"
	ActionUpdate  Action = "update"
	ActionAdopt   Action = "adopt"
	ActionBackup  Action = "backup"
	ActionRestore Action = "restore"
)

// ActionParams carries the optional per-action payload fields (spec.md §6):
// new_hostname for clone, vmid/node_name/catalog_id/hostname for adopt,
// a reason for backup, and a backup id for restore.
type ActionParams struct {
	NewHostname string
	Force       bool
	Reason      string
	BackupID    string
	Adopt       AdoptParams
}

// AdoptParams mirrors spec.md §6's adopt payload shape.
type AdoptParams struct {
	HostID    string
	VMID      int
	NodeName  string
	CatalogID string
	Hostname  string
}

// PerformAction enqueues the job for one lifecycle action and returns its
// job id immediately (the "202 Accepted" of spec.md §4.12, expressed as a
// job id rather than an HTTP status since HTTP is out of scope).
func (f *Facade) PerformAction(ctx context.Context, appID string, action Action, params ActionParams) (string, error) {
	switch action {
	case ActionStart:
		return f.Jobs.Submit(ctx, appID, models.JobKindAction, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Start(ctx, appID, logger)
		})
	case ActionStop:
		return f.Jobs.Submit(ctx, appID, models.JobKindAction, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Stop(ctx, appID, logger)
		})
	case ActionRestart:
		return f.Jobs.Submit(ctx, appID, models.JobKindAction, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Restart(ctx, appID, logger)
		})
	case ActionDelete:
		return f.Jobs.Submit(ctx, appID, models.JobKindAction, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Delete(ctx, appID, params.Force, logger)
		})
	case ActionClone:
		if params.NewHostname == "" {
			return "", fmt.Errorf("clone requires new_hostname")
		}
		if _, err := f.Store.GetApplicationByHostname(ctx, params.NewHostname); err == nil {
			return "", fmt.Errorf("hostname %s is already in use", params.NewHostname)
		}
		cloneIntent := pipeline.CloneIntent{SourceAppID: appID, NewAppID: uuid.NewString(), NewHostname: params.NewHostname, Full: true}
		return f.Jobs.Submit(ctx, appID, models.JobKindClone, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Clone(ctx, cloneIntent, logger)
		})
	case ActionUpdate:
		app, err := f.Store.GetApplication(ctx, appID)
		if err != nil {
			return "", fmt.Errorf("load application %s: %w", appID, err)
		}
		updateIntent := pipeline.UpdateIntent{AppID: appID, CatalogID: app.CatalogApp, Hostname: app.Hostname}
		return f.Jobs.Submit(ctx, appID, models.JobKindUpdate, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Update(ctx, updateIntent, logger)
		})
	case ActionAdopt:
		if params.Adopt.HostID == "" {
			return "", fmt.Errorf("adopt requires host_id")
		}
		adoptIntent := pipeline.AdoptIntent{
			AppID: appID, HostID: params.Adopt.HostID, Node: params.Adopt.NodeName,
			VMID: params.Adopt.VMID, Hostname: params.Adopt.Hostname, CatalogID: params.Adopt.CatalogID,
		}
		return f.Jobs.Submit(ctx, appID, models.JobKindAdopt, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Adopt(ctx, adoptIntent, logger)
		})
	case ActionBackup:
		return f.Jobs.Submit(ctx, appID, models.JobKindBackup, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Backup(ctx, appID, params.Reason, logger)
		})
	case ActionRestore:
		if params.BackupID == "" {
			return "", fmt.Errorf("restore requires a backup id")
		}
		return f.Jobs.Submit(ctx, appID, models.JobKindRestore, func(ctx context.Context, logger zerolog.Logger) error {
			return f.Pipeline.Restore(ctx, appID, params.BackupID, logger)
		})
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

// UnmanagedContainer is an LXC present on the cluster but absent from the
// Application store (spec.md §4.12).
type UnmanagedContainer struct {
	HostID string
	Node   string
	VMID   int
}

// DiscoverUnmanagedContainers lists containers on hostID (or every
// registered host when hostID is empty) whose vmid is not claimed by any
// Application row. Grounded on
// original_source/backend/apps/proxmox/services.py's container-listing
// calls, reusing C1's ListLXC plus a left-anti-join against
// applications.vmid performed in-process (spec.md's "supplemented
// features" note).
func (f *Facade) DiscoverUnmanagedContainers(ctx context.Context, hostID string) ([]UnmanagedContainer, error) {
	var hosts []models.ProxmoxHost
	if hostID != "" {
		h, err := f.Store.GetProxmoxHost(ctx, hostID)
		if err != nil {
			return nil, fmt.Errorf("load proxmox host %s: %w", hostID, err)
		}
		hosts = []models.ProxmoxHost{h}
	} else {
		var err error
		hosts, err = f.Store.ListProxmoxHosts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list proxmox hosts: %w", err)
		}
	}

	known, err := f.Store.AllocatedVMIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list allocated vmids: %w", err)
	}

	var out []UnmanagedContainer
	for _, h := range hosts {
		nodes, err := f.Store.ListProxmoxNodes(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("list proxmox nodes for host %s: %w", h.ID, err)
		}
		host, herr := f.hostFor(ctx, h.ID)
		if herr != nil {
			log.Error().Err(herr).Str("host_id", h.ID).Msg("resolve host for unmanaged container discovery failed")
			continue
		}
		for _, n := range nodes {
			node := n.Name
			ids, lerr := f.PVE.ListLXC(ctx, host, node)
			if lerr != nil {
				log.Error().Err(lerr).Str("host_id", h.ID).Str("node", node).Msg("list lxc for unmanaged container discovery failed")
				continue
			}
			for _, id := range ids {
				if _, managed := known[int(id)]; managed {
					continue
				}
				out = append(out, UnmanagedContainer{HostID: h.ID, Node: node, VMID: int(id)})
			}
		}
	}
	return out, nil
}
