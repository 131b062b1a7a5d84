// Package pve provides a client abstraction for interacting with Proxmox VE's
// REST API to manage LXC containers.
//
// ABOUTME: This package defines a Client interface and common types for LXC
// lifecycle management: create/clone, configure, start/stop/destroy, snapshot,
// status, storage selection, template discovery, and backup/restore.
//
// ABOUTME: The only production implementation is APIClient, talking to
// /api2/json over HTTPS with a PVEAPIToken. FakeClient exists for tests.
package pve

import (
	"context"
)

// LXCID is an LXC container's cluster-wide numeric id.
type LXCID int

// Status is the runtime state of an LXC container.
type Status string

const (
	// StatusUnknown indicates the container state could not be determined.
	StatusUnknown Status = "unknown"
	// StatusRunning indicates the container is currently running.
	StatusRunning Status = "running"
	// StatusStopped indicates the container is stopped.
	StatusStopped Status = "stopped"
)

// Host is the endpoint coordinates and credentials for one PVE cluster.
type Host struct {
	Name          string // display name, mirrors models.ProxmoxHost.Name
	BaseURL       string // e.g. "https://pve1.example.internal:8006/api2/json"
	APIToken      string // full token in "USER@REALM!TOKENID=SECRET" form
	TLSInsecure   bool   // skip TLS verification (self-signed PVE certs)
	TLSCAPath     string // optional CA bundle path; ignored if TLSInsecure
}

// LXCSpec describes the parameters for creating a new LXC container.
type LXCSpec struct {
	OSTemplate   string // storage-qualified template volid, e.g. "local:vztmpl/debian-12-standard.tar.zst"
	Hostname     string
	Cores        int
	MemoryMB     int
	SwapMB       int
	RootFSStore  string // storage id to place the rootfs on
	RootFSGB     int
	Bridge       string // network bridge, e.g. "vmbr0" or an appliance LAN bridge
	IPConfig     string // net0 ip= clause, e.g. "dhcp" or "10.20.0.50/24,gw=10.20.0.1"
	Features     string // e.g. "nesting=1,keyctl=1"
	Unprivileged bool
	Password     string // root password, set once at creation
	Start        bool   // start immediately after create
}

// LXCConfigPatch describes a partial update to an existing container's config.
// Zero values are left unchanged.
type LXCConfigPatch struct {
	Cores    int
	MemoryMB int
	SwapMB   int
	Bridge   string
	IPConfig string
}

// StorageInfo describes one storage pool's capacity on a node.
type StorageInfo struct {
	Storage   string
	Node      string
	Type      string
	TotalGB   float64
	UsedGB    float64
	AvailGB   float64
	Active    bool
	Content   string // comma-separated content types, e.g. "rootdir,vztmpl,backup"
}

// NodeInfo describes one cluster node.
type NodeInfo struct {
	Node   string
	Online bool
	CPU    float64
	MemGB  float64
}

// TemplateInfo describes an available container template (appliance) volume.
type TemplateInfo struct {
	VolID string // e.g. "local:vztmpl/debian-12-standard.tar.zst"
	Size  int64
}

// BackupInfo describes a stored vzdump backup volume.
type BackupInfo struct {
	VolID    string
	Size     int64
	CreatedAt string // not populated: ListBackups and FakeClient leave it empty
}

// TaskID is a Proxmox UPID identifying an asynchronous cluster task.
type TaskID string

// Client is the PVE Gateway contract (spec.md §4.1). All operations accept a
// Host naming the cluster to talk to and a context for cancellation/timeout.
type Client interface {
	// Ping verifies the API endpoint is reachable and the token is valid.
	Ping(ctx context.Context, host Host) error

	// ListNodes returns all nodes in the cluster.
	ListNodes(ctx context.Context, host Host) ([]NodeInfo, error)

	// NodeStatus returns live stats for a single node.
	NodeStatus(ctx context.Context, host Host, node string) (NodeInfo, error)

	// ListStorages returns storage pools visible from node.
	ListStorages(ctx context.Context, host Host, node string) ([]StorageInfo, error)

	// ListLXC returns every container known to node.
	ListLXC(ctx context.Context, host Host, node string) ([]LXCID, error)

	// LXCStatus returns the current runtime status of a container.
	LXCStatus(ctx context.Context, host Host, node string, id LXCID) (Status, error)

	// LXCConfig returns the raw config key/value map for a container.
	LXCConfig(ctx context.Context, host Host, node string, id LXCID) (map[string]string, error)

	// UpdateLXCConfig applies a partial config patch to a container.
	UpdateLXCConfig(ctx context.Context, host Host, node string, id LXCID, patch LXCConfigPatch) error

	// ResizeDisk grows a container's rootfs to targetGB; PVE rejects a target smaller than the current size.
	ResizeDisk(ctx context.Context, host Host, node string, id LXCID, disk string, targetGB int) error

	// CreateLXC provisions a new container from spec at the given id.
	CreateLXC(ctx context.Context, host Host, node string, id LXCID, spec LXCSpec) (TaskID, error)

	// CloneLXC clones an existing container (used by pipeline.Clone to duplicate an application).
	CloneLXC(ctx context.Context, host Host, node string, template, target LXCID, hostname string, full bool) (TaskID, error)

	// StartLXC starts a stopped container.
	StartLXC(ctx context.Context, host Host, node string, id LXCID) (TaskID, error)

	// StopLXC forcibly stops a running container.
	StopLXC(ctx context.Context, host Host, node string, id LXCID) (TaskID, error)

	// ShutdownLXC gracefully stops a running container.
	ShutdownLXC(ctx context.Context, host Host, node string, id LXCID) (TaskID, error)

	// DeleteLXC permanently removes a container and its volumes.
	DeleteLXC(ctx context.Context, host Host, node string, id LXCID) (TaskID, error)

	// Snapshot creates a named disk snapshot.
	Snapshot(ctx context.Context, host Host, node string, id LXCID, name string) (TaskID, error)

	// DeleteSnapshot removes a named snapshot.
	DeleteSnapshot(ctx context.Context, host Host, node string, id LXCID, name string) (TaskID, error)

	// NextVMID asks Proxmox for a currently-free cluster-wide id. Non-reserving:
	// a concurrent caller may receive the same value.
	NextVMID(ctx context.Context, host Host) (LXCID, error)

	// ListTemplates returns container templates available on storage.
	ListTemplates(ctx context.Context, host Host, node, storage string) ([]TemplateInfo, error)

	// DownloadApplianceTemplate triggers storage's appliance template download for templateName.
	DownloadApplianceTemplate(ctx context.Context, host Host, node, storage, templateName string) (TaskID, error)

	// Backup vzdumps a container to storage.
	Backup(ctx context.Context, host Host, node string, id LXCID, storage string) (TaskID, error)

	// Restore restores a container from a backup volume at id.
	Restore(ctx context.Context, host Host, node string, id LXCID, archiveVolID, rootfsStorage string) (TaskID, error)

	// ListBackups lists vzdump archives for id on storage.
	ListBackups(ctx context.Context, host Host, node, storage string, id LXCID) ([]BackupInfo, error)

	// DeleteBackup removes a vzdump archive volume.
	DeleteBackup(ctx context.Context, host Host, node, volID string) error

	// WaitForTask blocks until taskID completes or ctx is done (spec.md §4.3).
	WaitForTask(ctx context.Context, host Host, node string, taskID TaskID) error

	// SelectStorage picks a storage pool on node with at least minGB free,
	// preferring the one with the most free space (spec.md §4.9 step 3).
	SelectStorage(ctx context.Context, host Host, node string, minGB int) (string, error)
}

var _ Client = (*APIClient)(nil)
