// Package models provides data structures and constants for prox-orchd.
//
// This package contains the core domain models used throughout prox-orchd:
//   - ProxmoxHost: A managed Proxmox VE cluster endpoint and its credentials
//   - ProxmoxNode: A node discovered within a ProxmoxHost's cluster
//   - Application: A deployed containerized application and its lifecycle state
//   - DeploymentLog: An append-only log line attached to an Application
//   - Backup: A point-in-time backup artifact of an Application's LXC
//   - AuditLog: An immutable, actor-scoped record of an operator or system action
//   - Setting: A single key/value row in the global settings table
//   - JobRecord: The persisted record of an asynchronous job run
//
// All models are designed for database persistence and JSON serialization.
package models

import "time"

// Status represents the current state of an Application in its lifecycle.
//
// The state machine enforces valid transitions:
//
//	pending → deploying → running
//	running ↔ stopped
//	running|stopped → updating → running
//	updating → update_failed → running (rollback succeeded)
//	deploying|updating → error
//	running|stopped|error → removing → gone
//
// See internal/db.Transition for the authoritative transition table; this
// type only names the possible values.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDeploying    Status = "deploying"
	StatusCloning      Status = "cloning"
	StatusAdopting     Status = "adopting"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusUpdating     Status = "updating"
	StatusUpdateFailed Status = "update_failed"
	StatusError        Status = "error"
	StatusRemoving     Status = "removing"
	StatusGone         Status = "gone"
)

// ProxmoxHost represents a managed Proxmox VE cluster endpoint.
//
// Fields:
//   - ID: Unique host identifier
//   - Name: Human-readable label for the host
//   - APIURL: Base URL of the Proxmox REST API (e.g. https://pve1:8006)
//   - CredentialsEnc: Age-encrypted API token (user@realm!tokenid=secret)
//   - TLSInsecure: Whether to skip TLS verification when talking to APIURL
//   - TLSCAPath: Optional path to a CA bundle trusted for APIURL
//   - CreatedAt: When the host was registered
//   - UpdatedAt: When the host record was last modified
type ProxmoxHost struct {
	ID             string
	Name           string
	APIURL         string
	CredentialsEnc []byte
	TLSInsecure    bool
	TLSCAPath      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProxmoxNode represents a node discovered within a ProxmoxHost's cluster.
//
// Fields:
//   - HostID: The owning ProxmoxHost
//   - Name: Node name as reported by Proxmox (e.g. "pve1")
//   - Online: Whether the node last responded to a status check
//   - CPUUsage: Fraction of CPU in use, 0.0-1.0, as last reported
//   - MemTotalMB: Total memory on the node in MB, as last reported
//   - MemUsedMB: Memory currently in use on the node in MB, as last reported
//   - LastSeenAt: When the node was last observed online
type ProxmoxNode struct {
	HostID     string
	Name       string
	Online     bool
	CPUUsage   float64
	MemTotalMB int64
	MemUsedMB  int64
	LastSeenAt time.Time
}

// FreeMemMB is the node selection metric used by the deployment pipeline's
// best-node-by-free-memory rule (spec.md §4.9 step 1).
func (n ProxmoxNode) FreeMemMB() int64 {
	return n.MemTotalMB - n.MemUsedMB
}

// Application represents a deployed containerized application.
//
// Fields:
//   - ID: Unique application identifier
//   - Name: Human-readable application name
//   - Hostname: Globally unique, DNS-safe hostname; names the vhost and the
//     per-app volume directory
//   - HostID: The ProxmoxHost this application's LXC runs on
//   - NodeName: The specific node within the host's cluster
//   - VMID: The LXC id on the node (nil until allocated)
//   - CatalogApp: Name of the catalog entry this application was deployed from
//   - Status: Current lifecycle state
//   - StateChangedAt: When Status was last written; updated atomically with Status
//   - PublicPort: Allocated public-facing port (nil until allocated)
//   - InternalPort: Allocated internal-only port (nil until allocated)
//   - RootPasswordEnc: Age-encrypted root password for the LXC
//   - Config: Arbitrary deploy-time configuration (compose overrides, ports,
//     volumes, the "adopted" marker, and the direct_access degraded-mode flag)
//   - Environment: User-supplied environment variables merged into the
//     catalog compose document at deploy time
//   - OwnerID: Opaque id of the user who requested the deployment
//   - AccessURL: Externally reachable URL (public port) once the reverse
//     proxy is registered, or the direct-access URL in degraded mode
//   - IframeURL: Internal-port URL used for iframe embedding
//   - CreatedAt: When the application was first created
//   - UpdatedAt: When the application row was last modified for any reason
type Application struct {
	ID              string
	Name            string
	Hostname        string
	HostID          string
	NodeName        string
	VMID            *int
	CatalogApp      string
	Status          Status
	StateChangedAt  time.Time
	PublicPort      *int
	InternalPort    *int
	RootPasswordEnc []byte
	Config          map[string]any
	Environment     map[string]string
	OwnerID         string
	AccessURL       string
	IframeURL       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeploymentLog is a single append-only log line attached to an Application.
//
// Fields:
//   - ID: Unique log line identifier
//   - AppID: The owning Application
//   - Step: Stable step tag (e.g. "allocate_ports", "clone", "health_probe")
//   - Level: Severity of the line ("info", "warn", "error")
//   - Message: Human-readable log text
//   - CreatedAt: When the line was written
type DeploymentLog struct {
	ID        string
	AppID     string
	Step      string
	Level     string
	Message   string
	CreatedAt time.Time
}

// BackupStatus represents the lifecycle state of a Backup row.
type BackupStatus string

const (
	BackupCreating  BackupStatus = "creating"
	BackupAvailable BackupStatus = "available"
	BackupFailed    BackupStatus = "failed"
	BackupRestoring BackupStatus = "restoring"
)

// Backup represents a point-in-time backup artifact of an Application's LXC.
//
// Fields:
//   - ID: Unique backup identifier
//   - AppID: The owning Application
//   - StorageVolID: Proxmox storage volume id of the backup archive
//   - Reason: Why the backup was taken ("pre-update", "manual")
//   - Status: Current lifecycle state
//   - ErrorMessage: Set when Status is BackupFailed
//   - CreatedAt: When the backup was requested
//   - CompletedAt: When the backup finished, zero while in progress
type Backup struct {
	ID           string
	AppID        string
	StorageVolID string
	Reason       string
	Status       BackupStatus
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// AuditLog is an immutable, actor-scoped record of an operator or system action.
//
// Fields:
//   - ID: Unique audit record identifier
//   - Actor: Who or what performed the action ("operator:alice", "system:janitor")
//   - Action: Verb performed ("deploy", "stop", "delete", "reconcile_orphan")
//   - ResourceKind: Kind of resource acted on ("application", "proxmox_host")
//   - ResourceID: Identifier of the resource acted on
//   - Details: Arbitrary structured detail about the action
//   - ClientIP: Originating IP address, if known
//   - CreatedAt: When the action occurred
type AuditLog struct {
	ID           string
	Actor        string
	Action       string
	ResourceKind string
	ResourceID   string
	Details      map[string]any
	ClientIP     string
	CreatedAt    time.Time
}

// Setting is a single key/value row in the global settings table.
//
// Fields:
//   - Key: Setting name
//   - Value: Setting value, stored as text
//   - UpdatedAt: When the setting was last written
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// JobKind names the category of work a JobRecord performs.
type JobKind string

const (
	JobKindDeploy JobKind = "deploy"
	JobKindUpdate JobKind = "update"
	JobKindClone  JobKind = "clone"
	JobKindDelete JobKind = "delete"
	JobKindAdopt   JobKind = "adopt"
	JobKindAction  JobKind = "action" // start/stop/restart
	JobKindBackup  JobKind = "backup"
	JobKindRestore JobKind = "restore"
)

// JobStatus represents the current status of a JobRecord in its lifecycle.
//
// Job state transitions:
//
//	queued → running → (succeeded|failed)
//
// A failed job may be retried on the same JobRecord: its Attempt is
// incremented and it goes back to running, up to the configured max attempts.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobRecord is the persisted record of an asynchronous job run.
//
// Fields:
//   - ID: Unique job identifier
//   - AppID: The Application this job operates on
//   - Kind: What the job does
//   - Status: Current job status
//   - Attempt: Which retry attempt this record represents, starting at 1
//   - MaxAttempts: Attempts allowed before the job is abandoned
//   - NextRetryAt: When the job runner may next retry, if Status is failed
//   - Error: Last error message, if any
//   - CreatedAt: When the job was first queued
//   - UpdatedAt: When the job record was last modified
type JobRecord struct {
	ID          string
	AppID       string
	Kind        JobKind
	Status      JobStatus
	Attempt     int
	MaxAttempts int
	NextRetryAt time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
