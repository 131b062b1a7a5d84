// ABOUTME: This file defines the spec.md §7 error taxonomy returned by the
// pve package, and the string-sniffing helpers that classify Proxmox's
// untyped JSON error bodies into it.
package pve

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors comparable with errors.Is. Concrete failures are usually
// wrapped structs (below) so callers can also recover the offending id.
var (
	// ErrAuthFailed means the API token was rejected.
	ErrAuthFailed = errors.New("pve: authentication failed")
	// ErrUnreachable means the PVE endpoint could not be reached.
	ErrUnreachable = errors.New("pve: host unreachable")
	// ErrTLSError means the TLS handshake with the PVE endpoint failed.
	ErrTLSError = errors.New("pve: tls error")
	// ErrNotFound means the referenced node, container, or volume does not exist.
	ErrNotFound = errors.New("pve: not found")
	// ErrConflict means the operation collides with existing cluster state
	// (duplicate id, resource already locked by another task).
	ErrConflict = errors.New("pve: conflict")
	// ErrStorageUnavailable means no storage pool had enough free space.
	ErrStorageUnavailable = errors.New("pve: storage unavailable")
	// ErrTemplateUnavailable means the requested appliance template could not be found or fetched.
	ErrTemplateUnavailable = errors.New("pve: template unavailable")
	// ErrTimeout means a task or request did not complete before its deadline.
	ErrTimeout = errors.New("pve: timeout")
)

// TaskFailedError reports an asynchronous PVE task that finished with a
// non-OK exit status, along with a short tail of its log for diagnostics.
type TaskFailedError struct {
	TaskID    TaskID
	ExitCode  string
	LogTail   []string
}

func (e *TaskFailedError) Error() string {
	if len(e.LogTail) == 0 {
		return fmt.Sprintf("pve: task %s failed: exitstatus=%s", e.TaskID, e.ExitCode)
	}
	return fmt.Sprintf("pve: task %s failed: exitstatus=%s\n%s", e.TaskID, e.ExitCode, strings.Join(e.LogTail, "\n"))
}

// Unwrap lets errors.Is(err, ErrTaskFailed) match.
func (e *TaskFailedError) Unwrap() error { return ErrTaskFailed }

// ErrTaskFailed is the sentinel matched by TaskFailedError.Unwrap.
var ErrTaskFailed = errors.New("pve: task failed")

// classifyHTTPError maps a raw Proxmox API error (status code plus the
// message the api_backend-style doRequest already extracted) onto the
// taxonomy above. Proxmox does not emit machine-readable error codes, so
// this is deliberately a set of substring checks, mirroring the teacher's
// isAPIVMNotFound.
func classifyHTTPError(statusCode int, message string) error {
	msg := strings.ToLower(message)
	switch {
	case statusCode == 401 || statusCode == 403 || strings.Contains(msg, "permission") || strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, message)
	case statusCode == 404 || strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such") || strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case statusCode == 400 && (strings.Contains(msg, "already exists") || strings.Contains(msg, "already running") || strings.Contains(msg, "locked")):
		return fmt.Errorf("%w: %s", ErrConflict, message)
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "not enough space") || strings.Contains(msg, "storage") && strings.Contains(msg, "full"):
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, message)
	case strings.Contains(msg, "template") && (strings.Contains(msg, "not found") || strings.Contains(msg, "unavailable")):
		return fmt.Errorf("%w: %s", ErrTemplateUnavailable, message)
	default:
		return fmt.Errorf("pve: api error (status %d): %s", statusCode, message)
	}
}

// isLXCNotFound reports whether err looks like Proxmox's "no such container" response.
func isLXCNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

// Retryable reports whether err is one of spec.md §7's retryable kinds:
// transient network/TLS/timeout failures talking to a PVE endpoint. Every
// other member of the taxonomy (auth, not-found, conflict, storage or
// template unavailable, a failed task) reflects cluster state that a bare
// retry cannot fix, so callers like internal/jobrunner must not retry on it.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTLSError) || errors.Is(err, ErrTimeout)
}
