package alloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentlab/prox-orchd/internal/pve"
)

// vmidSource is the subset of pve.Client the VMIDAllocator needs.
type vmidSource interface {
	NextVMID(ctx context.Context, host pve.Host) (pve.LXCID, error)
}

// vmidStore is the subset of *db.Store the VMIDAllocator needs.
type vmidStore interface {
	AllocatedVMIDs(ctx context.Context) (map[int]struct{}, error)
	ReclaimVMIDFromErrored(ctx context.Context, vmid int) (bool, error)
}

// ErrVMIDAcquisitionFailed is spec.md §7's VMIDAcquisitionFailed error.
var ErrVMIDAcquisitionFailed = errors.New("vmid acquisition failed")

// VMIDAllocator reconciles Proxmox's non-reserving NextVMID with prox-orchd's
// own bookkeeping: a concurrent caller elsewhere in the cluster (another
// prox-orchd instance, a human using the PVE UI) can claim the same id
// Proxmox just handed out, so every candidate is cross-checked against the
// ids this daemon already has recorded before it is trusted. Grounded on
// internal/daemon/sandbox_alloc.go's createSandboxWithRetry bump-and-retry
// loop, generalized from a local max+1 counter to Proxmox's own allocator
// plus a bounded retry count (spec.md §4.4: 10 attempts).
type VMIDAllocator struct {
	PVE        vmidSource
	Store      vmidStore
	MaxRetries int
}

// NewVMIDAllocator returns a VMIDAllocator with spec.md §4.4's default of 10 retries.
func NewVMIDAllocator(pveClient vmidSource, store vmidStore) *VMIDAllocator {
	return &VMIDAllocator{PVE: pveClient, Store: store, MaxRetries: 10}
}

// Allocate returns an LXCID that Proxmox currently considers free and that
// this daemon has no record of using, reclaiming ids stuck on errored
// applications along the way.
func (a *VMIDAllocator) Allocate(ctx context.Context, host pve.Host) (pve.LXCID, error) {
	maxRetries := a.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		candidate, err := a.PVE.NextVMID(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}

		known, err := a.Store.AllocatedVMIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("check allocated vmids: %w", err)
		}
		if _, taken := known[int(candidate)]; !taken {
			return candidate, nil
		}

		// The id is recorded against one of our applications. If that
		// application errored out, its id never reached a durable state in
		// Proxmox and can be reclaimed for reuse; otherwise try again.
		reclaimed, err := a.Store.ReclaimVMIDFromErrored(ctx, int(candidate))
		if err != nil {
			return 0, fmt.Errorf("reclaim vmid %d: %w", candidate, err)
		}
		if reclaimed {
			return candidate, nil
		}
		lastErr = fmt.Errorf("vmid %d already in use", candidate)
	}
	return 0, fmt.Errorf("%w: after %d attempts: %v", ErrVMIDAcquisitionFailed, maxRetries, lastErr)
}
