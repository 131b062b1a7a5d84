// Package alloc implements C4, the port and LXC-id allocators.
//
// ABOUTME: the port allocator delegates the whole scan-then-reserve sequence
// to a single transactional db.Store call so two concurrent deploys can
// never land on the same free port; the VMID allocator instead cross-checks
// Proxmox's own NextVMID against this daemon's bookkeeping, since Proxmox
// itself is the only authority that can hand out a vmid.
package alloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentlab/prox-orchd/internal/db"
)

// portStore is the subset of *db.Store the PortAllocator needs.
type portStore interface {
	AllocatePorts(ctx context.Context, appID string, publicLo, publicHi, internalLo, internalHi int) (public, internal int, err error)
}

// PortAllocator assigns a disjoint public/internal port pair to a new
// application, scanning two separate ranges (spec.md §6): public
// [30000,30999] for reverse-proxied external access, internal [40000,40999]
// for appliance-LAN-only services. Grounded on the algorithm in
// original_source/backend/apps/applications/port_manager.py
// (_find_next_available_port: gather every port already in range, then scan
// upward for the first gap) with the Python's numeric ranges replaced by
// spec.md's, and the gather-then-pick-then-persist sequence moved into one
// db transaction (db.Store.AllocatePorts) so it is atomic end to end.
type PortAllocator struct {
	Store      portStore
	PublicLo   int
	PublicHi   int
	InternalLo int
	InternalHi int
}

// NewPortAllocator returns a PortAllocator using spec.md §6's default ranges.
func NewPortAllocator(store portStore) *PortAllocator {
	return &PortAllocator{
		Store: store, PublicLo: 30000, PublicHi: 30999, InternalLo: 40000, InternalHi: 40999,
	}
}

// Allocate finds the next free public and internal port and persists both
// onto appID's row in one transaction (spec.md §4.4), so a concurrent
// Allocate for a different application either sees the finished write or
// runs entirely before or after it, never in between.
func (a *PortAllocator) Allocate(ctx context.Context, appID string) (public, internal int, err error) {
	public, internal, err = a.Store.AllocatePorts(ctx, appID, a.PublicLo, a.PublicHi, a.InternalLo, a.InternalHi)
	if err != nil {
		if errors.Is(err, db.ErrNoFreePort) {
			return 0, 0, fmt.Errorf("%w: %v", ErrPortsExhausted, err)
		}
		return 0, 0, fmt.Errorf("allocate ports for application %s: %w", appID, err)
	}
	return public, internal, nil
}

// ErrPortsExhausted is spec.md §7's PortsExhausted error.
var ErrPortsExhausted = errors.New("ports exhausted")
