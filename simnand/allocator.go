package simnand

import (
	"sync"

	"github.com/biscuit-os/eba/defs"
)

// Allocator is a reference wl.WL: a stack of free PNums plus a torture
// (re-erase-and-test) cycle counter per PEB, grounded on the teacher's
// free block bitmap (biscuit/src/fs/super.go's Freeblock/Freeblocklen):
// a guarded run of available units, popped on allocation and pushed
// back on release.
type Allocator struct {
	mu      sync.Mutex
	free    []defs.PNum
	torture map[defs.PNum]int
	scrub   []defs.PNum
}

// NewAllocator seeds the free list with every PNum in [base,base+count)
// except those listed in reserved (already claimed by attach-time
// mappings). The half-open range lets several Allocators share one
// physical image, each owning a disjoint slice of its PNum space.
func NewAllocator(base, count int, reserved []defs.PNum) *Allocator {
	taken := make(map[defs.PNum]bool, len(reserved))
	for _, p := range reserved {
		taken[p] = true
	}
	a := &Allocator{torture: make(map[defs.PNum]int)}
	for p := defs.PNum(base); int(p) < base+count; p++ {
		if !taken[p] {
			a.free = append(a.free, p)
		}
	}
	return a
}

// GetPeb implements wl.WL.
func (a *Allocator) GetPeb() (defs.PNum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return defs.Unmapped, defs.Wrap("get_peb", defs.ENOSPC, nil)
	}
	n := len(a.free) - 1
	pnum := a.free[n]
	a.free = a.free[:n]
	return pnum, nil
}

// PutPeb implements wl.WL. A torture request bumps the PEB's erase
// cycle count; this reference allocator has no worn-out threshold, so
// a tortured PEB simply returns to the free list like any other.
func (a *Allocator) PutPeb(pnum defs.PNum, torture bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if torture {
		a.torture[pnum]++
	}
	a.free = append(a.free, pnum)
	return nil
}

// ScrubPeb implements wl.WL by recording pnum on a scrub queue a
// background mover can drain; this reference implementation performs
// no data movement itself.
func (a *Allocator) ScrubPeb(pnum defs.PNum) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scrub = append(a.scrub, pnum)
	return nil
}

// TortureCount reports how many times pnum has been returned with
// torture requested. Diagnostic, used by tests.
func (a *Allocator) TortureCount(pnum defs.PNum) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.torture[pnum]
}

// ScrubQueue returns a snapshot of PEBs queued for scrubbing.
func (a *Allocator) ScrubQueue() []defs.PNum {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]defs.PNum, len(a.scrub))
	copy(out, a.scrub)
	return out
}

// FreeCount reports how many PEBs are currently available.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
