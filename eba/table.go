// Package eba implements the per-volume EBA mapping table of spec.md
// §3–§4.3: EbaEntry/EbaCEntry, ConsolidatedPeb, the open/closed.clean/
// closed.dirty classification lists, and the invalidation protocol that
// keeps them consistent with invariants I3, I4 and I6.
//
// The classification lists are linked lists of representative LEB
// numbers, one list node per entry, exactly like the teacher's
// fs.BlkList_t (biscuit/src/fs/blk.go) wraps container/list to thread
// cache entries onto exactly one of several lists at a time; here each
// eba entry carries at most one *list.Element, matching invariant I6.
package eba

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/nand"
)

// UnmappedLnum marks an empty slot in a ConsolidatedPeb.
const UnmappedLnum defs.LNum = -1

// ConsolidatedPeb is described in spec.md §3: a destination PEB packing
// K LEBs, one per slot. It is shared by every entry referencing it and
// is released to WL only once every slot is UnmappedLnum (invariant
// I4).
type ConsolidatedPeb struct {
	Pnum  defs.PNum
	Lnums []defs.LNum // length K
}

func newConsolidatedPeb(pnum defs.PNum, k int) *ConsolidatedPeb {
	lnums := make([]defs.LNum, k)
	for i := range lnums {
		lnums[i] = UnmappedLnum
	}
	return &ConsolidatedPeb{Pnum: pnum, Lnums: lnums}
}

func (c *ConsolidatedPeb) indexOf(lnum defs.LNum) int {
	for i, l := range c.Lnums {
		if l == lnum {
			return i
		}
	}
	panic(fmt.Sprintf("eba: lnum %d not present in consolidated peb %d", lnum, c.Pnum))
}

// representativeIndex returns the lowest-index valid slot, or -1 if
// every slot is unmapped.
func (c *ConsolidatedPeb) representativeIndex() int {
	for i, l := range c.Lnums {
		if l != UnmappedLnum {
			return i
		}
	}
	return -1
}

func (c *ConsolidatedPeb) validCount() int {
	n := 0
	for _, l := range c.Lnums {
		if l != UnmappedLnum {
			n++
		}
	}
	return n
}

// classKind records which classification list (if any) an entry's list
// node currently lives on, so unlink doesn't need to search every list.
type classKind int

const (
	classNone classKind = iota
	classOpen
	classClean
	classDirty
)

// entry is the EbaCEntry of spec.md §3, generalized to also serve as
// the plain EbaEntry in SLC (K==1) mode: Cpeb is always nil there.
type entry struct {
	pnum     defs.PNum        // valid when cpeb == nil
	cpeb     *ConsolidatedPeb // non-nil iff this lnum is part of a consolidated peb
	node     *list.Element    // this entry's node in whichever list it is linked into
	class    classKind
	dirtyIdx int // valid only when class == classDirty
}

// Table is the per-volume EbaTable of spec.md §3. All mutating methods
// take the eba_lock internally; callers never see partial updates.
type Table struct {
	mu sync.Mutex

	vol   defs.VolId
	nlebs int
	k     int // pairing groups per PEB; k<=1 means SLC mode, no consolidation

	entries []entry

	open  *list.List // recently written/updated, not yet consolidation candidates
	clean *list.List // first LEB of each fully consolidated peb, all slots valid
	dirty []*list.List // dirty[i]: representative of a peb with i+1 valid slots remaining

	freePebs int // I5: must stay >= 0

	canceller ConsolidationCanceller

	// sem is fm_eba_sem (spec.md §5): every set_pnum, invalidate and
	// list mutation is done under its read lock, so a fastmap writer can
	// exclude all of them at once by taking it in write mode. Private by
	// default; SetSemaphore lets a device share one sem across every
	// volume's table.
	sem *sync.RWMutex

	destroyed bool // set by DestroyTable; every further mutation panics
}

// ConsolidationCanceller is notified when a LEB that a live
// consolidation has already selected is written to out from under it
// (spec.md §4.6 Cancellation). The Consolidator implements this.
type ConsolidationCanceller interface {
	CancelIfTargeting(lnum defs.LNum)
}

// NewTable constructs an EbaTable for a volume with nlebs logical
// eraseblocks, k pairing groups per PEB (1 disables consolidation), and
// an initial free-PEB budget.
func NewTable(vol defs.VolId, nlebs, k, freePebs int) *Table {
	if k < 1 {
		k = 1
	}
	t := &Table{
		vol:      vol,
		nlebs:    nlebs,
		k:        k,
		entries:  make([]entry, nlebs),
		open:     list.New(),
		clean:    list.New(),
		freePebs: freePebs,
		sem:      &sync.RWMutex{},
	}
	for i := range t.entries {
		t.entries[i].pnum = defs.Unmapped
	}
	if k > 1 {
		t.dirty = make([]*list.List, k-1)
		for i := range t.dirty {
			t.dirty[i] = list.New()
		}
	}
	return t
}

// SetCanceller wires the consolidator that MarkUpdated should notify.
func (t *Table) SetCanceller(c ConsolidationCanceller) {
	t.mu.Lock()
	t.canceller = c
	t.mu.Unlock()
}

// SetSemaphore replaces this table's fm_eba_sem with a shared one, e.g.
// a device-wide semaphore every attached volume's table read-locks, so
// a single write-lock excludes mutation across all of them at once
// (spec.md §5). Must be called before the table is exposed to
// concurrent callers.
func (t *Table) SetSemaphore(sem *sync.RWMutex) {
	t.sem = sem
}

// DestroyTable implements destroy_table (spec.md §6): releases this
// table's entries and classification lists. Mirrors the original's
// ubi_eba_destroy_table freeing eba_tbl; any further call against this
// table panics via checkLnum's destroyed guard.
func (t *Table) DestroyTable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed = true
	t.entries = nil
	t.open = nil
	t.clean = nil
	t.dirty = nil
}

// CopyTable implements copy_table (spec.md §6): build a freshly sized
// table and replay every mapping from old into it, one PEB at a time,
// the same group-then-replay shape attach.Init uses to rebuild a table
// from a scan. availPebs is the resized volume's total PEB budget
// (e.g. new AvailPebs minus attach's reserve), not old's current
// FreePebs — CopyTable consumes it exactly as Init consumes AvailPebs,
// one decrement per mapped LEB or consolidated group.
//
// Used when a volume's nlebs changes: pnums carry over unchanged, only
// the table's lnum range and list structure are rebuilt. A mapped lnum
// that no longer fits in [0,newNlebs) is dropped and its PEB reported
// in eraseList, so the caller can schedule it for erasure instead of
// leaking it.
func CopyTable(old *Table, newNlebs, availPebs int) (next *Table, eraseList []defs.PNum) {
	next = NewTable(old.vol, newNlebs, old.k, availPebs)

	type group struct {
		pnum  defs.PNum
		lnums []defs.LNum
	}
	groups := make(map[defs.PNum]*group)
	var order []defs.PNum

	for _, ld := range old.Snapshot() {
		if !ld.Mapped() {
			continue
		}
		if int(ld.Lnum) >= newNlebs {
			eraseList = append(eraseList, ld.Pnum)
			continue
		}
		if ld.Lpos < 0 {
			next.SetPnum(ld.Lnum, ld.Pnum)
			next.AdjustFreePebs(-1)
			next.MarkUpdated(ld.Lnum)
			continue
		}
		g, ok := groups[ld.Pnum]
		if !ok {
			g = &group{pnum: ld.Pnum}
			groups[ld.Pnum] = g
			order = append(order, ld.Pnum)
		}
		g.lnums = append(g.lnums, ld.Lnum)
	}
	for _, pnum := range order {
		next.InstallConsolidated(pnum, groups[pnum].lnums)
	}
	return next, eraseList
}

// SetTable implements set_table (spec.md §6): install next as *slot's
// new live table, destroying whatever table it replaces. Gives a
// caller holding a **Table — e.g. a resize operation swapping in a
// CopyTable result — swap-and-release-old-table semantics in one call.
func SetTable(slot **Table, next *Table) {
	old := *slot
	*slot = next
	if old != nil {
		old.DestroyTable()
	}
}

// K reports the configured pairing-group count.
func (t *Table) K() int { return t.k }

// Nlebs reports the table's LEB count.
func (t *Table) Nlebs() int { return t.nlebs }

func (t *Table) checkLnum(lnum defs.LNum) {
	if t.destroyed {
		panic("eba: use of a destroyed table")
	}
	if lnum < 0 || int(lnum) >= t.nlebs {
		panic(fmt.Sprintf("eba: lnum %d out of range [0,%d)", lnum, t.nlebs))
	}
}

// unlink removes e from whichever classification list it is on, if
// any. Caller must hold t.mu.
func (t *Table) unlink(lnum defs.LNum) {
	e := &t.entries[lnum]
	if e.node == nil {
		return
	}
	switch e.class {
	case classOpen:
		t.open.Remove(e.node)
	case classClean:
		t.clean.Remove(e.node)
	case classDirty:
		t.dirty[e.dirtyIdx].Remove(e.node)
	}
	e.node = nil
	e.class = classNone
	e.dirtyIdx = 0
}

func (t *Table) linkOpenFront(lnum defs.LNum) {
	e := &t.entries[lnum]
	e.node = t.open.PushFront(lnum)
	e.class = classOpen
}

func (t *Table) linkClean(lnum defs.LNum) {
	e := &t.entries[lnum]
	e.node = t.clean.PushBack(lnum)
	e.class = classClean
}

func (t *Table) linkDirty(idx int, lnum defs.LNum) {
	e := &t.entries[lnum]
	e.node = t.dirty[idx].PushBack(lnum)
	e.class = classDirty
	e.dirtyIdx = idx
}

// GetLdesc fills a LebDesc from the current mapping of lnum, SLC or
// MLC alike (spec.md §4.3).
func (t *Table) GetLdesc(lnum defs.LNum) nand.LebDesc {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLnum(lnum)
	e := &t.entries[lnum]
	if e.cpeb != nil {
		return nand.LebDesc{Lnum: lnum, Pnum: e.cpeb.Pnum, Lpos: int32(e.cpeb.indexOf(lnum))}
	}
	return nand.LebDesc{Lnum: lnum, Pnum: e.pnum, Lpos: -1}
}

// SetPnum replaces the pnum of a non-consolidated entry (SLC, or MLC
// whole-PEB LEB). Panics if called on a consolidated entry — the spec
// restricts this operation to "SLC and MLC non-consolidated only".
func (t *Table) SetPnum(lnum defs.LNum, pnum defs.PNum) {
	t.sem.RLock()
	defer t.sem.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLnum(lnum)
	e := &t.entries[lnum]
	if e.cpeb != nil {
		panic("eba: SetPnum on a consolidated entry")
	}
	e.pnum = pnum
}

// MarkUpdated moves lnum's entry to the head of the open list and, if a
// live consolidation has selected lnum as a source, asks it to cancel —
// both under eba_lock, per spec.md §4.3 and §4.6.
func (t *Table) MarkUpdated(lnum defs.LNum) {
	t.sem.RLock()
	defer t.sem.RUnlock()
	t.mu.Lock()
	t.checkLnum(lnum)
	t.unlink(lnum)
	t.linkOpenFront(lnum)
	c := t.canceller
	t.mu.Unlock()
	if c != nil {
		c.CancelIfTargeting(lnum)
	}
}

// Invalidate implements the invalidation protocol of spec.md §4.3. It
// returns the PEB to release to WL (if any) and whether a release is
// needed at all; the caller is expected to invoke WL.PutPeb outside the
// eba_lock, exactly as the spec requires.
func (t *Table) Invalidate(d nand.LebDesc) (pnum defs.PNum, release bool) {
	t.sem.RLock()
	defer t.sem.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLnum(d.Lnum)
	e := &t.entries[d.Lnum]

	if !d.Consolidated() {
		t.unlink(d.Lnum)
		old := e.pnum
		e.pnum = defs.Unmapped
		return old, old != defs.Unmapped
	}

	cpeb := e.cpeb
	if cpeb == nil {
		panic("eba: Invalidate called with Lpos>=0 on a non-consolidated entry")
	}

	// Find the representative (lowest-index valid slot) and unlink it
	// from whatever list currently represents this consolidated peb.
	repIdx := cpeb.representativeIndex()
	if repIdx < 0 {
		panic("eba: consolidated peb with no valid slots reached Invalidate")
	}
	t.unlink(cpeb.Lnums[repIdx])

	myIdx := cpeb.indexOf(d.Lnum)
	cpeb.Lnums[myIdx] = UnmappedLnum
	e.cpeb = nil
	e.pnum = defs.Unmapped

	valid := cpeb.validCount()
	if valid == 0 {
		return cpeb.Pnum, true
	}

	newRepIdx := cpeb.representativeIndex()
	newRep := cpeb.Lnums[newRepIdx]
	if valid == t.k {
		t.linkClean(newRep)
	} else {
		t.linkDirty(valid-1, newRep)
	}
	return defs.Unmapped, false
}

// InstallConsolidated is called by the Consolidator's finalize step
// (spec.md §4.6 Finalizing), under eba_lock, once a destination PEB's
// K VID headers have been durably written: it invalidates each source
// LEB's old mapping (collecting any now-free PEBs), installs the new
// ConsolidatedPeb pointer for every participating LEB, clears any
// existing list membership, and links the first slot's lnum into
// closed.clean. It decrements free_pebs by one for the PEB just
// consumed.
//
// lnums must be in slot order (lnums[i] occupies slot i of cpeb).
func (t *Table) InstallConsolidated(pnum defs.PNum, lnums []defs.LNum) (releasedPebs []defs.PNum) {
	t.sem.RLock()
	defer t.sem.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	cpeb := newConsolidatedPeb(pnum, len(lnums))
	for i, lnum := range lnums {
		t.checkLnum(lnum)
		e := &t.entries[lnum]
		if old := e.pnum; e.cpeb == nil && old != defs.Unmapped {
			releasedPebs = append(releasedPebs, old)
		} else if e.cpeb != nil {
			// Source LEB was itself already consolidated elsewhere
			// (unconsolidated by the caller before re-consolidating is
			// the expected path, but defend against misuse anyway).
			if old := t.invalidateLocked(nand.LebDesc{Lnum: lnum, Pnum: e.cpeb.Pnum, Lpos: int32(e.cpeb.indexOf(lnum))}); old != defs.Unmapped {
				releasedPebs = append(releasedPebs, old)
			}
		}
		t.unlink(lnum)
		cpeb.Lnums[i] = lnum
		e.cpeb = cpeb
		e.pnum = defs.Unmapped
	}
	t.linkClean(lnums[0])
	t.freePebs--
	if t.freePebs < 0 {
		panic("eba: free_pebs went negative installing a consolidated peb")
	}
	return releasedPebs
}

// invalidateLocked is Invalidate's body for callers that already hold
// t.mu (InstallConsolidated's defensive re-consolidation path).
func (t *Table) invalidateLocked(d nand.LebDesc) defs.PNum {
	e := &t.entries[d.Lnum]
	if !d.Consolidated() {
		old := e.pnum
		t.unlink(d.Lnum)
		e.pnum = defs.Unmapped
		return old
	}
	cpeb := e.cpeb
	repIdx := cpeb.representativeIndex()
	t.unlink(cpeb.Lnums[repIdx])
	myIdx := cpeb.indexOf(d.Lnum)
	cpeb.Lnums[myIdx] = UnmappedLnum
	e.cpeb = nil
	e.pnum = defs.Unmapped
	valid := cpeb.validCount()
	if valid == 0 {
		return cpeb.Pnum
	}
	newRepIdx := cpeb.representativeIndex()
	newRep := cpeb.Lnums[newRepIdx]
	if valid == t.k {
		t.linkClean(newRep)
	} else {
		t.linkDirty(valid-1, newRep)
	}
	return defs.Unmapped
}

// RepointConsolidated updates the shared Pnum of the ConsolidatedPeb
// that lnum belongs to, moving every LEB packed into it in one step.
// Used by copy_peb (spec.md §4.5.7) when WL relocates a whole
// consolidated PEB to a new physical location. Panics if lnum is not
// currently consolidated.
func (t *Table) RepointConsolidated(lnum defs.LNum, newPnum defs.PNum) {
	t.sem.RLock()
	defer t.sem.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLnum(lnum)
	e := &t.entries[lnum]
	if e.cpeb == nil {
		panic("eba: RepointConsolidated on a non-consolidated entry")
	}
	e.cpeb.Pnum = newPnum
}

// FreePebs returns the current free-PEB budget (I5).
func (t *Table) FreePebs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freePebs
}

// AdjustFreePebs changes the free-PEB budget by delta, e.g. when a
// whole-PEB LEB is newly mapped (-1) or released (+1). It panics if
// the result would violate I5.
func (t *Table) AdjustFreePebs(delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freePebs += delta
	if t.freePebs < 0 {
		panic("eba: free_pebs went negative")
	}
}

// PickConsolidationSource implements source selection (spec.md §4.6):
// prefer closed.dirty[0] (guarantees the round frees at least one PEB)
// over open (LRU-hot); never pick from closed.clean. excluded lnums
// already claimed by the in-progress consolidation round are skipped.
func (t *Table) PickConsolidationSource(excluded map[defs.LNum]bool) (defs.LNum, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.k > 1 && len(t.dirty) > 0 {
		if lnum, ok := firstUnexcluded(t.dirty[0], excluded); ok {
			return lnum, true
		}
	}
	// open is LRU-hot at the front (MarkUpdated pushes there); the
	// coldest, best consolidation candidate is at the back.
	if lnum, ok := lastUnexcluded(t.open, excluded); ok {
		return lnum, true
	}
	return 0, false
}

func firstUnexcluded(l *list.List, excluded map[defs.LNum]bool) (defs.LNum, bool) {
	for e := l.Front(); e != nil; e = e.Next() {
		lnum := e.Value.(defs.LNum)
		if !excluded[lnum] {
			return lnum, true
		}
	}
	return 0, false
}

func lastUnexcluded(l *list.List, excluded map[defs.LNum]bool) (defs.LNum, bool) {
	for e := l.Back(); e != nil; e = e.Prev() {
		lnum := e.Value.(defs.LNum)
		if !excluded[lnum] {
			return lnum, true
		}
	}
	return 0, false
}

// IsConsolidated reports whether lnum is currently packed into a
// ConsolidatedPeb (invariant I3, derived rather than tracked in a
// separate bitmap — see DESIGN.md).
func (t *Table) IsConsolidated(lnum defs.LNum) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLnum(lnum)
	return t.entries[lnum].cpeb != nil
}

// Snapshot returns a diagnostic, read-only copy of every lnum's
// mapping, used by self_check_eba and tests.
func (t *Table) Snapshot() []nand.LebDesc {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]nand.LebDesc, t.nlebs)
	for lnum := range t.entries {
		e := &t.entries[lnum]
		if e.cpeb != nil {
			out[lnum] = nand.LebDesc{Lnum: defs.LNum(lnum), Pnum: e.cpeb.Pnum, Lpos: int32(e.cpeb.indexOf(defs.LNum(lnum)))}
		} else {
			out[lnum] = nand.LebDesc{Lnum: defs.LNum(lnum), Pnum: e.pnum, Lpos: -1}
		}
	}
	return out
}

// ClassificationCounts reports the size of open, closed.clean and each
// closed.dirty bucket — a diagnostic used by tests to assert I6
// ("no LEB entry appears in more than one of {open, clean, dirty[*]}")
// holds by construction.
func (t *Table) ClassificationCounts() (open, clean int, dirty []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dirty = make([]int, len(t.dirty))
	for i, l := range t.dirty {
		dirty[i] = l.Len()
	}
	return t.open.Len(), t.clean.Len(), dirty
}
