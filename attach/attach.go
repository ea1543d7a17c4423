// Package attach implements spec.md §4.7: building a fresh EbaTable per
// volume from scanned or fastmap-supplied mapping data, reserving the
// PEB budget atomic_leb_change needs, and cross-checking two
// independently produced attach results against each other.
//
// The "replay scanned records into an in-memory structure, diverting
// anything that doesn't reconcile cleanly to a side list" shape is
// analogous to the teacher's on-disk orphan-inode map
// (biscuit/src/fs/super.go's Iorphanblock/Iorphanlen): a mount-time
// side list of inodes the filesystem could not fully reconcile,
// handled separately from the main structures rather than failing the
// mount.
package attach

import (
	"fmt"

	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/eba"
)

// EbaReservedPebs is the number of PEBs withheld from a volume's
// free-PEB budget to guarantee atomic_leb_change can always obtain one,
// even when the volume is otherwise full (spec.md §4.5.4, §4.7).
const EbaReservedPebs = 1

// LebRecord is one (lnum -> pnum) mapping discovered by a scan or
// supplied by a fastmap, optionally naming the consolidated slot it
// occupies.
type LebRecord struct {
	Lnum defs.LNum
	Pnum defs.PNum
	Lpos int32 // -1 for a whole-PEB mapping
	Sqnum uint64
}

// ConsolidatedGroup names every slot of one already-consolidated PEB
// discovered at attach time, in slot order.
type ConsolidatedGroup struct {
	Pnum  defs.PNum
	Lnums []defs.LNum // UnmappedLnum for an empty slot
	Sqnum uint64
}

// VolumeInfo describes one volume to attach.
type VolumeInfo struct {
	Vol       defs.VolId
	VolType   defs.VolType
	Nlebs     int
	K         int // pairing groups per PEB; 1 disables consolidation
	AvailPebs int // total PEBs this volume may ever hold mapped
	Mappings  []LebRecord
	Groups    []ConsolidatedGroup
}

// AttachInfo is the scan or fastmap result for a whole device: every
// volume's discovered mappings, plus the highest sqnum observed on
// media.
type AttachInfo struct {
	Volumes    []VolumeInfo
	MaxSqnum   uint64
	Generation string // id of the format run that produced this snapshot
}

// Result is what Init hands back: one EbaTable per volume, and a list
// of PEBs that held data attach could not place (out-of-range lnums,
// duplicate mappings) and must be erased before reuse.
type Result struct {
	Tables    map[defs.VolId]*eba.Table
	EraseList []defs.PNum
}

// Init builds one EbaTable per volume named in ai (spec.md §4.7):
// reserve EbaReservedPebs from each volume's free-PEB budget, install
// every discovered mapping, and divert anything that doesn't fit
// cleanly (an out-of-range lnum, or two records claiming the same
// lnum) onto the erase list instead of failing the whole attach.
func Init(ai *AttachInfo) (*Result, error) {
	res := &Result{Tables: make(map[defs.VolId]*eba.Table, len(ai.Volumes))}

	for _, vi := range ai.Volumes {
		freePebs := vi.AvailPebs - EbaReservedPebs
		if freePebs < 0 {
			return nil, fmt.Errorf("attach: volume %d has fewer PEBs (%d) than the reserve (%d)", vi.Vol, vi.AvailPebs, EbaReservedPebs)
		}
		table := eba.NewTable(vi.Vol, vi.Nlebs, vi.K, freePebs)

		seen := make(map[defs.LNum]bool, len(vi.Mappings))
		for _, g := range vi.Groups {
			valid := make([]defs.LNum, 0, len(g.Lnums))
			for _, lnum := range g.Lnums {
				if lnum == eba.UnmappedLnum {
					continue
				}
				if int(lnum) < 0 || int(lnum) >= vi.Nlebs {
					res.EraseList = append(res.EraseList, g.Pnum)
					valid = nil
					break
				}
				valid = append(valid, lnum)
			}
			if len(valid) == 0 {
				continue
			}
			full := make([]defs.LNum, len(g.Lnums))
			copy(full, g.Lnums)
			table.InstallConsolidated(g.Pnum, compactGroup(full))
			for _, lnum := range valid {
				seen[lnum] = true
			}
		}

		for _, r := range vi.Mappings {
			if r.Lpos >= 0 {
				continue // consolidated records arrive via Groups
			}
			if int(r.Lnum) < 0 || int(r.Lnum) >= vi.Nlebs || seen[r.Lnum] {
				res.EraseList = append(res.EraseList, r.Pnum)
				continue
			}
			seen[r.Lnum] = true
			table.SetPnum(r.Lnum, r.Pnum)
			table.AdjustFreePebs(-1)
			table.MarkUpdated(r.Lnum)
		}

		res.Tables[vi.Vol] = table
	}
	return res, nil
}

// compactGroup drops UnmappedLnum slots, InstallConsolidated's input
// contract (lnums must each be a real LEB; empty slots are represented
// by the resulting ConsolidatedPeb having fewer than K entries only
// once emptied by Invalidate, never at installation).
func compactGroup(lnums []defs.LNum) []defs.LNum {
	out := make([]defs.LNum, 0, len(lnums))
	for _, l := range lnums {
		if l != eba.UnmappedLnum {
			out = append(out, l)
		}
	}
	return out
}

// SelfCheckEba implements spec.md §4.7 self_check_eba: compare two
// independently produced attach results (typically a fast path built
// from a fastmap and a slow, full-media scan) and fail if they
// disagree about any LEB's mapping. A LEB mapped on one side and
// unmapped on the other is tolerated — it means a write raced the
// fastmap snapshot — but any other disagreement indicates the fastmap
// is stale or corrupt.
func SelfCheckEba(fastmap, scan *Result) error {
	for vol, ft := range fastmap.Tables {
		st, ok := scan.Tables[vol]
		if !ok {
			return fmt.Errorf("attach: self_check_eba: volume %d present in fastmap but not in scan", vol)
		}
		if ft.Nlebs() != st.Nlebs() {
			return fmt.Errorf("attach: self_check_eba: volume %d nlebs mismatch (%d vs %d)", vol, ft.Nlebs(), st.Nlebs())
		}
		fs := ft.Snapshot()
		ss := st.Snapshot()
		for lnum := range fs {
			a, b := fs[lnum], ss[lnum]
			if a.Pnum == b.Pnum {
				continue
			}
			if a.Pnum == defs.Unmapped || b.Pnum == defs.Unmapped {
				continue // tolerated: a write raced the snapshot
			}
			return fmt.Errorf("attach: self_check_eba: volume %d lnum %d mismatch (fastmap=%d scan=%d)", vol, lnum, a.Pnum, b.Pnum)
		}
	}
	return nil
}
