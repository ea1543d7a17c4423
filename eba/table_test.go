package eba

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/nand"
)

func TestNewTableStartsAllUnmapped(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	for lnum := 0; lnum < 4; lnum++ {
		ld := tbl.GetLdesc(defs.LNum(lnum))
		require.False(t, ld.Mapped())
	}
	require.Equal(t, 10, tbl.FreePebs())
}

func TestSetPnumAndGetLdesc(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(2, 77)
	ld := tbl.GetLdesc(2)
	require.True(t, ld.Mapped())
	require.False(t, ld.Consolidated())
	require.Equal(t, defs.PNum(77), ld.Pnum)
}

func TestSetPnumOnConsolidatedPanics(t *testing.T) {
	tbl := NewTable(1, 4, 2, 10)
	tbl.InstallConsolidated(50, []defs.LNum{0, 1})
	require.Panics(t, func() { tbl.SetPnum(0, 99) })
}

func TestMarkUpdatedMovesToOpenFront(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(0, 1)
	tbl.MarkUpdated(0)
	tbl.SetPnum(1, 2)
	tbl.MarkUpdated(1)
	open, clean, dirty := tbl.ClassificationCounts()
	require.Equal(t, 2, open)
	require.Equal(t, 0, clean)
	require.Empty(t, dirty)
}

func TestInvalidateNonConsolidatedReleases(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(0, 5)
	tbl.MarkUpdated(0)
	pnum, release := tbl.Invalidate(nand.LebDesc{Lnum: 0, Pnum: 5, Lpos: -1})
	require.True(t, release)
	require.Equal(t, defs.PNum(5), pnum)
	ld := tbl.GetLdesc(0)
	require.False(t, ld.Mapped())
	open, _, _ := tbl.ClassificationCounts()
	require.Equal(t, 0, open)
}

func TestInvalidateOnUnmappedDoesNotRelease(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	pnum, release := tbl.Invalidate(nand.LebDesc{Lnum: 0, Pnum: defs.Unmapped, Lpos: -1})
	require.False(t, release)
	require.Equal(t, defs.Unmapped, pnum)
}

func TestInstallConsolidatedLinksCleanAndDecrementsFreePebs(t *testing.T) {
	tbl := NewTable(1, 4, 2, 10)
	released := tbl.InstallConsolidated(99, []defs.LNum{0, 1})
	require.Empty(t, released)
	require.Equal(t, 9, tbl.FreePebs())
	require.True(t, tbl.IsConsolidated(0))
	require.True(t, tbl.IsConsolidated(1))

	ld0 := tbl.GetLdesc(0)
	require.Equal(t, defs.PNum(99), ld0.Pnum)
	require.Equal(t, int32(0), ld0.Lpos)
	ld1 := tbl.GetLdesc(1)
	require.Equal(t, int32(1), ld1.Lpos)

	_, clean, _ := tbl.ClassificationCounts()
	require.Equal(t, 1, clean)
}

func TestInstallConsolidatedReleasesPriorWholePebMappings(t *testing.T) {
	tbl := NewTable(1, 4, 2, 10)
	tbl.SetPnum(0, 11)
	tbl.SetPnum(1, 12)
	released := tbl.InstallConsolidated(99, []defs.LNum{0, 1})
	require.ElementsMatch(t, []defs.PNum{11, 12}, released)
}

func TestInvalidateConsolidatedPartialMovesToDirty(t *testing.T) {
	tbl := NewTable(1, 4, 3, 10) // K=3, so dirty has 2 buckets (1 and 2 valid slots)
	tbl.InstallConsolidated(99, []defs.LNum{0, 1, 2})
	pnum, release := tbl.Invalidate(nand.LebDesc{Lnum: 0, Pnum: 99, Lpos: 0})
	require.False(t, release)
	require.Equal(t, defs.Unmapped, pnum)
	require.False(t, tbl.IsConsolidated(0))
	require.True(t, tbl.IsConsolidated(1))

	_, clean, dirty := tbl.ClassificationCounts()
	require.Equal(t, 0, clean)
	require.Equal(t, 1, dirty[1]) // 2 valid slots remain -> dirty[2-1]
}

func TestInvalidateConsolidatedLastSlotReleasesPeb(t *testing.T) {
	tbl := NewTable(1, 4, 2, 10)
	tbl.InstallConsolidated(99, []defs.LNum{0, 1})
	pnum, release := tbl.Invalidate(nand.LebDesc{Lnum: 0, Pnum: 99, Lpos: 0})
	require.False(t, release)
	require.False(t, tbl.IsConsolidated(0))

	pnum, release = tbl.Invalidate(nand.LebDesc{Lnum: 1, Pnum: 99, Lpos: 1})
	require.True(t, release)
	require.Equal(t, defs.PNum(99), pnum)
	require.False(t, tbl.IsConsolidated(1))

	_, clean, dirty := tbl.ClassificationCounts()
	require.Equal(t, 0, clean)
	for _, d := range dirty {
		require.Equal(t, 0, d)
	}
}

func TestRepointConsolidatedMovesAllSlots(t *testing.T) {
	tbl := NewTable(1, 4, 2, 10)
	tbl.InstallConsolidated(99, []defs.LNum{0, 1})
	tbl.RepointConsolidated(0, 150)
	require.Equal(t, defs.PNum(150), tbl.GetLdesc(0).Pnum)
	require.Equal(t, defs.PNum(150), tbl.GetLdesc(1).Pnum)
}

func TestRepointConsolidatedOnNonConsolidatedPanics(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(0, 5)
	require.Panics(t, func() { tbl.RepointConsolidated(0, 6) })
}

func TestAdjustFreePebsPanicsOnNegative(t *testing.T) {
	tbl := NewTable(1, 4, 1, 0)
	require.Panics(t, func() { tbl.AdjustFreePebs(-1) })
}

func TestPickConsolidationSourcePrefersDirtyOverOpen(t *testing.T) {
	// PickConsolidationSource only ever looks at closed.dirty[0] (the
	// bucket with exactly one valid slot remaining), since that is the
	// only dirty bucket guaranteed to free a PEB in one consolidation
	// round; K=2 makes that the sole dirty bucket.
	tbl := NewTable(1, 6, 2, 10)
	tbl.InstallConsolidated(1, []defs.LNum{0, 1})
	tbl.Invalidate(nand.LebDesc{Lnum: 0, Pnum: 1, Lpos: 0}) // 1 valid slot left -> dirty[0]

	tbl.SetPnum(3, 50)
	tbl.MarkUpdated(3)

	lnum, ok := tbl.PickConsolidationSource(nil)
	require.True(t, ok)
	require.Equal(t, defs.LNum(1), lnum) // representative of the dirty group
}

func TestPickConsolidationSourceFallsBackToOpenLRUCold(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(0, 1)
	tbl.MarkUpdated(0)
	tbl.SetPnum(1, 2)
	tbl.MarkUpdated(1)
	// open front is 1 (most recent), back is 0 (coldest) -> pick 0
	lnum, ok := tbl.PickConsolidationSource(nil)
	require.True(t, ok)
	require.Equal(t, defs.LNum(0), lnum)
}

func TestPickConsolidationSourceHonorsExcluded(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(0, 1)
	tbl.MarkUpdated(0)
	lnum, ok := tbl.PickConsolidationSource(map[defs.LNum]bool{0: true})
	require.False(t, ok)
	require.Zero(t, lnum)
}

func TestSnapshotReflectsAllEntries(t *testing.T) {
	tbl := NewTable(1, 3, 1, 10)
	tbl.SetPnum(0, 5)
	snap := tbl.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, defs.PNum(5), snap[0].Pnum)
	require.False(t, snap[1].Mapped())
}

func TestCheckLnumPanicsOutOfRange(t *testing.T) {
	tbl := NewTable(1, 2, 1, 10)
	require.Panics(t, func() { tbl.GetLdesc(5) })
	require.Panics(t, func() { tbl.GetLdesc(-1) })
}

func TestSnapshotUnaffectedByInvalidateOfUnrelatedLeb(t *testing.T) {
	tbl := NewTable(1, 4, 1, 10)
	tbl.SetPnum(0, 5)
	tbl.SetPnum(1, 6)
	before := tbl.Snapshot()

	tbl.Invalidate(nand.LebDesc{Lnum: 2, Pnum: defs.Unmapped, Lpos: -1})
	after := tbl.Snapshot()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("snapshot changed after unrelated invalidate (-before +after):\n%s", diff)
	}
}

// FuzzInvalidateNeverLeavesDanglingConsolidation invalidates one slot of a
// K-slot consolidated group, for arbitrary K and slot, and checks that
// once no slot of the group is still consolidated, no representative is
// left on closed.clean or any closed.dirty bucket.
func FuzzInvalidateNeverLeavesDanglingConsolidation(f *testing.F) {
	f.Add(2, 0)
	f.Add(3, 1)
	f.Add(4, 3)
	f.Fuzz(func(t *testing.T, k, invalidateFirst int) {
		if k < 2 || k > 8 {
			t.Skip()
		}
		tbl := NewTable(1, k, k, 10)
		lnums := make([]defs.LNum, k)
		for i := range lnums {
			lnums[i] = defs.LNum(i)
		}
		tbl.InstallConsolidated(99, lnums)

		first := invalidateFirst % k
		if first < 0 {
			first += k
		}
		tbl.Invalidate(nand.LebDesc{Lnum: lnums[first], Pnum: 99, Lpos: int32(first)})

		remaining := 0
		for _, l := range lnums {
			if tbl.IsConsolidated(l) {
				remaining++
			}
		}
		if remaining == 0 {
			_, clean, dirty := tbl.ClassificationCounts()
			if clean != 0 {
				t.Fatalf("group fully dissolved but clean count is %d", clean)
			}
			for _, d := range dirty {
				if d != 0 {
					t.Fatalf("group fully dissolved but a dirty bucket still has %d entries", d)
				}
			}
		}
	})
}
