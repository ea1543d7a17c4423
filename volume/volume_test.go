package volume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/eba"
	"github.com/biscuit-os/eba/errors"
	"github.com/biscuit-os/eba/locktree"
	"github.com/biscuit-os/eba/metrics"
	"github.com/biscuit-os/eba/nand"
	"github.com/biscuit-os/eba/simnand"
	"github.com/biscuit-os/eba/sqnum"
)

const (
	testPebBytes  = 384
	testHdrRegion = 128
	testMinIo     = 16
	testK         = 2
)

func newOpsHarness(t *testing.T, npebs, nlebs int, volType defs.VolType) (*Ops, *eba.Table, *simnand.Allocator, *simnand.Disk) {
	t.Helper()
	media := &simnand.Media{PebBytes: testPebBytes, HdrRegion: testHdrRegion, MinIo: testMinIo, K: testK}
	disk, err := simnand.Create(filepath.Join(t.TempDir(), "image"), media, npebs)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	io := nand.New(disk, media)
	locks := locktree.New()
	alloc := simnand.NewAllocator(0, npebs, nil)
	table := eba.NewTable(1, nlebs, testK, npebs)
	sq := &sqnum.Counter{}
	stats := &metrics.VolumeStats{}
	dev := NewDevice()
	ops := New(1, volType, table, locks, io, media, alloc, sq, stats, dev, DefaultConfig())
	return ops, table, alloc, disk
}

func TestReadLebUnmappedDynamicReturnsFF(t *testing.T) {
	ops, _, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	buf := make([]byte, 16)
	n, err := ops.ReadLeb(0, buf, 0, true)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for _, b := range buf {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestReadLebUnmappedStaticPanics(t *testing.T) {
	ops, _, _, _ := newOpsHarness(t, 8, 4, defs.VolStatic)
	require.Panics(t, func() {
		_, _ = ops.ReadLeb(0, make([]byte, 16), 0, true)
	})
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ops, _, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	payload := []byte("hello-world-0123")
	require.NoError(t, ops.WriteLeb(0, payload, 0))
	require.True(t, ops.IsMapped(0))

	buf := make([]byte, len(payload))
	n, err := ops.ReadLeb(0, buf, 0, true)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestWriteLebConsumesOneFreePeb(t *testing.T) {
	ops, table, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	before := table.FreePebs()
	require.NoError(t, ops.WriteLeb(0, []byte("data0123"), 0))
	require.Equal(t, before-1, table.FreePebs())
}

func TestWriteLebReadOnlyRejected(t *testing.T) {
	ops, _, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	ops.setReadOnly()
	err := ops.WriteLeb(0, []byte("x"), 0)
	require.Error(t, err)
	require.Equal(t, defs.EROFS, defs.KindOf(err))
}

func TestWriteLebStaticRejectsDoubleMap(t *testing.T) {
	ops, _, _, _ := newOpsHarness(t, 8, 4, defs.VolStatic)
	require.NoError(t, ops.WriteLebStatic(0, []byte("static-data-0123"), 0))
	require.Panics(t, func() {
		_ = ops.WriteLebStatic(0, []byte("again"), 0)
	})
}

func TestWriteLebStaticPadsToMinIoSize(t *testing.T) {
	ops, _, _, disk := newOpsHarness(t, 8, 4, defs.VolStatic)
	require.NoError(t, ops.WriteLebStatic(0, []byte("odd"), 0))
	_ = disk
	buf := make([]byte, testMinIo)
	n, err := ops.ReadLeb(0, buf, 0, false)
	require.NoError(t, err)
	require.Equal(t, testMinIo, n)
	require.Equal(t, byte('o'), buf[0])
	require.Equal(t, byte(0xFF), buf[testMinIo-1])
}

func TestUnmapLebIsIdempotent(t *testing.T) {
	ops, table, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	require.NoError(t, ops.WriteLeb(0, []byte("data0123"), 0))
	freeAfterWrite := table.FreePebs()

	require.NoError(t, ops.UnmapLeb(0))
	require.False(t, ops.IsMapped(0))
	require.Equal(t, freeAfterWrite+1, table.FreePebs())

	err := ops.UnmapLeb(0)
	require.ErrorIs(t, err, errors.ErrAlreadyUnmapped)
}

func TestAtomicLebChangeReplacesMapping(t *testing.T) {
	ops, table, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	require.NoError(t, ops.WriteLeb(0, []byte("data0123"), 0))
	oldPnum := table.GetLdesc(0).Pnum
	freeBefore := table.FreePebs()

	require.NoError(t, ops.AtomicLebChange(0, []byte("new-data")))
	require.NotEqual(t, oldPnum, table.GetLdesc(0).Pnum)
	// old peb released, new peb consumed: net zero on an already-mapped
	// lnum.
	require.Equal(t, freeBefore, table.FreePebs())

	buf := make([]byte, len("new-data"))
	n, err := ops.ReadLeb(0, buf, 0, true)
	require.NoError(t, err)
	require.Equal(t, "new-data", string(buf[:n]))
}

func TestAtomicLebChangeEmptyBufUnmaps(t *testing.T) {
	ops, _, _, _ := newOpsHarness(t, 8, 4, defs.VolDynamic)
	require.NoError(t, ops.WriteLeb(0, []byte("data0123"), 0))
	require.NoError(t, ops.AtomicLebChange(0, nil))
	require.False(t, ops.IsMapped(0))
}

func TestReadLebDetectsBitflipNonFatally(t *testing.T) {
	ops, table, _, disk := newOpsHarness(t, 8, 4, defs.VolDynamic)
	require.NoError(t, ops.WriteLeb(0, []byte("data0123"), 0))
	pnum := table.GetLdesc(0).Pnum
	disk.InjectFault(pnum, simnand.Fault{Kind: defs.EBITFLIP, Once: true})

	buf := make([]byte, 8)
	n, err := ops.ReadLeb(0, buf, 0, false)
	require.NoError(t, err)
	require.Equal(t, 8, n)
}

func TestWriteLebRecoversOnTargetEIO(t *testing.T) {
	ops, table, _, disk := newOpsHarness(t, 8, 4, defs.VolDynamic)
	require.NoError(t, ops.WriteLeb(0, []byte("data0123"), 0))
	oldPnum := table.GetLdesc(0).Pnum
	disk.InjectFault(oldPnum, simnand.Fault{Kind: defs.EIO, Once: false})

	require.NoError(t, ops.WriteLeb(0, []byte("fresh-01"), 0))
	require.NotEqual(t, oldPnum, table.GetLdesc(0).Pnum)
}
