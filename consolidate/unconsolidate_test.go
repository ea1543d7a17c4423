package consolidate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/eba"
	"github.com/biscuit-os/eba/nand"
	"github.com/biscuit-os/eba/simnand"
	"github.com/biscuit-os/eba/sqnum"
)

func TestUnconsolidateLastSlotReleasesOldPeb(t *testing.T) {
	media := &simnand.Media{PebBytes: testPebBytes, HdrRegion: testHdrRegion, MinIo: testMinIo, K: 2}
	disk, err := simnand.Create(filepath.Join(t.TempDir(), "image"), media, 8)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	io := nand.New(disk, media)
	alloc := simnand.NewAllocator(0, 8, nil)
	sq := &sqnum.Counter{}

	table := eba.NewTable(1, 4, 2, 8)
	table.InstallConsolidated(0, []defs.LNum{0, 1})
	// unconsolidate lnum 1 first so lnum 0 becomes the peb's only slot.
	_, err = Unconsolidate(1, 1, table.GetLdesc(1), defs.VolDynamic, table, io, media, alloc, sq)
	require.NoError(t, err)
	require.False(t, table.IsConsolidated(1))

	freeBefore := table.FreePebs()
	newDesc, err := Unconsolidate(1, 0, table.GetLdesc(0), defs.VolDynamic, table, io, media, alloc, sq)
	require.NoError(t, err)
	require.False(t, table.IsConsolidated(0))
	require.Equal(t, newDesc.Pnum, table.GetLdesc(0).Pnum)
	// the last slot of peb 0 emptied (released) while a fresh whole peb
	// entered the table: net zero change to free_pebs.
	require.Equal(t, freeBefore, table.FreePebs())
}

func TestUnconsolidatePartialSlotConsumesOneFreePeb(t *testing.T) {
	media := &simnand.Media{PebBytes: testPebBytes, HdrRegion: testHdrRegion, MinIo: testMinIo, K: 3}
	disk, err := simnand.Create(filepath.Join(t.TempDir(), "image"), media, 8)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	io := nand.New(disk, media)
	alloc := simnand.NewAllocator(0, 8, nil)
	sq := &sqnum.Counter{}

	table := eba.NewTable(1, 4, 3, 8)
	table.InstallConsolidated(0, []defs.LNum{0, 1, 2})
	freeBefore := table.FreePebs()

	_, err = Unconsolidate(1, 0, table.GetLdesc(0), defs.VolDynamic, table, io, media, alloc, sq)
	require.NoError(t, err)
	require.False(t, table.IsConsolidated(0))
	require.True(t, table.IsConsolidated(1))
	require.True(t, table.IsConsolidated(2))
	// the old peb stays in the table (slots 1,2 still valid) while a new
	// whole peb enters it for lnum 0: one additional peb consumed.
	require.Equal(t, freeBefore-1, table.FreePebs())
}

func TestUnconsolidatePreservesPayload(t *testing.T) {
	media := &simnand.Media{PebBytes: testPebBytes, HdrRegion: testHdrRegion, MinIo: testMinIo, K: 2}
	disk, err := simnand.Create(filepath.Join(t.TempDir(), "image"), media, 8)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	io := nand.New(disk, media)
	alloc := simnand.NewAllocator(0, 8, nil)
	sq := &sqnum.Counter{}

	table := eba.NewTable(1, 4, 2, 8)
	table.InstallConsolidated(0, []defs.LNum{0, 1})

	payload := make([]byte, media.LebSize())
	copy(payload, []byte("payload-under-test"))
	require.NoError(t, io.Write(table.GetLdesc(0), 0, payload))

	newDesc, err := Unconsolidate(1, 0, table.GetLdesc(0), defs.VolDynamic, table, io, media, alloc, sq)
	require.NoError(t, err)

	got := make([]byte, media.LebSize())
	require.NoError(t, io.Read(newDesc, 0, got))
	require.Equal(t, payload, got)
}
