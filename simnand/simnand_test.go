package simnand

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/eba/attach"
	"github.com/biscuit-os/eba/defs"
)

func testMedia() *Media {
	return &Media{PebBytes: 128, HdrRegion: 32, MinIo: 16, K: 2, HeaderDups: 1}
}

func TestDiskWriteThenRead(t *testing.T) {
	d, err := Create(filepath.Join(t.TempDir(), "image"), testMedia(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	payload := []byte("0123456789abcdef")
	require.NoError(t, d.Write(2, 32, payload))
	got := make([]byte, len(payload))
	require.NoError(t, d.Read(2, 32, got))
	require.Equal(t, payload, got)
}

func TestInjectFaultEIO(t *testing.T) {
	d, err := Create(filepath.Join(t.TempDir(), "image"), testMedia(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	d.InjectFault(1, Fault{Kind: defs.EIO, Once: true})
	err = d.Read(1, 0, make([]byte, 16))
	require.Error(t, err)
	require.Equal(t, defs.EIO, defs.KindOf(err))

	// Once fault consumed: the next read must succeed.
	require.NoError(t, d.Read(1, 0, make([]byte, 16)))
}

func TestInjectFaultBitflipStillReturnsData(t *testing.T) {
	d, err := Create(filepath.Join(t.TempDir(), "image"), testMedia(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	payload := []byte("0123456789abcdef")
	require.NoError(t, d.Write(1, 32, payload))
	d.InjectFault(1, Fault{Kind: defs.EBITFLIP, Once: true})

	got := make([]byte, len(payload))
	err = d.Read(1, 32, got)
	require.Error(t, err)
	require.Equal(t, defs.EBITFLIP, defs.KindOf(err))
	require.NotEqual(t, payload, got) // one bit flipped
}

func TestInjectFaultNonOncePersists(t *testing.T) {
	d, err := Create(filepath.Join(t.TempDir(), "image"), testMedia(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	d.InjectFault(1, Fault{Kind: defs.EIO, Once: false})
	require.Error(t, d.Read(1, 0, make([]byte, 16)))
	require.Error(t, d.Read(1, 0, make([]byte, 16)))
}

func TestOpenExistingImagePreservesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	d, err := Create(path, testMedia(), 4)
	require.NoError(t, err)
	payload := []byte("persisted-data-1")
	require.NoError(t, d.Write(0, 32, payload))
	require.NoError(t, d.Close())

	reopened, err := Open(path, testMedia(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	got := make([]byte, len(payload))
	require.NoError(t, reopened.Read(0, 32, got))
	require.Equal(t, payload, got)
}

func TestAllocatorDisjointRanges(t *testing.T) {
	a := NewAllocator(0, 4, nil)
	b := NewAllocator(4, 4, nil)
	require.Equal(t, 4, a.FreeCount())
	require.Equal(t, 4, b.FreeCount())

	seen := make(map[defs.PNum]bool)
	for i := 0; i < 4; i++ {
		p, err := a.GetPeb()
		require.NoError(t, err)
		require.True(t, p >= 0 && p < 4)
		seen[p] = true
	}
	require.Len(t, seen, 4)
	_, err := a.GetPeb()
	require.Error(t, err)
}

func TestAllocatorWithholdsReserved(t *testing.T) {
	a := NewAllocator(0, 4, []defs.PNum{1, 2})
	require.Equal(t, 2, a.FreeCount())
	for i := 0; i < 2; i++ {
		p, err := a.GetPeb()
		require.NoError(t, err)
		require.NotEqual(t, defs.PNum(1), p)
		require.NotEqual(t, defs.PNum(2), p)
	}
}

func TestAllocatorPutPebTortureCount(t *testing.T) {
	a := NewAllocator(0, 2, nil)
	p, err := a.GetPeb()
	require.NoError(t, err)
	require.NoError(t, a.PutPeb(p, true))
	require.Equal(t, 1, a.TortureCount(p))
}

func TestAllocatorScrubQueue(t *testing.T) {
	a := NewAllocator(0, 2, nil)
	require.NoError(t, a.ScrubPeb(0))
	require.Equal(t, []defs.PNum{0}, a.ScrubQueue())
}

func TestSaveAndLoadAttachInfoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attach.json")
	ai := &attach.AttachInfo{
		MaxSqnum:   42,
		Generation: "test-generation-1",
		Volumes: []attach.VolumeInfo{
			{Vol: 1, VolType: defs.VolDynamic, Nlebs: 4, K: 2, AvailPebs: 8, Mappings: []attach.LebRecord{
				{Lnum: 0, Pnum: 5, Lpos: -1, Sqnum: 1},
			}},
		},
	}
	require.NoError(t, SaveAttachInfo(path, ai))
	got, err := LoadAttachInfo(path)
	require.NoError(t, err)
	require.Equal(t, ai.MaxSqnum, got.MaxSqnum)
	require.Equal(t, ai.Generation, got.Generation)
	require.Equal(t, len(ai.Volumes), len(got.Volumes))
	require.Equal(t, ai.Volumes[0].Mappings[0].Pnum, got.Volumes[0].Mappings[0].Pnum)
}
