package vidhdr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/eba/defs"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	h := &Header{
		Version:  Version,
		VolType:  defs.VolDynamic,
		CopyFlag: true,
		VolId:    7,
		Lnum:     42,
		DataSize: 100,
		DataCrc:  0xdeadbeef,
		Sqnum:    123456789,
		Flags:    FlagConsolidated,
	}
	buf := h.Marshal()
	require.Len(t, buf, Size)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.VolType, got.VolType)
	require.Equal(t, h.CopyFlag, got.CopyFlag)
	require.Equal(t, h.VolId, got.VolId)
	require.Equal(t, h.Lnum, got.Lnum)
	require.Equal(t, h.DataSize, got.DataSize)
	require.Equal(t, h.DataCrc, got.DataCrc)
	require.Equal(t, h.Sqnum, got.Sqnum)
	require.True(t, got.Consolidated())
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	buf := (&Header{}).Marshal()
	buf[0] ^= 0xff
	_, err := Unmarshal(buf)
	require.Error(t, err)
	require.Equal(t, defs.EBADMSG, defs.KindOf(err))
}

func TestUnmarshalRejectsBadCrc(t *testing.T) {
	buf := (&Header{DataSize: 10}).Marshal()
	buf[10] ^= 0xff // corrupt a byte covered by hdr_crc
	_, err := Unmarshal(buf)
	require.Error(t, err)
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	_, err := Unmarshal(make([]byte, Size-1))
	require.Error(t, err)
}

func TestDataCRCDeterministic(t *testing.T) {
	a := DataCRC([]byte("hello world"))
	b := DataCRC([]byte("hello world"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, DataCRC([]byte("hello worlD")))
}
