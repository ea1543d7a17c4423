// Package vidhdr implements the on-media VID header described in
// spec.md §6: a fixed-layout, big-endian record persisted once per PEB
// (or once per slot, on a consolidated PEB).
//
// The teacher kernel packs on-media structures by hand with unsafe
// pointer casts sized to the host's native endianness (see
// biscuit/src/fs/super.go's fieldr/fieldw, and util.Readn). That
// approach is explicitly wrong for a format the spec requires to be
// big-endian on media regardless of host architecture, so this package
// uses encoding/binary instead — the standard, portable choice for
// exactly this job (see DESIGN.md).
package vidhdr

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/biscuit-os/eba/defs"
)

// Magic identifies a valid VID header.
const Magic uint32 = 0x55424923 // "UBI#"

// Version is the on-media format version written by this package.
const Version uint8 = 1

// Flags bits.
const (
	FlagConsolidated uint32 = 1 << 0
)

// Size is the fixed marshaled size of a Header in bytes:
// magic(4) version(1) vol_type(1) copy_flag(1) compat(1) vol_id(4)
// lnum(4) data_size(4) used_ebs(4) data_pad(4) data_crc(4) sqnum(8)
// hdr_crc(4) flags(4) = 48 bytes.
const Size = 48

// Header is the VID header described in spec.md §6.
type Header struct {
	Version  uint8
	VolType  defs.VolType
	CopyFlag bool
	Compat   uint8
	VolId    defs.VolId
	Lnum     defs.LNum
	DataSize uint32
	UsedEbs  uint32
	DataPad  uint32
	DataCrc  uint32
	Sqnum    uint64
	Flags    uint32
}

// Consolidated reports whether the FlagConsolidated bit is set.
func (h *Header) Consolidated() bool {
	return h.Flags&FlagConsolidated != 0
}

// Marshal encodes h as Size big-endian bytes, computing and appending
// the header CRC over everything preceding it.
func (h *Header) Marshal() []byte {
	buf := make([]byte, Size)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = h.Version
	buf[5] = uint8(h.VolType)
	if h.CopyFlag {
		buf[6] = 1
	}
	buf[7] = h.Compat
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.VolId))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Lnum))
	binary.BigEndian.PutUint32(buf[16:20], h.DataSize)
	binary.BigEndian.PutUint32(buf[20:24], h.UsedEbs)
	binary.BigEndian.PutUint32(buf[24:28], h.DataPad)
	binary.BigEndian.PutUint32(buf[28:32], h.DataCrc)
	binary.BigEndian.PutUint64(buf[32:40], h.Sqnum)
	hdrCrc := crc32.ChecksumIEEE(buf[:40])
	binary.BigEndian.PutUint32(buf[40:44], hdrCrc)
	binary.BigEndian.PutUint32(buf[44:48], h.Flags)
	return buf
}

// Unmarshal decodes a Header from buf, verifying magic and hdr_crc.
// Returns *defs.Error{Kind: EBADMSG} on any mismatch.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < Size {
		return nil, defs.Wrap("vidhdr.Unmarshal", defs.EBADMSG, nil)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, defs.Wrap("vidhdr.Unmarshal", defs.EBADMSG, nil)
	}
	wantCrc := binary.BigEndian.Uint32(buf[40:44])
	gotCrc := crc32.ChecksumIEEE(buf[:40])
	if wantCrc != gotCrc {
		return nil, defs.Wrap("vidhdr.Unmarshal", defs.EBADMSG, nil)
	}
	h := &Header{
		Version:  buf[4],
		VolType:  defs.VolType(buf[5]),
		CopyFlag: buf[6] != 0,
		Compat:   buf[7],
		VolId:    defs.VolId(binary.BigEndian.Uint32(buf[8:12])),
		Lnum:     defs.LNum(int32(binary.BigEndian.Uint32(buf[12:16]))),
		DataSize: binary.BigEndian.Uint32(buf[16:20]),
		UsedEbs:  binary.BigEndian.Uint32(buf[20:24]),
		DataPad:  binary.BigEndian.Uint32(buf[24:28]),
		DataCrc:  binary.BigEndian.Uint32(buf[28:32]),
		Sqnum:    binary.BigEndian.Uint64(buf[32:40]),
		Flags:    binary.BigEndian.Uint32(buf[44:48]),
	}
	return h, nil
}

// DataCRC computes the data_crc field value for a payload, the same
// CRC32 (IEEE) polynomial used for hdr_crc.
func DataCRC(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
