// Package nand implements LebIo (spec.md §4.4): translating a LebDesc
// plus a within-LEB offset into an absolute offset inside a PEB, and
// dispatching the read or write through the SLC-safe or raw I/O
// primitive as appropriate.
//
// The read/write request shape here — an offset-based call into a
// Disk_i-like interface, with distinct code paths for different media
// safety modes — is grounded on the teacher's block layer
// (biscuit/src/fs/blk.go: Bdev_block_t.Read/Write calling through a
// Disk_i), adapted from whole-block disk I/O to partial, offset-ranged
// PEB I/O with multiple safety-mode primitives instead of one.
package nand

import "github.com/biscuit-os/eba/defs"

// LebDesc is the ephemeral {lnum, pnum, lpos} triple of spec.md §3.
// Pnum == defs.Unmapped means the LEB has no backing PEB. Lpos >= 0
// marks the LEB as residing in slot Lpos of a consolidated PEB; Lpos <
// 0 means the PEB stores a single LEB.
type LebDesc struct {
	Lnum defs.LNum
	Pnum defs.PNum
	Lpos int32
}

// Mapped reports whether the descriptor has a backing PEB.
func (d LebDesc) Mapped() bool { return d.Pnum != defs.Unmapped }

// Consolidated reports whether the LEB occupies one slot of a
// multi-LEB PEB rather than a whole PEB to itself.
func (d LebDesc) Consolidated() bool { return d.Lpos >= 0 }

// Io is the offset-based PEB I/O primitive set consumed from the WL/Io
// collaborator (spec.md §6). Read/Write operate on the VID header
// region (always written at full reliability); RawRead/RawWrite and
// SlcRead/SlcWrite operate on the LEB payload region, with SLC* adding
// whatever safety margin MLC media requires when a PEB holds only one
// LEB (so it is written exactly like SLC media would be).
type Io interface {
	Read(pnum defs.PNum, offset int, buf []byte) error
	Write(pnum defs.PNum, offset int, buf []byte) error
	RawRead(pnum defs.PNum, offset int, buf []byte) error
	RawWrite(pnum defs.PNum, offset int, buf []byte) error
	SlcRead(pnum defs.PNum, offset int, buf []byte) error
	SlcWrite(pnum defs.PNum, offset int, buf []byte) error
}

// Media exposes the geometry LebIo needs: the pairing-group count K
// (spec.md Glossary), the size of one LEB's payload region, and the
// byte offset within a PEB where that payload region begins (i.e. the
// size of the VID header region preceding it).
type Media interface {
	PairingGroupsPerEb() int
	LebSize() int
	MinIoSize() int
	LebStart() int
}

// LebIo computes absolute PEB offsets for a LebDesc and dispatches
// through the SLC-safe or raw primitive depending on whether the LEB is
// consolidated, per spec.md §4.4.
type LebIo struct {
	io    Io
	media Media
}

// New builds a LebIo over the given I/O and media geometry.
func New(io Io, media Media) *LebIo {
	return &LebIo{io: io, media: media}
}

// Offset returns the absolute byte offset within d.Pnum at which
// within-LEB offset loffset lives.
func (l *LebIo) Offset(d LebDesc, loffset int) int {
	base := l.media.LebStart()
	if d.Consolidated() {
		return base + int(d.Lpos)*l.media.LebSize() + loffset
	}
	return base + loffset
}

// Read reads length bytes at within-LEB offset loffset into buf.
func (l *LebIo) Read(d LebDesc, loffset int, buf []byte) error {
	off := l.Offset(d, loffset)
	if d.Consolidated() {
		return l.io.RawRead(d.Pnum, off, buf)
	}
	return l.io.SlcRead(d.Pnum, off, buf)
}

// Write writes buf at within-LEB offset loffset.
func (l *LebIo) Write(d LebDesc, loffset int, buf []byte) error {
	off := l.Offset(d, loffset)
	if d.Consolidated() {
		return l.io.RawWrite(d.Pnum, off, buf)
	}
	return l.io.SlcWrite(d.Pnum, off, buf)
}

// WriteHeader writes the VID header region of pnum (always at offset
// 0, always via the full-reliability primitive).
func (l *LebIo) WriteHeader(pnum defs.PNum, hdr []byte) error {
	return l.io.Write(pnum, 0, hdr)
}

// WriteHeaderAt writes raw header bytes at an explicit offset within
// the VID header region, used to duplicate a consolidated PEB's header
// block into trailing min_io_size pages (spec.md §6).
func (l *LebIo) WriteHeaderAt(pnum defs.PNum, offset int, hdr []byte) error {
	return l.io.Write(pnum, offset, hdr)
}

// ReadHeader reads n bytes of the VID header region of pnum.
func (l *LebIo) ReadHeader(pnum defs.PNum, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := l.io.Read(pnum, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// HeaderOffset returns the offset of the nth consolidated header slot
// within the VID header region (spec.md §6: K headers written
// contiguously, duplicated into trailing min_io_size pages).
func (l *LebIo) HeaderOffset(slot int, hdrSize int) int {
	return slot * hdrSize
}
