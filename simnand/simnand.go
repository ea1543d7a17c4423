// Package simnand is a flat-file-backed reference implementation of
// nand.Io, nand.Media and wl.WL, for tests and the ebactl shell. It is
// not part of the EBA core; nothing in volume, eba or consolidate
// imports it.
//
// The single mutex serializing every request against one *os.File is
// grounded on the teacher's simulated disk, biscuit/src/ufs/driver.go
// (ahci_disk_t), which does exactly this for block I/O. Unlike
// ahci_disk_t, which does a manual Seek before each Read/Write under
// its lock, this implementation uses ReadAt/WriteAt — avoiding the
// seek-then-operate race ahci_disk_t depends on its mutex to prevent —
// while keeping the same "one lock guards one file" shape so fault
// injection bookkeeping stays simple.
package simnand

import (
	"os"
	"sync"

	"github.com/biscuit-os/eba/defs"
)

// Media is a fixed PEB geometry: pebSize bytes per PEB, the first
// hdrRegion bytes reserved for VID headers (possibly duplicated),
// pairing groups of k LEBs consolidated per PEB.
type Media struct {
	PebBytes     int
	HdrRegion    int
	MinIo        int
	K            int
	HeaderDups   int
}

func (m *Media) PairingGroupsPerEb() int { return m.K }
func (m *Media) LebSize() int            { return (m.PebBytes - m.HdrRegion) / max(m.K, 1) }
func (m *Media) MinIoSize() int          { return m.MinIo }
func (m *Media) LebStart() int           { return m.HdrRegion }
func (m *Media) HeaderDuplicates() int   { return m.HeaderDups }

// Fault describes an injected failure for one PEB, consumed (if Once)
// the first time it fires.
type Fault struct {
	Kind defs.ErrKind // EIO, EBITFLIP or EBADMSG
	Once bool
}

// Disk is the flat-file-backed nand.Io.
type Disk struct {
	mu     sync.Mutex
	f      *os.File
	media  *Media
	npebs  int
	faults map[defs.PNum]Fault
}

// Create opens (creating and sizing if necessary) a flat file of
// npebs*media.PebBytes bytes to back a Disk.
func Create(path string, media *Media, npebs int) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	size := int64(npebs) * int64(media.PebBytes)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &Disk{f: f, media: media, npebs: npebs, faults: make(map[defs.PNum]Fault)}, nil
}

// Open opens an existing flat file previously written by Create,
// without resizing it.
func Open(path string, media *Media, npebs int) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &Disk{f: f, media: media, npebs: npebs, faults: make(map[defs.PNum]Fault)}, nil
}

// Close closes the backing file.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// InjectFault arranges for the next (or every, if !Once) I/O touching
// pnum to fail with the given kind.
func (d *Disk) InjectFault(pnum defs.PNum, fault Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[pnum] = fault
}

func (d *Disk) takeFault(pnum defs.PNum) (Fault, bool) {
	f, ok := d.faults[pnum]
	if !ok {
		return Fault{}, false
	}
	if f.Once {
		delete(d.faults, pnum)
	}
	return f, true
}

func (d *Disk) absOffset(pnum defs.PNum, offset int) int64 {
	return int64(pnum)*int64(d.media.PebBytes) + int64(offset)
}

func flipOneBit(buf []byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] ^= 0x01
}

// Read implements nand.Io. A non-Once EBITFLIP fault still returns the
// (corrupted) bytes read, with a non-nil EBITFLIP error — matching the
// "bitflip reads still succeed" contract read_leb depends on.
func (d *Disk) Read(pnum defs.PNum, offset int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fault, hasFault := d.takeFault(pnum)
	if hasFault && fault.Kind == defs.EIO {
		return defs.Wrap("simnand.Read", defs.EIO, nil)
	}
	if _, err := d.f.ReadAt(buf, d.absOffset(pnum, offset)); err != nil {
		return defs.Wrap("simnand.Read", defs.EIO, err)
	}
	if hasFault {
		switch fault.Kind {
		case defs.EBITFLIP:
			flipOneBit(buf)
			return defs.Wrap("simnand.Read", defs.EBITFLIP, nil)
		case defs.EBADMSG:
			return defs.Wrap("simnand.Read", defs.EBADMSG, nil)
		}
	}
	return nil
}

// Write implements nand.Io.
func (d *Disk) Write(pnum defs.PNum, offset int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fault, ok := d.takeFault(pnum); ok && fault.Kind == defs.EIO {
		return defs.Wrap("simnand.Write", defs.EIO, nil)
	}
	if _, err := d.f.WriteAt(buf, d.absOffset(pnum, offset)); err != nil {
		return defs.Wrap("simnand.Write", defs.EIO, err)
	}
	return nil
}

// RawRead, RawWrite, SlcRead and SlcWrite have no distinct safety mode
// to simulate on a flat file, so they delegate to Read/Write; a fault
// injected for a PEB fires regardless of which primitive touches it.
func (d *Disk) RawRead(pnum defs.PNum, offset int, buf []byte) error  { return d.Read(pnum, offset, buf) }
func (d *Disk) RawWrite(pnum defs.PNum, offset int, buf []byte) error { return d.Write(pnum, offset, buf) }
func (d *Disk) SlcRead(pnum defs.PNum, offset int, buf []byte) error  { return d.Read(pnum, offset, buf) }
func (d *Disk) SlcWrite(pnum defs.PNum, offset int, buf []byte) error { return d.Write(pnum, offset, buf) }
