// Package volume implements VolumeOps (spec.md §4.5): read_leb,
// write_leb, write_leb_static, atomic_leb_change, unmap_leb,
// recover_peb and copy_peb. It is the layer user I/O calls into; it
// acquires a LockTree entry, consults/mutates the EbaTable, and hands
// off to LebIo and the WL collaborator for new mappings.
//
// The retry-then-go-read-only shape of write_leb/write_leb_static, and
// the general habit of returning a defs.ErrKind rather than panicking
// on a media failure, follows the teacher kernel's vm package
// (biscuit/src/vm/as.go, biscuit/src/vm/userbuf.go), which validates
// caller-supplied ranges and returns defs.Err_t instead of trusting
// the caller.
package volume

import (
	"sync"

	"github.com/biscuit-os/eba/consolidate"
	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/eba"
	"github.com/biscuit-os/eba/errors"
	"github.com/biscuit-os/eba/locktree"
	"github.com/biscuit-os/eba/metrics"
	"github.com/biscuit-os/eba/nand"
	"github.com/biscuit-os/eba/sqnum"
	"github.com/biscuit-os/eba/vidhdr"
	"github.com/biscuit-os/eba/wl"
)

// Device holds the locks that are shared across every volume attached
// to one physical device (spec.md §5): alc_mutex serializes atomic LEB
// changes device-wide, and fm_eba_sem is held in read mode during any
// EBA mutation so fastmap snapshotting can exclude them in write mode.
// New threads FmEbaSem into every volume's eba.Table via
// eba.Table.SetSemaphore, so set_pnum, invalidate and list-mutating
// calls against any volume on this device take it in read mode.
type Device struct {
	AlcMu    sync.Mutex
	FmEbaSem sync.RWMutex
}

// NewDevice returns a Device with its locks ready to use.
func NewDevice() *Device { return &Device{} }

// Config holds the small tunables VolumeOps needs.
type Config struct {
	IoRetries int // spec.md IO_RETRIES
}

// DefaultConfig returns the spec's implied defaults.
func DefaultConfig() Config { return Config{IoRetries: 3} }

// Ops is VolumeOps for one volume (spec.md §4.5).
type Ops struct {
	vol     defs.VolId
	volType defs.VolType
	table   *eba.Table
	locks   *locktree.Tree
	io      *nand.LebIo
	media   nand.Media
	w       wl.WL
	sq      *sqnum.Counter
	stats   *metrics.VolumeStats
	dev     *Device
	cfg     Config

	roMu     sync.Mutex
	readOnly bool
}

// New builds VolumeOps for one attached volume.
func New(vol defs.VolId, volType defs.VolType, table *eba.Table, locks *locktree.Tree, io *nand.LebIo, media nand.Media, w wl.WL, sq *sqnum.Counter, stats *metrics.VolumeStats, dev *Device, cfg Config) *Ops {
	table.SetSemaphore(&dev.FmEbaSem)
	return &Ops{vol: vol, volType: volType, table: table, locks: locks, io: io, media: media, w: w, sq: sq, stats: stats, dev: dev, cfg: cfg}
}

func (o *Ops) isReadOnly() bool {
	o.roMu.Lock()
	defer o.roMu.Unlock()
	return o.readOnly
}

func (o *Ops) setReadOnly() {
	o.roMu.Lock()
	o.readOnly = true
	o.roMu.Unlock()
	o.stats.ReadOnlyTrips.Inc()
}

// IsMapped reports whether lnum currently has a backing PEB (spec.md
// §6 is_mapped).
func (o *Ops) IsMapped(lnum defs.LNum) bool {
	return o.table.GetLdesc(lnum).Mapped()
}

// CountFreePebs reports the volume's free-PEB budget (spec.md §6
// count_free_pebs).
func (o *Ops) CountFreePebs() int {
	return o.table.FreePebs()
}

func fillFF(buf []byte) {
	for i := range buf {
		buf[i] = 0xFF
	}
}

func (o *Ops) headerSlot(ld nand.LebDesc) (*vidhdr.Header, error) {
	slot := 0
	if ld.Consolidated() {
		slot = int(ld.Lpos)
	}
	raw, err := o.io.ReadHeader(ld.Pnum, (slot+1)*vidhdr.Size)
	if err != nil {
		return nil, err
	}
	return vidhdr.Unmarshal(raw[slot*vidhdr.Size : (slot+1)*vidhdr.Size])
}

// ReadLeb implements spec.md §4.5.1.
func (o *Ops) ReadLeb(lnum defs.LNum, buf []byte, off int, check bool) (int, error) {
	o.locks.ReadLock(o.vol, lnum)
	defer o.locks.ReadUnlock(o.vol, lnum)
	n, err := o.readLebLocked(lnum, buf, off, check)
	if err == nil {
		o.stats.Reads.Inc()
	}
	return n, err
}

func (o *Ops) readLebLocked(lnum defs.LNum, buf []byte, off int, check bool) (int, error) {
	ld := o.table.GetLdesc(lnum)
	if !ld.Mapped() {
		if o.volType == defs.VolDynamic {
			fillFF(buf)
			return len(buf), nil
		}
		// Reading an unmapped LEB on a static volume is a caller
		// contract violation, per spec.md §4.5.1 step 2.
		panic("volume: read_leb of an unmapped leb on a static volume")
	}

	var expect *vidhdr.Header
	if check {
		h, err := o.headerSlot(ld)
		if err != nil {
			return 0, defs.Wrap("read_leb", defs.EBADMSG, err)
		}
		expect = h
	}

	err := o.io.Read(ld, off, buf)
	if err != nil {
		kind := defs.KindOf(err)
		switch {
		case kind == defs.EBITFLIP:
			o.stats.Bitflips.Inc()
			_ = o.w.ScrubPeb(ld.Pnum)
			// Bitflips are non-fatal; the read still succeeds.
		case kind == defs.EBADMSG && o.volType == defs.VolStatic && !check:
			return o.readLebLocked(lnum, buf, off, true)
		default:
			return 0, err
		}
	}

	if check && expect != nil {
		n := int(expect.DataSize)
		if n > len(buf) {
			n = len(buf)
		}
		if vidhdr.DataCRC(buf[:n]) != expect.DataCrc {
			return 0, defs.Wrap("read_leb", defs.EBADMSG, nil)
		}
	}
	return len(buf), nil
}

// WriteLeb implements spec.md §4.5.2 (dynamic volumes).
func (o *Ops) WriteLeb(lnum defs.LNum, buf []byte, off int) error {
	if o.isReadOnly() {
		return defs.Wrap("write_leb", defs.EROFS, nil)
	}
	o.locks.WriteLock(o.vol, lnum)
	defer o.locks.WriteUnlock(o.vol, lnum)

	ld := o.table.GetLdesc(lnum)
	if ld.Consolidated() {
		newDesc, err := consolidate.Unconsolidate(o.vol, lnum, ld, o.volType, o.table, o.io, o.media, o.w, o.sq)
		if err != nil {
			return defs.Wrap("write_leb", defs.KindOf(err), err)
		}
		ld = newDesc
		o.stats.Unconsolidates.Inc()
	}

	if ld.Mapped() {
		if err := o.io.Write(ld, off, buf); err != nil {
			if defs.KindOf(err) != defs.EIO {
				return err
			}
			if err := o.recoverPeb(lnum, ld, buf, off); err != nil {
				return err
			}
			o.table.MarkUpdated(lnum)
			o.stats.Writes.Inc()
			return nil
		}
		o.table.MarkUpdated(lnum)
		o.stats.Writes.Inc()
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.IoRetries; attempt++ {
		pnum, err := o.w.GetPeb()
		if err != nil {
			lastErr = err
			continue
		}
		h := &vidhdr.Header{Version: vidhdr.Version, VolType: o.volType, VolId: o.vol, Lnum: lnum,
			Sqnum: o.sq.Next(), DataSize: uint32(len(buf)), DataCrc: vidhdr.DataCRC(buf)}
		newDesc := nand.LebDesc{Lnum: lnum, Pnum: pnum, Lpos: -1}
		if err := o.io.WriteHeader(pnum, h.Marshal()); err != nil {
			_ = o.w.PutPeb(pnum, false)
			lastErr = err
			o.stats.RetriedWrites.Inc()
			continue
		}
		if err := o.io.Write(newDesc, off, buf); err != nil {
			_ = o.w.PutPeb(pnum, false)
			lastErr = err
			o.stats.RetriedWrites.Inc()
			continue
		}
		o.table.SetPnum(lnum, pnum)
		o.table.AdjustFreePebs(-1)
		o.table.MarkUpdated(lnum)
		o.stats.Writes.Inc()
		return nil
	}
	o.setReadOnly()
	return defs.Wrap("write_leb", defs.EROFS, lastErr)
}

// recoverPeb implements spec.md §4.5.5.
func (o *Ops) recoverPeb(lnum defs.LNum, ld nand.LebDesc, buf []byte, off int) error {
	lebSize := o.media.LebSize()
	merged := make([]byte, lebSize)
	fillFF(merged)
	if off > 0 {
		prefix := make([]byte, off)
		if err := o.io.Read(ld, 0, prefix); err == nil {
			copy(merged[:off], prefix)
		}
	}
	copy(merged[off:off+len(buf)], buf)

	var lastErr error
	for attempt := 0; attempt < o.cfg.IoRetries; attempt++ {
		pnum, err := o.w.GetPeb()
		if err != nil {
			lastErr = err
			continue
		}
		h := &vidhdr.Header{Version: vidhdr.Version, VolType: o.volType, VolId: o.vol, Lnum: lnum,
			Sqnum: o.sq.Next(), DataSize: uint32(len(merged)), DataCrc: vidhdr.DataCRC(merged)}
		newDesc := nand.LebDesc{Lnum: lnum, Pnum: pnum, Lpos: -1}
		if err := o.io.WriteHeader(pnum, h.Marshal()); err != nil {
			_ = o.w.PutPeb(pnum, false)
			lastErr = err
			continue
		}
		if err := o.io.Write(newDesc, 0, merged); err != nil {
			_ = o.w.PutPeb(pnum, false)
			lastErr = err
			continue
		}
		oldPnum := ld.Pnum
		o.table.SetPnum(lnum, pnum)
		_ = o.w.PutPeb(oldPnum, true) // torture: re-erase and test
		o.stats.RecoverPebs.Inc()
		return nil
	}
	o.setReadOnly()
	return defs.Wrap("recover_peb", defs.EROFS, lastErr)
}

// WriteLebStatic implements spec.md §4.5.3.
func (o *Ops) WriteLebStatic(lnum defs.LNum, buf []byte, usedEbs uint32) error {
	if o.isReadOnly() {
		return defs.Wrap("write_leb_static", defs.EROFS, nil)
	}
	o.locks.WriteLock(o.vol, lnum)
	defer o.locks.WriteUnlock(o.vol, lnum)

	if o.table.GetLdesc(lnum).Mapped() {
		panic("volume: write_leb_static on an already-mapped leb")
	}

	minIo := o.media.MinIoSize()
	padded := buf
	if rem := len(buf) % minIo; rem != 0 {
		padded = make([]byte, len(buf)+(minIo-rem))
		copy(padded, buf)
		fillFF(padded[len(buf):])
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.IoRetries; attempt++ {
		pnum, err := o.w.GetPeb()
		if err != nil {
			lastErr = err
			continue
		}
		h := &vidhdr.Header{Version: vidhdr.Version, VolType: defs.VolStatic, VolId: o.vol, Lnum: lnum,
			Sqnum: o.sq.Next(), DataSize: uint32(len(buf)), UsedEbs: usedEbs, DataCrc: vidhdr.DataCRC(buf)}
		newDesc := nand.LebDesc{Lnum: lnum, Pnum: pnum, Lpos: -1}
		if err := o.io.WriteHeader(pnum, h.Marshal()); err != nil {
			_ = o.w.PutPeb(pnum, false)
			lastErr = err
			continue
		}
		if err := o.io.Write(newDesc, 0, padded); err != nil {
			_ = o.w.PutPeb(pnum, false)
			lastErr = err
			continue
		}
		o.table.SetPnum(lnum, pnum)
		o.table.AdjustFreePebs(-1)
		o.table.MarkUpdated(lnum)
		o.stats.StaticWrites.Inc()
		return nil
	}
	o.setReadOnly()
	return defs.Wrap("write_leb_static", defs.EROFS, lastErr)
}

// AtomicLebChange implements spec.md §4.5.4. len(buf)==0 is equivalent
// to unmapping the LEB.
func (o *Ops) AtomicLebChange(lnum defs.LNum, buf []byte) error {
	if len(buf) == 0 {
		return o.UnmapLeb(lnum)
	}
	if o.isReadOnly() {
		return defs.Wrap("atomic_leb_change", defs.EROFS, nil)
	}

	o.dev.AlcMu.Lock()
	defer o.dev.AlcMu.Unlock()
	o.locks.WriteLock(o.vol, lnum)
	defer o.locks.WriteUnlock(o.vol, lnum)

	ld := o.table.GetLdesc(lnum)

	pnum, err := o.w.GetPeb()
	if err != nil {
		return defs.Wrap("atomic_leb_change", defs.ENOSPC, err)
	}
	h := &vidhdr.Header{Version: vidhdr.Version, VolType: o.volType, CopyFlag: true, VolId: o.vol, Lnum: lnum,
		Sqnum: o.sq.Next(), DataSize: uint32(len(buf)), DataCrc: vidhdr.DataCRC(buf)}
	newDesc := nand.LebDesc{Lnum: lnum, Pnum: pnum, Lpos: -1}
	if err := o.io.WriteHeader(pnum, h.Marshal()); err != nil {
		_ = o.w.PutPeb(pnum, false)
		return defs.Wrap("atomic_leb_change", defs.EIO, err)
	}
	if err := o.io.Write(newDesc, 0, buf); err != nil {
		_ = o.w.PutPeb(pnum, false)
		return defs.Wrap("atomic_leb_change", defs.EIO, err)
	}

	// Old contents survive until this point: a crash before here leaves
	// `ld` as the visible mapping; a crash after leaves `newDesc`.
	oldPnum, release := o.table.Invalidate(ld)
	o.table.SetPnum(lnum, pnum)
	if release {
		// One peb left the table and one entered: no net change.
		_ = o.w.PutPeb(oldPnum, false)
	} else {
		// Nothing left the table (lnum was unmapped, or its old peb is
		// still shared by other lnums): the new peb is a net addition.
		o.table.AdjustFreePebs(-1)
	}
	o.stats.AtomicChanges.Inc()
	return nil
}

// UnmapLeb implements spec.md §4.5.6. It is idempotent on an
// already-unmapped LEB.
func (o *Ops) UnmapLeb(lnum defs.LNum) error {
	o.locks.WriteLock(o.vol, lnum)
	defer o.locks.WriteUnlock(o.vol, lnum)

	ld := o.table.GetLdesc(lnum)
	if !ld.Mapped() {
		return errors.ErrAlreadyUnmapped
	}
	pnum, release := o.table.Invalidate(ld)
	if release {
		o.table.AdjustFreePebs(1)
		_ = o.w.PutPeb(pnum, false)
	}
	o.stats.Unmaps.Inc()
	return nil
}
