package consolidate

import (
	"github.com/biscuit-os/eba/defs"
	"github.com/biscuit-os/eba/eba"
	"github.com/biscuit-os/eba/errors"
	"github.com/biscuit-os/eba/nand"
	"github.com/biscuit-os/eba/sqnum"
	"github.com/biscuit-os/eba/vidhdr"
	"github.com/biscuit-os/eba/wl"
)

// Unconsolidate implements the reverse primitive named in spec.md §4.6
// and used by write_leb (spec.md §4.5.2 step 2): when a user write
// targets a LEB currently packed into a consolidated PEB, synthesize a
// fresh whole-PEB copy holding only that LEB's data, so the write can
// proceed in place without disturbing the other LEBs sharing the old
// PEB.
//
// Callers must already hold the write lock for (vol, lnum); Unconsolidate
// performs no locking of its own.
func Unconsolidate(vol defs.VolId, lnum defs.LNum, cur nand.LebDesc, volType defs.VolType, table *eba.Table, io *nand.LebIo, media nand.Media, w wl.WL, sq *sqnum.Counter) (nand.LebDesc, error) {
	if !cur.Consolidated() {
		return cur, errors.ErrNotConsolidated
	}

	newPnum, err := w.GetPeb()
	if err != nil {
		return cur, defs.Wrap("unconsolidate_leb", defs.ENOSPC, err)
	}

	buf := make([]byte, media.LebSize())
	if err := io.Read(cur, 0, buf); err != nil {
		_ = w.PutPeb(newPnum, false)
		return cur, defs.Wrap("unconsolidate_leb", defs.EIO, err)
	}

	h := &vidhdr.Header{
		Version:  vidhdr.Version,
		VolType:  volType,
		CopyFlag: true,
		VolId:    vol,
		Lnum:     lnum,
		DataSize: uint32(len(buf)),
		DataCrc:  vidhdr.DataCRC(buf),
		Sqnum:    sq.Next(),
	}
	if err := io.WriteHeader(newPnum, h.Marshal()); err != nil {
		_ = w.PutPeb(newPnum, false)
		return cur, defs.Wrap("unconsolidate_leb", defs.EIO, err)
	}

	newDesc := nand.LebDesc{Lnum: lnum, Pnum: newPnum, Lpos: -1}
	if err := io.Write(newDesc, 0, buf); err != nil {
		_ = w.PutPeb(newPnum, false)
		return cur, defs.Wrap("unconsolidate_leb", defs.EIO, err)
	}

	oldPnum, release := table.Invalidate(cur)
	table.SetPnum(lnum, newPnum)
	if release {
		// The shared peb's last slot just emptied: one peb left the
		// table (the old one) and one entered (the new one) — no net
		// change to free_pebs.
		_ = w.PutPeb(oldPnum, false)
	} else {
		// The old peb is still shared by other lnums and stays in the
		// table; the new whole peb is a net addition to the table's
		// peb count.
		table.AdjustFreePebs(-1)
	}
	return newDesc, nil
}
