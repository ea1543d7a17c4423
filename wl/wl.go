// Package wl declares the wear-leveling collaborator interface consumed
// by VolumeOps and the Consolidator (spec.md §6). The WL allocator's
// internals are explicitly out of scope (spec.md §1 Non-goals); this
// package only names the boundary the EBA core calls across.
package wl

import "github.com/biscuit-os/eba/defs"

// WL is implemented by the wear-leveling layer. GetPeb hands out a
// freshly erased PEB ready for a VID header; PutPeb returns one,
// optionally requesting it be "tortured" (re-erased and tested) before
// reuse, as recover_peb does on the PEB it displaces (spec.md §4.5.5).
// ScrubPeb queues a PEB for read-scrub after a bitflip is observed.
type WL interface {
	GetPeb() (defs.PNum, error)
	PutPeb(pnum defs.PNum, torture bool) error
	ScrubPeb(pnum defs.PNum) error
}
