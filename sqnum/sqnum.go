// Package sqnum implements the global monotonically increasing
// sequence number (spec.md §4.1): every VID header written to media
// carries a sqnum strictly greater than any sqnum previously persisted
// (invariant I1). A single SequenceCounter per attached device is the
// sole writer of these values.
package sqnum

import "sync/atomic"

// Counter issues strictly increasing uint64 values. The zero value is
// ready to use and starts at 1 (0 is reserved to mean "no header
// written yet", matching how callers treat an unmapped LEB).
type Counter struct {
	n uint64
}

// Next reads and post-increments the guarded counter, returning a value
// strictly greater than every value previously returned by this
// Counter.
func (c *Counter) Next() uint64 {
	return atomic.AddUint64(&c.n, 1)
}

// Peek returns the most recently issued value without consuming one,
// for diagnostics (e.g. self_check_eba reporting).
func (c *Counter) Peek() uint64 {
	return atomic.LoadUint64(&c.n)
}

// Observe folds sqnum observed while scanning existing media (e.g.
// during attach) into the counter so that subsequently issued sqnums
// stay strictly greater than anything already on flash.
func (c *Counter) Observe(sqnum uint64) {
	for {
		cur := atomic.LoadUint64(&c.n)
		if sqnum <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.n, cur, sqnum) {
			return
		}
	}
}
