package nand

// HeaderDuplicator is an optional extension of Media describing how
// many times the K-header block written by a consolidation should be
// duplicated into trailing min_io_size pages for read redundancy on
// MLC media (spec.md §6). Media implementations that do not need
// duplication may leave this unimplemented; callers treat a missing
// implementation as zero duplicates. simnand.Media implements it,
// returning its configured HeaderDups (zero unless set).
type HeaderDuplicator interface {
	HeaderDuplicates() int
}
