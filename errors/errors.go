// Package errors provides simple sentinel errors for conditions that
// are not classified by a defs.ErrKind (e.g. idempotent no-ops). It is
// the same trivial construction the teacher kernel vendors its own
// errors package for: a string wrapped to satisfy the error interface.
package errors

// New returns an error that formats as the given text.
func New(text string) error {
	return &errorString{text}
}

type errorString struct {
	s string
}

func (e *errorString) Error() string { return e.s }

// Sentinel errors returned by volume operations that are not failures
// in the defs.ErrKind sense — callers may choose to ignore them.
var (
	ErrAlreadyUnmapped = New("leb already unmapped")
	ErrNotConsolidated = New("leb is not part of a consolidated peb")
)
