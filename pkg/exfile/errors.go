package exfile

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is. OS errors from mmap, msync
// and ftruncate are wrapped, never replaced, so errors.Is against syscall
// errno values keeps working.
var (
	// ErrClosed indicates an operation on a closed file.
	ErrClosed = errors.New("exfile: closed")
	// ErrInvalidArgs indicates missing or contradictory open options.
	ErrInvalidArgs = errors.New("exfile: invalid arguments")
	// ErrOutOfBounds indicates a negative offset, offset arithmetic
	// overflow, or an mmap request reduced to zero after alignment.
	ErrOutOfBounds = errors.New("exfile: out of bounds")
	// ErrNotAligned indicates an mmap offset that is not page-aligned.
	ErrNotAligned = errors.New("exfile: offset not page-aligned")
	// ErrReadonly indicates a write, growth or truncation requested on a
	// read-only file.
	ErrReadonly = errors.New("exfile: read-only")
	// ErrMaxOff indicates the operation would exceed the configured
	// maximum file offset.
	ErrMaxOff = errors.New("exfile: maximum file offset reached")
	// ErrResizePolicy indicates the resize policy returned an unusable
	// size (below the request or not page-aligned).
	ErrResizePolicy = errors.New("exfile: invalid resize policy result")
	// ErrMmapOverlap indicates a new mmap slot overlapping an existing one.
	ErrMmapOverlap = errors.New("exfile: region already mmaped, mapping overlaps")
	// ErrNotMmaped indicates no mmap slot at the given offset, or a slot
	// with no live mapping where one was required.
	ErrNotMmaped = errors.New("exfile: region not mmaped")
)
