package exfile

import (
	"fmt"
	"slices"

	"github.com/calvinalkan/exfile/internal/mmap"
)

// slot is a registered intent to keep a page-aligned region of the file
// visible as an in-memory mapping.
//
// off and maxlen are fixed at registration. length and data track the
// currently realised mapping and change only under the file's write lock:
// length == min(maxlen, max(0, fsize-off)) after every successful
// realisation, and data is valid only while length > 0.
type slot struct {
	off    int64
	maxlen int64
	length int64
	data   []byte
}

// end returns the exclusive upper bound of the slot's reserved range.
func (s *slot) end() int64 {
	return s.off + s.maxlen
}

// rangesOverlap reports whether [a1,a2) and [b1,b2) intersect.
func rangesOverlap(a1, a2, b1, b2 int64) bool {
	return a1 < b2 && b1 < a2
}

// findSlot returns the slot registered at exactly off, or nil.
// Slot counts are small by design, so the scan is linear.
func (f *File) findSlot(off int64) *slot {
	for _, s := range f.slots {
		if s.off == off {
			return s
		}
	}

	return nil
}

// insertSlot places s into the registry preserving ascending-off order.
func (f *File) insertSlot(s *slot) {
	idx, _ := slices.BinarySearchFunc(f.slots, s.off, func(e *slot, off int64) int {
		switch {
		case e.off < off:
			return -1
		case e.off > off:
			return 1
		default:
			return 0
		}
	})
	f.slots = slices.Insert(f.slots, idx, s)
}

// realiseSlot adjusts a slot's live mapping to the current file size:
// the realised length becomes min(maxlen, max(0, fsize-off)).
//
// Must run under the write lock. On failure the slot is left unmapped
// (length 0) and the I/O error is surfaced.
func (f *File) realiseSlot(s *slot) error {
	var nlen int64
	if s.off < f.fsize {
		nlen = min(s.maxlen, f.fsize-s.off)
	}

	if nlen == s.length {
		return nil
	}

	if s.length > 0 {
		err := mmap.Unmap(s.data)
		s.length = 0
		s.data = nil

		if err != nil {
			return fmt.Errorf("munmap slot at %d: %w", s.off, err)
		}
	}

	if nlen > 0 {
		data, err := mmap.Map(f.backend.Fd(), s.off, int(nlen), !f.readOnly)
		if err != nil {
			return fmt.Errorf("mmap slot at %d: %w", s.off, err)
		}

		s.data = data
		s.length = nlen
	}

	return nil
}

// realiseAll re-realises every slot in ascending-off order, stopping at the
// first error. Must run under the write lock with fsize page-aligned.
func (f *File) realiseAll() error {
	for _, s := range f.slots {
		err := f.realiseSlot(s)
		if err != nil {
			return err
		}
	}

	return nil
}
