// Package exfile implements an auto-extending, partially memory-mapped file.
//
// A [File] is a single logical file that grows on demand according to a
// pluggable [ResizePolicy], keeps any number of caller-selected,
// non-overlapping, page-aligned mmap windows over regions of the file, and
// services reads and writes by copying through mapped memory where a window
// covers the range and falling back to positional I/O everywhere else.
//
// The file size is always a multiple of the system page size. Every change
// to the size re-realises all mmap windows, so a window over a region beyond
// the current end of file stays registered with a zero-length mapping until
// the file grows into it.
//
// Concurrency: unless locking is disabled, a File is safe for concurrent use.
// Reads and size-preserving writes run under a shared lock; only growth,
// truncation and window registration serialise. The write path uses a
// read→release→write→recheck upgrade protocol, so a write that fits in the
// current size never blocks other readers.
package exfile

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/exfile/internal/mmap"
	"github.com/calvinalkan/exfile/pkg/pfile"
)

// Backend is the positional I/O substrate a [File] delegates to for
// unmapped regions. *pfile.File satisfies it; tests substitute
// *pfile.Injected to exercise failure paths.
//
// Implementations must be safe for concurrent use and must keep Fd valid
// until Close.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Copy(src, size, dst int64) error
	Stat() (os.FileInfo, error)
	Fd() uintptr
	State() pfile.State
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Backend = (*pfile.File)(nil)
	_ Backend = (*pfile.Injected)(nil)
)

// Options configures [Open].
type Options struct {
	// Path of the file. Required unless Backend is set.
	Path string

	// InitialSize grows the file to at least this many bytes on open
	// (rounded up to a page multiple). Zero leaves the size as found, except
	// that an existing size that is not a page multiple is rounded up.
	InitialSize int64

	// ReadOnly opens the file without write permission. Growth, truncation
	// and writes fail with [ErrReadonly].
	ReadOnly bool

	// TruncateFile empties an existing file on open.
	TruncateFile bool

	// Lock is the advisory flock taken on the backend for the lifetime of
	// the handle. Ignored when Backend is set.
	Lock pfile.LockMode

	// DisableLocking turns off the internal reader/writer lock. The caller
	// then owns all cross-goroutine synchronisation.
	DisableLocking bool

	// MaxOff is a hard ceiling on the file size, enforced independently of
	// the resize policy. Zero means unbounded. Values below one page are
	// treated as unbounded; others are rounded down to a page multiple.
	MaxOff int64

	// Policy chooses the next size when the file must grow.
	// Nil defaults to [DefaultPolicy].
	Policy ResizePolicy

	// Backend overrides opening Path and supplies the positional substrate
	// directly. Open takes ownership either way: Close closes the backend.
	Backend Backend

	// Log receives warnings from best-effort cleanup paths. Nil discards.
	Log *logrus.Entry
}

// State is a point-in-time description of an open [File].
type State struct {
	// FSize is the current logical file size, a page multiple.
	FSize int64
	// Backend describes the underlying positional file.
	Backend pfile.State
}

// SyncFlags controls [File.Sync] and [File.SyncMmap].
type SyncFlags struct {
	// Async schedules the mmap flush (MS_ASYNC) instead of waiting for it.
	Async bool
}

// File is an auto-extending, partially memory-mapped file.
type File struct {
	mu *sync.RWMutex // nil when locking is disabled

	backend  Backend
	policy   ResizePolicy
	log      *logrus.Entry
	psize    int64
	maxoff   int64
	readOnly bool

	// Mutable under the write lock.
	fsize  int64
	slots  []*slot
	closed bool
}

// Open opens or creates the file described by opts.
//
// If the file is smaller than opts.InitialSize it is grown to that size; if
// it exists with a size that is not a page multiple it is rounded up (which
// fails with [ErrReadonly] on a read-only open).
func Open(opts Options) (*File, error) {
	backend := opts.Backend
	if backend == nil {
		if opts.Path == "" {
			return nil, fmt.Errorf("path is required: %w", ErrInvalidArgs)
		}

		mode := pfile.ModeRead
		if !opts.ReadOnly {
			mode |= pfile.ModeWrite | pfile.ModeCreate
		}

		if opts.TruncateFile {
			mode |= pfile.ModeTruncate
		}

		var err error

		backend, err = pfile.Open(pfile.Options{
			Path: opts.Path,
			Mode: mode,
			Lock: opts.Lock,
		})
		if err != nil {
			return nil, err
		}
	}

	psize := mmap.PageSize()

	f := &File{
		backend:  backend,
		policy:   opts.Policy,
		log:      opts.Log,
		psize:    psize,
		readOnly: backend.State().Mode&pfile.ModeWrite == 0,
	}

	if f.policy == nil {
		f.policy = DefaultPolicy{}
	}

	if f.log == nil {
		f.log = discardLogger()
	}

	if !opts.DisableLocking {
		f.mu = &sync.RWMutex{}
	}

	if opts.MaxOff >= psize {
		f.maxoff = roundDown(opts.MaxOff, psize)
	}

	info, err := backend.Stat()
	if err != nil {
		_ = backend.Close()

		return nil, fmt.Errorf("stat: %w", err)
	}

	f.fsize = info.Size()

	if f.fsize < opts.InitialSize {
		err = f.truncateLocked(opts.InitialSize)
	} else if f.fsize%psize != 0 {
		err = f.truncateLocked(f.fsize)
	}

	if err != nil {
		_ = backend.Close()

		return nil, err
	}

	return f, nil
}

// ReadAt reads up to len(p) bytes starting at byte offset off.
//
// Ranges covered by a live mmap window are copied from the mapping; gaps and
// tails go through the positional backend. A read past the end of file is
// short: ReadAt returns the bytes available with a nil error. On error the
// returned count is zero.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if off < 0 || end < 0 {
		return 0, ErrOutOfBounds
	}

	f.rlock()
	defer f.runlock()

	if f.closed {
		return 0, ErrClosed
	}

	siz := int64(len(p))

	rp := siz
	if end > f.fsize {
		rp = max(f.fsize-off, 0)
		siz = rp
	}

	for _, s := range f.slots {
		if rp <= 0 || s.length == 0 || off+rp <= s.off {
			break
		}

		if s.off > off {
			l := min(rp, s.off-off)

			n, err := f.backend.ReadAt(p[siz-rp:siz-rp+l], off)
			if err != nil {
				return 0, err
			}

			rp -= int64(n)
			off += int64(n)
		}

		if rp > 0 && s.off <= off && off < s.off+s.length {
			l := min(rp, s.off+s.length-off)
			copy(p[siz-rp:siz-rp+l], s.data[off-s.off:off-s.off+l])
			rp -= l
			off += l
		}
	}

	if rp > 0 {
		n, err := f.backend.ReadAt(p[siz-rp:siz], off)
		if err != nil {
			return 0, err
		}

		rp -= int64(n)
	}

	return int(siz - rp), nil
}

// WriteAt writes len(p) bytes starting at byte offset off, growing the file
// through the resize policy when the write extends past the current end.
//
// The common case where the write fits inside the current size runs under
// the shared lock, concurrently with readers and other fitting writers; only
// growth takes the exclusive lock. On error the returned count is zero.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if off < 0 || end < 0 {
		return 0, ErrOutOfBounds
	}

	if f.maxoff > 0 && end > f.maxoff {
		return 0, ErrMaxOff
	}

	if f.readOnly {
		return 0, ErrReadonly
	}

	f.rlock()

	writeLocked := false
	unlock := func() {
		if writeLocked {
			f.wunlock()
		} else {
			f.runlock()
		}
	}
	defer unlock()

	if f.closed {
		return 0, ErrClosed
	}

	if end > f.fsize {
		// Upgrade dance: RWMutex has no atomic upgrade, so drop the read
		// lock, take the write lock, and re-check the growth predicate
		// under it. Another writer may have grown the file meanwhile.
		f.runlock()
		f.wlock()

		writeLocked = true

		if f.closed {
			return 0, ErrClosed
		}

		if end > f.fsize {
			err := f.ensureSizeLocked(end)
			if err != nil {
				return 0, err
			}
		}
	}

	siz := int64(len(p))
	wp := siz

	for _, s := range f.slots {
		if wp <= 0 || s.length == 0 || off+wp <= s.off {
			break
		}

		if s.off > off {
			l := min(wp, s.off-off)

			n, err := f.backend.WriteAt(p[siz-wp:siz-wp+l], off)
			if err != nil {
				return 0, err
			}

			wp -= int64(n)
			off += int64(n)
		}

		if wp > 0 && s.off <= off && off < s.off+s.length {
			l := min(wp, s.off+s.length-off)
			copy(s.data[off-s.off:off-s.off+l], p[siz-wp:siz-wp+l])
			wp -= l
			off += l
		}
	}

	if wp > 0 {
		n, err := f.backend.WriteAt(p[siz-wp:siz], off)
		if err != nil {
			return 0, err
		}

		wp -= int64(n)
	}

	return int(siz - wp), nil
}

// Sync flushes every live mmap window and then the positional backend.
// Errors are accumulated best-effort; the first error is returned.
func (f *File) Sync(flags SyncFlags) error {
	f.rlock()
	defer f.runlock()

	if f.closed {
		return ErrClosed
	}

	var rc error

	for _, s := range f.slots {
		if s.length == 0 {
			continue
		}

		err := mmap.Sync(s.data[:s.length], flags.Async)
		if err != nil {
			keepErr(&rc, fmt.Errorf("msync slot at %d: %w", s.off, err))
		}
	}

	keepErr(&rc, f.backend.Sync())

	return rc
}

// State returns the current size and the backend's state.
func (f *File) State() (State, error) {
	f.rlock()
	defer f.runlock()

	if f.closed {
		return State{}, ErrClosed
	}

	return State{
		FSize:   f.fsize,
		Backend: f.backend.State(),
	}, nil
}

// Copy moves size bytes from offset src to offset dst within the file.
// When the first mmap window starts at offset 0 and its live mapping covers
// both ranges the move happens inside the mapping; otherwise it is delegated
// to the positional backend.
func (f *File) Copy(src, size, dst int64) error {
	if src < 0 || dst < 0 || size < 0 || src+size < 0 || dst+size < 0 {
		return ErrOutOfBounds
	}

	f.rlock()
	defer f.runlock()

	if f.closed {
		return ErrClosed
	}

	if len(f.slots) > 0 {
		s := f.slots[0]
		if s.off == 0 && s.length >= dst+size && s.length >= src+size {
			// copy is overlap-safe like memmove.
			copy(s.data[dst:dst+size], s.data[src:src+size])

			return nil
		}
	}

	return f.backend.Copy(src, size, dst)
}

// EnsureSize grows the file through the resize policy until it is at least
// minSize bytes. A file already that large is left untouched and the policy
// is not consulted.
func (f *File) EnsureSize(minSize int64) error {
	if minSize < 0 {
		return ErrOutOfBounds
	}

	f.rlock()

	if f.closed {
		f.runlock()

		return ErrClosed
	}

	if f.fsize >= minSize {
		f.runlock()

		return nil
	}

	f.runlock()
	f.wlock()
	defer f.wunlock()

	if f.closed {
		return ErrClosed
	}

	return f.ensureSizeLocked(minSize)
}

// Truncate resizes the file to size rounded up to a page multiple.
// On failure the previous size is restored and the original error returned.
func (f *File) Truncate(size int64) error {
	if size < 0 {
		return ErrOutOfBounds
	}

	f.wlock()
	defer f.wunlock()

	if f.closed {
		return ErrClosed
	}

	return f.truncateLocked(size)
}

// AddMmap registers a new mmap window of up to maxlen bytes at off and
// realises it against the current file size.
//
// off must be page-aligned; maxlen is rounded up to a page multiple
// (saturating down at the offset-domain limit). The window must not overlap
// any registered window. A window past the current end of file is accepted
// and stays unrealised until the file grows into it.
func (f *File) AddMmap(off, maxlen int64) error {
	f.wlock()
	defer f.wunlock()

	if f.closed {
		return ErrClosed
	}

	if off < 0 {
		return ErrOutOfBounds
	}

	if off%f.psize != 0 {
		return fmt.Errorf("offset %d: %w", off, ErrNotAligned)
	}

	if maxlen > maxSize-off {
		maxlen = maxSize - off
	}

	up := roundUp(maxlen, f.psize)
	if up < maxlen || up > maxSize-off {
		maxlen = roundDown(maxlen, f.psize)
	} else {
		maxlen = up
	}

	if maxlen <= 0 {
		return fmt.Errorf("empty mapping at %d: %w", off, ErrOutOfBounds)
	}

	for _, s := range f.slots {
		if rangesOverlap(s.off, s.end(), off, off+maxlen) {
			return fmt.Errorf("[%d,%d) overlaps slot [%d,%d): %w",
				off, off+maxlen, s.off, s.end(), ErrMmapOverlap)
		}
	}

	ns := &slot{off: off, maxlen: maxlen}

	err := f.realiseSlot(ns)
	if err != nil {
		// Not inserted; realiseSlot left it unmapped.
		return err
	}

	f.insertSlot(ns)

	return nil
}

// AcquireMmap returns the live mapping registered at off.
//
// The shared lock is retained until [File.ReleaseMmap]; the returned slice
// is valid only within that window. If the offset has no slot or the slot is
// unrealised, AcquireMmap fails with [ErrNotMmaped] and the lock is STILL
// HELD — the caller must release it. Only [ErrClosed] releases the lock
// before returning.
func (f *File) AcquireMmap(off int64) ([]byte, error) {
	f.rlock()

	if f.closed {
		f.runlock()

		return nil, ErrClosed
	}

	s := f.findSlot(off)
	if s == nil || s.length == 0 {
		return nil, fmt.Errorf("no live mapping at %d: %w", off, ErrNotMmaped)
	}

	return s.data[:s.length], nil
}

// ProbeMmap returns the live mapping registered at off, releasing the lock
// before returning. The pointer is a snapshot: dereferencing it is only safe
// under synchronisation the caller arranges elsewhere.
func (f *File) ProbeMmap(off int64) ([]byte, error) {
	f.rlock()
	defer f.runlock()

	if f.closed {
		return nil, ErrClosed
	}

	s := f.findSlot(off)
	if s == nil || s.length == 0 {
		return nil, fmt.Errorf("no live mapping at %d: %w", off, ErrNotMmaped)
	}

	return s.data[:s.length], nil
}

// ReleaseMmap releases the shared lock held by [File.AcquireMmap].
func (f *File) ReleaseMmap() {
	f.runlock()
}

// RemoveMmap unregisters the window at off, unmapping it if realised.
// An unmap failure is reported but the slot is dropped regardless.
func (f *File) RemoveMmap(off int64) error {
	f.wlock()
	defer f.wunlock()

	if f.closed {
		return ErrClosed
	}

	return f.removeSlotLocked(off)
}

// SyncMmap flushes exactly the window registered at off.
func (f *File) SyncMmap(off int64, flags SyncFlags) error {
	f.rlock()
	defer f.runlock()

	if f.closed {
		return ErrClosed
	}

	s := f.findSlot(off)
	if s == nil || s.length == 0 {
		return fmt.Errorf("no live mapping at %d: %w", off, ErrNotMmaped)
	}

	err := mmap.Sync(s.data[:s.length], flags.Async)
	if err != nil {
		return fmt.Errorf("msync slot at %d: %w", off, err)
	}

	return nil
}

// Close unmaps every window, closes the backend and deactivates the resize
// policy. Cleanup is best-effort: all steps run and the first error is
// returned. Close is idempotent.
func (f *File) Close() error {
	f.wlock()
	defer f.wunlock()

	if f.closed {
		return nil
	}

	f.closed = true

	var rc error

	for _, s := range f.slots {
		if s.length == 0 {
			continue
		}

		err := mmap.Unmap(s.data)
		if err != nil {
			keepErr(&rc, fmt.Errorf("munmap slot at %d: %w", s.off, err))
		}

		s.length = 0
		s.data = nil
	}

	f.slots = nil

	keepErr(&rc, f.backend.Close())
	f.policy.Deactivate()

	if rc != nil {
		f.log.WithError(rc).Warn("exfile: close completed with errors")
	}

	return rc
}

// --- Private api ---

// ensureSizeLocked consults the resize policy and truncates to its result.
// Must run under the write lock.
func (f *File) ensureSizeLocked(minSize int64) error {
	if f.fsize >= minSize {
		return nil
	}

	next := f.policy.NextSize(minSize, f.fsize, f.psize)
	if next < minSize || next%f.psize != 0 {
		return fmt.Errorf("policy returned %d for request %d: %w", next, minSize, ErrResizePolicy)
	}

	if f.maxoff > 0 && next > f.maxoff {
		next = f.maxoff
		if next < minSize {
			return fmt.Errorf("request %d exceeds maxoff %d: %w", minSize, f.maxoff, ErrMaxOff)
		}
	}

	return f.truncateLocked(next)
}

// truncateLocked resizes to size rounded up to a page multiple and
// re-realises all slots. Growth truncates the backend before remapping;
// shrink remaps first so no mapping extends past the new end. On failure the
// previous size is restored, slots are re-realised best-effort, and the
// original error is surfaced. Must run under the write lock.
func (f *File) truncateLocked(size int64) error {
	size = roundUp(size, f.psize)
	if size < 0 {
		return ErrOutOfBounds
	}

	if size == f.fsize {
		return nil
	}

	old := f.fsize

	switch {
	case size > old:
		if f.readOnly {
			return ErrReadonly
		}

		if f.maxoff > 0 && size > f.maxoff {
			return fmt.Errorf("size %d exceeds maxoff %d: %w", size, f.maxoff, ErrMaxOff)
		}

		f.fsize = size

		err := f.backend.Truncate(size)
		if err == nil {
			err = f.realiseAll()
		}

		if err != nil {
			return f.rollbackTruncate(old, err)
		}
	case size < old:
		if f.readOnly {
			return ErrReadonly
		}

		f.fsize = size

		err := f.realiseAll()
		if err == nil {
			err = f.backend.Truncate(size)
		}

		if err != nil {
			return f.rollbackTruncate(old, err)
		}
	}

	return nil
}

// rollbackTruncate restores the pre-truncate size and tries to bring the
// slots back in line with it. The original failure wins.
func (f *File) rollbackTruncate(old int64, cause error) error {
	f.fsize = old

	err := f.realiseAll()
	if err != nil {
		f.log.WithError(err).Warn("exfile: failed to restore mappings after truncate failure")
	}

	return cause
}

// removeSlotLocked unlinks and unmaps the slot at off.
// Must run under the write lock.
func (f *File) removeSlotLocked(off int64) error {
	idx := slices.IndexFunc(f.slots, func(s *slot) bool { return s.off == off })
	if idx < 0 {
		return fmt.Errorf("no slot at %d: %w", off, ErrNotMmaped)
	}

	s := f.slots[idx]
	f.slots = slices.Delete(f.slots, idx, idx+1)

	if s.length > 0 {
		err := mmap.Unmap(s.data)

		s.length = 0
		s.data = nil

		if err != nil {
			return fmt.Errorf("munmap slot at %d: %w", off, err)
		}
	}

	return nil
}

// keepErr accumulates best-effort errors: the first one wins.
func keepErr(rc *error, err error) {
	if *rc == nil {
		*rc = err
	}
}

func (f *File) rlock() {
	if f.mu != nil {
		f.mu.RLock()
	}
}

func (f *File) runlock() {
	if f.mu != nil {
		f.mu.RUnlock()
	}
}

func (f *File) wlock() {
	if f.mu != nil {
		f.mu.Lock()
	}
}

func (f *File) wunlock() {
	if f.mu != nil {
		f.mu.Unlock()
	}
}

// discardLogger returns a logrus entry that drops everything.
func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return logrus.NewEntry(l)
}
