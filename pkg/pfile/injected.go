package pfile

import (
	"errors"
	"os"
	"sync"
)

// Op names a [File] operation for fault injection.
type Op string

// Operations that [Injected] can intercept.
const (
	OpReadAt   Op = "readat"
	OpWriteAt  Op = "writeat"
	OpTruncate Op = "truncate"
	OpSync     Op = "sync"
	OpCopy     Op = "copy"
	OpClose    Op = "close"
)

// InjectedError marks an error as intentionally injected by [Injected].
//
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected.
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Injected wraps a [File] and fails armed operations with injected errors.
//
// Faults are armed per operation with [Injected.FailNext] and consumed in
// FIFO order; once the queue for an operation drains, calls pass through to
// the wrapped file again. Injected satisfies the same backend contract as
// [File].
type Injected struct {
	f *File

	mu     sync.Mutex
	faults map[Op][]error
}

// NewInjected wraps f with an empty fault plan.
func NewInjected(f *File) *Injected {
	return &Injected{
		f:      f,
		faults: make(map[Op][]error),
	}
}

// FailNext arms the next call of op to fail with err.
// Multiple calls queue additional faults for the same operation.
func (i *Injected) FailNext(op Op, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.faults[op] = append(i.faults[op], err)
}

// pop consumes the next armed fault for op, if any.
func (i *Injected) pop(op Op) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	queue := i.faults[op]
	if len(queue) == 0 {
		return nil
	}

	err := queue[0]
	i.faults[op] = queue[1:]

	return &InjectedError{Err: err}
}

func (i *Injected) ReadAt(p []byte, off int64) (int, error) {
	if err := i.pop(OpReadAt); err != nil {
		return 0, err
	}

	return i.f.ReadAt(p, off)
}

func (i *Injected) WriteAt(p []byte, off int64) (int, error) {
	if err := i.pop(OpWriteAt); err != nil {
		return 0, err
	}

	return i.f.WriteAt(p, off)
}

func (i *Injected) Truncate(size int64) error {
	if err := i.pop(OpTruncate); err != nil {
		return err
	}

	return i.f.Truncate(size)
}

func (i *Injected) Sync() error {
	if err := i.pop(OpSync); err != nil {
		return err
	}

	return i.f.Sync()
}

func (i *Injected) Copy(src, size, dst int64) error {
	if err := i.pop(OpCopy); err != nil {
		return err
	}

	return i.f.Copy(src, size, dst)
}

func (i *Injected) Stat() (os.FileInfo, error) {
	return i.f.Stat()
}

func (i *Injected) Fd() uintptr {
	return i.f.Fd()
}

func (i *Injected) State() State {
	return i.f.State()
}

func (i *Injected) Close() error {
	if err := i.pop(OpClose); err != nil {
		return err
	}

	return i.f.Close()
}
