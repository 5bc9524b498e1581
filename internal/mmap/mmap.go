//go:build unix

// Package mmap wraps the platform memory-mapping primitives.
//
// Mappings are always file-backed and shared (MAP_SHARED), so stores into a
// writable mapping become visible to positional reads of the same file and
// are flushed by [Sync] or the OS writeback.
package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// PageSize returns the system page size in bytes. Always a power of two.
func PageSize() int64 {
	return int64(os.Getpagesize())
}

// Map maps length bytes of the file at fd starting at byte offset off.
// off must be a multiple of the page size. The mapping is readable; writable
// adds PROT_WRITE and requires the descriptor to be open for writing.
func Map(fd uintptr, off int64, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	return unix.Mmap(int(fd), off, length, prot, unix.MAP_SHARED)
}

// Unmap releases a mapping returned by [Map]. The slice must not be used
// afterwards.
func Unmap(data []byte) error {
	return unix.Munmap(data)
}

// Sync flushes a mapping to its backing file. With async the flush is
// scheduled (MS_ASYNC) and Sync returns without waiting for the writeback.
func Sync(data []byte, async bool) error {
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}

	return unix.Msync(data, flags)
}
