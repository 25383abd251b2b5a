//go:build !linux
// +build !linux

package device

import "os"

// fdatasync falls back to a full Sync on platforms without a data-only sync
// syscall exposed the same way Linux does.
func fdatasync(f *os.File) error {
	return f.Sync()
}

// preallocate falls back to a plain truncate on non-Linux platforms.
func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
