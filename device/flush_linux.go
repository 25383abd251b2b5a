//go:build linux
// +build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync durably persists f's data (but not necessarily its metadata),
// which is all spec §4.2's Flush contract requires.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// preallocate reserves size bytes for f up front so segment writes never
// hit an unexpected ENOSPC mid-record, and hints the kernel that access
// will be sequential.
func preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// Fallocate can legitimately fail (e.g. tmpfs, some network
		// filesystems); fall back to a plain truncate so the file still
		// has the right apparent size.
		if truncErr := f.Truncate(size); truncErr != nil {
			return truncErr
		}
	}
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return nil
}
