package fsio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is a writable memory-mapped view over a file range, used for
// zero-copy frame payload reads. Grounded on the mmap persister pattern in
// other_examples (marmos91-dittofs pkg/cache/wal-mmap.go): Mmap on open,
// Msync for partial durability, Munmap on close.
type Region struct {
	data []byte
}

// MMap maps length bytes of f starting at offset 0 as MAP_SHARED,
// PROT_READ|PROT_WRITE.
func MMap(f *File, length int) (*Region, error) {
	data, err := unix.Mmap(int(f.Raw().Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("fsio: mmap: %w", err)
	}
	return &Region{data: data}, nil
}

// Bytes returns the mapped region. Callers must not retain slices across a
// Close/Remap.
func (r *Region) Bytes() []byte { return r.data }

// Sync flushes dirty pages asynchronously (MS_ASYNC), matching the
// dittofs persister's Sync behavior: fast, eventual durability for the
// mapped region; callers that need an immediate durability guarantee must
// still fsync the backing file descriptor separately.
func (r *Region) Sync() error {
	if len(r.data) == 0 {
		return nil
	}
	if err := unix.Msync(r.data, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("fsio: msync: %w", err)
	}
	return nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	if len(r.data) == 0 {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("fsio: munmap: %w", err)
	}
	return nil
}
