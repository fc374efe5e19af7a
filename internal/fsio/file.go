// Package fsio provides the positional file I/O, advisory locking, and
// writable mmap primitives the container format is built on: pread/pwrite,
// fsync, a single-writer advisory flock, and a writable mmap region over the
// frame-payload area. Grounded on the teacher's direct *os.File use in
// internal/wal (Write/Sync) for the positional-I/O shape, and on the
// flock/mmap patterns found in calvinalkan-agent-task's internal/ticket/lock.go
// and the dittofs mmap persister (other_examples) respectively.
package fsio

import (
	"fmt"
	"os"
)

// File wraps *os.File with the positional read/write operations the
// container needs (pread/pwrite rather than a single cursor, since the
// container interleaves header, WAL, and payload writes at arbitrary
// offsets).
type File struct {
	f *os.File
}

// Open opens path for read-write, creating it if absent.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("fsio: open %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// OpenReadOnly opens path for reading only.
func OpenReadOnly(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("fsio: open readonly %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Raw returns the underlying *os.File, for callers (mmap, flock) that need
// the file descriptor directly.
func (f *File) Raw() *os.File { return f.f }

// ReadAt performs a positional read (pread).
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(b, off)
	if err != nil {
		return n, fmt.Errorf("fsio: read at %d: %w", off, err)
	}
	return n, nil
}

// WriteAt performs a positional write (pwrite).
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	n, err := f.f.WriteAt(b, off)
	if err != nil {
		return n, fmt.Errorf("fsio: write at %d: %w", off, err)
	}
	return n, nil
}

// Truncate resizes the file.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("fsio: truncate to %d: %w", size, err)
	}
	return nil
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("fsio: stat: %w", err)
	}
	return info.Size(), nil
}

// Sync fsyncs the file to durable storage.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("fsio: fsync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
