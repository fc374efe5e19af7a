package wal

import (
	"fmt"

	"github.com/iosstud/wax/internal/fsio"
)

// ring holds the file-relative geometry shared by Writer and Reader: the
// WAL region occupies [base, base+size) of the container file.
type ring struct {
	file *fsio.File
	base int64
	size uint32
}

func (r *ring) abs(pos uint32) int64 {
	return r.base + int64(pos)
}

// readAt reads n bytes starting at ring-relative position pos. The ring
// never lets a single logical read span the wrap point; callers that need
// a contiguous buffer must request it in at most two pieces.
func (r *ring) readAt(pos uint32, n uint32) ([]byte, error) {
	if uint64(pos)+uint64(n) > uint64(r.size) {
		return nil, fmt.Errorf("wal: read [%d,%d) exceeds ring size %d", pos, uint64(pos)+uint64(n), r.size)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := r.file.ReadAt(buf, r.abs(pos)); err != nil {
		return nil, fmt.Errorf("wal: read at %d: %w", pos, err)
	}
	return buf, nil
}

func (r *ring) writeAt(pos uint32, data []byte) error {
	if uint64(pos)+uint64(len(data)) > uint64(r.size) {
		return fmt.Errorf("wal: write [%d,%d) exceeds ring size %d", pos, uint64(pos)+uint64(len(data)), r.size)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := r.file.WriteAt(data, r.abs(pos)); err != nil {
		return fmt.Errorf("wal: write at %d: %w", pos, err)
	}
	return nil
}
