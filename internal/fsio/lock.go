package fsio

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory exclusive lock on a single file descriptor,
// acquired via flock(2). Grounded on calvinalkan-agent-task's
// internal/ticket.acquireLockWithTimeout, simplified: Wax locks the
// container file itself (no separate lock-file-in-a-subdirectory dance,
// since there is no parent-directory-mtime concern for a single opaque
// .mv2s artifact), and waits via a polling loop bounded by a
// context.Context deadline instead of a goroutine-plus-channel race.
type FileLock struct {
	fd int
}

// TryLock attempts a non-blocking exclusive flock, returning
// (nil, ErrWouldBlock-ish) immediately if another process holds it.
func TryLock(f *File) (*FileLock, error) {
	fd := int(f.Raw().Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, fmt.Errorf("fsio: flock try: %w", err)
	}
	return &FileLock{fd: fd}, nil
}

// LockWait attempts to acquire the lock, retrying until ctx is done. Used by
// session.ReadWriteWait to implement the §4.4 "blocks up to a timeout"
// contract.
func LockWait(ctx context.Context, f *File) (*FileLock, error) {
	const pollInterval = 10 * time.Millisecond
	for {
		lock, err := TryLock(f)
		if err == nil {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases the flock.
func (l *FileLock) Unlock() error {
	if l == nil {
		return nil
	}
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("fsio: flock unlock: %w", err)
	}
	return nil
}
