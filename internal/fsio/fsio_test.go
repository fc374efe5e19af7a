package fsio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadWriteAt(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("world"), 5)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(buf))
}

func TestTryLockExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.mv2s")

	f1, err := Open(path)
	require.NoError(t, err)
	defer f1.Close()

	lock1, err := TryLock(f1)
	require.NoError(t, err)
	defer lock1.Unlock()

	f2, err := Open(path)
	require.NoError(t, err)
	defer f2.Close()

	_, err = TryLock(f2)
	require.Error(t, err, "a second exclusive lock on the same file must fail")
}

func TestLockWaitTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.mv2s")

	f1, err := Open(path)
	require.NoError(t, err)
	defer f1.Close()
	lock1, err := TryLock(f1)
	require.NoError(t, err)
	defer lock1.Unlock()

	f2, err := Open(path)
	require.NoError(t, err)
	defer f2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = LockWait(ctx, f2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMMapReflectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(4096))
	region, err := MMap(f, 4096)
	require.NoError(t, err)
	defer region.Close()

	copy(region.Bytes(), "frame-payload")
	require.NoError(t, region.Sync())

	buf := make([]byte, len("frame-payload"))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "frame-payload", string(buf))
}
