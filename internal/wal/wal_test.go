package wal

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/fsio"
	"github.com/stretchr/testify/require"
)

func openRingFile(t *testing.T, size uint32) *fsio.File {
	t.Helper()
	dir := t.TempDir()
	f, err := fsio.Open(filepath.Join(dir, "ring.bin"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAppendAndScanRoundTrip(t *testing.T) {
	size := uint32(4096)
	f := openRingFile(t, size)

	w := NewWriter(f, 0, size, FsyncAlways(), diagnostics.Noop(), State{})
	ctx := context.Background()

	seq1, err := w.Append(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := w.Append(ctx, []byte("world"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	reader := NewReader(f, 0, size)
	records, err := reader.ScanPendingMutations(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "hello", string(records[0].Payload))
	require.Equal(t, "world", string(records[1].Payload))
}

// TestWalRingWrapWithPadding mirrors spec.md's scenario 2: WAL size 256,
// append 0xAA×40, 0xBB×40, checkpoint, append 0xCC×40, 0xDD×40. Expect
// wrap_count > 0 and the reader scan to yield all four payloads in order.
func TestWalRingWrapWithPadding(t *testing.T) {
	size := uint32(256)
	f := openRingFile(t, size)

	w := NewWriter(f, 0, size, FsyncNone(), diagnostics.Noop(), State{})
	ctx := context.Background()

	payloadA := bytes.Repeat([]byte{0xAA}, 40)
	payloadB := bytes.Repeat([]byte{0xBB}, 40)
	payloadC := bytes.Repeat([]byte{0xCC}, 40)
	payloadD := bytes.Repeat([]byte{0xDD}, 40)

	_, err := w.Append(ctx, payloadA)
	require.NoError(t, err)
	_, err = w.Append(ctx, payloadB)
	require.NoError(t, err)

	// Read back the first pair before checkpointing and wrapping reclaims
	// (and overwrites) their ring space.
	reader := NewReader(f, 0, size)
	firstPair, err := reader.ScanPendingMutations(0, 0)
	require.NoError(t, err)
	require.Len(t, firstPair, 2)
	require.Equal(t, payloadA, firstPair[0].Payload)
	require.Equal(t, payloadB, firstPair[1].Payload)

	w.Checkpoint()
	checkpointState := w.State()

	_, err = w.Append(ctx, payloadC)
	require.NoError(t, err)
	_, err = w.Append(ctx, payloadD)
	require.NoError(t, err)

	require.Greater(t, w.State().WrapCount, uint64(0))

	secondPair, err := reader.ScanPendingMutations(checkpointState.WritePos, checkpointState.LastSequence)
	require.NoError(t, err)
	require.Len(t, secondPair, 2)
	require.Equal(t, payloadC, secondPair[0].Payload)
	require.Equal(t, payloadD, secondPair[1].Payload)

	allFour := append(firstPair, secondPair...)
	require.Len(t, allFour, 4, "all four payloads observed across the pre- and post-wrap scans, in order")
}

func TestAppendRejectsOversizedRecord(t *testing.T) {
	size := uint32(128)
	f := openRingFile(t, size)
	w := NewWriter(f, 0, size, FsyncNone(), diagnostics.Noop(), State{})

	_, err := w.Append(context.Background(), make([]byte, 256))
	require.Error(t, err)
}

func TestScanHaltsOnCorruption(t *testing.T) {
	size := uint32(4096)
	f := openRingFile(t, size)
	w := NewWriter(f, 0, size, FsyncAlways(), diagnostics.Noop(), State{})
	ctx := context.Background()

	_, err := w.Append(ctx, []byte("good-record"))
	require.NoError(t, err)

	// Corrupt one payload byte in place, invalidating its checksum.
	corrupt := []byte{0xFF}
	_, err = f.WriteAt(corrupt, int64(RecordHeaderSize))
	require.NoError(t, err)

	_, err = w.Append(ctx, []byte("second-record"))
	require.NoError(t, err)

	reader := NewReader(f, 0, size)
	records, err := reader.ScanPendingMutations(0, 0)
	require.NoError(t, err, "corruption halts the scan but does not raise")
	require.Len(t, records, 0, "first record failed checksum validation, scan stops before it")
}

func TestRecoverResumesWriterState(t *testing.T) {
	size := uint32(4096)
	f := openRingFile(t, size)
	ctx := context.Background()

	w := NewWriter(f, 0, size, FsyncAlways(), diagnostics.Noop(), State{})
	_, err := w.Append(ctx, []byte("one"))
	require.NoError(t, err)
	_, err = w.Append(ctx, []byte("two"))
	require.NoError(t, err)
	stateBefore := w.State()

	resumed, records, err := Recover(f, 0, size, 0, 0, FsyncAlways(), diagnostics.Noop())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, stateBefore.WritePos, resumed.State().WritePos)
	require.Equal(t, stateBefore.LastSequence, resumed.State().LastSequence)

	seq3, err := resumed.Append(ctx, []byte("three"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq3)
}
