package wal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/fsio"
	"github.com/iosstud/wax/internal/werrors"
)

// State is a snapshot of the writer's ring bookkeeping, persisted by the
// container layer across commits and used to resume a Writer after
// recovery without rescanning from the ring base.
type State struct {
	WritePos        uint32
	CheckpointPos   uint32
	LastSequence    uint64
	WrapCount       uint64
	CheckpointCount uint64
}

// Writer owns the mutable ring position state: write_pos, checkpoint_pos,
// last_sequence, wrap_count, checkpoint_count (spec.md §4.2). Not shared
// across sessions — exactly one Writer exists per open write lease, mirroring
// the teacher's single owning *Writer per WAL file.
type Writer struct {
	mu sync.Mutex

	ring   ring
	policy FsyncPolicy
	diag   diagnostics.Diagnostics

	state          State
	bytesSinceSync uint64
	faulted        bool
}

// NewWriter constructs a Writer over the WAL region [base, base+size) of
// file, resuming from the given state (zero value for a freshly initialized
// ring).
func NewWriter(file *fsio.File, base int64, size uint32, policy FsyncPolicy, diag diagnostics.Diagnostics, resume State) *Writer {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	return &Writer{
		ring:   ring{file: file, base: base, size: size},
		policy: policy,
		diag:   diag,
		state:  resume,
	}
}

// State returns a snapshot of the writer's current ring position.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Faulted reports whether a prior partial write has poisoned this writer.
// Per spec.md §4.2, any partial write marks the writer faulted; subsequent
// appends fail until the owning session is reinitialized.
func (w *Writer) Faulted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.faulted
}

// Append writes a single record carrying payload and returns its assigned
// sequence number.
func (w *Writer) Append(ctx context.Context, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seqs, err := w.appendLocked(payload)
	if err != nil {
		return 0, err
	}
	if err := w.maybeSyncLocked(ctx); err != nil {
		return 0, err
	}
	return seqs, nil
}

// AppendBatch writes payloads as a contiguous run of records under a single
// lock acquisition and a single fsync decision, matching spec.md §5's
// put_batch contract of grouping mutation envelopes into one append_batch.
// It returns the sequence assigned to the first payload; subsequent payloads
// receive consecutive sequences.
func (w *Writer) AppendBatch(ctx context.Context, payloads [][]byte) (uint64, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	first, err := w.appendLocked(payloads[0])
	if err != nil {
		return 0, err
	}
	for _, p := range payloads[1:] {
		if _, err := w.appendLocked(p); err != nil {
			return 0, err
		}
	}
	if err := w.maybeSyncLocked(ctx); err != nil {
		return 0, err
	}
	return first, nil
}

// Checkpoint advances checkpoint_pos to the writer's current write_pos,
// reclaiming ring space behind it. Called by the container commit protocol
// after the TOC/footer for the committed generation is durable.
func (w *Writer) Checkpoint() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.CheckpointPos = w.state.WritePos
	w.state.CheckpointCount++
}

func (w *Writer) appendLocked(payload []byte) (uint64, error) {
	if w.faulted {
		return 0, &werrors.IOError{Reason: "wal writer is faulted"}
	}

	recordSize := uint64(RecordHeaderSize) + uint64(len(payload))
	if recordSize > uint64(w.ring.size) {
		return 0, &werrors.CapacityExceededError{Limit: uint64(w.ring.size), Requested: recordSize}
	}

	if err := w.ensureContiguousLocked(uint32(recordSize)); err != nil {
		return 0, err
	}

	used := ringSpan(w.state.WritePos, w.state.CheckpointPos, w.ring.size)
	if uint64(used)+recordSize > uint64(w.ring.size) {
		return 0, &werrors.CapacityExceededError{Limit: uint64(w.ring.size) - uint64(used), Requested: recordSize}
	}

	seq := w.state.LastSequence + 1
	sum := checksum.Sum256(payload)
	hdr := RecordHeader{Sequence: seq, Length: uint32(len(payload)), Checksum: sum}

	buf := make([]byte, 0, recordSize)
	buf = append(buf, encodeHeader(hdr)...)
	buf = append(buf, payload...)
	if err := w.ring.writeAt(w.state.WritePos, buf); err != nil {
		w.faulted = true
		return 0, fmt.Errorf("wal: append: %w", err)
	}

	newPos := w.state.WritePos + uint32(recordSize)
	w.writeSentinelLocked(newPos)

	w.state.WritePos = newPos
	w.state.LastSequence = seq
	w.bytesSinceSync += recordSize
	return seq, nil
}

// ensureContiguousLocked guarantees recordSize bytes are available
// contiguously starting at write_pos, wrapping (with a padding record, or a
// zeroed tail when there's no room even for a padding header) if not.
func (w *Writer) ensureContiguousLocked(recordSize uint32) error {
	contiguous := w.ring.size - w.state.WritePos
	if contiguous >= recordSize {
		return nil
	}

	if contiguous >= RecordHeaderSize {
		padPayloadLen := contiguous - RecordHeaderSize
		hdr := RecordHeader{Sequence: 0, Length: padPayloadLen, Flags: FlagPadding}
		buf := make([]byte, 0, contiguous)
		buf = append(buf, encodeHeader(hdr)...)
		buf = append(buf, make([]byte, padPayloadLen)...)
		if err := w.ring.writeAt(w.state.WritePos, buf); err != nil {
			w.faulted = true
			return fmt.Errorf("wal: write padding record: %w", err)
		}
	} else if contiguous > 0 {
		// Too little room even for a padding header; zero the tail so a
		// reader's is_terminal_marker check still holds over it.
		if err := w.ring.writeAt(w.state.WritePos, make([]byte, contiguous)); err != nil {
			w.faulted = true
			return fmt.Errorf("wal: zero ring tail: %w", err)
		}
	}

	w.state.WritePos = 0
	w.state.WrapCount++
	return nil
}

// writeSentinelLocked writes a sequence==0 terminal marker at pos, skipping
// it if there isn't room for a full header (spec.md §4.2).
func (w *Writer) writeSentinelLocked(pos uint32) {
	if uint64(pos)+RecordHeaderSize > uint64(w.ring.size) {
		return
	}
	sentinel := encodeHeader(RecordHeader{})
	if err := w.ring.writeAt(pos, sentinel); err != nil {
		w.diag.Warn(context.Background(), "wal: failed to write sentinel", slog.Any("error", err))
	}
}

func (w *Writer) maybeSyncLocked(ctx context.Context) error {
	switch w.policy.mode {
	case fsyncAlways:
		return w.syncLocked(ctx)
	case fsyncEveryBytes:
		if w.bytesSinceSync >= w.policy.everyBytes {
			return w.syncLocked(ctx)
		}
	}
	return nil
}

func (w *Writer) syncLocked(ctx context.Context) error {
	if err := w.ring.file.Sync(); err != nil {
		w.faulted = true
		w.diag.Fallback(ctx, "wal", "sync failed, writer faulted", err)
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.bytesSinceSync = 0
	return nil
}

// ringSpan computes the number of bytes between checkpointPos and writePos
// going forward through the ring, accounting for wraparound.
func ringSpan(writePos, checkpointPos, size uint32) uint32 {
	if writePos >= checkpointPos {
		return writePos - checkpointPos
	}
	return size - checkpointPos + writePos
}
