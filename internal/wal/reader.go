package wal

import (
	"fmt"

	"github.com/iosstud/wax/internal/fsio"
)

// Record is a decoded, validated WAL entry ready for replay into the
// container's pending-mutation state.
type Record struct {
	Sequence uint64
	Payload  []byte
}

// Reader scans a WAL ring for recovery. It never mutates the ring; all
// walks are read-only and halt (without raising) on the first invalid
// record, per spec.md §4.1's reader invariants.
type Reader struct {
	ring ring
}

// NewReader constructs a Reader over the same [base, base+size) region a
// Writer would use.
func NewReader(file *fsio.File, base int64, size uint32) *Reader {
	return &Reader{ring: ring{file: file, base: base, size: size}}
}

// IsTerminalMarker reports whether the header at pos is a sentinel
// (sequence == 0, not a padding record) — the boundary past which the ring
// holds no live data.
func (r *Reader) IsTerminalMarker(pos uint32) (bool, error) {
	if uint64(pos)+RecordHeaderSize > uint64(r.ring.size) {
		return true, nil
	}
	buf, err := r.ring.readAt(pos, RecordHeaderSize)
	if err != nil {
		return false, fmt.Errorf("wal: is_terminal_marker: %w", err)
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return false, err
	}
	return hdr.IsSentinel() && !hdr.IsPadding(), nil
}

// ScanState replays the ring starting at checkpointPos (with afterSeq the
// last sequence known committed at or before checkpointPos) to recompute
// write_pos, last_sequence, and wrap_count — the state a Writer resumes
// from after recovery, without trusting any in-memory value that didn't
// survive the crash.
func (r *Reader) ScanState(checkpointPos uint32, afterSeq uint64) (State, error) {
	_, endPos, lastSeq, wraps, err := r.walk(checkpointPos, afterSeq)
	if err != nil {
		return State{}, err
	}
	if lastSeq == 0 {
		lastSeq = afterSeq
	}
	return State{
		WritePos:      endPos,
		CheckpointPos: checkpointPos,
		LastSequence:  lastSeq,
		WrapCount:     wraps,
	}, nil
}

// ScanPendingMutations decodes WAL records whose sequence is greater than
// committedSeq, starting at checkpointPos. It stops (without returning an
// error) at the first invalid record, matching spec.md §4.2's contract that
// a corrupted tail must not prevent recovery from producing a scan_state.
func (r *Reader) ScanPendingMutations(checkpointPos uint32, committedSeq uint64) ([]Record, error) {
	records, _, _, _, err := r.walk(checkpointPos, committedSeq)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ScanPendingMutationsWithState performs a single combined pass producing
// both the pending mutation records and the resulting ring state, avoiding
// a second scan over the same region.
func (r *Reader) ScanPendingMutationsWithState(checkpointPos uint32, committedSeq uint64) ([]Record, State, error) {
	records, endPos, lastSeq, wraps, err := r.walk(checkpointPos, committedSeq)
	if err != nil {
		return nil, State{}, err
	}
	if lastSeq == 0 {
		lastSeq = committedSeq
	}
	return records, State{
		WritePos:      endPos,
		CheckpointPos: checkpointPos,
		LastSequence:  lastSeq,
		WrapCount:     wraps,
	}, nil
}

// walk is the shared scanning primitive. It reads forward from pos,
// tracking expectedSeq for the out-of-order check, skipping padding
// records, and stopping cleanly (not as an error) on a sentinel or any
// header/checksum validation failure. The returned error is reserved for
// genuine I/O failures reading the underlying file.
func (r *Reader) walk(from uint32, afterSeq uint64) (records []Record, endPos uint32, lastSeq uint64, wraps uint64, err error) {
	pos := from
	expectedSeq := afterSeq + 1
	lastSeq = afterSeq

	for {
		if uint64(pos)+RecordHeaderSize > uint64(r.ring.size) {
			break
		}
		hdrBuf, rerr := r.ring.readAt(pos, RecordHeaderSize)
		if rerr != nil {
			return records, pos, lastSeq, wraps, fmt.Errorf("wal: scan: read header: %w", rerr)
		}
		hdr, derr := decodeHeader(hdrBuf)
		if derr != nil {
			break
		}
		if hdr.IsSentinel() && !hdr.IsPadding() {
			break
		}

		payloadLen := uint64(hdr.Length)
		if uint64(pos)+RecordHeaderSize+payloadLen > uint64(r.ring.size) {
			break
		}
		payload, rerr := r.ring.readAt(pos+RecordHeaderSize, uint32(payloadLen))
		if rerr != nil {
			return records, pos, lastSeq, wraps, fmt.Errorf("wal: scan: read payload: %w", rerr)
		}

		checkSeq := expectedSeq
		if hdr.IsPadding() {
			checkSeq = hdr.Sequence
		}
		if verr := validateHeader(hdr, payload, checkSeq, r.ring.size, pos); verr != nil {
			break
		}

		next := pos + RecordHeaderSize + uint32(payloadLen)
		if hdr.IsPadding() {
			wraps++
			pos = next % r.ring.size
			continue
		}

		records = append(records, Record{Sequence: hdr.Sequence, Payload: payload})
		lastSeq = hdr.Sequence
		expectedSeq++
		pos = next
	}

	return records, pos, lastSeq, wraps, nil
}
