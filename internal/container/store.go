package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/compress"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/fsio"
	"github.com/iosstud/wax/internal/wal"
	"github.com/iosstud/wax/internal/werrors"
)

// PutOptions carries the frame attributes a caller controls at insert time;
// id, status, payload location, and hash are assigned by the store.
type PutOptions struct {
	Role       Role
	Kind       string
	ParentID   *uint64
	ChunkIndex *uint32
	ChunkCount *uint32
	Labels     []string
	Tags       []string
	Metadata   map[string]string
	SearchText string
}

// PutItem bundles the arguments to a single PutBatch entry.
type PutItem struct {
	Payload     []byte
	Options     PutOptions
	Encoding    compress.Encoding
	TimestampMs int64
}

// FrameStore implements spec.md §4.3's frame lifecycle (put/put_batch/
// supersede/delete/frame_content/frame_metas) directly atop a wal.Writer
// and an in-memory pending-metadata map, mirroring the teacher's
// WALManager.LogInsert/LogUpdate/LogDelete call shape (log the mutation,
// then apply it to an in-memory table) but against frames instead of rows.
type FrameStore struct {
	mu sync.RWMutex

	file *fsio.File
	wal  *wal.Writer
	diag diagnostics.Diagnostics

	lastFrameID       uint64
	nextPayloadOffset int64

	committed map[uint64]FrameMeta
	pending   map[uint64]FrameMeta

	mmapMu     sync.Mutex
	mmapRegion *fsio.Region
	mmapLen    int64
}

// NewFrameStore constructs a FrameStore over file's payload region, backed
// by walWriter for mutation durability. payloadBase is the first byte
// offset available for frame payloads; committed is the frame metadata set
// recovered from the last durable TOC (empty for a freshly created file).
func NewFrameStore(file *fsio.File, walWriter *wal.Writer, diag diagnostics.Diagnostics, payloadBase int64, committed []FrameMeta) *FrameStore {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	s := &FrameStore{
		file:              file,
		wal:               walWriter,
		diag:              diag,
		nextPayloadOffset: payloadBase,
		committed:         make(map[uint64]FrameMeta, len(committed)),
		pending:           make(map[uint64]FrameMeta),
	}
	for _, m := range committed {
		s.committed[m.ID] = m
		if m.ID > s.lastFrameID {
			s.lastFrameID = m.ID
		}
		if end := int64(m.PayloadOffset + m.PayloadLength); end > s.nextPayloadOffset {
			s.nextPayloadOffset = end
		}
	}
	return s
}

// NextPayloadOffset exposes the current append tail, so the container layer
// can place the TOC+footer immediately after the last written payload.
func (s *FrameStore) NextPayloadOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextPayloadOffset
}

// AdvancePayloadOffset bumps the append tail past a just-written TOC+footer,
// so a frame inserted after a commit appends beyond it instead of
// overwriting the generation that's still referenced by the durable header.
func (s *FrameStore) AdvancePayloadOffset(to int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > s.nextPayloadOffset {
		s.nextPayloadOffset = to
	}
}

// Put compresses payload, assigns a monotonically increasing frame id,
// appends the compressed bytes to the payload region, and durably logs a
// FrameInsert mutation envelope before making the frame visible as pending.
func (s *FrameStore) Put(ctx context.Context, payload []byte, opts PutOptions, enc compress.Encoding, timestampMs int64) (FrameMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas, err := s.putLocked(ctx, []PutItem{{Payload: payload, Options: opts, Encoding: enc, TimestampMs: timestampMs}})
	if err != nil {
		return FrameMeta{}, err
	}
	return metas[0], nil
}

// PutBatch groups all frames' mutation envelopes into a single WAL
// append_batch and writes their compressed payloads as one contiguous
// range, per spec.md §4.3.
func (s *FrameStore) PutBatch(ctx context.Context, items []PutItem) ([]FrameMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(ctx, items)
}

func (s *FrameStore) putLocked(ctx context.Context, items []PutItem) ([]FrameMeta, error) {
	metas := make([]FrameMeta, len(items))
	compressedBlocks := make([][]byte, len(items))
	envelopes := make([][]byte, len(items))

	combined := make([]byte, 0)
	offset := s.nextPayloadOffset
	id := s.lastFrameID

	for i, item := range items {
		compressed, err := compress.Compress(item.Encoding, item.Payload)
		if err != nil {
			return nil, fmt.Errorf("container: put: compress: %w", err)
		}
		hash := checksum.Sum256(item.Payload)
		id++

		meta := FrameMeta{
			ID:                id,
			TimestampMs:       item.TimestampMs,
			Role:              item.Options.Role,
			Kind:              item.Options.Kind,
			ParentID:          item.Options.ParentID,
			ChunkIndex:        item.Options.ChunkIndex,
			ChunkCount:        item.Options.ChunkCount,
			Status:            StatusActive,
			CanonicalEncoding: item.Encoding,
			PayloadOffset:     uint64(offset),
			PayloadLength:     uint64(len(compressed)),
			PayloadHash:       hash,
			SearchText:        item.Options.SearchText,
			Labels:            item.Options.Labels,
			Tags:              item.Options.Tags,
			Metadata:          item.Options.Metadata,
		}

		metas[i] = meta
		compressedBlocks[i] = compressed
		envelopes[i] = EncodeEnvelope(Envelope{Kind: MutationFrameInsert, Payload: EncodeFrameInsert(meta)})
		combined = append(combined, compressed...)
		offset += int64(len(compressed))
	}

	if len(combined) > 0 {
		if _, err := s.file.WriteAt(combined, s.nextPayloadOffset); err != nil {
			return nil, fmt.Errorf("container: put: write payload: %w", err)
		}
	}

	if _, err := s.wal.AppendBatch(ctx, envelopes); err != nil {
		return nil, fmt.Errorf("container: put: wal append: %w", err)
	}

	for _, m := range metas {
		s.pending[m.ID] = m
	}
	s.lastFrameID = id
	s.nextPayloadOffset = offset

	return metas, nil
}

// Supersede marks oldID as superseded by newID. Both frames must already
// exist in the committed-or-pending metadata set.
func (s *FrameStore) Supersede(ctx context.Context, oldID, newID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.lookupLocked(oldID)
	if err != nil {
		return err
	}
	if _, err := s.lookupLocked(newID); err != nil {
		return err
	}

	envelope := EncodeEnvelope(Envelope{Kind: MutationFrameSupersede, Payload: EncodeFrameSupersede(FrameSupersedeRecord{OldID: oldID, NewID: newID})})
	if _, err := s.wal.Append(ctx, envelope); err != nil {
		return fmt.Errorf("container: supersede: wal append: %w", err)
	}

	old.SupersededBy = &newID
	s.pending[oldID] = old
	return nil
}

// Delete marks id's status as deleted. The frame's TOC entry is retained
// (spec.md §3); it is simply excluded from live-set queries thereafter.
func (s *FrameStore) Delete(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.lookupLocked(id)
	if err != nil {
		return err
	}

	envelope := EncodeEnvelope(Envelope{Kind: MutationFrameDelete, Payload: EncodeFrameDelete(id)})
	if _, err := s.wal.Append(ctx, envelope); err != nil {
		return fmt.Errorf("container: delete: wal append: %w", err)
	}

	meta.Status = StatusDeleted
	s.pending[id] = meta
	return nil
}

// AppendRawMutation durably logs an envelope that carries no frame metadata
// of its own (fact asserts/retracts, entity upserts, staged text/vector index
// blobs). The frame store only owns the WAL append; replaying the envelope
// into the owning subsystem's in-memory state is the caller's job, both at
// append time and during recovery.
func (s *FrameStore) AppendRawMutation(ctx context.Context, e Envelope) (uint64, error) {
	seq, err := s.wal.Append(ctx, EncodeEnvelope(e))
	if err != nil {
		return 0, fmt.Errorf("container: append raw mutation: wal append: %w", err)
	}
	return seq, nil
}

// FrameContent reads, decompresses, and hash-verifies id's payload bytes.
// Reads are served from a writable mmap region over the payload area when
// available (spec.md §4.1/§6.1's "writable mmap regions" primitive, grounded
// on the dittofs mmap persister in other_examples), falling back to a
// positional pread if the region can't be (re)established for this offset.
func (s *FrameStore) FrameContent(ctx context.Context, id uint64) ([]byte, error) {
	s.mu.RLock()
	meta, err := s.lookupLocked(id)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	raw := make([]byte, meta.PayloadLength)
	readEnd := int64(meta.PayloadOffset) + int64(meta.PayloadLength)
	if region := s.ensureMmapRegion(ctx, readEnd); region != nil {
		copy(raw, region.Bytes()[meta.PayloadOffset:readEnd])
	} else if _, err := s.file.ReadAt(raw, int64(meta.PayloadOffset)); err != nil {
		return nil, fmt.Errorf("container: frame_content: read: %w", err)
	}

	decoded, err := compress.DecompressToEnd(ctx, s.diag, meta.CanonicalEncoding, raw)
	if err != nil {
		return nil, fmt.Errorf("container: frame_content: decompress: %w", err)
	}
	if !checksum.Verify(decoded, meta.PayloadHash) {
		return nil, &werrors.ChecksumMismatchError{Context: fmt.Sprintf("frame %d payload", id)}
	}
	return decoded, nil
}

// FrameMetaView is a frame metadata record annotated with whether it's
// still only durable in the WAL (pending) or has been folded into a
// committed TOC.
type FrameMetaView struct {
	FrameMeta
	IsPending bool
}

// FrameMetas returns the union of committed and pending metadata, per
// spec.md §4.3's "view of committed ∪ pending metadata".
func (s *FrameStore) FrameMetas() []FrameMetaView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FrameMetaView, 0, len(s.committed)+len(s.pending))
	for id, m := range s.committed {
		if _, isPending := s.pending[id]; isPending {
			continue
		}
		out = append(out, FrameMetaView{FrameMeta: m})
	}
	for _, m := range s.pending {
		out = append(out, FrameMetaView{FrameMeta: m, IsPending: true})
	}
	return out
}

// CommitSnapshot returns the full frame metadata set (committed with
// pending overlaid) as an ordered-by-id slice, ready to serialize into the
// next generation's TOC. Callers must follow with MarkCommitted once the
// TOC/footer for this snapshot is durable.
func (s *FrameStore) CommitSnapshot() []FrameMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[uint64]FrameMeta, len(s.committed)+len(s.pending))
	for id, m := range s.committed {
		merged[id] = m
	}
	for id, m := range s.pending {
		merged[id] = m
	}

	out := make([]FrameMeta, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sortFrameMetasByID(out)
	return out
}

// MarkCommitted folds pending mutations into the committed set after a
// successful commit.
func (s *FrameStore) MarkCommitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.pending {
		s.committed[id] = m
	}
	s.pending = make(map[uint64]FrameMeta)
}

// HasPendingMutations reports whether any frame mutation has been durably
// logged to the WAL but not yet folded into a committed TOC.
func (s *FrameStore) HasPendingMutations() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// ApplyRecoveredEnvelope replays a single mutation envelope recovered from
// the WAL tail into the in-memory pending set, without re-appending to the
// WAL or rewriting payload bytes (both are already durable from the crashed
// session; only the in-memory reconstruction is missing). Used exclusively
// by container recovery.
func (s *FrameStore) ApplyRecoveredEnvelope(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case MutationFrameInsert:
		meta, err := DecodeFrameInsert(e.Payload)
		if err != nil {
			return err
		}
		s.pending[meta.ID] = meta
		if meta.ID > s.lastFrameID {
			s.lastFrameID = meta.ID
		}
		if end := int64(meta.PayloadOffset + meta.PayloadLength); end > s.nextPayloadOffset {
			s.nextPayloadOffset = end
		}
		return nil

	case MutationFrameSupersede:
		rec, err := DecodeFrameSupersede(e.Payload)
		if err != nil {
			return err
		}
		old, err := s.lookupLocked(rec.OldID)
		if err != nil {
			return err
		}
		newID := rec.NewID
		old.SupersededBy = &newID
		s.pending[rec.OldID] = old
		return nil

	case MutationFrameDelete:
		id, err := DecodeFrameDelete(e.Payload)
		if err != nil {
			return err
		}
		meta, err := s.lookupLocked(id)
		if err != nil {
			return err
		}
		meta.Status = StatusDeleted
		s.pending[id] = meta
		return nil

	default:
		// textindex/vectorindex/structured mutations are replayed by their
		// own stores once those packages exist; the frame store has nothing
		// to apply for them.
		return nil
	}
}

// ensureMmapRegion returns an mmap region covering at least neededLen bytes
// of the file, (re)mapping it if the file has grown past the current
// mapping since append-only growth means every prior mapping's bytes remain
// valid at their original offsets. Returns nil (caller falls back to
// ReadAt) if mapping fails or the file is currently shorter than
// neededLen — the latter happens for a payload written in the same
// putLocked call as a read racing it, which pread always observes correctly.
func (s *FrameStore) ensureMmapRegion(ctx context.Context, neededLen int64) *fsio.Region {
	s.mmapMu.Lock()
	defer s.mmapMu.Unlock()

	if s.mmapRegion != nil && s.mmapLen >= neededLen {
		return s.mmapRegion
	}

	size, err := s.file.Size()
	if err != nil || size < neededLen {
		return nil
	}

	region, err := fsio.MMap(s.file, int(size))
	if err != nil {
		s.diag.Fallback(ctx, "container", "mmap unavailable, falling back to pread", err)
		return nil
	}
	if s.mmapRegion != nil {
		if err := s.mmapRegion.Close(); err != nil {
			s.diag.Fallback(ctx, "container", "munmap of stale region failed", err)
		}
	}
	s.mmapRegion = region
	s.mmapLen = size
	return region
}

// Close releases any mmap region held over the payload area. Safe to call
// even if no region was ever established.
func (s *FrameStore) Close() error {
	s.mmapMu.Lock()
	defer s.mmapMu.Unlock()
	if s.mmapRegion == nil {
		return nil
	}
	err := s.mmapRegion.Close()
	s.mmapRegion = nil
	s.mmapLen = 0
	return err
}

func (s *FrameStore) lookupLocked(id uint64) (FrameMeta, error) {
	if m, ok := s.pending[id]; ok {
		return m, nil
	}
	if m, ok := s.committed[id]; ok {
		return m, nil
	}
	return FrameMeta{}, &werrors.FrameNotFoundError{ID: id}
}
