// Package session implements Wax's write lease and staged/committed
// visibility layer (spec.md §4.4/§5): one Session owns a container, the
// in-memory text/vector/structured indexes built over it, and the
// stage-then-commit protocol that makes their blobs durable. Grounded on
// the teacher's internal/domain/transaction.Transaction (atomic counter +
// UUID + Active flag) generalized into Session, and on
// calvinalkan-agent-task's ticket.acquireLockWithTimeout for the
// lease-with-timeout shape, reworked onto context.Context deadlines since
// Wax only guards a single advisory flock rather than a lock-file race.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iosstud/wax/internal/compress"
	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/structured"
	"github.com/iosstud/wax/internal/textindex"
	"github.com/iosstud/wax/internal/vectorindex"
	"github.com/iosstud/wax/internal/werrors"
)

// System frame kind tags under which the compiled text/vector indexes and
// the structured-memory snapshot are persisted. Each is superseded by its
// successor on every commit that touches it, the same lifecycle an ordinary
// document frame goes through.
const (
	KindTextIndex          = "wax.internal.text_index"
	KindVectorIndex        = "wax.internal.vector_index"
	KindStructuredSnapshot = "wax.internal.structured_snapshot"
)

// ModeKind selects how Open contends for the container's single writer
// lease.
type ModeKind uint8

const (
	// ReadOnly never takes the writer lease; mutating methods return an
	// error.
	ReadOnly ModeKind = iota
	// ReadWriteFail acquires the lease immediately or fails with
	// werrors.ErrWriterBusy.
	ReadWriteFail
	// ReadWriteWait blocks up to Mode.Timeout for the lease to free up.
	ReadWriteWait
)

// Mode configures Open's writer-lease contention strategy.
type Mode struct {
	Kind    ModeKind
	Timeout time.Duration
}

// Config configures Open for a fresh (never-before-committed) container.
// Once a vector index has been committed at least once, its persisted
// manifest is authoritative and these fields are ignored.
type Config struct {
	VectorDimension  int
	VectorSimilarity vectorindex.Similarity
	Container        container.Config
}

// Session ties a container to the in-memory text/vector/structured indexes
// built over it, and serializes mutation through a single writer lease.
type Session struct {
	ID string

	container *container.Container
	diag      diagnostics.Diagnostics
	isWriter  bool

	text       *textindex.Index
	textFrame  *uint64
	textStaged []byte

	vector           *vectorindex.Index
	vectorFrame      *uint64
	vectorStaged     []byte
	vectorPending    map[uint64]struct{}
	vectorStagedOnce bool

	structuredStore *structured.Store
	structuredFrame *uint64
	structuredDirty bool
}

// Open acquires the container at path under mode, replays every recovered
// non-frame mutation into its owning index, and reconstructs the
// text/vector/structured indexes from their latest committed system frames.
// On any failure after the lease is acquired, the lease is released before
// returning (spec.md §4.4).
func Open(ctx context.Context, path string, mode Mode, cfg Config, diag diagnostics.Diagnostics) (*Session, error) {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	cfg.Container.Diagnostics = diag

	c, isWriter, err := openContainer(ctx, path, mode, cfg.Container)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:              uuid.New().String(),
		container:       c,
		diag:            diag,
		isWriter:        isWriter,
		structuredStore: structured.New(diag),
		vectorPending:   make(map[uint64]struct{}),
	}

	if err := s.loadCommittedIndexes(ctx, cfg); err != nil {
		c.Close(ctx)
		return nil, err
	}
	if err := s.replayPendingEnvelopes(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}
	return s, nil
}

func openContainer(ctx context.Context, path string, mode Mode, cfg container.Config) (*container.Container, bool, error) {
	switch mode.Kind {
	case ReadOnly:
		c, err := container.Open(path, cfg)
		if err != nil {
			return nil, false, err
		}
		return c, false, nil
	case ReadWriteFail:
		c, err := container.Open(path, cfg)
		if err != nil {
			var lockErr *werrors.LockUnavailableError
			if errors.As(err, &lockErr) {
				return nil, false, werrors.ErrWriterBusy
			}
			return nil, false, err
		}
		return c, true, nil
	case ReadWriteWait:
		waitCtx := ctx
		var cancel context.CancelFunc
		if mode.Timeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, mode.Timeout)
			defer cancel()
		}
		c, err := container.OpenWait(waitCtx, path, cfg)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, false, werrors.ErrWriterTimeout
			}
			return nil, false, err
		}
		return c, true, nil
	default:
		return nil, false, fmt.Errorf("session: unknown mode kind %d", mode.Kind)
	}
}

// IsWriter reports whether this session holds the writer lease.
func (s *Session) IsWriter() bool { return s.isWriter }

func (s *Session) requireWriter() error {
	if !s.isWriter {
		return fmt.Errorf("session: mutating call on a read-only session")
	}
	return nil
}

// loadCommittedIndexes scans for the newest live system frame of each index
// kind and rebuilds the corresponding in-memory structure from it.
func (s *Session) loadCommittedIndexes(ctx context.Context, cfg Config) error {
	var latestText, latestVector, latestStructured *container.FrameMetaView
	for _, m := range s.container.Store.FrameMetas() {
		m := m
		if !m.IsLive() {
			continue
		}
		switch m.Kind {
		case KindTextIndex:
			if latestText == nil || m.ID > latestText.ID {
				latestText = &m
			}
		case KindVectorIndex:
			if latestVector == nil || m.ID > latestVector.ID {
				latestVector = &m
			}
		case KindStructuredSnapshot:
			if latestStructured == nil || m.ID > latestStructured.ID {
				latestStructured = &m
			}
		}
	}

	if latestText != nil {
		blob, err := s.container.Store.FrameContent(ctx, latestText.ID)
		if err != nil {
			return fmt.Errorf("session: load text index frame %d: %w", latestText.ID, err)
		}
		idx, _, err := textindex.Deserialize(s.diag, blob)
		if err != nil {
			return fmt.Errorf("session: decode text index: %w", err)
		}
		s.text = idx
		id := latestText.ID
		s.textFrame = &id
	} else {
		s.text = textindex.New(s.diag)
	}

	if latestVector != nil {
		blob, err := s.container.Store.FrameContent(ctx, latestVector.ID)
		if err != nil {
			return fmt.Errorf("session: load vector index frame %d: %w", latestVector.ID, err)
		}
		idx, _, err := vectorindex.Deserialize(ctx, s.diag, blob, vectorindex.Config{})
		if err != nil {
			return fmt.Errorf("session: decode vector index: %w", err)
		}
		s.vector = idx
		id := latestVector.ID
		s.vectorFrame = &id
		// A committed vector frame already exists from a prior session, so
		// the "must be staged" (never-staged) case doesn't apply here — any
		// commit failure over new embeddings is necessarily a staleness
		// failure (spec.md §8 scenarios 3 vs 4).
		s.vectorStagedOnce = true
	} else {
		s.vector = vectorindex.New(s.diag, vectorindex.Config{
			Dimension:  cfg.VectorDimension,
			Similarity: cfg.VectorSimilarity,
		})
	}

	if latestStructured != nil {
		blob, err := s.container.Store.FrameContent(ctx, latestStructured.ID)
		if err != nil {
			return fmt.Errorf("session: load structured snapshot frame %d: %w", latestStructured.ID, err)
		}
		store, err := structured.Deserialize(s.diag, blob)
		if err != nil {
			return fmt.Errorf("session: decode structured snapshot: %w", err)
		}
		s.structuredStore = store
		id := latestStructured.ID
		s.structuredFrame = &id
	}
	return nil
}

// replayPendingEnvelopes applies every WAL-recovered non-frame mutation
// (fact assert/retract, entity upsert) into the in-memory structured store,
// filling the gap between the last committed snapshot and the crash.
// Recovered TextIndexStage/VecIndexStage envelopes are discarded: they
// describe a commit that never finished, and the caller must re-stage after
// reopening.
func (s *Session) replayPendingEnvelopes(ctx context.Context) error {
	for _, env := range s.container.PendingNonFrameEnvelopes() {
		switch env.Kind {
		case container.MutationFactAssert:
			f, err := structured.DecodeFact(env.Payload)
			if err != nil {
				return fmt.Errorf("session: replay fact assert: %w", err)
			}
			s.structuredStore.ApplyFact(f)
		case container.MutationFactRetract:
			rowID, systemToMs, err := structured.DecodeFactRetract(env.Payload)
			if err != nil {
				return fmt.Errorf("session: replay fact retract: %w", err)
			}
			if err := s.structuredStore.RetractFact(ctx, rowID, systemToMs); err != nil {
				s.diag.Fallback(ctx, "session", "skip replay of fact retraction for unknown row", err)
			}
		case container.MutationEntityUpsert:
			ent, err := structured.DecodeEntity(env.Payload)
			if err != nil {
				return fmt.Errorf("session: replay entity upsert: %w", err)
			}
			s.structuredStore.ApplyEntity(ent)
		case container.MutationTextIndexStage, container.MutationVecIndexStage:
			s.diag.Fallback(ctx, "session", "discarding uncommitted staged index blob recovered from WAL", nil)
		}
	}
	return nil
}

// Put inserts payload as a new document/chunk frame, gated on this session
// holding the writer lease.
func (s *Session) Put(ctx context.Context, payload []byte, opts container.PutOptions, enc compress.Encoding, timestampMs int64) (container.FrameMeta, error) {
	if err := s.requireWriter(); err != nil {
		return container.FrameMeta{}, err
	}
	return s.container.Store.Put(ctx, payload, opts, enc, timestampMs)
}

// PutBatch inserts multiple frames as one durable WAL append.
func (s *Session) PutBatch(ctx context.Context, items []container.PutItem) ([]container.FrameMeta, error) {
	if err := s.requireWriter(); err != nil {
		return nil, err
	}
	return s.container.Store.PutBatch(ctx, items)
}

// Supersede marks oldID as superseded by newID.
func (s *Session) Supersede(ctx context.Context, oldID, newID uint64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	return s.container.Store.Supersede(ctx, oldID, newID)
}

// Delete marks id as deleted.
func (s *Session) Delete(ctx context.Context, id uint64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	return s.container.Store.Delete(ctx, id)
}

// FrameContent reads id's payload.
func (s *Session) FrameContent(ctx context.Context, id uint64) ([]byte, error) {
	return s.container.Store.FrameContent(ctx, id)
}

// FrameMetas returns committed ∪ pending frame metadata.
func (s *Session) FrameMetas() []container.FrameMetaView {
	return s.container.Store.FrameMetas()
}

// TextIndex exposes the live text index for search-lane queries.
func (s *Session) TextIndex() *textindex.Index { return s.text }

// VectorIndex exposes the live vector index for search-lane queries.
func (s *Session) VectorIndex() *vectorindex.Index { return s.vector }

// StructuredStore exposes the live structured store.
func (s *Session) StructuredStore() *structured.Store { return s.structuredStore }

// IndexText adds frameID's text to the BM25 index without staging it; a
// subsequent StageTextIndexForNextCommit captures this mutation for commit.
func (s *Session) IndexText(ctx context.Context, frameID uint64, text string) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.text.Add(ctx, frameID, text)
	return nil
}

// IndexEmbedding adds frameID's vector to the vector index and marks it
// pending: Commit will reject an attempt to commit before a subsequent
// StageVecIndexForNextCommit captures it (spec.md §4.4 pending_embeddings
// ⊆ staged_vector_index invariant).
func (s *Session) IndexEmbedding(ctx context.Context, frameID uint64, vector []float32) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	if err := s.vector.Add(ctx, frameID, vector); err != nil {
		return err
	}
	s.vectorPending[frameID] = struct{}{}
	return nil
}

// StageTextIndexForNextCommit freezes the current BM25 index into the blob
// Commit will persist as the next wax.internal.text_index system frame.
func (s *Session) StageTextIndexForNextCommit(ctx context.Context) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.textStaged = s.text.Serialize()
	return nil
}

// StageVecIndexForNextCommit freezes the current vector index into the blob
// Commit will persist, and clears the pending-embeddings set: every vector
// added up to this point is now covered by the staged blob.
func (s *Session) StageVecIndexForNextCommit(ctx context.Context) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.vectorStaged = s.vector.Serialize()
	s.vectorPending = make(map[uint64]struct{})
	s.vectorStagedOnce = true
	return nil
}

// AssertFact durably logs and applies a fact assertion.
func (s *Session) AssertFact(ctx context.Context, f structured.Fact, systemFromMs int64) (structured.Fact, error) {
	if err := s.requireWriter(); err != nil {
		return structured.Fact{}, err
	}
	asserted, err := s.structuredStore.AssertFact(ctx, f, systemFromMs)
	if err != nil {
		return structured.Fact{}, err
	}
	payload, err := structured.EncodeFact(asserted)
	if err != nil {
		return structured.Fact{}, err
	}
	if _, err := s.container.AppendRawMutation(ctx, container.Envelope{Kind: container.MutationFactAssert, Payload: payload}); err != nil {
		return structured.Fact{}, err
	}
	s.structuredDirty = true
	return asserted, nil
}

// RetractFact durably logs and applies a fact retraction.
func (s *Session) RetractFact(ctx context.Context, factRowID uint64, systemToMs int64) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	if err := s.structuredStore.RetractFact(ctx, factRowID, systemToMs); err != nil {
		return err
	}
	payload := structured.EncodeFactRetract(factRowID, systemToMs)
	if _, err := s.container.AppendRawMutation(ctx, container.Envelope{Kind: container.MutationFactRetract, Payload: payload}); err != nil {
		return err
	}
	s.structuredDirty = true
	return nil
}

// UpsertEntity durably logs and applies an entity upsert.
func (s *Session) UpsertEntity(ctx context.Context, key structured.EntityKey, kind string, aliases []string, createdMs int64) (structured.Entity, error) {
	if err := s.requireWriter(); err != nil {
		return structured.Entity{}, err
	}
	ent := s.structuredStore.UpsertEntity(ctx, key, kind, aliases, createdMs)
	payload := structured.EncodeEntity(ent)
	if _, err := s.container.AppendRawMutation(ctx, container.Envelope{Kind: container.MutationEntityUpsert, Payload: payload}); err != nil {
		return structured.Entity{}, err
	}
	s.structuredDirty = true
	return ent, nil
}

// Commit validates that every embedding added since the last stage call has
// been captured by a subsequent StageVecIndexForNextCommit, materializes any
// staged/dirty index blobs as system frames, and commits the container
// (spec.md §4.4). Per spec.md §8 scenarios 3 and 4, an uncovered embedding
// fails distinctly depending on whether the vector index has ever been
// staged in this session's lifetime: never-staged reports "vector index
// must be staged"; staged-but-outdated reports "vector index is stale".
func (s *Session) Commit(ctx context.Context) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	if len(s.vectorPending) > 0 {
		ids := make([]uint64, 0, len(s.vectorPending))
		for id := range s.vectorPending {
			ids = append(ids, id)
		}
		if !s.vectorStagedOnce {
			return werrors.NewIOError(fmt.Sprintf("vector index must be staged before commit (pending frame ids: %v)", ids), nil)
		}
		return werrors.NewIOError(fmt.Sprintf("vector index is stale: embeddings added since last stage (pending frame ids: %v)", ids), nil)
	}

	if s.textStaged != nil {
		if err := s.putSystemFrame(ctx, KindTextIndex, s.textStaged, &s.textFrame); err != nil {
			return fmt.Errorf("session: commit text index: %w", err)
		}
		s.textStaged = nil
	}
	if s.vectorStaged != nil {
		if err := s.putSystemFrame(ctx, KindVectorIndex, s.vectorStaged, &s.vectorFrame); err != nil {
			return fmt.Errorf("session: commit vector index: %w", err)
		}
		s.vectorStaged = nil
	}
	if s.structuredDirty {
		if err := s.putSystemFrame(ctx, KindStructuredSnapshot, s.structuredStore.Serialize(), &s.structuredFrame); err != nil {
			return fmt.Errorf("session: commit structured snapshot: %w", err)
		}
		s.structuredDirty = false
	}

	return s.container.Commit(ctx)
}

// putSystemFrame writes blob as a new system frame of the given kind,
// superseding the previous frame of that kind if one exists, and updates
// *frameID to the new frame's id.
func (s *Session) putSystemFrame(ctx context.Context, kind string, blob []byte, frameID **uint64) error {
	meta, err := s.container.Store.Put(ctx, blob, container.PutOptions{Role: container.RoleSystem, Kind: kind}, compress.Plain, 0)
	if err != nil {
		return err
	}
	if *frameID != nil {
		if err := s.container.Store.Supersede(ctx, **frameID, meta.ID); err != nil {
			return err
		}
	}
	id := meta.ID
	*frameID = &id
	return nil
}

// Close auto-commits any pending writer mutations, then releases the writer
// lease and closes the underlying file (spec.md §4.4).
func (s *Session) Close(ctx context.Context) error {
	if s.isWriter && s.hasPendingMutations() {
		if err := s.Commit(ctx); err != nil {
			return fmt.Errorf("session: close: auto-commit: %w", err)
		}
	}
	return s.container.Close(ctx)
}

func (s *Session) hasPendingMutations() bool {
	return s.container.Store.HasPendingMutations() ||
		s.textStaged != nil || s.vectorStaged != nil || s.structuredDirty
}
