package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/fsio"
	"github.com/iosstud/wax/internal/wal"
	"github.com/iosstud/wax/internal/werrors"
)

// DefaultWALSize is used when Config.WALSize is left at zero.
const DefaultWALSize = 4 << 20 // 4 MiB

// Config configures Open.
type Config struct {
	WALSize     uint32
	FsyncPolicy wal.FsyncPolicy
	Diagnostics diagnostics.Diagnostics
}

// Container owns one `.mv2s` file: its two alternating header pages, WAL
// ring, frame payload region, and the FrameStore built on top. Grounded on
// the teacher's manager.Manager (one struct tying a WAL to its durable
// table state) generalized to the spec's dual-header commit protocol
// instead of a single-file-per-table rename.
type Container struct {
	mu sync.Mutex

	file     *fsio.File
	lock     *fsio.FileLock
	geometry Geometry
	diag     diagnostics.Diagnostics

	generation uint64
	headerGen  [2]uint64

	wal   *wal.Writer
	Store *FrameStore

	// pendingNonFrame holds WAL-recovered envelopes whose kind the frame
	// store doesn't know how to apply (fact/entity/index-stage mutations).
	// Session.Open replays these into the owning packages; Container itself
	// only transports them.
	pendingNonFrame []Envelope
}

// PendingNonFrameEnvelopes returns mutation envelopes recovered from the WAL
// tail that belong to a subsystem other than the frame store (structured
// facts/entities, staged text/vector index blobs). Empty for a freshly
// initialized container or one with no pending non-frame mutations.
func (c *Container) PendingNonFrameEnvelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.pendingNonFrame))
	copy(out, c.pendingNonFrame)
	return out
}

// AppendRawMutation durably logs a non-frame mutation envelope (fact assert/
// retract, entity upsert, staged index blob) to the WAL.
func (c *Container) AppendRawMutation(ctx context.Context, e Envelope) (uint64, error) {
	return c.Store.AppendRawMutation(ctx, e)
}

// Open opens path, initializing a fresh container if the file is empty or
// recovering the most recent durable generation otherwise (spec.md §4.1).
// The writer lease is acquired non-blocking; a lease already held by
// another session surfaces immediately as LockUnavailableError.
func Open(path string, cfg Config) (*Container, error) {
	return open(path, cfg, func(f *fsio.File) (*fsio.FileLock, error) {
		lock, err := fsio.TryLock(f)
		if err != nil {
			return nil, &werrors.LockUnavailableError{Reason: err.Error()}
		}
		return lock, nil
	})
}

// OpenWait is Open, but blocks up to ctx's deadline for the writer lease to
// become available instead of failing immediately — the basis of
// session.ReadWriteWait's "blocks up to a timeout" contract (spec.md §4.4).
func OpenWait(ctx context.Context, path string, cfg Config) (*Container, error) {
	return open(path, cfg, func(f *fsio.File) (*fsio.FileLock, error) {
		return fsio.LockWait(ctx, f)
	})
}

func open(path string, cfg Config, acquireLock func(*fsio.File) (*fsio.FileLock, error)) (*Container, error) {
	if cfg.WALSize == 0 {
		cfg.WALSize = DefaultWALSize
	}
	diag := cfg.Diagnostics
	if diag == nil {
		diag = diagnostics.Noop()
	}

	f, err := fsio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open: %w", err)
	}
	lock, err := acquireLock(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	geometry := Geometry{WALSize: cfg.WALSize}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}

	if size < geometry.PayloadRegionOffset() {
		return initializeFresh(f, lock, geometry, diag)
	}
	return recover_(f, lock, geometry, diag, cfg.FsyncPolicy)
}

func initializeFresh(f *fsio.File, lock *fsio.FileLock, geometry Geometry, diag diagnostics.Diagnostics) (*Container, error) {
	if err := f.Truncate(geometry.PayloadRegionOffset()); err != nil {
		return nil, fmt.Errorf("container: initialize: %w", err)
	}
	if err := writeHeaderPage(f, geometry.HeaderAOffset(), Header{}); err != nil {
		return nil, err
	}
	if err := writeHeaderPage(f, geometry.HeaderBOffset(), Header{}); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("container: initialize: sync: %w", err)
	}

	walWriter := wal.NewWriter(f, geometry.WALOffset(), geometry.WALSize, wal.FsyncAlways(), diag, wal.State{})
	store := NewFrameStore(f, walWriter, diag, geometry.PayloadRegionOffset(), nil)

	diag.Info(context.Background(), "container: initialized new file")
	return &Container{
		file:      f,
		lock:      lock,
		geometry:  geometry,
		diag:      diag,
		wal:       walWriter,
		Store:     store,
		headerGen: [2]uint64{0, 0},
	}, nil
}

func recover_(f *fsio.File, lock *fsio.FileLock, geometry Geometry, diag diagnostics.Diagnostics, policy wal.FsyncPolicy) (*Container, error) {
	ctx := context.Background()

	hdrA, errA := readHeaderPage(f, geometry.HeaderAOffset())
	hdrB, errB := readHeaderPage(f, geometry.HeaderBOffset())

	header, headerGen, err := chooseHeader(hdrA, errA, hdrB, errB, diag)
	if err != nil {
		return nil, err
	}

	// A header at generation 0 means no commit has ever completed for this
	// file (freshly initialized, or every Put so far is still WAL-only
	// pending): there's no footer to resolve yet.
	var footer Footer
	var footerOffset int64
	haveFooter := false
	if header.Generation > 0 {
		footerOffset = int64(header.FooterOffset)
		f2, err := readFooter(f, footerOffset)
		if err != nil || f2.Generation != header.Generation {
			diag.Fallback(ctx, "container", "header footer mismatch, file unreadable", err)
			return nil, &werrors.InvalidFooterError{Reason: "header's footer_offset does not resolve to a matching footer"}
		}
		footer, haveFooter = f2, true
	}

	// Tail-footer rescue: a crash between the TOC/footer append (step 2) and
	// the header swap (step 3) leaves a newer footer at the file tail that
	// neither header page points to yet. Applies whether or not a prior
	// generation was ever published.
	if size, err := f.Size(); err == nil {
		if tailOffset, tailFooter, ok := scanTailFooter(f, size); ok && (!haveFooter || tailFooter.Generation > footer.Generation) {
			diag.Info(ctx, "container: adopting tail footer from torn header swap",
				slog.Uint64("recovered_generation", tailFooter.Generation))
			footerOffset, footer, haveFooter = tailOffset, tailFooter, true
		}
	}

	var metas []FrameMeta
	var committedSeq uint64
	if haveFooter {
		tocOffset := footerOffset - int64(checksum.Size) - int64(footer.TOCLen)
		if tocOffset < geometry.PayloadRegionOffset() {
			return nil, &werrors.InvalidTOCError{Reason: "toc offset precedes payload region"}
		}
		tocBody := make([]byte, footer.TOCLen)
		if _, err := f.ReadAt(tocBody, tocOffset); err != nil {
			return nil, fmt.Errorf("container: recover: read toc: %w", err)
		}
		if tocChecksum(tocBody) != footer.TOCHash {
			return nil, &werrors.InvalidTOCError{Reason: "toc checksum mismatch"}
		}
		if metas, err = decodeTOCBody(tocBody); err != nil {
			return nil, err
		}
		committedSeq = footer.WALCommittedSeq
	}

	walWriter, pending, err := wal.Recover(f, geometry.WALOffset(), geometry.WALSize, header.WALCheckpointPos, committedSeq, policy, diag)
	if err != nil {
		return nil, fmt.Errorf("container: recover: wal: %w", err)
	}

	store := NewFrameStore(f, walWriter, diag, geometry.PayloadRegionOffset(), metas)
	if haveFooter {
		store.AdvancePayloadOffset(footerOffset + FooterSize)
	}
	var nonFrame []Envelope
	for _, rec := range pending {
		env, err := DecodeEnvelope(rec.Payload)
		if err != nil {
			diag.Fallback(ctx, "container", "skip malformed pending envelope", err, slog.Uint64("sequence", rec.Sequence))
			continue
		}
		switch env.Kind {
		case MutationFrameInsert, MutationFrameSupersede, MutationFrameDelete:
			if err := store.ApplyRecoveredEnvelope(env); err != nil {
				diag.Fallback(ctx, "container", "skip unapplicable pending envelope", err, slog.Uint64("sequence", rec.Sequence))
			}
		default:
			nonFrame = append(nonFrame, env)
		}
	}

	generation := uint64(0)
	if haveFooter {
		generation = footer.Generation
	}
	return &Container{
		file:            f,
		lock:            lock,
		geometry:        geometry,
		diag:            diag,
		generation:      generation,
		headerGen:       headerGen,
		wal:             walWriter,
		Store:           store,
		pendingNonFrame: nonFrame,
	}, nil
}

// Commit serializes the current committed∪pending frame metadata into a new
// generation's TOC+footer, durably publishes it, and checkpoints the WAL.
// Implements spec.md §4.1's 4-step commit protocol verbatim.
func (c *Container) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: serialize the TOC and compute its checksum.
	metas := c.Store.CommitSnapshot()
	body := encodeTOCBody(metas)
	sum := tocChecksum(body)

	tocOffset := c.Store.NextPayloadOffset()
	tocBytes := append(append([]byte{}, body...), sum[:]...)

	// Step 2: append TOC||Footer at the tail, fsync.
	newGeneration := c.generation + 1
	footer := Footer{
		Generation:      newGeneration,
		TOCLen:          uint64(len(body)),
		TOCHash:         sum,
		WALCommittedSeq: c.wal.State().LastSequence,
	}
	footerOffset := tocOffset + int64(len(tocBytes))
	footerBytes := encodeFooter(footer)

	if _, err := c.file.WriteAt(tocBytes, tocOffset); err != nil {
		return fmt.Errorf("container: commit: write toc: %w", err)
	}
	if _, err := c.file.WriteAt(footerBytes, footerOffset); err != nil {
		return fmt.Errorf("container: commit: write footer: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("container: commit: sync toc/footer: %w", err)
	}

	// Step 3: write the new header into whichever slot isn't already at the
	// new generation, fsync.
	slot := 0
	if c.headerGen[0] >= c.headerGen[1] {
		slot = 1
	}
	walState := c.wal.State()
	header := Header{
		Generation:         newGeneration,
		FooterOffset:       uint64(footerOffset),
		WALCheckpointPos:   walState.WritePos,
		WALWrapCount:       walState.WrapCount,
		WALCheckpointCount: walState.CheckpointCount + 1,
	}
	offset := c.geometry.HeaderAOffset()
	if slot == 1 {
		offset = c.geometry.HeaderBOffset()
	}
	if err := writeHeaderPage(c.file, offset, header); err != nil {
		return fmt.Errorf("container: commit: write header: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("container: commit: sync header: %w", err)
	}

	// Step 4: advance the WAL checkpoint now that the generation publishing
	// it is durable.
	c.wal.Checkpoint()
	c.Store.MarkCommitted()
	c.Store.AdvancePayloadOffset(footerOffset + FooterSize)

	c.headerGen[slot] = newGeneration
	c.generation = newGeneration

	c.diag.Info(ctx, "container: committed generation",
		slog.Uint64("generation", newGeneration), slog.Int("frame_count", len(metas)))
	return nil
}

// Close auto-commits any pending mutations (spec.md §4.4: "close() on a
// writer session with uncommitted mutations auto-commits"), then releases
// the file lock. If the auto-commit fails, the error is surfaced but the
// file remains recoverable on next open since its on-disk state was never
// touched destructively.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	hasPending := c.Store.HasPendingMutations()
	c.mu.Unlock()

	var commitErr error
	if hasPending {
		commitErr = c.Commit(ctx)
	}

	if err := c.Store.Close(); err != nil {
		c.diag.Warn(ctx, "container: munmap failed", slog.String("error", err.Error()))
	}
	if err := c.lock.Unlock(); err != nil {
		c.diag.Warn(ctx, "container: unlock failed", slog.String("error", err.Error()))
	}
	if err := c.file.Close(); err != nil && commitErr == nil {
		return fmt.Errorf("container: close: %w", err)
	}
	return commitErr
}

// Generation returns the most recently committed generation number.
func (c *Container) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// chooseHeader picks the valid header page with the highest generation,
// falling through to the sibling if one is corrupt (spec.md §4.1).
func chooseHeader(a Header, errA error, b Header, errB error, diag diagnostics.Diagnostics) (Header, [2]uint64, error) {
	ctx := context.Background()
	if errA != nil {
		diag.Fallback(ctx, "container", "header A unreadable, using header B", errA)
	}
	if errB != nil {
		diag.Fallback(ctx, "container", "header B unreadable, using header A", errB)
	}

	switch {
	case errA != nil && errB != nil:
		return Header{}, [2]uint64{}, &werrors.InvalidFooterError{Reason: "both header pages are corrupt"}
	case errA != nil:
		return b, [2]uint64{0, b.Generation}, nil
	case errB != nil:
		return a, [2]uint64{a.Generation, 0}, nil
	case a.Generation >= b.Generation:
		return a, [2]uint64{a.Generation, b.Generation}, nil
	default:
		return b, [2]uint64{a.Generation, b.Generation}, nil
	}
}

// scanTailFooter reads the last FooterSize bytes of the file and returns
// them decoded, if they form a valid footer.
func scanTailFooter(f *fsio.File, size int64) (int64, Footer, bool) {
	if size < FooterSize {
		return 0, Footer{}, false
	}
	offset := size - FooterSize
	footer, err := readFooter(f, offset)
	if err != nil {
		return 0, Footer{}, false
	}
	return offset, footer, true
}
