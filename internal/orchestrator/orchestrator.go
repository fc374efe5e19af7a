// Package orchestrator wires session, search, and rag together behind the
// high-level Remember/Recall/Flush/LiveSetRewrite API (spec.md §4.7).
// Grounded on the teacher's internal/engine.Engine: a thin façade over
// storage, WAL, and the catalog that owns construction order and exposes
// one entry point per operation rather than making callers assemble the
// pipeline themselves.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/iosstud/wax/internal/compress"
	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/embedproviders"
	"github.com/iosstud/wax/internal/rag"
	"github.com/iosstud/wax/internal/search"
	"github.com/iosstud/wax/internal/session"
	"github.com/iosstud/wax/internal/structured"
)

// KindAccessStats is the system frame kind under which per-frame recall
// hit counts are persisted, superseded on every Flush that recorded a hit,
// the same lifecycle session.KindTextIndex and friends follow.
const KindAccessStats = "wax.internal.access_stats"

const embedBatchSize = 16

// MaintenancePolicy configures when Flush triggers a live-set rewrite, per
// spec.md §4.7's maintenance policy thresholds.
type MaintenancePolicy struct {
	DeadPayloadBytesThreshold    int64
	DeadPayloadFractionThreshold float64
	MinIdle                      time.Duration
	MinInterval                  time.Duration
	// Cadence gates maintenance to at most once every N flushes; 0 disables
	// cadence gating (only the byte/fraction/idle/interval thresholds
	// apply).
	Cadence int
}

// due reports whether policy's thresholds are met given the current live
// set and the orchestrator's flush/maintenance bookkeeping.
func (p MaintenancePolicy) due(flushCount int, lastMaintenance, lastActivity, now time.Time, deadBytes int64, deadFraction float64) bool {
	if p.Cadence > 0 && flushCount%p.Cadence != 0 {
		return false
	}
	if p.MinInterval > 0 && !lastMaintenance.IsZero() && now.Sub(lastMaintenance) < p.MinInterval {
		return false
	}
	if p.MinIdle > 0 && now.Sub(lastActivity) < p.MinIdle {
		return false
	}
	if p.DeadPayloadBytesThreshold > 0 && deadBytes >= p.DeadPayloadBytesThreshold {
		return true
	}
	if p.DeadPayloadFractionThreshold > 0 && deadFraction >= p.DeadPayloadFractionThreshold {
		return true
	}
	return false
}

// Config configures Open.
type Config struct {
	Session     session.Config
	SessionMode session.Mode

	ChunkStrategy          ChunkStrategy
	EmbeddingCacheCapacity int

	// AccessStatsScoring enables per-frame recall hit recording and the
	// rag.TierPolicyImportance scorer it feeds.
	AccessStatsScoring bool

	// RequireOnDeviceProviders rejects Open when provider's ExecutionMode
	// is not ExecutionModeOnDeviceOnly, per spec.md §6's on-device-only
	// deployments.
	RequireOnDeviceProviders bool

	Maintenance MaintenancePolicy
	RAG         rag.Config
	RerankConfig search.RerankConfig

	// TokenizerPrewarm, if set, runs concurrently with the container open
	// syscalls, overlapping tokenizer warm-up with file I/O per spec.md
	// §5/§9. A nil value or a failing prewarm simply falls back to a cold
	// start; the error is logged via Diagnostics.Fallback, not returned.
	TokenizerPrewarm func(ctx context.Context) error
}

// RememberOptions configures a single Remember call.
type RememberOptions struct {
	// ChunkStrategy overrides Config.ChunkStrategy for this document only.
	ChunkStrategy *ChunkStrategy
}

// LiveSetRewriteOptions configures a single LiveSetRewrite call.
type LiveSetRewriteOptions struct{}

// Orchestrator is Wax's high-level API: one writer session, one search
// engine, one rag builder, and the bookkeeping Flush needs to decide when
// to compact.
type Orchestrator struct {
	sess     *session.Session
	engine   *search.Engine
	builder  *rag.Builder
	provider embedproviders.EmbeddingProvider
	cache    *embeddingCache
	stats    *accessStats
	diag     diagnostics.Diagnostics
	cfg      Config
	path     string

	accessStatsFrameID *uint64

	flushCount      int
	lastMaintenance time.Time
	lastActivity    time.Time
}

// Open acquires a session over path and assembles the search engine and
// rag builder over it. provider may be nil, in which case Remember skips
// embedding entirely and Recall runs text/timeline/structured lanes only.
func Open(ctx context.Context, path string, cfg Config, provider embedproviders.EmbeddingProvider, diag diagnostics.Diagnostics) (*Orchestrator, error) {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	if provider != nil {
		if err := provider.ExecutionMode().Validate(); err != nil {
			return nil, fmt.Errorf("orchestrator: open: %w", err)
		}
		if cfg.RequireOnDeviceProviders && provider.ExecutionMode() != embedproviders.ExecutionModeOnDeviceOnly {
			return nil, fmt.Errorf("orchestrator: open: provider execution mode %s not permitted when on-device providers are required", provider.ExecutionMode())
		}
	}

	prewarmDone := make(chan error, 1)
	if cfg.TokenizerPrewarm != nil {
		go func() { prewarmDone <- cfg.TokenizerPrewarm(ctx) }()
	} else {
		prewarmDone <- nil
	}

	sessCfg := cfg.Session
	if provider != nil {
		sessCfg.VectorDimension = provider.Dimensions()
	}
	sess, err := session.Open(ctx, path, cfg.SessionMode, sessCfg, diag)
	if err != nil {
		<-prewarmDone
		return nil, err
	}

	if err := <-prewarmDone; err != nil {
		diag.Fallback(ctx, "orchestrator", "tokenizer prewarm failed, falling back to cold start", err)
	}

	now := time.Now()
	engine := search.NewEngine(sess, diag, cfg.RerankConfig)
	o := &Orchestrator{
		sess:         sess,
		engine:       engine,
		provider:     provider,
		cache:        newEmbeddingCache(cfg.EmbeddingCacheCapacity),
		stats:        newAccessStats(),
		diag:         diag,
		cfg:          cfg,
		path:         path,
		lastActivity: now,
	}
	o.builder = rag.NewBuilder(engine, sess, rag.WithAccessScorer(o.stats))

	if cfg.AccessStatsScoring {
		o.loadAccessStatsFrame(ctx)
	}
	return o, nil
}

// loadAccessStatsFrame restores the most recent access-stats system frame,
// if any. A missing or corrupt frame falls back to empty stats (spec.md
// §7) rather than failing Open.
func (o *Orchestrator) loadAccessStatsFrame(ctx context.Context) {
	var latest container.FrameMeta
	found := false
	for _, m := range o.sess.FrameMetas() {
		if m.Kind != KindAccessStats || !m.IsLive() {
			continue
		}
		if !found || m.ID > latest.ID {
			latest = m.FrameMeta
			found = true
		}
	}
	if !found {
		return
	}

	blob, err := o.sess.FrameContent(ctx, latest.ID)
	if err != nil {
		o.diag.Fallback(ctx, "orchestrator", "access stats load failed, starting empty", err)
		return
	}
	stats, err := loadAccessStats(blob)
	if err != nil {
		o.diag.Fallback(ctx, "orchestrator", "access stats decode failed, starting empty", err)
		return
	}
	o.stats = stats
	o.accessStatsFrameID = &latest.ID
	o.builder = rag.NewBuilder(o.engine, o.sess, rag.WithAccessScorer(o.stats))
}

// Remember ingests text as a document frame plus its chunk frames, indexing
// and (when a provider is configured) embedding each chunk. Ingestion
// commits per batch rather than atomically: a failure partway through
// leaves earlier batches durably committed, per spec.md §4.7's explicit
// non-atomicity note. Callers that need all-or-nothing semantics should
// Delete the returned document frame on error.
func (o *Orchestrator) Remember(ctx context.Context, text string, metadata map[string]string, opts RememberOptions) (uint64, error) {
	if !o.sess.IsWriter() {
		return 0, fmt.Errorf("orchestrator: remember: session is not a writer")
	}
	o.lastActivity = time.Now()

	docMeta, err := o.sess.Put(ctx, []byte(text), container.PutOptions{
		Role:       container.RoleDocument,
		Kind:       "document",
		Metadata:   metadata,
		SearchText: text,
	}, compress.Plain, 0)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: remember: put document: %w", err)
	}
	if err := o.sess.IndexText(ctx, docMeta.ID, text); err != nil {
		return 0, fmt.Errorf("orchestrator: remember: index document text: %w", err)
	}

	strategy := o.cfg.ChunkStrategy
	if opts.ChunkStrategy != nil {
		strategy = *opts.ChunkStrategy
	}
	chunks := Chunk(text, strategy)
	chunkCount := uint32(len(chunks))

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		var vectors [][]float32
		if o.provider != nil {
			vectors, err = o.embedBatch(ctx, batch)
			if err != nil {
				return docMeta.ID, fmt.Errorf("orchestrator: remember: embed batch: %w", err)
			}
		}

		items := make([]container.PutItem, len(batch))
		for i, chunkText := range batch {
			idx := uint32(start + i)
			items[i] = container.PutItem{
				Payload: []byte(chunkText),
				Options: container.PutOptions{
					Role:       container.RoleChunk,
					Kind:       "chunk",
					ParentID:   &docMeta.ID,
					ChunkIndex: &idx,
					ChunkCount: &chunkCount,
					SearchText: chunkText,
				},
			}
		}
		metas, err := o.sess.PutBatch(ctx, items)
		if err != nil {
			return docMeta.ID, fmt.Errorf("orchestrator: remember: put chunk batch: %w", err)
		}
		for i, m := range metas {
			if err := o.sess.IndexText(ctx, m.ID, batch[i]); err != nil {
				return docMeta.ID, fmt.Errorf("orchestrator: remember: index chunk text: %w", err)
			}
			if vectors != nil {
				if err := o.sess.IndexEmbedding(ctx, m.ID, vectors[i]); err != nil {
					return docMeta.ID, fmt.Errorf("orchestrator: remember: index chunk embedding: %w", err)
				}
			}
		}
		if err := o.sess.StageTextIndexForNextCommit(ctx); err != nil {
			return docMeta.ID, fmt.Errorf("orchestrator: remember: stage text index: %w", err)
		}
		if vectors != nil {
			if err := o.sess.StageVecIndexForNextCommit(ctx); err != nil {
				return docMeta.ID, fmt.Errorf("orchestrator: remember: stage vector index: %w", err)
			}
		}
		if err := o.sess.Commit(ctx); err != nil {
			return docMeta.ID, fmt.Errorf("orchestrator: remember: commit batch: %w", err)
		}
	}

	return docMeta.ID, nil
}

// embedBatch returns one vector per text, preferring cached vectors and
// falling back to provider.EmbedBatch (or sequential Embed calls when the
// provider does not implement batch embedding). Every freshly computed
// vector is normalized to unit length when the provider reports it does
// not already return normalized output, then stored back into the cache.
func (o *Orchestrator) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	cached := o.cache.GetBatch(texts)
	for i, v := range cached {
		out[i] = v
	}

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if _, ok := cached[i]; !ok {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	var computed [][]float32
	if batchProvider, ok := o.provider.(embedproviders.BatchEmbeddingProvider); ok {
		var err error
		computed, err = batchProvider.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
	} else {
		computed = make([][]float32, len(missTexts))
		for i, text := range missTexts {
			v, err := o.provider.Embed(ctx, text)
			if err != nil {
				return nil, err
			}
			computed[i] = v
		}
	}

	if !o.provider.Normalize() {
		for i := range computed {
			computed[i] = embedproviders.NormalizeL2(computed[i])
		}
	}

	for i, idx := range missIdx {
		out[idx] = computed[i]
	}
	o.cache.SetBatch(missTexts, computed)
	return out, nil
}

// Recall assembles a token-budgeted rag.Context for query, optionally
// constrained by frameFilter, and (when access-stats scoring is enabled)
// records a hit for every frame that made it into the returned context.
func (o *Orchestrator) Recall(ctx context.Context, query string, embedding []float32, frameFilter func(container.FrameMeta) bool) (*rag.Context, error) {
	o.lastActivity = time.Now()
	cfg := o.cfg.RAG
	cfg.FrameFilter = frameFilter

	rctx, err := o.builder.BuildContext(ctx, query, embedding, cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: recall: %w", err)
	}
	if o.cfg.AccessStatsScoring {
		for _, item := range rctx.Items {
			o.stats.Record(item.FrameID)
		}
	}
	return rctx, nil
}

// Flush persists staged access stats, commits the session, and runs
// scheduled maintenance if the configured policy thresholds are met.
// Maintenance failures are logged via Diagnostics.Fallback rather than
// propagated, since a failed live-set rewrite leaves the source container
// untouched and usable.
func (o *Orchestrator) Flush(ctx context.Context) error {
	if o.cfg.AccessStatsScoring && o.stats.isDirty() {
		if err := o.putAccessStatsFrame(ctx, o.stats.serialize()); err != nil {
			return fmt.Errorf("orchestrator: flush: persist access stats: %w", err)
		}
	}
	if err := o.sess.Commit(ctx); err != nil {
		return fmt.Errorf("orchestrator: flush: commit: %w", err)
	}
	o.flushCount++

	if o.maintenanceDueLocked() {
		if err := o.runScheduledMaintenance(ctx); err != nil {
			o.diag.Fallback(ctx, "orchestrator", "scheduled maintenance failed", err)
		} else {
			o.lastMaintenance = time.Now()
		}
	}
	return nil
}

// putAccessStatsFrame writes blob as a new access-stats system frame and
// supersedes the previous one, replicating the put-then-supersede
// lifecycle session.Session applies to its own internal index frames
// (session.go's unexported putSystemFrame is not part of this package).
func (o *Orchestrator) putAccessStatsFrame(ctx context.Context, blob []byte) error {
	meta, err := o.sess.Put(ctx, blob, container.PutOptions{Role: container.RoleSystem, Kind: KindAccessStats}, compress.Plain, 0)
	if err != nil {
		return err
	}
	if o.accessStatsFrameID != nil {
		if err := o.sess.Supersede(ctx, *o.accessStatsFrameID, meta.ID); err != nil {
			return err
		}
	}
	o.accessStatsFrameID = &meta.ID
	return nil
}

func (o *Orchestrator) maintenanceDueLocked() bool {
	var liveBytes, totalBytes int64
	for _, m := range o.sess.FrameMetas() {
		totalBytes += int64(m.PayloadLength)
		if m.IsLive() {
			liveBytes += int64(m.PayloadLength)
		}
	}
	deadBytes := totalBytes - liveBytes
	var deadFraction float64
	if totalBytes > 0 {
		deadFraction = float64(deadBytes) / float64(totalBytes)
	}
	return o.cfg.Maintenance.due(o.flushCount, o.lastMaintenance, o.lastActivity, time.Now(), deadBytes, deadFraction)
}

func (o *Orchestrator) runScheduledMaintenance(ctx context.Context) error {
	candidate := o.path + ".rewrite.tmp"
	return o.LiveSetRewrite(ctx, candidate, LiveSetRewriteOptions{})
}

// LiveSetRewrite compacts the container by copying only its live frames
// (plus structured memory, minus retracted facts) into a fresh file at
// toPath, then atomically swapping it in for the source. On any failure
// the candidate file is removed and the source is left untouched, per
// spec.md §4.7.
//
// Frame ids are reassigned in the destination, so parent/child chunk
// relationships are remapped via an old-id -> new-id table built while
// iterating in ascending id order (a document's frame always precedes its
// chunks). Structured memory's original RowIDs and Fact.Evidence frame
// references are not remapped; callers that rely on stable fact evidence
// across a rewrite should re-derive it afterward.
func (o *Orchestrator) LiveSetRewrite(ctx context.Context, toPath string, _ LiveSetRewriteOptions) error {
	if !o.sess.IsWriter() {
		return fmt.Errorf("orchestrator: live set rewrite: session is not a writer")
	}

	if err := os.RemoveAll(toPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("orchestrator: live set rewrite: clear candidate: %w", err)
	}

	dst, err := session.Open(ctx, toPath, session.Mode{Kind: session.ReadWriteFail}, o.cfg.Session, o.diag)
	if err != nil {
		return fmt.Errorf("orchestrator: live set rewrite: open candidate: %w", err)
	}

	if err := o.rewriteInto(ctx, dst); err != nil {
		dst.Close(ctx)
		os.RemoveAll(toPath)
		return fmt.Errorf("orchestrator: live set rewrite: %w", err)
	}
	if err := dst.Close(ctx); err != nil {
		os.RemoveAll(toPath)
		return fmt.Errorf("orchestrator: live set rewrite: close candidate: %w", err)
	}

	if err := o.verifyCandidate(ctx, toPath); err != nil {
		os.RemoveAll(toPath)
		return fmt.Errorf("orchestrator: live set rewrite: verify candidate: %w", err)
	}

	if err := o.sess.Close(ctx); err != nil {
		return fmt.Errorf("orchestrator: live set rewrite: close source: %w", err)
	}
	if err := os.Rename(toPath, o.path); err != nil {
		return fmt.Errorf("orchestrator: live set rewrite: swap: %w", err)
	}

	reopened, err := session.Open(ctx, o.path, o.cfg.SessionMode, o.cfg.Session, o.diag)
	if err != nil {
		return fmt.Errorf("orchestrator: live set rewrite: reopen: %w", err)
	}
	o.sess = reopened
	o.engine = search.NewEngine(reopened, o.diag, o.cfg.RerankConfig)
	o.builder = rag.NewBuilder(o.engine, reopened, rag.WithAccessScorer(o.stats))
	o.accessStatsFrameID = nil
	return nil
}

// verifyCandidate reopens the rewritten candidate read-only before it
// replaces the source file, exercising the same header-generation and
// footer checks session.Open runs on every open so a corrupt rewrite never
// reaches the swap step. It refuses a candidate with zero live frames when
// the source had at least one, since that shape is cheaper to catch here
// than after the swap has already discarded the original.
func (o *Orchestrator) verifyCandidate(ctx context.Context, toPath string) error {
	check, err := session.Open(ctx, toPath, session.Mode{Kind: session.ReadOnly}, o.cfg.Session, o.diag)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer check.Close(ctx)

	var sourceLive, candidateLive int
	for _, m := range o.sess.FrameMetas() {
		if m.IsLive() && m.Role != container.RoleSystem {
			sourceLive++
		}
	}
	for _, m := range check.FrameMetas() {
		if m.IsLive() {
			candidateLive++
		}
	}
	if sourceLive > 0 && candidateLive == 0 {
		return fmt.Errorf("candidate has no live frames but source has %d", sourceLive)
	}
	return nil
}

func (o *Orchestrator) rewriteInto(ctx context.Context, dst *session.Session) error {
	metas := o.sess.FrameMetas()
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })

	newIDByOld := make(map[uint64]uint64)
	vectors := o.sess.VectorIndex().Vectors()
	vecDirty := false

	for _, m := range metas {
		if !m.IsLive() || m.Role == container.RoleSystem {
			continue
		}
		content, err := o.sess.FrameContent(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("load frame %d: %w", m.ID, err)
		}

		parentID := m.ParentID
		if parentID != nil {
			if mapped, ok := newIDByOld[*parentID]; ok {
				parentID = &mapped
			}
		}

		newMeta, err := dst.Put(ctx, content, container.PutOptions{
			Role:       m.Role,
			Kind:       m.Kind,
			ParentID:   parentID,
			ChunkIndex: m.ChunkIndex,
			ChunkCount: m.ChunkCount,
			Labels:     m.Labels,
			Tags:       m.Tags,
			Metadata:   m.Metadata,
			SearchText: m.SearchText,
		}, m.CanonicalEncoding, m.TimestampMs)
		if err != nil {
			return fmt.Errorf("put frame %d: %w", m.ID, err)
		}
		newIDByOld[m.ID] = newMeta.ID

		if m.SearchText != "" {
			if err := dst.IndexText(ctx, newMeta.ID, m.SearchText); err != nil {
				return fmt.Errorf("index frame %d text: %w", m.ID, err)
			}
		}
		if vec, ok := vectors[m.ID]; ok {
			if err := dst.IndexEmbedding(ctx, newMeta.ID, vec); err != nil {
				return fmt.Errorf("index frame %d embedding: %w", m.ID, err)
			}
			vecDirty = true
		}
	}

	srcStore := o.sess.StructuredStore()
	for _, e := range srcStore.AllEntities() {
		if _, err := dst.UpsertEntity(ctx, e.Key, e.Kind, e.Aliases, e.CreatedMs); err != nil {
			return fmt.Errorf("copy entity %s: %w", e.Key, err)
		}
	}
	for _, f := range srcStore.AllFacts() {
		if f.SystemToMs != 0 {
			continue
		}
		if _, err := dst.AssertFact(ctx, f, f.SystemFromMs); err != nil {
			return fmt.Errorf("copy fact %s/%s: %w", f.Subject, f.Predicate, err)
		}
	}

	if err := dst.StageTextIndexForNextCommit(ctx); err != nil {
		return fmt.Errorf("stage text index: %w", err)
	}
	if vecDirty {
		if err := dst.StageVecIndexForNextCommit(ctx); err != nil {
			return fmt.Errorf("stage vector index: %w", err)
		}
	}
	return dst.Commit(ctx)
}

// UpsertEntity delegates to the underlying structured store.
func (o *Orchestrator) UpsertEntity(ctx context.Context, key structured.EntityKey, kind string, aliases []string, createdMs int64) (structured.Entity, error) {
	return o.sess.UpsertEntity(ctx, key, kind, aliases, createdMs)
}

// AssertFact delegates to the underlying structured store.
func (o *Orchestrator) AssertFact(ctx context.Context, f structured.Fact, systemFromMs int64) (structured.Fact, error) {
	return o.sess.AssertFact(ctx, f, systemFromMs)
}

// RetractFact delegates to the underlying structured store.
func (o *Orchestrator) RetractFact(ctx context.Context, factRowID uint64, systemToMs int64) error {
	return o.sess.RetractFact(ctx, factRowID, systemToMs)
}

// Facts delegates to the underlying structured store.
func (o *Orchestrator) Facts(subject *structured.EntityKey, predicate *structured.PredicateKey, asOfMs int64) []structured.Fact {
	return o.sess.StructuredStore().Facts(subject, predicate, asOfMs)
}

// ResolveEntities delegates to the underlying structured store.
func (o *Orchestrator) ResolveEntities(alias string) []structured.Entity {
	return o.sess.StructuredStore().ResolveEntities(alias)
}

// Close commits any pending mutations and releases the write lease.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.sess.Close(ctx)
}

// Session exposes the underlying session for callers (cmd/waxcli's stats
// command, maintenance tooling) that need direct frame metadata access
// beyond Remember/Recall/Flush.
func (o *Orchestrator) Session() *session.Session {
	return o.sess
}
