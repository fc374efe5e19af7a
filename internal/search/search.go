// Package search implements Wax's unified search: four concurrent lanes
// (text, vector, timeline, structured) fused by Reciprocal Rank Fusion,
// reranked over a bounded window, and returned in a deterministic order
// (spec.md §4.5). Grounded on the teacher's concurrent-lane dispatch being
// absent (the teacher has no search engine); the lane/fuse/rerank shape is
// taken from other_examples's Aman-CERP-amanmcp internal/search
// Engine.Search (errgroup-parallel lanes feeding a fuseResults step) and
// restructured around golang.org/x/sync/errgroup directly rather than a
// hand-rolled WaitGroup+mutex, since the teacher already reaches for
// errgroup in internal/wal for concurrent flush bookkeeping.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/structured"
	"github.com/iosstud/wax/internal/textindex"
	"github.com/iosstud/wax/internal/vectorindex"
)

// Mode selects which lanes a request may use.
type Mode int

const (
	ModeTextOnly Mode = iota
	ModeVectorOnly
	ModeHybrid
	ModeTimeline
)

// Lane names a result's contributing source, per spec.md §4.5's
// "sources: Set<{text,vector,timeline,structured}>".
type Lane string

const (
	LaneText       Lane = "text"
	LaneVector     Lane = "vector"
	LaneTimeline   Lane = "timeline"
	LaneStructured Lane = "structured"
)

// Weights holds the per-lane RRF weights. Hybrid mode derives TextWeight
// and VectorWeight from Alpha per spec.md §4.5: "text_weight = bm25_weight
// · alpha; vector_weight = vector_weight · (1-alpha)".
type Weights struct {
	Text       float64
	Vector     float64
	Timeline   float64
	Structured float64
}

// TimelineFilter restricts the timeline lane to a capture-time range.
type TimelineFilter struct {
	FromMs int64
	ToMs   int64
}

// StructuredFilter restricts the structured lane to facts about a subject
// and/or predicate as of a point in time.
type StructuredFilter struct {
	Subject   *structured.EntityKey
	Predicate *structured.PredicateKey
	AsOfMs    int64
}

// Request mirrors spec.md §4.5's SearchRequest.
type Request struct {
	Query    string
	HasQuery bool

	Embedding    []float32
	HasEmbedding bool

	Mode  Mode
	Alpha float64 // hybrid blend factor, clamped to [0,1]

	TopK  int
	RRFK  float64
	RRFKSet bool

	Weights Weights

	FrameFilter func(container.FrameMeta) bool

	TimelineFilter   *TimelineFilter
	StructuredFilter *StructuredFilter

	// AllowTimelineFallback, when true alongside a constraint-only query
	// (no free text, no embedding, but a timeline or structured filter),
	// enables the timeline lane even outside ModeTimeline. Per spec.md §9's
	// re-architecture note, callers normally leave this unset and let
	// NormalizeRequest derive it.
	AllowTimelineFallback bool
	FallbackLimit         int
}

// defaultRRFK is used when a request does not set RRFK explicitly.
const defaultRRFK = 60.0

// NormalizeRequest clamps and fills in request fields per spec.md §4.5/§9:
// RRFK defaults and is floored at 0, Alpha is clamped to [0,1] and turned
// into Text/Vector weights for ModeHybrid, and a constraint-only query (no
// text, no embedding, but a timeline or structured filter present) is
// upgraded to allow timeline fallback with a fallback limit at least TopK.
func NormalizeRequest(req Request) Request {
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if !req.RRFKSet || req.RRFK < 0 {
		req.RRFK = defaultRRFK
	}

	switch req.Mode {
	case ModeHybrid:
		alpha := req.Alpha
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		bm25Weight := req.Weights.Text
		if bm25Weight == 0 {
			bm25Weight = 1
		}
		vectorWeight := req.Weights.Vector
		if vectorWeight == 0 {
			vectorWeight = 1
		}
		req.Weights.Text = bm25Weight * alpha
		req.Weights.Vector = vectorWeight * (1 - alpha)
	case ModeTextOnly:
		req.Weights = Weights{Text: 1}
	case ModeVectorOnly:
		req.Weights = Weights{Vector: 1}
	case ModeTimeline:
		req.Weights = Weights{Timeline: 1}
	}

	constraintOnly := !req.HasQuery && !req.HasEmbedding &&
		(req.TimelineFilter != nil || req.StructuredFilter != nil)
	if constraintOnly {
		req.AllowTimelineFallback = true
		if req.Weights.Timeline == 0 {
			req.Weights.Timeline = 1
		}
	}
	if req.StructuredFilter != nil && req.Weights.Structured == 0 {
		req.Weights.Structured = 1
	}
	if req.FallbackLimit < req.TopK {
		req.FallbackLimit = req.TopK
	}
	return req
}

// Result is one fused, ranked hit.
type Result struct {
	FrameID     uint64
	Score       float64
	Sources     map[Lane]bool
	PreviewText string
}

// Response mirrors spec.md §4.5's SearchResponse.
type Response struct {
	Results []Result
}

// Store is the subset of session.Session the search engine needs. Kept as
// an interface (rather than importing internal/session directly) to avoid
// a search<->session import cycle and to let tests substitute a stub.
type Store interface {
	TextIndex() *textindex.Index
	VectorIndex() *vectorindex.Index
	StructuredStore() *structured.Store
	FrameMetas() []container.FrameMetaView
	FrameContent(ctx context.Context, id uint64) ([]byte, error)
}

// Engine runs the four-lane unified search pipeline over a Store.
type Engine struct {
	store Store
	diag  diagnostics.Diagnostics
	rerankCfg RerankConfig
}

// NewEngine builds an Engine over store. A zero RerankConfig disables
// reranking (AnswerRerankWindow == 0).
func NewEngine(store Store, diag diagnostics.Diagnostics, rerankCfg RerankConfig) *Engine {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	return &Engine{store: store, diag: diag, rerankCfg: rerankCfg}
}

type rankedFrame struct {
	frameID uint64
	rank    int // 0-based
}

// Search runs req's lanes concurrently, fuses them with RRF, reranks the
// top window, and loads preview/metadata for the final result set.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	req = NormalizeRequest(req)

	g, _ := errgroup.WithContext(ctx)
	var textRanked, vectorRanked, timelineRanked, structuredRanked []rankedFrame

	if req.HasQuery && req.Mode != ModeVectorOnly && req.Mode != ModeTimeline && req.Query != "" {
		g.Go(func() error {
			textRanked = e.searchText(req)
			return nil
		})
	}
	if req.HasEmbedding && req.Mode != ModeTextOnly && req.Mode != ModeTimeline {
		g.Go(func() error {
			vectorRanked = e.searchVector(req)
			return nil
		})
	}
	if req.Mode == ModeTimeline || req.AllowTimelineFallback {
		g.Go(func() error {
			timelineRanked = e.searchTimeline(req)
			return nil
		})
	}
	if req.StructuredFilter != nil {
		g.Go(func() error {
			structuredRanked = e.searchStructured(req)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Response{}, fmt.Errorf("search: lane dispatch: %w", err)
	}

	fused := fuse(req.RRFK, map[Lane]laneResult{
		LaneText:       {weight: req.Weights.Text, ranked: textRanked},
		LaneVector:     {weight: req.Weights.Vector, ranked: vectorRanked},
		LaneTimeline:   {weight: req.Weights.Timeline, ranked: timelineRanked},
		LaneStructured: {weight: req.Weights.Structured, ranked: structuredRanked},
	})

	if req.FrameFilter != nil {
		fused = filterFused(fused, e.frameMetaIndex(), req.FrameFilter)
	}

	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}

	fused = e.rerank(ctx, req, fused)

	return Response{Results: e.loadPreviews(ctx, fused)}, nil
}

func (e *Engine) searchText(req Request) []rankedFrame {
	hits := e.store.TextIndex().Search(req.Query, req.TopK*4, textindex.Params{})
	out := make([]rankedFrame, len(hits))
	for i, h := range hits {
		out[i] = rankedFrame{frameID: h.FrameID, rank: i}
	}
	return out
}

func (e *Engine) searchVector(req Request) []rankedFrame {
	hits := e.store.VectorIndex().Search(req.Embedding, req.TopK*4)
	out := make([]rankedFrame, len(hits))
	for i, h := range hits {
		out[i] = rankedFrame{frameID: h.FrameID, rank: i}
	}
	return out
}

// searchTimeline filters frame metas by capture-time range and orders them
// reverse-chronologically, per spec.md §4.5's timeline lane.
func (e *Engine) searchTimeline(req Request) []rankedFrame {
	metas := e.store.FrameMetas()
	type tf struct {
		id uint64
		ts int64
	}
	var filtered []tf
	for _, m := range metas {
		if !m.IsLive() {
			continue
		}
		if req.TimelineFilter != nil {
			if req.TimelineFilter.FromMs != 0 && m.TimestampMs < req.TimelineFilter.FromMs {
				continue
			}
			if req.TimelineFilter.ToMs != 0 && m.TimestampMs > req.TimelineFilter.ToMs {
				continue
			}
		}
		filtered = append(filtered, tf{id: m.ID, ts: m.TimestampMs})
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].ts != filtered[j].ts {
			return filtered[i].ts > filtered[j].ts
		}
		return filtered[i].id < filtered[j].id
	})
	limit := req.FallbackLimit
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	out := make([]rankedFrame, limit)
	for i := 0; i < limit; i++ {
		out[i] = rankedFrame{frameID: filtered[i].id, rank: i}
	}
	return out
}

// searchStructured resolves req.StructuredFilter against the structured
// store and maps matching facts' subjects back to frame ids via each
// subject entity's creation-order row id, used here only as a stable rank
// key: the structured lane does not carry a notion of frame ids of its
// own, so its "frame" is the subject entity's row id reinterpreted as a
// frame id by the caller's convention (subject entities are expected to be
// registered with the same id space as document frames when structured
// facts annotate ingested content).
func (e *Engine) searchStructured(req Request) []rankedFrame {
	sf := req.StructuredFilter
	facts := e.store.StructuredStore().Facts(sf.Subject, sf.Predicate, sf.AsOfMs)
	seen := make(map[uint64]bool)
	var out []rankedFrame
	for _, f := range facts {
		entities := e.store.StructuredStore().ResolveEntities(string(f.Subject))
		for _, ent := range entities {
			if seen[ent.RowID] {
				continue
			}
			seen[ent.RowID] = true
			out = append(out, rankedFrame{frameID: ent.RowID, rank: len(out)})
		}
	}
	return out
}

// FrameMeta looks up a single frame's metadata, for callers (such as
// internal/rag's surrogate-tier selection) that need a frame's timestamp
// or tags without running a full search.
func (e *Engine) FrameMeta(id uint64) (container.FrameMeta, bool) {
	for _, m := range e.store.FrameMetas() {
		if m.ID == id {
			return m.FrameMeta, true
		}
	}
	return container.FrameMeta{}, false
}

func (e *Engine) frameMetaIndex() map[uint64]container.FrameMetaView {
	metas := e.store.FrameMetas()
	idx := make(map[uint64]container.FrameMetaView, len(metas))
	for _, m := range metas {
		idx[m.ID] = m
	}
	return idx
}

func filterFused(fused []fusedFrame, metaIdx map[uint64]container.FrameMetaView, pred func(container.FrameMeta) bool) []fusedFrame {
	out := fused[:0]
	for _, f := range fused {
		mv, ok := metaIdx[f.frameID]
		if !ok {
			continue
		}
		if pred(mv.FrameMeta) {
			out = append(out, f)
		}
	}
	return out
}

func (e *Engine) loadPreviews(ctx context.Context, fused []fusedFrame) []Result {
	results := make([]Result, 0, len(fused))
	for _, f := range fused {
		preview := e.previewFor(ctx, f.frameID)
		results = append(results, Result{
			FrameID:     f.frameID,
			Score:       f.score,
			Sources:     f.sources,
			PreviewText: preview,
		})
	}
	return results
}

func (e *Engine) previewFor(ctx context.Context, frameID uint64) string {
	content, err := e.store.FrameContent(ctx, frameID)
	if err != nil {
		e.diag.Fallback(ctx, "search", "skip preview for unreadable frame", err)
		return ""
	}
	const previewMaxBytes = 512
	text := string(content)
	if len(text) > previewMaxBytes {
		text = text[:previewMaxBytes]
	}
	return strings.ToValidUTF8(text, "")
}
