// Package textindex implements the abstract inverted BM25 index
// (spec.md §3: "Abstract inverted index supporting BM25 scoring.
// Persisted as an opaque byte blob with a manifest (doc_count,
// version)."). No teacher file builds an inverted index — LeeNgari-RDBMS's
// internal/query/indexing/builder.go only maintains exact/unique column
// maps — so the postings-list/BM25-scoring shape is grounded on
// other_examples's fineweb indexer (streaming_indexer.go's
// n/df/idf = log((n-df+0.5)/(df+0.5)+1) formula) and amanmcp's
// search/engine.go BM25 consumer, expressed in the teacher's own naming
// and error-wrapping conventions (builder.go's "rebuild under write lock,
// slog.Debug each index" shape).
package textindex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/diagnostics"
)

// Default BM25 tuning constants (spec.md §9: "k1=1.2, b=0.75 defaults,
// overridable").
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Posting is one occurrence of a term within a frame's text.
type Posting struct {
	FrameID  uint64
	TermFreq uint32
}

// Hit is one scored search result.
type Hit struct {
	FrameID uint64
	Score   float64
}

// Params overrides the BM25 k1/b constants; the zero value selects the
// package defaults.
type Params struct {
	K1 float64
	B  float64
}

func (p Params) resolved() (k1, b float64) {
	k1, b = p.K1, p.B
	if k1 == 0 {
		k1 = DefaultK1
	}
	if b == 0 {
		b = DefaultB
	}
	return k1, b
}

// Index is an in-memory inverted index over frame text, scored with BM25.
// Grounded on the teacher's RWMutex-guarded map style
// (internal/domain/schema.Table / internal/query/indexing.builder): reads
// take RLock, mutating rebuilds take Lock.
type Index struct {
	mu sync.RWMutex

	diag diagnostics.Diagnostics

	postings map[string][]Posting
	docLen   map[uint64]uint32
	totalLen uint64
	docCount uint32
}

// New constructs an empty Index.
func New(diag diagnostics.Diagnostics) *Index {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	return &Index{
		diag:     diag,
		postings: make(map[string][]Posting),
		docLen:   make(map[uint64]uint32),
	}
}

// Add tokenizes text and folds its terms into the postings lists under
// frameID. Calling Add twice for the same frameID without an intervening
// Remove double-counts that frame's terms; callers should Remove before
// re-Adding an updated frame's text.
func (x *Index) Add(ctx context.Context, frameID uint64, text string) {
	terms := tokenize(text)
	if len(terms) == 0 {
		return
	}

	counts := make(map[string]uint32, len(terms))
	for _, t := range terms {
		counts[t]++
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for term, freq := range counts {
		x.postings[term] = append(x.postings[term], Posting{FrameID: frameID, TermFreq: freq})
	}
	if _, exists := x.docLen[frameID]; !exists {
		x.docCount++
	}
	x.docLen[frameID] = uint32(len(terms))
	x.totalLen += uint64(len(terms))

	x.diag.Debug(ctx, "textindex: added frame", slog.Uint64("frame_id", frameID), slog.Int("terms", len(terms)))
}

// Remove deletes frameID's postings and document-length entry.
func (x *Index) Remove(ctx context.Context, frameID uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	length, ok := x.docLen[frameID]
	if !ok {
		return
	}
	delete(x.docLen, frameID)
	x.docCount--
	x.totalLen -= uint64(length)

	for term, postings := range x.postings {
		filtered := postings[:0]
		for _, p := range postings {
			if p.FrameID != frameID {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			delete(x.postings, term)
		} else {
			x.postings[term] = filtered
		}
	}
}

// Search tokenizes query and returns the topK highest-scoring frames under
// Okapi BM25, grounded on the fineweb indexer's
// idf = log((n-df+0.5)/(df+0.5)+1) formula.
func (x *Index) Search(query string, topK int, params Params) []Hit {
	terms := uniqueTerms(tokenize(query))
	if len(terms) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.docCount == 0 {
		return nil
	}
	k1, b := params.resolved()
	avgDocLen := float64(x.totalLen) / float64(x.docCount)
	n := float64(x.docCount)

	scores := make(map[uint64]float64)
	for _, term := range terms {
		postings := x.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := float64(len(postings))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		for _, p := range postings {
			dl := float64(x.docLen[p.FrameID])
			tf := float64(p.TermFreq)
			denom := tf + k1*(1-b+b*dl/avgDocLen)
			scores[p.FrameID] += idf * (tf * (k1 + 1) / denom)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{FrameID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FrameID < hits[j].FrameID // deterministic tie-break
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// DocCount reports the number of indexed frames.
func (x *Index) DocCount() uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.docCount
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// ErrEmptyBlob reports a deserialize attempt against a zero-length blob.
var errEmptyBlob = fmt.Errorf("textindex: blob is empty")

// blobVersion is bumped whenever Serialize's wire layout changes.
const blobVersion uint16 = 1

// Manifest describes a serialized text-index blob without requiring a full
// Deserialize, per spec.md §3: "Persisted as an opaque byte blob with a
// manifest (doc_count, version)."
type Manifest struct {
	DocCount uint32
	Version  uint16
}

// Serialize snapshots the index into the opaque staged byte blob spec.md §3
// describes, sorted by term then frame id so two calls against identical
// index state produce byte-identical output (round-trip law, spec.md §8).
func (x *Index) Serialize() []byte {
	x.mu.RLock()
	defer x.mu.RUnlock()

	terms := make([]string, 0, len(x.postings))
	for t := range x.postings {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	e := codec.NewEncoder(1024)
	e.PutUint16(blobVersion)
	e.PutUint32(x.docCount)
	e.PutUint64(x.totalLen)

	e.PutUint32(uint32(len(terms)))
	for _, term := range terms {
		postings := append([]Posting(nil), x.postings[term]...)
		sort.Slice(postings, func(i, j int) bool { return postings[i].FrameID < postings[j].FrameID })
		e.PutString16(term)
		e.PutUint32(uint32(len(postings)))
		for _, p := range postings {
			e.PutUint64(p.FrameID)
			e.PutUint32(p.TermFreq)
		}
	}

	frameIDs := make([]uint64, 0, len(x.docLen))
	for id := range x.docLen {
		frameIDs = append(frameIDs, id)
	}
	sort.Slice(frameIDs, func(i, j int) bool { return frameIDs[i] < frameIDs[j] })
	e.PutUint32(uint32(len(frameIDs)))
	for _, id := range frameIDs {
		e.PutUint64(id)
		e.PutUint32(x.docLen[id])
	}

	return e.Bytes()
}

// Deserialize reconstructs an Index from a blob previously produced by
// Serialize. An empty blob is rejected explicitly rather than silently
// yielding an empty index, so callers can distinguish "never staged" from
// "staged as empty".
func Deserialize(diag diagnostics.Diagnostics, blob []byte) (*Index, Manifest, error) {
	if len(blob) == 0 {
		return nil, Manifest{}, errEmptyBlob
	}

	d := codec.NewDecoder(blob)
	version, err := d.Uint16("version")
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
	}
	docCount, err := d.Uint32("doc_count")
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
	}
	totalLen, err := d.Uint64("total_len")
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
	}

	termCount, err := d.Uint32("term_count")
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
	}
	postings := make(map[string][]Posting, termCount)
	for i := uint32(0); i < termCount; i++ {
		term, err := d.String16("term")
		if err != nil {
			return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
		}
		n, err := d.Uint32("posting_count")
		if err != nil {
			return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
		}
		list := make([]Posting, n)
		for j := uint32(0); j < n; j++ {
			frameID, err := d.Uint64("frame_id")
			if err != nil {
				return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
			}
			freq, err := d.Uint32("term_freq")
			if err != nil {
				return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
			}
			list[j] = Posting{FrameID: frameID, TermFreq: freq}
		}
		postings[term] = list
	}

	docLenCount, err := d.Uint32("doc_len_count")
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
	}
	docLen := make(map[uint64]uint32, docLenCount)
	for i := uint32(0); i < docLenCount; i++ {
		id, err := d.Uint64("frame_id")
		if err != nil {
			return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
		}
		length, err := d.Uint32("length")
		if err != nil {
			return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
		}
		docLen[id] = length
	}
	if err := d.Finish(); err != nil {
		return nil, Manifest{}, fmt.Errorf("textindex: deserialize: %w", err)
	}

	idx := &Index{
		diag:     diag,
		postings: postings,
		docLen:   docLen,
		totalLen: totalLen,
		docCount: docCount,
	}
	if idx.diag == nil {
		idx.diag = diagnostics.Noop()
	}
	return idx, Manifest{DocCount: docCount, Version: version}, nil
}

// tokenize lowercases text and splits it on anything that isn't a letter or
// digit, grounded on the fineweb streaming indexer's tokenizer (ASCII-fold,
// drop punctuation, no stemming).
func tokenize(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}
