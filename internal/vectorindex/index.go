// Package vectorindex implements the approximate-nearest-neighbor index
// (spec.md §3/§4's "HNSW-like" vector index), persisted per spec.md §6.1's
// `"MV2V"` blob layout. No teacher file builds a vector index — the
// bit-level binary-format style is grounded on
// other_examples's osakka-entitydb binary-format.go (explicit magic +
// version + typed sections) and the compactindexsized length-prefixed
// table-by-id shape, adapted here to float32 vectors plus a deterministic
// in-memory HNSW graph.
package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/werrors"
)

// Similarity selects the distance metric used for graph construction and
// search scoring.
type Similarity uint8

const (
	Cosine Similarity = iota
	L2
	Dot
)

func (s Similarity) String() string {
	switch s {
	case Cosine:
		return "cosine"
	case L2:
		return "l2"
	case Dot:
		return "dot"
	default:
		return fmt.Sprintf("similarity(%d)", uint8(s))
	}
}

// Encoding identifies the vector blob's layout, per spec.md §9's design
// note: "the decoder must gate on the encoding byte; mismatched encoding →
// rebuild via fallback engine (CPU). Do not attempt to interpret GPU-layout
// blobs as CPU blobs."
type Encoding uint8

const (
	// EncodingCPU is the only layout this package writes or fully reads:
	// flat float32 vectors in ascending frame-id order, the graph rebuilt
	// deterministically on load.
	EncodingCPU Encoding = 1
	// EncodingGPU is recognized but never decoded directly — Wax ships no
	// GPU engine (spec.md §1's deferred on-device-execution scope).
	EncodingGPU Encoding = 2
)

// Default HNSW tuning knobs, grounded on the sift reference index's
// M/efConstruction/efSearch knobs (the hnsw package itself wasn't in the
// retrieval pack, so the constants below are chosen at the conventional
// defaults for small-to-medium corpora rather than copied from a file).
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
	maxLevel              = 16
)

// blobMagic identifies an on-disk vector-index blob ("MV2V", spec.md §6.1).
var blobMagic = [4]byte{'M', 'V', '2', 'V'}

const blobVersion uint16 = 1

// ErrGPULayoutUnsupported is returned by Deserialize when the blob's
// encoding byte is EncodingGPU: Wax ships no GPU engine, so the caller must
// rebuild the index from source embeddings via the CPU engine instead of
// reinterpreting the bytes.
var ErrGPULayoutUnsupported = fmt.Errorf("vectorindex: GPU-layout blob requires CPU rebuild")

// Manifest describes a persisted blob without requiring a full Deserialize,
// per spec.md §3: "Persisted as an opaque byte blob with a manifest
// (vector_count, dimension, similarity)."
type Manifest struct {
	VectorCount uint64
	Dimension   uint32
	Similarity  Similarity
}

// Hit is one scored nearest-neighbor result. Score is always
// higher-is-better, regardless of the underlying similarity metric (L2
// distances are negated so every metric sorts the same direction).
type Hit struct {
	FrameID uint64
	Score   float32
}

type node struct {
	id        uint64
	vec       []float32
	level     int
	neighbors [][]uint64 // neighbors[l] = neighbor ids at level l
	deleted   bool
}

// Index is an in-memory HNSW-like approximate nearest-neighbor graph over
// fixed-dimension float32 vectors.
type Index struct {
	mu sync.RWMutex

	diag diagnostics.Diagnostics

	dimension      uint32
	similarity     Similarity
	m              int
	efConstruction int
	efSearch       int

	nodes      map[uint64]*node
	order      []uint64 // insertion order, for deterministic Serialize/rebuild
	entryID    uint64
	hasEntry   bool
	levelGen   levelGen
	generation uint64
}

// Config configures New.
type Config struct {
	Dimension      uint32
	Similarity     Similarity
	M              int
	EfConstruction int
	EfSearch       int
}

func (c Config) resolved() Config {
	if c.M == 0 {
		c.M = DefaultM
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = DefaultEfSearch
	}
	return c
}

// New constructs an empty Index for the given dimension and similarity
// metric.
func New(diag diagnostics.Diagnostics, cfg Config) *Index {
	cfg = cfg.resolved()
	if diag == nil {
		diag = diagnostics.Noop()
	}
	return &Index{
		diag:           diag,
		dimension:      cfg.Dimension,
		similarity:     cfg.Similarity,
		m:              cfg.M,
		efConstruction: cfg.EfConstruction,
		efSearch:       cfg.EfSearch,
		nodes:          make(map[uint64]*node),
		levelGen:       newLevelGen(0x9e3779b97f4a7c15 ^ uint64(cfg.Dimension)),
	}
}

// Dimension reports the configured vector width.
func (x *Index) Dimension() uint32 { return x.dimension }

// Similarity reports the configured distance metric.
func (x *Index) Similarity() Similarity { return x.similarity }

// VectorCount reports the number of live (non-removed) vectors.
func (x *Index) VectorCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, nd := range x.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

// Vectors returns every live vector keyed by frame id, in insertion order.
// Used by maintenance passes (internal/orchestrator's live-set rewrite)
// that need to re-add surviving vectors to a fresh index rather than
// reinterpret the opaque serialized blob.
func (x *Index) Vectors() map[uint64][]float32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[uint64][]float32, len(x.nodes))
	for _, id := range x.order {
		nd, ok := x.nodes[id]
		if !ok || nd.deleted {
			continue
		}
		out[id] = append([]float32(nil), nd.vec...)
	}
	return out
}

// Add inserts id with vec into the graph. Re-adding an existing id replaces
// its vector in place and rewires its neighbor lists.
func (x *Index) Add(ctx context.Context, id uint64, vec []float32) error {
	if uint32(len(vec)) != x.dimension {
		return &werrors.EncodingError{Reason: fmt.Sprintf(
			"vectorindex: vector has dimension %d, index expects %d", len(vec), x.dimension)}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if existing, ok := x.nodes[id]; ok && !existing.deleted {
		x.removeLocked(id)
	}

	level := x.levelGen.assignLevel(x.m)
	nd := &node{id: id, vec: append([]float32(nil), vec...), level: level, neighbors: make([][]uint64, level+1)}
	x.nodes[id] = nd
	x.order = append(x.order, id)
	x.generation++

	if !x.hasEntry {
		x.entryID = id
		x.hasEntry = true
		return nil
	}

	entry := x.nodes[x.entryID]
	cur := entry.id
	for l := entry.level; l > level; l-- {
		cur = x.greedyDescend(cur, vec, l)
	}
	for l := min(level, entry.level); l >= 0; l-- {
		candidates := x.searchLayer(vec, cur, x.efConstruction, l)
		neighbors := selectNeighbors(candidates, x.m)
		nd.neighbors[l] = neighbors
		for _, nb := range neighbors {
			x.connect(nb, id, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].id
		}
	}
	if level > entry.level {
		x.entryID = id
	}
	x.diag.Debug(ctx, "vectorindex: added vector", slog.Uint64("frame_id", id), slog.Int("level", level))
	return nil
}

// Remove deletes id from the graph, unlinking it from every neighbor list
// that references it.
func (x *Index) Remove(ctx context.Context, id uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *Index) removeLocked(id uint64) {
	nd, ok := x.nodes[id]
	if !ok {
		return
	}
	for l, neighbors := range nd.neighbors {
		for _, nb := range neighbors {
			if other, ok := x.nodes[nb]; ok && l < len(other.neighbors) {
				other.neighbors[l] = removeID(other.neighbors[l], id)
			}
		}
	}
	delete(x.nodes, id)
	nd.deleted = true

	if x.entryID == id {
		x.hasEntry = false
		x.entryID = 0
		for candidate, n := range x.nodes {
			if !x.hasEntry || n.level > x.nodes[x.entryID].level {
				x.entryID = candidate
				x.hasEntry = true
			}
		}
	}
}

// Search returns the topK nearest neighbors to vec by the index's
// configured similarity metric, ties broken by ascending frame id for
// determinism (spec.md §8's determinism property extends to every ranked
// lane, not just RRF).
func (x *Index) Search(vec []float32, topK int) []Hit {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.hasEntry || len(x.nodes) == 0 {
		return nil
	}

	entry := x.nodes[x.entryID]
	cur := entry.id
	for l := entry.level; l > 0; l-- {
		cur = x.greedyDescend(cur, vec, l)
	}
	ef := x.efSearch
	if topK > ef {
		ef = topK
	}
	candidates := x.searchLayer(vec, cur, ef, 0)

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{FrameID: c.id, Score: c.score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FrameID < hits[j].FrameID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

type scored struct {
	id    uint64
	score float32
}

// greedyDescend performs a single-candidate greedy walk at level l, used to
// find a good entry point for the next level down.
func (x *Index) greedyDescend(from uint64, query []float32, l int) uint64 {
	best := from
	bestScore := x.score(query, x.nodes[from].vec)
	improved := true
	for improved {
		improved = false
		node := x.nodes[best]
		if l >= len(node.neighbors) {
			break
		}
		for _, nb := range node.neighbors[l] {
			other, ok := x.nodes[nb]
			if !ok || other.deleted {
				continue
			}
			s := x.score(query, other.vec)
			if s > bestScore {
				best, bestScore = nb, s
				improved = true
			}
		}
	}
	return best
}

// searchLayer explores level l breadth-first from entry, keeping up to ef
// candidates ranked by score.
func (x *Index) searchLayer(query []float32, entry uint64, ef int, l int) []scored {
	visited := map[uint64]bool{entry: true}
	entryNode, ok := x.nodes[entry]
	if !ok {
		return nil
	}
	candidates := []scored{{id: entry, score: x.score(query, entryNode.vec)}}
	results := append([]scored(nil), candidates...)

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
		c := candidates[0]
		candidates = candidates[1:]

		node := x.nodes[c.id]
		if l >= len(node.neighbors) {
			continue
		}
		for _, nb := range node.neighbors[l] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			other, ok := x.nodes[nb]
			if !ok || other.deleted {
				continue
			}
			s := x.score(query, other.vec)
			candidates = append(candidates, scored{id: nb, score: s})
			results = append(results, scored{id: nb, score: s})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
	if len(results) > ef {
		results = results[:ef]
	}
	return results
}

// connect adds `to` to `from`'s neighbor list at level l, pruning the
// weakest edge if it would exceed m.
func (x *Index) connect(from, to uint64, l int) {
	node, ok := x.nodes[from]
	if !ok {
		return
	}
	for len(node.neighbors) <= l {
		node.neighbors = append(node.neighbors, nil)
	}
	node.neighbors[l] = append(node.neighbors[l], to)
	if len(node.neighbors[l]) <= x.m {
		return
	}
	// Over budget: keep the m closest to `from`'s own vector.
	type ranked struct {
		id    uint64
		score float32
	}
	rs := make([]ranked, 0, len(node.neighbors[l]))
	for _, nb := range node.neighbors[l] {
		other, ok := x.nodes[nb]
		if !ok {
			continue
		}
		rs = append(rs, ranked{id: nb, score: x.score(node.vec, other.vec)})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].id < rs[j].id
	})
	if len(rs) > x.m {
		rs = rs[:x.m]
	}
	kept := make([]uint64, len(rs))
	for i, r := range rs {
		kept[i] = r.id
	}
	node.neighbors[l] = kept
}

// selectNeighbors picks up to m candidates from a searchLayer result,
// already sorted best-first.
func selectNeighbors(candidates []scored, m int) []uint64 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// score computes a(query, v) under the index's similarity metric, always
// oriented so a larger score means "closer".
func (x *Index) score(a, b []float32) float32 {
	switch x.similarity {
	case Dot:
		return dot(a, b)
	case L2:
		return -l2Distance(a, b)
	default: // Cosine
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float32) float32 {
	return float32(math.Sqrt(float64(dot(a, a))))
}

func l2Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// NormalizeL2 scales v to unit length in place and returns it, used by
// providers whose EmbeddingProvider.Normalize is true (spec.md §8: "for all
// normalize_l2(v) with non-zero v, |‖normalize_l2(v)‖ − 1| < 1e-5").
func NormalizeL2(v []float32) []float32 {
	n := norm(v)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] /= n
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Serialize snapshots the index into the `"MV2V"` blob layout of spec.md
// §6.1: vectors in ascending frame-id order plus a parallel frame-id array.
// The graph itself is never persisted — Deserialize rebuilds it
// deterministically by re-inserting the same vectors in the same order
// through the same deterministic level generator, which is sufficient for
// spec.md §8's round-trip law ("preserves all query results bitwise")
// without needing to encode adjacency lists.
func (x *Index) Serialize() []byte {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]uint64, 0, len(x.nodes))
	for _, id := range x.order {
		if nd, ok := x.nodes[id]; ok && !nd.deleted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	vectorsLen := len(ids) * int(x.dimension) * 4
	e := codec.NewEncoder(32 + vectorsLen + 8 + len(ids)*8)
	e.PutBytes(blobMagic[:])
	e.PutUint16(blobVersion)
	e.PutUint8(uint8(EncodingCPU))
	e.PutUint8(uint8(x.similarity))
	e.PutUint32(x.dimension)
	e.PutUint64(uint64(len(ids)))
	e.PutUint64(uint64(vectorsLen))
	e.PutBytes(make([]byte, 8)) // reserved

	for _, id := range ids {
		for _, f := range x.nodes[id].vec {
			e.PutUint32(math.Float32bits(f))
		}
	}
	e.PutUint64(uint64(len(ids)))
	for _, id := range ids {
		e.PutUint64(id)
	}
	return e.Bytes()
}

// Deserialize parses a `"MV2V"` blob and rebuilds an Index, gating on the
// encoding byte per spec.md §9's design note. A GPU-layout blob is
// recognized but returns ErrGPULayoutUnsupported rather than attempting to
// reinterpret its bytes as the CPU layout.
func Deserialize(ctx context.Context, diag diagnostics.Diagnostics, blob []byte, cfg Config) (*Index, Manifest, error) {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	if len(blob) < 4 {
		return nil, Manifest{}, &werrors.DecodingError{Reason: "vectorindex: blob too short for magic"}
	}
	d := codec.NewDecoder(blob)
	magic, err := d.Bytes("magic", 4)
	if err != nil {
		return nil, Manifest{}, err
	}
	if string(magic) != string(blobMagic[:]) {
		return nil, Manifest{}, &werrors.DecodingError{Reason: "vectorindex: bad magic"}
	}
	if _, err = d.Uint16("version"); err != nil {
		return nil, Manifest{}, err
	}
	encByte, err := d.Uint8("encoding")
	if err != nil {
		return nil, Manifest{}, err
	}
	simByte, err := d.Uint8("similarity")
	if err != nil {
		return nil, Manifest{}, err
	}
	dimension, err := d.Uint32("dimension")
	if err != nil {
		return nil, Manifest{}, err
	}
	vectorCount, err := d.Uint64("vector_count")
	if err != nil {
		return nil, Manifest{}, err
	}
	payloadLength, err := d.Uint64("payload_length")
	if err != nil {
		return nil, Manifest{}, err
	}
	if _, err = d.Bytes("reserved", 8); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{VectorCount: vectorCount, Dimension: dimension, Similarity: Similarity(simByte)}

	if Encoding(encByte) == EncodingGPU {
		diag.Fallback(ctx, "vectorindex", "gpu-layout blob, rebuild required", nil,
			slog.Uint64("vector_count", vectorCount))
		return nil, manifest, ErrGPULayoutUnsupported
	}
	if Encoding(encByte) != EncodingCPU {
		return nil, Manifest{}, &werrors.DecodingError{Reason: fmt.Sprintf("vectorindex: unknown encoding byte %d", encByte)}
	}

	vectorsBytes, err := d.Bytes("vectors", int(payloadLength))
	if err != nil {
		return nil, Manifest{}, err
	}
	vd := codec.NewDecoder(vectorsBytes)
	vectors := make([][]float32, vectorCount)
	for i := range vectors {
		vec := make([]float32, dimension)
		for j := range vec {
			bits, err := vd.Uint32("component")
			if err != nil {
				return nil, Manifest{}, err
			}
			vec[j] = math.Float32frombits(bits)
		}
		vectors[i] = vec
	}

	idCount, err := d.Uint64("frame_ids_len")
	if err != nil {
		return nil, Manifest{}, err
	}
	if idCount != vectorCount {
		return nil, Manifest{}, &werrors.DecodingError{Reason: "vectorindex: frame_ids_len does not match vector_count"}
	}
	ids := make([]uint64, idCount)
	for i := range ids {
		id, err := d.Uint64("frame_id")
		if err != nil {
			return nil, Manifest{}, err
		}
		ids[i] = id
	}
	if err := d.Finish(); err != nil {
		return nil, Manifest{}, err
	}

	cfg.Dimension = dimension
	cfg.Similarity = Similarity(simByte)
	idx := New(diag, cfg)
	for i, id := range ids {
		if err := idx.Add(ctx, id, vectors[i]); err != nil {
			return nil, Manifest{}, fmt.Errorf("vectorindex: deserialize: rebuild: %w", err)
		}
	}
	return idx, manifest, nil
}

// levelGen deterministically assigns HNSW layer levels via a seeded
// splitmix64 stream, so two builds over identical insertion order produce
// bit-identical graphs (spec.md's determinism bar applied to index
// construction, not just RRF/rerank).
type levelGen struct {
	state uint64
}

func newLevelGen(seed uint64) levelGen {
	return levelGen{state: seed}
}

func (g *levelGen) next() uint64 {
	g.state += 0x9e3779b97f4a7c15
	z := g.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (g *levelGen) assignLevel(m int) int {
	mL := 1.0 / math.Log(float64(m))
	u := (float64(g.next()) + 1) / (float64(math.MaxUint64) + 1) // (0, 1]
	level := int(math.Floor(-math.Log(u) * mL))
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

