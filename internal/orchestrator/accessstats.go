package orchestrator

import (
	"sort"
	"sync"

	"github.com/iosstud/wax/internal/codec"
)

// accessStats tracks per-frame recall-hit counts in memory, persisted as
// the wax.internal.access_stats system frame on Flush and superseded each
// time, matching the lifecycle spec.md §4.7 names for it explicitly
// ("recorded if access_stats_scoring enabled ... persisted as an internal
// system frame that is superseded on each flush").
type accessStats struct {
	mu    sync.Mutex
	hits  map[uint64]uint64
	total uint64
	dirty bool
}

func newAccessStats() *accessStats {
	return &accessStats{hits: make(map[uint64]uint64)}
}

// Record increments frameID's hit count by one.
func (a *accessStats) Record(frameID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hits[frameID]++
	a.total++
	a.dirty = true
}

// AccessScore implements rag.AccessScorer: a frame's hit count relative to
// the most-accessed frame, in [0,1]. Zero when nothing has been recorded.
func (a *accessStats) AccessScore(frameID uint64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.hits) == 0 {
		return 0
	}
	var max uint64
	for _, h := range a.hits {
		if h > max {
			max = h
		}
	}
	if max == 0 {
		return 0
	}
	return float64(a.hits[frameID]) / float64(max)
}

func (a *accessStats) isDirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// serialize encodes the current hit counts as a length-prefixed
// (frameID, count) table, in ascending frame-id order for deterministic
// output.
func (a *accessStats) serialize() []byte {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.hits))
	for id := range a.hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e := codec.NewEncoder(16 + len(ids)*16)
	e.PutUint64(uint64(len(ids)))
	for _, id := range ids {
		e.PutUint64(id)
		e.PutUint64(a.hits[id])
	}
	a.dirty = false
	a.mu.Unlock()
	return e.Bytes()
}

// loadAccessStats decodes a blob written by serialize. A decode failure is
// never fatal to Open — per spec.md §7's "access-stats import failure ->
// empty stats" fallback — so callers should log via Diagnostics.Fallback
// and fall back to newAccessStats() on error.
func loadAccessStats(blob []byte) (*accessStats, error) {
	d := codec.NewDecoder(blob)
	count, err := d.Uint64("access_stats.count")
	if err != nil {
		return nil, err
	}
	a := newAccessStats()
	for i := uint64(0); i < count; i++ {
		id, err := d.Uint64("access_stats.frame_id")
		if err != nil {
			return nil, err
		}
		hits, err := d.Uint64("access_stats.hits")
		if err != nil {
			return nil, err
		}
		a.hits[id] = hits
		a.total += hits
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return a, nil
}
