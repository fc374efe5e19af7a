package search

import "sort"

// laneResult is one lane's ranked output plus its RRF weight.
type laneResult struct {
	weight float64
	ranked []rankedFrame
}

// fusedFrame is one frame's accumulated RRF score, across every lane that
// surfaced it.
type fusedFrame struct {
	frameID uint64
	score   float64
	sources map[Lane]bool
	// bestRank is the best (lowest) rank this frame achieved in any single
	// contributing lane, used as the tie-break key per spec.md §4.5.
	bestRank int
}

// fuse computes Reciprocal Rank Fusion scores across lanes, per spec.md
// §4.5: "for each lane L with weight w_L and ranked list R_L, score(f) =
// sum w_L * 1/(rrf_k + rank_L(f) + 1)". Lanes with zero weight or an empty
// ranking are skipped. Ties break by (source-lane rank ascending, frame_id
// ascending) so identical inputs always produce identical outputs.
func fuse(rrfK float64, lanes map[Lane]laneResult) []fusedFrame {
	acc := make(map[uint64]*fusedFrame)

	// Iterate lanes in a fixed order so map iteration order never leaks
	// into the result for equal-score ties beyond what the explicit
	// tie-break below already decides.
	order := []Lane{LaneText, LaneVector, LaneTimeline, LaneStructured}
	for _, lane := range order {
		lr, ok := lanes[lane]
		if !ok || lr.weight == 0 || len(lr.ranked) == 0 {
			continue
		}
		for _, rf := range lr.ranked {
			contribution := lr.weight * (1.0 / (rrfK + float64(rf.rank) + 1.0))
			f, exists := acc[rf.frameID]
			if !exists {
				f = &fusedFrame{frameID: rf.frameID, sources: make(map[Lane]bool), bestRank: rf.rank}
				acc[rf.frameID] = f
			}
			f.score += contribution
			f.sources[lane] = true
			if rf.rank < f.bestRank {
				f.bestRank = rf.rank
			}
		}
	}

	out := make([]fusedFrame, 0, len(acc))
	for _, f := range acc {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].bestRank != out[j].bestRank {
			return out[i].bestRank < out[j].bestRank
		}
		return out[i].frameID < out[j].frameID
	})
	return out
}
