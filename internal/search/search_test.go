package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/session"
	"github.com/iosstud/wax/internal/vectorindex"
)

func openTestSession(t *testing.T) *session.Session {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")
	cfg := session.Config{
		VectorDimension:  4,
		VectorSimilarity: vectorindex.Cosine,
		Container:        container.Config{WALSize: 1 << 16},
	}
	s, err := session.Open(context.Background(), path, session.Mode{Kind: session.ReadWriteFail}, cfg, diagnostics.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func seedDoc(t *testing.T, s *session.Session, text string, vec []float32, ts int64) uint64 {
	t.Helper()
	ctx := context.Background()
	meta, err := s.Put(ctx, []byte(text), container.PutOptions{Role: container.RoleDocument}, 0, ts)
	require.NoError(t, err)
	require.NoError(t, s.IndexText(ctx, meta.ID, text))
	if vec != nil {
		require.NoError(t, s.IndexEmbedding(ctx, meta.ID, vec))
	}
	return meta.ID
}

func TestSearchTextOnlyFindsMatchingFrame(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	id1 := seedDoc(t, s, "the quick brown fox jumps", nil, 1000)
	_ = seedDoc(t, s, "an unrelated sentence about trains", nil, 1001)
	require.NoError(t, s.StageTextIndexForNextCommit(ctx))
	require.NoError(t, s.Commit(ctx))

	eng := NewEngine(s, diagnostics.Noop(), RerankConfig{})
	resp, err := eng.Search(ctx, Request{Query: "fox", HasQuery: true, Mode: ModeTextOnly, TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, id1, resp.Results[0].FrameID)
	require.True(t, resp.Results[0].Sources[LaneText])
}

func TestSearchVectorOnlyRanksClosestFirst(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	idClose := seedDoc(t, s, "doc a", []float32{1, 0, 0, 0}, 1000)
	idFar := seedDoc(t, s, "doc b", []float32{0, 1, 0, 0}, 1001)
	require.NoError(t, s.StageVecIndexForNextCommit(ctx))
	require.NoError(t, s.Commit(ctx))

	eng := NewEngine(s, diagnostics.Noop(), RerankConfig{})
	resp, err := eng.Search(ctx, Request{
		Embedding: []float32{1, 0, 0, 0}, HasEmbedding: true, Mode: ModeVectorOnly, TopK: 10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	require.Equal(t, idClose, resp.Results[0].FrameID)
	require.Equal(t, idFar, resp.Results[1].FrameID)
}

func TestSearchTimelineFallbackOrdersByCaptureDescending(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	idOld := seedDoc(t, s, "old doc", nil, 1000)
	idNew := seedDoc(t, s, "new doc", nil, 2000)
	require.NoError(t, s.StageTextIndexForNextCommit(ctx))
	require.NoError(t, s.Commit(ctx))

	eng := NewEngine(s, diagnostics.Noop(), RerankConfig{})
	resp, err := eng.Search(ctx, Request{
		Mode:           ModeTimeline,
		TopK:           10,
		TimelineFilter: &TimelineFilter{},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	require.Equal(t, idNew, resp.Results[0].FrameID)
	require.Equal(t, idOld, resp.Results[1].FrameID)
}

func TestNormalizeRequestUpgradesConstraintOnlyQuery(t *testing.T) {
	req := NormalizeRequest(Request{
		TopK:           5,
		TimelineFilter: &TimelineFilter{FromMs: 1, ToMs: 2},
	})
	require.True(t, req.AllowTimelineFallback)
	require.GreaterOrEqual(t, req.FallbackLimit, req.TopK)
}

func TestNormalizeRequestClampsHybridAlpha(t *testing.T) {
	req := NormalizeRequest(Request{Mode: ModeHybrid, Alpha: 1.5, TopK: 5})
	require.Equal(t, 0.0, req.Weights.Vector)
	require.Equal(t, 1.0, req.Weights.Text)
}

func TestFuseSkipsZeroWeightAndEmptyLanes(t *testing.T) {
	out := fuse(60, map[Lane]laneResult{
		LaneText:   {weight: 1, ranked: []rankedFrame{{frameID: 1, rank: 0}, {frameID: 2, rank: 1}}},
		LaneVector: {weight: 0, ranked: []rankedFrame{{frameID: 3, rank: 0}}},
	})
	require.Len(t, out, 2)
	require.Equal(t, uint64(1), out[0].frameID)
}
