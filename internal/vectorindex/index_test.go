package vectorindex

import (
	"context"
	"testing"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/stretchr/testify/require"
)

func TestSearchFindsNearestByCosine(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop(), Config{Dimension: 3, Similarity: Cosine})

	require.NoError(t, idx.Add(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Add(ctx, 2, []float32{0, 1, 0}))
	require.NoError(t, idx.Add(ctx, 3, []float32{0.9, 0.1, 0}))

	hits := idx.Search([]float32{1, 0, 0}, 2)
	require.Len(t, hits, 2)
	require.Equal(t, uint64(1), hits[0].FrameID)
	require.Equal(t, uint64(3), hits[1].FrameID)
}

func TestAddRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop(), Config{Dimension: 3, Similarity: Cosine})
	err := idx.Add(ctx, 1, []float32{1, 0})
	require.Error(t, err)
}

func TestRemoveExcludesFromSearch(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop(), Config{Dimension: 2, Similarity: L2})
	require.NoError(t, idx.Add(ctx, 1, []float32{0, 0}))
	require.NoError(t, idx.Add(ctx, 2, []float32{10, 10}))

	idx.Remove(ctx, 1)
	hits := idx.Search([]float32{0, 0}, 5)
	require.Len(t, hits, 1)
	require.Equal(t, uint64(2), hits[0].FrameID)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop(), Config{Dimension: 4, Similarity: Cosine})
	vecs := map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0.7, 0.7, 0, 0},
	}
	for id, v := range vecs {
		require.NoError(t, idx.Add(ctx, id, v))
	}

	blob := idx.Serialize()
	require.NotEmpty(t, blob)

	restored, manifest, err := Deserialize(ctx, diagnostics.Noop(), blob, Config{})
	require.NoError(t, err)
	require.EqualValues(t, 3, manifest.VectorCount)
	require.EqualValues(t, 4, manifest.Dimension)
	require.Equal(t, Cosine, manifest.Similarity)

	query := []float32{1, 0, 0, 0}
	require.Equal(t, idx.Search(query, 3), restored.Search(query, 3))
	require.Equal(t, blob, restored.Serialize())
}

func TestDeserializeGPULayoutReturnsFallbackError(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop(), Config{Dimension: 2, Similarity: Cosine})
	require.NoError(t, idx.Add(ctx, 1, []float32{1, 1}))
	blob := idx.Serialize()
	blob[6] = byte(EncodingGPU) // corrupt the encoding byte in place

	_, _, err := Deserialize(ctx, diagnostics.Noop(), blob, Config{})
	require.ErrorIs(t, err, ErrGPULayoutUnsupported)
}

func TestNormalizeL2(t *testing.T) {
	v := NormalizeL2([]float32{3, 4})
	require.InDelta(t, 1.0, float64(norm(v)), 1e-5)
}
