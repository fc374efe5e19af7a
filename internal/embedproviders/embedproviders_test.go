package embedproviders

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecutionModeValidateRejectsUnset(t *testing.T) {
	require.Error(t, ExecutionModeUnset.Validate())
	require.NoError(t, ExecutionModeOnDeviceOnly.Validate())
	require.NoError(t, ExecutionModeMayUseNetwork.Validate())
}

func TestNormalizeL2ProducesUnitLength(t *testing.T) {
	v := NormalizeL2([]float32{3, 4, 0, 0})
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-5)
}

func TestNormalizeL2LeavesZeroVectorUnchanged(t *testing.T) {
	v := NormalizeL2([]float32{0, 0, 0})
	require.Equal(t, []float32{0, 0, 0}, v)
}

func TestTestProviderIsDeterministic(t *testing.T) {
	p := NewTestProvider(8, ExecutionModeOnDeviceOnly)
	ctx := context.Background()

	a, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := p.Embed(ctx, "a different sentence")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
	require.Len(t, a, 8)
}

func TestTestProviderRejectsUnsetExecutionMode(t *testing.T) {
	p := NewTestProvider(4, ExecutionModeUnset)
	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
}

func TestTestProviderEmbedBatchMatchesSequentialEmbed(t *testing.T) {
	p := NewTestProvider(4, ExecutionModeOnDeviceOnly)
	ctx := context.Background()

	batch := []string{"alpha", "beta", "gamma"}
	got, err := p.EmbedBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, got, len(batch))

	for i, text := range batch {
		want, err := p.Embed(ctx, text)
		require.NoError(t, err)
		require.Equal(t, want, got[i])
	}
}
