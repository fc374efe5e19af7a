package textindex

import (
	"context"
	"testing"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/stretchr/testify/require"
)

func TestSearchRanksByBM25(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop())

	idx.Add(ctx, 1, "the quick brown fox jumps over the lazy dog")
	idx.Add(ctx, 2, "the quick fox")
	idx.Add(ctx, 3, "a slow turtle ambles along")

	hits := idx.Search("quick fox", 10, Params{})
	require.Len(t, hits, 2)
	// Frame 2 is shorter and proportionally denser in the query terms, so it
	// should outrank frame 1 under BM25's length normalization.
	require.Equal(t, uint64(2), hits[0].FrameID)
	require.Equal(t, uint64(1), hits[1].FrameID)
}

func TestSearchEmptyQueryOrIndex(t *testing.T) {
	idx := New(diagnostics.Noop())
	require.Empty(t, idx.Search("", 10, Params{}))
	require.Empty(t, idx.Search("anything", 10, Params{}))
}

func TestRemoveDropsPostings(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop())
	idx.Add(ctx, 1, "apples and oranges")
	idx.Add(ctx, 2, "apples and pears")
	require.EqualValues(t, 2, idx.DocCount())

	idx.Remove(ctx, 1)
	require.EqualValues(t, 1, idx.DocCount())

	hits := idx.Search("apples", 10, Params{})
	require.Len(t, hits, 1)
	require.Equal(t, uint64(2), hits[0].FrameID)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := New(diagnostics.Noop())
	idx.Add(ctx, 1, "the quick brown fox")
	idx.Add(ctx, 2, "the lazy dog sleeps")

	blob := idx.Serialize()
	require.NotEmpty(t, blob)

	restored, manifest, err := Deserialize(diagnostics.Noop(), blob)
	require.NoError(t, err)
	require.EqualValues(t, 2, manifest.DocCount)
	require.Equal(t, blobVersion, manifest.Version)

	want := idx.Search("fox dog", 10, Params{})
	got := restored.Search("fox dog", 10, Params{})
	require.Equal(t, want, got)

	require.Equal(t, blob, restored.Serialize())
}

func TestDeserializeRejectsEmptyBlob(t *testing.T) {
	_, _, err := Deserialize(diagnostics.Noop(), nil)
	require.ErrorIs(t, err, errEmptyBlob)
}
