package rag

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/search"
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

func TestConfigClampFloorsNegativesAndCapsExpansion(t *testing.T) {
	cfg := Config{
		MaxContextTokens:   100,
		ExpansionMaxTokens: 500,
		MaxSnippets:        -3,
		RRFK:               -1,
	}.Clamp()
	require.Equal(t, 100, cfg.ExpansionMaxTokens)
	require.Equal(t, 0, cfg.MaxSnippets)
	require.Equal(t, 0.0, cfg.RRFK)
}

func TestBuildContextAssemblesExpansionThenSnippets(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	doc1, err := s.Put(ctx, []byte("the quick brown fox jumps over the lazy dog"), container.PutOptions{Role: container.RoleDocument}, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, s.IndexText(ctx, doc1.ID, "the quick brown fox jumps over the lazy dog"))

	doc2, err := s.Put(ctx, []byte("a fox related but separate document about foxes"), container.PutOptions{Role: container.RoleDocument}, 0, 1001)
	require.NoError(t, err)
	require.NoError(t, s.IndexText(ctx, doc2.ID, "a fox related but separate document about foxes"))

	require.NoError(t, s.StageTextIndexForNextCommit(ctx))
	require.NoError(t, s.Commit(ctx))

	engine := search.NewEngine(s, diagnostics.Noop(), search.RerankConfig{})
	builder := NewBuilder(engine, s)

	out, err := builder.BuildContext(ctx, "fox", nil, Config{
		Mode:             ModeFast,
		MaxContextTokens: 1000,
		ExpansionMaxTokens: 50,
		SnippetMaxTokens:   50,
		MaxSnippets:        5,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Items)
	require.Equal(t, "expansion", out.Items[0].Kind)
	for _, it := range out.Items[1:] {
		require.Equal(t, "snippet", it.Kind)
	}
	require.LessOrEqual(t, out.TotalTokens, 1000)
}

func TestBuildContextIncludesSurrogatesInDenseCachedMode(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	for i, text := range []string{
		"fox document number one about foxes",
		"fox document number two about foxes too",
		"fox document number three also about foxes",
	} {
		meta, err := s.Put(ctx, []byte(text), container.PutOptions{Role: container.RoleDocument}, 0, int64(1000+i))
		require.NoError(t, err)
		require.NoError(t, s.IndexText(ctx, meta.ID, text))
	}
	require.NoError(t, s.StageTextIndexForNextCommit(ctx))
	require.NoError(t, s.Commit(ctx))

	engine := search.NewEngine(s, diagnostics.Noop(), search.RerankConfig{})
	builder := NewBuilder(engine, s)

	out, err := builder.BuildContext(ctx, "fox", nil, Config{
		Mode:               ModeDenseCached,
		MaxContextTokens:   1000,
		ExpansionMaxTokens: 50,
		SurrogateMaxTokens: 20,
		MaxSurrogates:      2,
		SnippetMaxTokens:   20,
		MaxSnippets:        5,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
		TierPolicy:         TierPolicyDisabled,
	})
	require.NoError(t, err)

	var kinds []string
	for _, it := range out.Items {
		kinds = append(kinds, it.Kind)
	}
	require.Contains(t, kinds, "surrogate")
}

func TestWhitespaceTokenCounter(t *testing.T) {
	require.Equal(t, 4, WhitespaceTokenCounter{}.Count("the quick brown fox"))
}

func TestQueryAwareUpgradeBumpsTierOnQuotedMatch(t *testing.T) {
	tier := queryAwareUpgrade(`find "project apollo" notes`, "notes about project apollo launch", TierMicro)
	require.Equal(t, TierGist, tier)
}
