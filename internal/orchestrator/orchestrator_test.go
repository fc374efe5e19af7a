package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/embedproviders"
	"github.com/iosstud/wax/internal/rag"
	"github.com/iosstud/wax/internal/search"
	"github.com/iosstud/wax/internal/session"
	"github.com/iosstud/wax/internal/structured"
	"github.com/iosstud/wax/internal/vectorindex"
)

func testRAGConfig() rag.Config {
	return rag.Config{
		Mode:               rag.ModeFast,
		MaxContextTokens:   4096,
		ExpansionMaxTokens: 512,
		ExpansionMaxBytes:  4096,
		SnippetMaxTokens:   64,
		MaxSnippets:        10,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
		RRFK:               60,
	}
}

func openTestOrchestrator(t *testing.T, provider embedproviders.EmbeddingProvider) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")
	cfg := Config{
		Session: session.Config{
			VectorDimension:  4,
			VectorSimilarity: vectorindex.Cosine,
			Container:        container.Config{WALSize: 1 << 16},
		},
		SessionMode:        session.Mode{Kind: session.ReadWriteFail},
		ChunkStrategy:      ChunkStrategy{Kind: ChunkTokenCount, Target: 4, Overlap: 0},
		AccessStatsScoring: true,
		RAG:                testRAGConfig(),
	}
	o, err := Open(context.Background(), path, cfg, provider, diagnostics.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close(context.Background()) })
	return o, path
}

func TestRememberIndexesDocumentAndChunks(t *testing.T) {
	o, _ := openTestOrchestrator(t, embedproviders.NewTestProvider(4, embedproviders.ExecutionModeOnDeviceOnly))
	ctx := context.Background()

	docID, err := o.Remember(ctx, "the quick brown fox jumps over the lazy dog", map[string]string{"source": "test"}, RememberOptions{})
	require.NoError(t, err)
	require.NotZero(t, docID)

	var sawChunk bool
	for _, m := range o.sess.FrameMetas() {
		if m.Role == container.RoleChunk && m.ParentID != nil && *m.ParentID == docID {
			sawChunk = true
		}
	}
	require.True(t, sawChunk, "expected at least one chunk frame parented to the document")
}

func TestRecallFindsRememberedText(t *testing.T) {
	o, _ := openTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Remember(ctx, "paris is the capital of france", nil, RememberOptions{})
	require.NoError(t, err)
	require.NoError(t, o.Flush(ctx))

	rctx, err := o.Recall(ctx, "france", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, rctx.Items)
}

func TestRecallRecordsAccessStats(t *testing.T) {
	o, _ := openTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Remember(ctx, "paris is the capital of france", nil, RememberOptions{})
	require.NoError(t, err)
	require.NoError(t, o.Flush(ctx))

	_, err = o.Recall(ctx, "france", nil, nil)
	require.NoError(t, err)
	require.True(t, o.stats.isDirty())

	require.NoError(t, o.Flush(ctx))

	var found bool
	for _, m := range o.sess.FrameMetas() {
		if m.Kind == KindAccessStats && m.IsLive() {
			found = true
		}
	}
	require.True(t, found, "expected a live access-stats system frame after Flush")
}

func TestLiveSetRewriteDropsDeletedFramesAndPreservesLive(t *testing.T) {
	o, path := openTestOrchestrator(t, nil)
	ctx := context.Background()

	keepID, err := o.Remember(ctx, "alpha bravo charlie", nil, RememberOptions{})
	require.NoError(t, err)
	dropID, err := o.Remember(ctx, "delta echo foxtrot", nil, RememberOptions{})
	require.NoError(t, err)
	require.NoError(t, o.sess.Delete(ctx, dropID))
	require.NoError(t, o.Flush(ctx))

	rewritten := filepath.Join(filepath.Dir(path), "rewritten.mv2s")
	require.NoError(t, o.LiveSetRewrite(ctx, rewritten, LiveSetRewriteOptions{}))

	var sawKeptText bool
	for _, m := range o.sess.FrameMetas() {
		if m.Role == container.RoleDocument && m.IsLive() {
			content, err := o.sess.FrameContent(ctx, m.ID)
			require.NoError(t, err)
			if string(content) == "alpha bravo charlie" {
				sawKeptText = true
			}
		}
	}
	require.True(t, sawKeptText)
	_ = keepID
}

func TestStructuredMemoryPassthrough(t *testing.T) {
	o, _ := openTestOrchestrator(t, nil)
	ctx := context.Background()

	ent, err := o.UpsertEntity(ctx, "acme-corp", "organization", []string{"Acme"}, 1000)
	require.NoError(t, err)

	fact, err := o.AssertFact(ctx, structured.Fact{
		Subject:     ent.Key,
		Predicate:   "has_hq",
		Object:      structured.StringValue("springfield"),
		ValidFromMs: 1000,
	}, 1000)
	require.NoError(t, err)

	facts := o.Facts(&ent.Key, nil, 2000)
	require.Len(t, facts, 1)
	require.Equal(t, fact.RowID, facts[0].RowID)

	require.NoError(t, o.RetractFact(ctx, fact.RowID, 3000))
	require.Empty(t, o.Facts(&ent.Key, nil, 4000))
}
