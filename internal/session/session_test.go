package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/structured"
	"github.com/iosstud/wax/internal/textindex"
	"github.com/iosstud/wax/internal/vectorindex"
	"github.com/iosstud/wax/internal/werrors"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		VectorDimension:  4,
		VectorSimilarity: vectorindex.Cosine,
		Container:        container.Config{WALSize: 4096},
	}
}

func TestOpenReadWriteFailConflictsWithExistingWriter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	first, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	defer first.Close(ctx)

	_, err = Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.ErrorIs(t, err, werrors.ErrWriterBusy)
}

func TestOpenReadWriteWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	first, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	defer first.Close(ctx)

	_, err = Open(ctx, path, Mode{Kind: ReadWriteWait, Timeout: 50 * time.Millisecond}, testConfig(), diagnostics.Noop())
	require.ErrorIs(t, err, werrors.ErrWriterTimeout)
}

func TestReadOnlySessionRejectsMutation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	w, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	ro, err := Open(ctx, path, Mode{Kind: ReadOnly}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	defer ro.Close(ctx)

	require.False(t, ro.IsWriter())
	_, err = ro.Put(ctx, []byte("x"), container.PutOptions{}, 0, 0)
	require.Error(t, err)
}

// TestCommitRejectsNeverStagedEmbeddings covers spec.md §8 scenario 3: a
// put with an embedding, with stage_vec_index_for_next_commit never called
// at all. commit() must fail io(reason contains "vector index must be
// staged"), and close() must re-raise the same error rather than silently
// discarding the pending mutation.
func TestCommitRejectsNeverStagedEmbeddings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	s, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)

	meta, err := s.Put(ctx, []byte("doc"), container.PutOptions{Role: container.RoleDocument}, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, s.IndexEmbedding(ctx, meta.ID, []float32{1, 0, 0, 0}))

	err = s.Commit(ctx)
	require.Error(t, err)
	var ioErr *werrors.IOError
	require.ErrorAs(t, err, &ioErr)
	require.Contains(t, ioErr.Reason, "vector index must be staged")

	err = s.Close(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, &ioErr)
	require.Contains(t, ioErr.Reason, "vector index must be staged")
}

// TestCommitRejectsStaleStagedVectorIndex covers spec.md §8 scenario 4: a
// staged vector index covering one embedding, followed by a second
// embedding added without restaging. commit() must fail io(reason contains
// "vector index is stale").
func TestCommitRejectsStaleStagedVectorIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	s, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	defer s.Close(ctx)

	first, err := s.Put(ctx, []byte("doc-1"), container.PutOptions{Role: container.RoleDocument}, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, s.IndexEmbedding(ctx, first.ID, []float32{1, 0, 0, 0}))
	require.NoError(t, s.StageVecIndexForNextCommit(ctx))
	require.NoError(t, s.Commit(ctx))

	second, err := s.Put(ctx, []byte("doc-2"), container.PutOptions{Role: container.RoleDocument}, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, s.IndexEmbedding(ctx, second.ID, []float32{0, 1, 0, 0}))

	err = s.Commit(ctx)
	require.Error(t, err)
	var ioErr *werrors.IOError
	require.ErrorAs(t, err, &ioErr)
	require.Contains(t, ioErr.Reason, "vector index is stale")
}

func TestCommitPersistsIndexesAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	s, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)

	meta, err := s.Put(ctx, []byte("the quick brown fox"), container.PutOptions{Role: container.RoleDocument}, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, s.IndexText(ctx, meta.ID, "the quick brown fox"))
	require.NoError(t, s.IndexEmbedding(ctx, meta.ID, []float32{1, 0, 0, 0}))
	require.NoError(t, s.StageTextIndexForNextCommit(ctx))
	require.NoError(t, s.StageVecIndexForNextCommit(ctx))

	_, err = s.UpsertEntity(ctx, "person:alice", "person", []string{"Alice"}, 1000)
	require.NoError(t, err)
	_, err = s.AssertFact(ctx, structured.Fact{
		Subject: "person:alice", Predicate: "likes", Object: structured.StringValue("coffee"),
	}, 1000)
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	defer reopened.Close(ctx)

	hits := reopened.TextIndex().Search("fox", 10, textindex.Params{})
	require.Len(t, hits, 1)
	require.Equal(t, meta.ID, hits[0].FrameID)

	vhits := reopened.VectorIndex().Search([]float32{1, 0, 0, 0}, 1)
	require.Len(t, vhits, 1)
	require.Equal(t, meta.ID, vhits[0].FrameID)

	entities := reopened.StructuredStore().ResolveEntities("person:alice")
	require.Len(t, entities, 1)
	facts := reopened.StructuredStore().Facts(nil, nil, 1000)
	require.Len(t, facts, 1)
}

func TestCloseAutoCommitsPendingMutations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mv2s")

	s, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("doc"), container.PutOptions{Role: container.RoleDocument}, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, path, Mode{Kind: ReadWriteFail}, testConfig(), diagnostics.Noop())
	require.NoError(t, err)
	defer reopened.Close(ctx)
	require.Len(t, reopened.FrameMetas(), 1)
}
