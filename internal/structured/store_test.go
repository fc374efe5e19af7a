package structured

import (
	"context"
	"math"
	"testing"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/stretchr/testify/require"
)

func TestUpsertEntityMergesAliases(t *testing.T) {
	ctx := context.Background()
	s := New(diagnostics.Noop())

	e1 := s.UpsertEntity(ctx, "person:alice", "person", []string{"Alice", "A. Smith"}, 1000)
	require.Equal(t, "person", e1.Kind)
	require.Equal(t, []string{"A. Smith", "Alice"}, e1.Aliases)

	e2 := s.UpsertEntity(ctx, "person:alice", "", []string{"Alice", "Ally"}, 2000)
	require.Equal(t, "person", e2.Kind) // kind preserved when re-upsert omits it
	require.Equal(t, []string{"A. Smith", "Alice", "Ally"}, e2.Aliases)
	require.Equal(t, e1.RowID, e2.RowID)
}

func TestResolveEntitiesByKeyOrAlias(t *testing.T) {
	ctx := context.Background()
	s := New(diagnostics.Noop())
	s.UpsertEntity(ctx, "person:alice", "person", []string{"Ally"}, 1000)
	s.UpsertEntity(ctx, "person:bob", "person", []string{"Ally"}, 1000)

	byKey := s.ResolveEntities("person:alice")
	require.Len(t, byKey, 1)
	require.Equal(t, EntityKey("person:alice"), byKey[0].Key)

	byAlias := s.ResolveEntities("Ally")
	require.Len(t, byAlias, 2)
	require.Equal(t, EntityKey("person:alice"), byAlias[0].Key)
	require.Equal(t, EntityKey("person:bob"), byAlias[1].Key)

	require.Empty(t, s.ResolveEntities("nobody"))
}

func TestAssertAndRetractFact(t *testing.T) {
	ctx := context.Background()
	s := New(diagnostics.Noop())

	f := Fact{
		Subject:     "person:alice",
		Predicate:   "likes",
		Object:      StringValue("coffee"),
		ValidFromMs: 100,
	}
	asserted, err := s.AssertFact(ctx, f, 500)
	require.NoError(t, err)
	require.NotZero(t, asserted.RowID)
	require.Zero(t, asserted.SystemToMs)

	live := s.Facts(nil, nil, 1000)
	require.Len(t, live, 1)

	require.NoError(t, s.RetractFact(ctx, asserted.RowID, 1500))
	require.Empty(t, s.Facts(nil, nil, 2000))

	// Retracting again is a no-op, not an error.
	require.NoError(t, s.RetractFact(ctx, asserted.RowID, 1600))

	require.Error(t, s.RetractFact(ctx, 99999, 1600))
}

func TestFactsFiltersBySubjectPredicateAndTime(t *testing.T) {
	ctx := context.Background()
	s := New(diagnostics.Noop())

	_, err := s.AssertFact(ctx, Fact{
		Subject: "person:alice", Predicate: "likes", Object: StringValue("coffee"),
		ValidFromMs: 0, ValidToMs: 1000,
	}, 0)
	require.NoError(t, err)
	_, err = s.AssertFact(ctx, Fact{
		Subject: "person:alice", Predicate: "likes", Object: StringValue("tea"),
		ValidFromMs: 1000,
	}, 0)
	require.NoError(t, err)
	_, err = s.AssertFact(ctx, Fact{
		Subject: "person:bob", Predicate: "likes", Object: StringValue("coffee"),
		ValidFromMs: 0,
	}, 0)
	require.NoError(t, err)

	alice := EntityKey("person:alice")
	likes := PredicateKey("likes")

	before := s.Facts(&alice, &likes, 500)
	require.Len(t, before, 1)
	require.Equal(t, StringValue("coffee"), before[0].Object)

	after := s.Facts(&alice, &likes, 1500)
	require.Len(t, after, 1)
	require.Equal(t, StringValue("tea"), after[0].Object)

	everyone := s.Facts(nil, &likes, 1500)
	require.Len(t, everyone, 2)
}

func TestIdentityDistinguishesValidityIntervals(t *testing.T) {
	base := Fact{Subject: "s", Predicate: "p", Object: StringValue("o")}
	a := base
	a.ValidFromMs, a.ValidToMs = 0, 100
	b := base
	b.ValidFromMs, b.ValidToMs = 100, 200

	idA, err := a.Identity()
	require.NoError(t, err)
	idB, err := b.Identity()
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	c := a
	idC, err := c.Identity()
	require.NoError(t, err)
	require.Equal(t, idA, idC)
}

func TestIdentityRejectsNonFiniteDouble(t *testing.T) {
	f := Fact{Subject: "s", Predicate: "p", Object: DoubleValue(math.NaN())}
	_, err := f.Identity()
	require.Error(t, err)

	f.Object = DoubleValue(math.Inf(1))
	_, err = f.Identity()
	require.Error(t, err)
}

func TestCanonicalizeFoldsNegativeZero(t *testing.T) {
	a := DoubleValue(math.Copysign(0, -1)).Canonicalize()
	b := DoubleValue(0).Canonicalize()
	require.Equal(t, a, b)

	fa := Fact{Subject: "s", Predicate: "p", Object: DoubleValue(math.Copysign(0, -1))}
	fb := Fact{Subject: "s", Predicate: "p", Object: DoubleValue(0)}
	idA, err := fa.Identity()
	require.NoError(t, err)
	idB, err := fb.Identity()
	require.NoError(t, err)
	require.Equal(t, idA, idB)
}

func TestFactEnvelopeRoundTrip(t *testing.T) {
	f := Fact{
		RowID: 7, Subject: "person:alice", Predicate: "likes", Object: IntValue(42),
		ValidFromMs: 10, ValidToMs: 20, SystemFromMs: 30, SystemToMs: 40,
		Evidence: []uint64{1, 2, 3},
	}
	payload, err := EncodeFact(f)
	require.NoError(t, err)
	decoded, err := DecodeFact(payload)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestEntityEnvelopeRoundTrip(t *testing.T) {
	e := Entity{RowID: 3, Key: "person:bob", Kind: "person", Aliases: []string{"Bob", "Bobby"}, CreatedMs: 99}
	payload := EncodeEntity(e)
	decoded, err := DecodeEntity(payload)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func TestFactRetractEnvelopeRoundTrip(t *testing.T) {
	payload := EncodeFactRetract(9, 12345)
	rowID, systemToMs, err := DecodeFactRetract(payload)
	require.NoError(t, err)
	require.EqualValues(t, 9, rowID)
	require.EqualValues(t, 12345, systemToMs)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(diagnostics.Noop())
	s.UpsertEntity(ctx, "person:alice", "person", []string{"Ally"}, 100)
	_, err := s.AssertFact(ctx, Fact{
		Subject: "person:alice", Predicate: "likes", Object: StringValue("coffee"), ValidFromMs: 0,
	}, 100)
	require.NoError(t, err)

	blob := s.Serialize()
	require.NotEmpty(t, blob)

	restored, err := Deserialize(diagnostics.Noop(), blob)
	require.NoError(t, err)
	require.Equal(t, s.AllEntities(), restored.AllEntities())
	require.Equal(t, s.AllFacts(), restored.AllFacts())
}

func TestDeserializeEmptyBlobYieldsEmptyStore(t *testing.T) {
	s, err := Deserialize(diagnostics.Noop(), nil)
	require.NoError(t, err)
	require.Empty(t, s.AllEntities())
	require.Empty(t, s.AllFacts())
}
