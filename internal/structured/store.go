// Package structured implements Wax's structured-memory layer: entities,
// bitemporal facts, and alias resolution (spec.md §3/§4.5/§4.7). Grounded on
// the teacher's internal/domain/schema.Table + internal/domain/data.Row
// (an RWMutex-guarded map keyed by row id, with a secondary index rebuilt
// under the write lock) generalized from SQL rows/columns to Entity/Fact
// records, and on internal/query/indexing/builder.go's "rebuild indexes
// under write lock, slog.Debug each index" shape for the alias index.
package structured

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/werrors"
)

// EntityKey is a "namespace:local_id" identifier, per spec.md §3.
type EntityKey string

// PredicateKey names a fact's relation.
type PredicateKey string

// Entity is a named thing facts can refer to as subject or object.
type Entity struct {
	RowID     uint64
	Key       EntityKey
	Kind      string
	Aliases   []string
	CreatedMs int64
}

// FactValueKind tags which field of FactValue is populated.
type FactValueKind uint8

const (
	FactString FactValueKind = iota
	FactInt
	FactDouble
	FactBool
	FactData
	FactTimeMs
	FactEntity
)

func (k FactValueKind) String() string {
	switch k {
	case FactString:
		return "string"
	case FactInt:
		return "int"
	case FactDouble:
		return "double"
	case FactBool:
		return "bool"
	case FactData:
		return "data"
	case FactTimeMs:
		return "time_ms"
	case FactEntity:
		return "entity"
	default:
		return fmt.Sprintf("fact_value(%d)", uint8(k))
	}
}

// FactValue is the tagged-union object type a Fact asserts about its
// subject, per spec.md §3.
type FactValue struct {
	Kind   FactValueKind
	Str    string
	Int    int64
	Double float64
	Bool   bool
	Data   []byte
	TimeMs int64
	Entity EntityKey
}

func StringValue(s string) FactValue  { return FactValue{Kind: FactString, Str: s} }
func IntValue(v int64) FactValue      { return FactValue{Kind: FactInt, Int: v} }
func DoubleValue(v float64) FactValue { return FactValue{Kind: FactDouble, Double: v} }
func BoolValue(v bool) FactValue      { return FactValue{Kind: FactBool, Bool: v} }
func DataValue(b []byte) FactValue    { return FactValue{Kind: FactData, Data: b} }
func TimeMsValue(v int64) FactValue   { return FactValue{Kind: FactTimeMs, TimeMs: v} }
func EntityValue(k EntityKey) FactValue {
	return FactValue{Kind: FactEntity, Entity: k}
}

// Canonicalize normalizes a value before hashing or storage: -0.0 folds to
// +0.0 per spec.md §3's fact-hashing invariant
// ("FactValue::double(0.0) == FactValue::double(-0.0)").
func (v FactValue) Canonicalize() FactValue {
	if v.Kind == FactDouble && v.Double == 0 {
		v.Double = 0 // math.Copysign-free: the literal 0 comparison already
		// folds -0.0 into +0.0 on assignment.
		v.Double = math.Abs(v.Double)
	}
	return v
}

// encode writes v's canonical byte encoding for use in fact-identity
// hashing, rejecting non-finite doubles per spec.md §9's inherited Open
// Question decision ("non-finite → encoding_error").
func (v FactValue) encode(e *codec.Encoder) error {
	v = v.Canonicalize()
	e.PutUint8(uint8(v.Kind))
	switch v.Kind {
	case FactString:
		e.PutString32(v.Str)
	case FactInt:
		e.PutInt64(v.Int)
	case FactDouble:
		if math.IsNaN(v.Double) || math.IsInf(v.Double, 0) {
			return &werrors.EncodingError{Reason: "structured: FactValue.double must be finite"}
		}
		e.PutFloat64(v.Double)
	case FactBool:
		b := uint8(0)
		if v.Bool {
			b = 1
		}
		e.PutUint8(b)
	case FactData:
		e.PutBytes32(v.Data)
	case FactTimeMs:
		e.PutInt64(v.TimeMs)
	case FactEntity:
		e.PutString32(string(v.Entity))
	default:
		return &werrors.EncodingError{Reason: fmt.Sprintf("structured: unknown FactValueKind %d", v.Kind)}
	}
	return nil
}

// Fact is a bitemporal statement: subject-predicate-object, valid for a
// real-world interval (valid_from/to), recorded in the store for a system
// interval (system_from/to) — per spec.md §3.
type Fact struct {
	RowID        uint64
	Subject      EntityKey
	Predicate    PredicateKey
	Object       FactValue
	ValidFromMs  int64
	ValidToMs    int64
	SystemFromMs int64
	SystemToMs   int64 // 0 means "not yet retracted"
	Evidence     []uint64
}

// Identity computes SHA-256 over the canonical encoding of
// (subject, predicate, object, valid_from, valid_to) — the qualifiers spec.md
// §3 names as distinguishing otherwise-identical assertions (documented
// Open Question resolution: "qualifiers" = the fact's validity interval, so
// the same (subject,predicate,object) asserted for two different intervals
// hashes to two distinct identities).
func (f Fact) Identity() ([32]byte, error) {
	e := codec.NewEncoder(128)
	e.PutString32(string(f.Subject))
	e.PutString32(string(f.Predicate))
	if err := f.Object.encode(e); err != nil {
		return [32]byte{}, err
	}
	e.PutInt64(f.ValidFromMs)
	e.PutInt64(f.ValidToMs)
	return checksum.Sum256(e.Bytes()), nil
}

// IsLiveAt reports whether f holds both in the real world and in the store
// at asOfMs: valid_from <= asOf < valid_to (valid_to==0 means "still open")
// and the fact has not been retracted (system_to_ms == 0).
func (f Fact) IsLiveAt(asOfMs int64) bool {
	if f.SystemToMs != 0 {
		return false
	}
	if asOfMs < f.ValidFromMs {
		return false
	}
	if f.ValidToMs != 0 && asOfMs >= f.ValidToMs {
		return false
	}
	return true
}

// Store holds every entity and fact row for one container, guarded by an
// RWMutex in the teacher's internal/domain/schema.Table style: reads take
// RLock, mutating operations take Lock and rebuild the alias index under
// it.
type Store struct {
	mu sync.RWMutex

	diag diagnostics.Diagnostics

	nextRowID atomic.Uint64

	entities   map[EntityKey]Entity
	aliasIndex map[string][]EntityKey
	facts      map[uint64]Fact
}

// New constructs an empty Store.
func New(diag diagnostics.Diagnostics) *Store {
	if diag == nil {
		diag = diagnostics.Noop()
	}
	return &Store{
		diag:       diag,
		entities:   make(map[EntityKey]Entity),
		aliasIndex: make(map[string][]EntityKey),
		facts:      make(map[uint64]Fact),
	}
}

func (s *Store) allocateRowID() uint64 {
	return s.nextRowID.Add(1)
}

// UpsertEntity creates key if absent, or merges kind/aliases into the
// existing row (new aliases appended, duplicates ignored).
func (s *Store) UpsertEntity(ctx context.Context, key EntityKey, kind string, aliases []string, createdMs int64) Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entities[key]
	if !ok {
		e := Entity{RowID: s.allocateRowID(), Key: key, Kind: kind, Aliases: dedupeStrings(aliases), CreatedMs: createdMs}
		s.entities[key] = e
		s.reindexAliasesLocked()
		s.diag.Debug(ctx, "structured: created entity", slog.String("key", string(key)), slog.String("kind", kind))
		return e
	}

	merged := dedupeStrings(append(append([]string(nil), existing.Aliases...), aliases...))
	existing.Aliases = merged
	if kind != "" {
		existing.Kind = kind
	}
	s.entities[key] = existing
	s.reindexAliasesLocked()
	return existing
}

func (s *Store) reindexAliasesLocked() {
	s.aliasIndex = make(map[string][]EntityKey, len(s.entities))
	for key, e := range s.entities {
		for _, alias := range e.Aliases {
			s.aliasIndex[alias] = append(s.aliasIndex[alias], key)
		}
	}
	for alias := range s.aliasIndex {
		sort.Slice(s.aliasIndex[alias], func(i, j int) bool { return s.aliasIndex[alias][i] < s.aliasIndex[alias][j] })
	}
}

// ResolveEntities returns every entity whose key or alias set matches alias
// exactly, ordered by key for determinism.
func (s *Store) ResolveEntities(alias string) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	if e, ok := s.entities[EntityKey(alias)]; ok {
		out = append(out, e)
	}
	for _, key := range s.aliasIndex[alias] {
		if key == EntityKey(alias) {
			continue
		}
		out = append(out, s.entities[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AssertFact computes f's identity, assigns it a row id, and records it as
// live from systemFromMs. Returns an EncodingError if the object contains a
// non-finite double.
func (s *Store) AssertFact(ctx context.Context, f Fact, systemFromMs int64) (Fact, error) {
	if _, err := f.Identity(); err != nil {
		return Fact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f.RowID = s.allocateRowID()
	f.SystemFromMs = systemFromMs
	f.SystemToMs = 0
	s.facts[f.RowID] = f
	s.diag.Debug(ctx, "structured: asserted fact", slog.Uint64("row_id", f.RowID), slog.String("subject", string(f.Subject)), slog.String("predicate", string(f.Predicate)))
	return f, nil
}

// RetractFact marks factRowID as no longer live as of systemToMs. Retracting
// an already-retracted or unknown fact is a no-op error, not a panic.
func (s *Store) RetractFact(ctx context.Context, factRowID uint64, systemToMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[factRowID]
	if !ok {
		return &werrors.FrameNotFoundError{ID: factRowID}
	}
	if f.SystemToMs != 0 {
		return nil
	}
	f.SystemToMs = systemToMs
	s.facts[factRowID] = f
	s.diag.Debug(ctx, "structured: retracted fact", slog.Uint64("row_id", factRowID))
	return nil
}

// Facts returns every live fact at asOfMs matching subject/predicate, when
// non-nil. Ordered by row id ascending for determinism.
func (s *Store) Facts(subject *EntityKey, predicate *PredicateKey, asOfMs int64) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.facts))
	for id := range s.facts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Fact, 0, len(ids))
	for _, id := range ids {
		f := s.facts[id]
		if subject != nil && f.Subject != *subject {
			continue
		}
		if predicate != nil && f.Predicate != *predicate {
			continue
		}
		if !f.IsLiveAt(asOfMs) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// AllFacts returns every fact row regardless of liveness, for commit-time
// snapshotting.
func (s *Store) AllFacts() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out
}

// AllEntities returns every entity row, ordered by key.
func (s *Store) AllEntities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ApplyFact restores a fact row exactly as persisted (used by WAL replay and
// by snapshot loading), bypassing identity recomputation and row-id
// allocation.
func (s *Store) ApplyFact(f Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[f.RowID] = f
	if f.RowID > s.nextRowID.Load() {
		s.nextRowID.Store(f.RowID)
	}
}

// ApplyEntity restores an entity row exactly as persisted.
func (s *Store) ApplyEntity(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Key] = e
	s.reindexAliasesLocked()
	if e.RowID > s.nextRowID.Load() {
		s.nextRowID.Store(e.RowID)
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
