package structured

import (
	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/werrors"
)

// EncodeFact builds a WAL envelope payload (or snapshot entry) for a single
// fact row. Used both for the per-assert MutationFactAssert envelope and as
// a record inside Store.Serialize's snapshot blob.
func EncodeFact(f Fact) ([]byte, error) {
	e := codec.NewEncoder(96)
	e.PutUint64(f.RowID)
	e.PutString32(string(f.Subject))
	e.PutString32(string(f.Predicate))
	if err := f.Object.encode(e); err != nil {
		return nil, err
	}
	e.PutInt64(f.ValidFromMs)
	e.PutInt64(f.ValidToMs)
	e.PutInt64(f.SystemFromMs)
	e.PutInt64(f.SystemToMs)
	e.PutUint32(uint32(len(f.Evidence)))
	for _, id := range f.Evidence {
		e.PutUint64(id)
	}
	return e.Bytes(), nil
}

// DecodeFact parses a fact row previously written by EncodeFact.
func DecodeFact(payload []byte) (Fact, error) {
	d := codec.NewDecoder(payload)
	var f Fact
	var err error

	if f.RowID, err = d.Uint64("row_id"); err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	subject, err := d.String32("subject")
	if err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	f.Subject = EntityKey(subject)
	predicate, err := d.String32("predicate")
	if err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	f.Predicate = PredicateKey(predicate)

	if f.Object, err = decodeFactValue(d); err != nil {
		return Fact{}, err
	}
	if f.ValidFromMs, err = d.Int64("valid_from_ms"); err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	if f.ValidToMs, err = d.Int64("valid_to_ms"); err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	if f.SystemFromMs, err = d.Int64("system_from_ms"); err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	if f.SystemToMs, err = d.Int64("system_to_ms"); err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	count, err := d.Uint32("evidence_count")
	if err != nil {
		return Fact{}, &werrors.DecodingError{Reason: err.Error()}
	}
	f.Evidence = make([]uint64, count)
	for i := range f.Evidence {
		if f.Evidence[i], err = d.Uint64("evidence[]"); err != nil {
			return Fact{}, &werrors.DecodingError{Reason: err.Error()}
		}
	}
	return f, nil
}

func decodeFactValue(d *codec.Decoder) (FactValue, error) {
	kind, err := d.Uint8("object.kind")
	if err != nil {
		return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
	}
	v := FactValue{Kind: FactValueKind(kind)}
	switch v.Kind {
	case FactString:
		if v.Str, err = d.String32("object.str"); err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
	case FactInt:
		if v.Int, err = d.Int64("object.int"); err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
	case FactDouble:
		if v.Double, err = d.Float64("object.double"); err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
	case FactBool:
		b, err := d.Uint8("object.bool")
		if err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
		v.Bool = b != 0
	case FactData:
		if v.Data, err = d.Bytes32("object.data"); err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
	case FactTimeMs:
		if v.TimeMs, err = d.Int64("object.time_ms"); err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
	case FactEntity:
		entity, err := d.String32("object.entity")
		if err != nil {
			return FactValue{}, &werrors.DecodingError{Reason: err.Error()}
		}
		v.Entity = EntityKey(entity)
	default:
		return FactValue{}, &werrors.DecodingError{Reason: "structured: unknown FactValueKind on decode"}
	}
	return v, nil
}

// EncodeFactRetract builds a MutationFactRetract envelope payload.
func EncodeFactRetract(rowID uint64, systemToMs int64) []byte {
	e := codec.NewEncoder(16)
	e.PutUint64(rowID)
	e.PutInt64(systemToMs)
	return e.Bytes()
}

// DecodeFactRetract parses a MutationFactRetract envelope payload.
func DecodeFactRetract(payload []byte) (rowID uint64, systemToMs int64, err error) {
	d := codec.NewDecoder(payload)
	if rowID, err = d.Uint64("row_id"); err != nil {
		return 0, 0, &werrors.DecodingError{Reason: err.Error()}
	}
	if systemToMs, err = d.Int64("system_to_ms"); err != nil {
		return 0, 0, &werrors.DecodingError{Reason: err.Error()}
	}
	return rowID, systemToMs, nil
}

// EncodeEntity builds a MutationEntityUpsert envelope payload (or a snapshot
// entry) for a single entity row.
func EncodeEntity(ent Entity) []byte {
	e := codec.NewEncoder(64)
	e.PutUint64(ent.RowID)
	e.PutString32(string(ent.Key))
	e.PutString32(ent.Kind)
	e.PutStringList16(ent.Aliases)
	e.PutInt64(ent.CreatedMs)
	return e.Bytes()
}

// DecodeEntity parses an entity row previously written by EncodeEntity.
func DecodeEntity(payload []byte) (Entity, error) {
	d := codec.NewDecoder(payload)
	var ent Entity
	var err error

	if ent.RowID, err = d.Uint64("row_id"); err != nil {
		return Entity{}, &werrors.DecodingError{Reason: err.Error()}
	}
	key, err := d.String32("key")
	if err != nil {
		return Entity{}, &werrors.DecodingError{Reason: err.Error()}
	}
	ent.Key = EntityKey(key)
	if ent.Kind, err = d.String32("kind"); err != nil {
		return Entity{}, &werrors.DecodingError{Reason: err.Error()}
	}
	if ent.Aliases, err = d.StringList16("aliases"); err != nil {
		return Entity{}, &werrors.DecodingError{Reason: err.Error()}
	}
	if ent.CreatedMs, err = d.Int64("created_ms"); err != nil {
		return Entity{}, &werrors.DecodingError{Reason: err.Error()}
	}
	return ent, nil
}

const snapshotVersion uint16 = 1

// Serialize snapshots every entity and fact row into a single opaque blob,
// written as the container's "wax.internal.structured_snapshot" system
// frame at each commit. The WAL ring only retains mutations back to the
// last checkpoint, so this snapshot — not WAL replay — is what makes
// structured memory durable across generations; per-mutation WAL envelopes
// (EncodeFact/EncodeEntity/EncodeFactRetract) only cover the gap between a
// snapshot and the next commit.
func (s *Store) Serialize() []byte {
	entities := s.AllEntities()
	facts := s.AllFacts()

	e := codec.NewEncoder(256 + 64*(len(entities)+len(facts)))
	e.PutUint16(snapshotVersion)
	e.PutUint32(uint32(len(entities)))
	for _, ent := range entities {
		e.PutBytes32(EncodeEntity(ent))
	}
	e.PutUint32(uint32(len(facts)))
	for _, f := range facts {
		// Facts can only reach Serialize after passing AssertFact's identity
		// check, so the encode error here is unreachable in practice; skip
		// malformed rows rather than panic on a snapshot write.
		payload, err := EncodeFact(f)
		if err != nil {
			continue
		}
		e.PutBytes32(payload)
	}
	return e.Bytes()
}

// Deserialize rebuilds a Store from a blob written by Serialize.
func Deserialize(diag diagnostics.Diagnostics, blob []byte) (*Store, error) {
	store := New(diag)
	if len(blob) == 0 {
		return store, nil
	}

	d := codec.NewDecoder(blob)
	if _, err := d.Uint16("version"); err != nil {
		return nil, &werrors.DecodingError{Reason: err.Error()}
	}

	entityCount, err := d.Uint32("entity_count")
	if err != nil {
		return nil, &werrors.DecodingError{Reason: err.Error()}
	}
	for i := uint32(0); i < entityCount; i++ {
		payload, err := d.Bytes32("entity")
		if err != nil {
			return nil, &werrors.DecodingError{Reason: err.Error()}
		}
		ent, err := DecodeEntity(payload)
		if err != nil {
			return nil, err
		}
		store.ApplyEntity(ent)
	}

	factCount, err := d.Uint32("fact_count")
	if err != nil {
		return nil, &werrors.DecodingError{Reason: err.Error()}
	}
	for i := uint32(0); i < factCount; i++ {
		payload, err := d.Bytes32("fact")
		if err != nil {
			return nil, &werrors.DecodingError{Reason: err.Error()}
		}
		f, err := DecodeFact(payload)
		if err != nil {
			return nil, err
		}
		store.ApplyFact(f)
	}

	if err := d.Finish(); err != nil {
		return nil, &werrors.DecodingError{Reason: err.Error()}
	}
	return store, nil
}
