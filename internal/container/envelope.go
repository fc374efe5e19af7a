package container

import (
	"fmt"

	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/werrors"
)

// MutationKind identifies the structured mutation carried by a WAL record's
// payload (spec.md §4.3: "Append a WAL record carrying a structured
// mutation envelope"). The catalog spans every subsystem that stages
// mutations through the session/commit path, not just frames — textindex,
// vectorindex, and structured all reuse this envelope rather than inventing
// their own WAL payload framing.
type MutationKind uint8

const (
	MutationFrameInsert MutationKind = iota + 1
	MutationFrameSupersede
	MutationFrameDelete
	MutationTextIndexStage
	MutationVecIndexStage
	MutationFactAssert
	MutationFactRetract
	MutationEntityUpsert
)

func (k MutationKind) String() string {
	switch k {
	case MutationFrameInsert:
		return "frame_insert"
	case MutationFrameSupersede:
		return "frame_supersede"
	case MutationFrameDelete:
		return "frame_delete"
	case MutationTextIndexStage:
		return "text_index_stage"
	case MutationVecIndexStage:
		return "vec_index_stage"
	case MutationFactAssert:
		return "fact_assert"
	case MutationFactRetract:
		return "fact_retract"
	case MutationEntityUpsert:
		return "entity_upsert"
	default:
		return fmt.Sprintf("mutation(%d)", uint8(k))
	}
}

// Envelope is the generic WAL record payload: a mutation kind tag plus its
// kind-specific encoded body. The WAL package itself stores and scans
// envelopes as opaque bytes; only the container/session layer interprets
// them.
type Envelope struct {
	Kind    MutationKind
	Payload []byte
}

// EncodeEnvelope serializes e for WAL append.
func EncodeEnvelope(e Envelope) []byte {
	enc := codec.NewEncoder(len(e.Payload) + 5)
	enc.PutUint8(uint8(e.Kind))
	enc.PutBytes32(e.Payload)
	return enc.Bytes()
}

// DecodeEnvelope parses a WAL record payload back into an Envelope.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	d := codec.NewDecoder(buf)
	kind, err := d.Uint8("kind")
	if err != nil {
		return Envelope{}, &werrors.DecodingError{Reason: err.Error()}
	}
	payload, err := d.Bytes32("payload")
	if err != nil {
		return Envelope{}, &werrors.DecodingError{Reason: err.Error()}
	}
	return Envelope{Kind: MutationKind(kind), Payload: payload}, nil
}

// EncodeFrameInsert builds the FrameInsert envelope payload for meta.
func EncodeFrameInsert(meta FrameMeta) []byte { return encodeFrameMeta(meta) }

// DecodeFrameInsert parses a FrameInsert envelope payload.
func DecodeFrameInsert(payload []byte) (FrameMeta, error) {
	return decodeFrameMeta(codec.NewDecoder(payload))
}

// FrameSupersedeRecord names the old frame being superseded and the new
// frame superseding it.
type FrameSupersedeRecord struct {
	OldID uint64
	NewID uint64
}

// EncodeFrameSupersede builds the FrameSupersede envelope payload.
func EncodeFrameSupersede(r FrameSupersedeRecord) []byte {
	e := codec.NewEncoder(16)
	e.PutUint64(r.OldID)
	e.PutUint64(r.NewID)
	return e.Bytes()
}

// DecodeFrameSupersede parses a FrameSupersede envelope payload.
func DecodeFrameSupersede(payload []byte) (FrameSupersedeRecord, error) {
	d := codec.NewDecoder(payload)
	var r FrameSupersedeRecord
	var err error
	if r.OldID, err = d.Uint64("old_id"); err != nil {
		return FrameSupersedeRecord{}, err
	}
	if r.NewID, err = d.Uint64("new_id"); err != nil {
		return FrameSupersedeRecord{}, err
	}
	return r, nil
}

// EncodeFrameDelete builds the FrameDelete envelope payload.
func EncodeFrameDelete(id uint64) []byte {
	e := codec.NewEncoder(8)
	e.PutUint64(id)
	return e.Bytes()
}

// DecodeFrameDelete parses a FrameDelete envelope payload.
func DecodeFrameDelete(payload []byte) (uint64, error) {
	d := codec.NewDecoder(payload)
	return d.Uint64("id")
}
