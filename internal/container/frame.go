package container

import (
	"fmt"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/compress"
	"github.com/iosstud/wax/internal/werrors"
)

// Role classifies a frame's place in the document/chunk hierarchy.
type Role uint8

const (
	RoleDocument Role = iota
	RoleChunk
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleDocument:
		return "document"
	case RoleChunk:
		return "chunk"
	case RoleSystem:
		return "system"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Status is a frame's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota
	StatusDeleted
)

func (s Status) String() string {
	if s == StatusDeleted {
		return "deleted"
	}
	return "active"
}

// FrameMeta is a content-addressed frame's metadata record — everything the
// TOC persists about a frame except the payload bytes themselves
// (spec.md §3).
type FrameMeta struct {
	ID                uint64
	TimestampMs       int64
	Role              Role
	Kind              string
	ParentID          *uint64
	ChunkIndex        *uint32
	ChunkCount        *uint32
	Status            Status
	SupersededBy      *uint64
	CanonicalEncoding compress.Encoding
	PayloadOffset     uint64
	PayloadLength     uint64
	PayloadHash       [checksum.Size]byte
	SearchText        string
	Labels            []string
	Tags              []string
	Metadata          map[string]string
}

// IsLive reports whether m belongs to the live set: active and not
// superseded (spec.md §3 invariant: "A deleted frame retains its TOC entry
// but is excluded from live-set queries").
func (m FrameMeta) IsLive() bool {
	return m.Status == StatusActive && m.SupersededBy == nil
}

func encodeFrameMeta(m FrameMeta) []byte {
	e := codec.NewEncoder(256)
	e.PutUint64(m.ID)
	e.PutInt64(m.TimestampMs)
	e.PutUint8(uint8(m.Role))
	e.PutString16(m.Kind)
	putOptionalUint64(e, m.ParentID)
	putOptionalUint32(e, m.ChunkIndex)
	putOptionalUint32(e, m.ChunkCount)
	e.PutUint8(uint8(m.Status))
	putOptionalUint64(e, m.SupersededBy)
	e.PutUint8(uint8(m.CanonicalEncoding))
	e.PutUint64(m.PayloadOffset)
	e.PutUint64(m.PayloadLength)
	e.PutBytes(m.PayloadHash[:])
	putOptionalString(e, m.SearchText)
	e.PutStringList16(m.Labels)
	e.PutStringList16(m.Tags)
	putStringMap(e, m.Metadata)
	return e.Bytes()
}

func decodeFrameMeta(d *codec.Decoder) (FrameMeta, error) {
	var m FrameMeta
	var err error

	if m.ID, err = d.Uint64("id"); err != nil {
		return FrameMeta{}, err
	}
	if m.TimestampMs, err = d.Int64("timestamp_ms"); err != nil {
		return FrameMeta{}, err
	}
	role, err := d.Uint8("role")
	if err != nil {
		return FrameMeta{}, err
	}
	m.Role = Role(role)
	if m.Kind, err = d.String16("kind"); err != nil {
		return FrameMeta{}, err
	}
	if m.ParentID, err = getOptionalUint64(d, "parent_id"); err != nil {
		return FrameMeta{}, err
	}
	if m.ChunkIndex, err = getOptionalUint32(d, "chunk_index"); err != nil {
		return FrameMeta{}, err
	}
	if m.ChunkCount, err = getOptionalUint32(d, "chunk_count"); err != nil {
		return FrameMeta{}, err
	}
	status, err := d.Uint8("status")
	if err != nil {
		return FrameMeta{}, err
	}
	m.Status = Status(status)
	if m.SupersededBy, err = getOptionalUint64(d, "superseded_by"); err != nil {
		return FrameMeta{}, err
	}
	enc, err := d.Uint8("canonical_encoding")
	if err != nil {
		return FrameMeta{}, err
	}
	if m.CanonicalEncoding, err = compress.ParseEncoding(enc); err != nil {
		return FrameMeta{}, err
	}
	if m.PayloadOffset, err = d.Uint64("payload_offset"); err != nil {
		return FrameMeta{}, err
	}
	if m.PayloadLength, err = d.Uint64("payload_length"); err != nil {
		return FrameMeta{}, err
	}
	hash, err := d.Bytes("payload_hash", checksum.Size)
	if err != nil {
		return FrameMeta{}, err
	}
	copy(m.PayloadHash[:], hash)
	if m.SearchText, err = getOptionalString(d, "search_text"); err != nil {
		return FrameMeta{}, err
	}
	if m.Labels, err = d.StringList16("labels"); err != nil {
		return FrameMeta{}, err
	}
	if m.Tags, err = d.StringList16("tags"); err != nil {
		return FrameMeta{}, err
	}
	if m.Metadata, err = getStringMap(d, "metadata"); err != nil {
		return FrameMeta{}, err
	}

	if m.ChunkIndex != nil && m.ChunkCount != nil && *m.ChunkIndex >= *m.ChunkCount {
		return FrameMeta{}, &werrors.DecodingError{Reason: fmt.Sprintf(
			"frame %d: chunk_index %d >= chunk_count %d", m.ID, *m.ChunkIndex, *m.ChunkCount)}
	}
	return m, nil
}

func putOptionalUint64(e *codec.Encoder, v *uint64) {
	if v == nil {
		e.PutUint8(0)
		e.PutUint64(0)
		return
	}
	e.PutUint8(1)
	e.PutUint64(*v)
}

func getOptionalUint64(d *codec.Decoder, field string) (*uint64, error) {
	present, err := d.Uint8(field + ".present")
	if err != nil {
		return nil, err
	}
	v, err := d.Uint64(field)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	return &v, nil
}

func putOptionalUint32(e *codec.Encoder, v *uint32) {
	if v == nil {
		e.PutUint8(0)
		e.PutUint32(0)
		return
	}
	e.PutUint8(1)
	e.PutUint32(*v)
}

func getOptionalUint32(d *codec.Decoder, field string) (*uint32, error) {
	present, err := d.Uint8(field + ".present")
	if err != nil {
		return nil, err
	}
	v, err := d.Uint32(field)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	return &v, nil
}

func putOptionalString(e *codec.Encoder, s string) {
	if s == "" {
		e.PutUint8(0)
		e.PutString32("")
		return
	}
	e.PutUint8(1)
	e.PutString32(s)
}

func getOptionalString(d *codec.Decoder, field string) (string, error) {
	present, err := d.Uint8(field + ".present")
	if err != nil {
		return "", err
	}
	s, err := d.String32(field)
	if err != nil {
		return "", err
	}
	if present == 0 {
		return "", nil
	}
	return s, nil
}

func putStringMap(e *codec.Encoder, m map[string]string) {
	e.PutUint32(uint32(len(m)))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		e.PutString16(k)
		e.PutString16(m[k])
	}
}

func getStringMap(d *codec.Decoder, field string) (map[string]string, error) {
	n, err := d.Uint32(field + ".count")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := d.String16(fmt.Sprintf("%s.key[%d]", field, i))
		if err != nil {
			return nil, err
		}
		v, err := d.String16(fmt.Sprintf("%s.value[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
