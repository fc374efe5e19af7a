package container

import (
	"fmt"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/werrors"
)

// encodeTOCBody serializes metas as a count-prefixed, self-delimited list
// (spec.md §3: "Ordered list of all frame metadata entries for a given
// generation... each record self-delimited").
func encodeTOCBody(metas []FrameMeta) []byte {
	e := codec.NewEncoder(64 * (len(metas) + 1))
	e.PutBytes([]byte(MagicTOC))
	e.PutUint32(uint32(len(metas)))
	for _, m := range metas {
		rec := encodeFrameMeta(m)
		e.PutUint32(uint32(len(rec)))
		e.PutBytes(rec)
	}
	return e.Bytes()
}

// tocChecksum computes the trailing 32-byte TOC checksum: SHA256(body || 32
// zero bytes), per spec.md §3.
func tocChecksum(body []byte) [checksum.Size]byte {
	return checksum.TOCChecksum(body)
}

// decodeTOCBody parses a TOC body (without its trailing checksum) into its
// frame metadata records.
func decodeTOCBody(body []byte) ([]FrameMeta, error) {
	d := codec.NewDecoder(body)
	magic, err := d.Bytes("magic", 4)
	if err != nil {
		return nil, &werrors.InvalidTOCError{Reason: err.Error()}
	}
	if string(magic) != MagicTOC {
		return nil, &werrors.InvalidTOCError{Reason: "bad magic"}
	}
	count, err := d.Uint32("count")
	if err != nil {
		return nil, &werrors.InvalidTOCError{Reason: err.Error()}
	}

	metas := make([]FrameMeta, 0, count)
	for i := uint32(0); i < count; i++ {
		recLen, err := d.Uint32(fmt.Sprintf("record[%d].len", i))
		if err != nil {
			return nil, &werrors.InvalidTOCError{Reason: err.Error()}
		}
		recBytes, err := d.Bytes(fmt.Sprintf("record[%d]", i), int(recLen))
		if err != nil {
			return nil, &werrors.InvalidTOCError{Reason: err.Error()}
		}
		rd := codec.NewDecoder(recBytes)
		meta, err := decodeFrameMeta(rd)
		if err != nil {
			return nil, &werrors.InvalidTOCError{Reason: fmt.Sprintf("record %d: %v", i, err)}
		}
		metas = append(metas, meta)
	}
	if err := d.Finish(); err != nil {
		return nil, &werrors.InvalidTOCError{Reason: err.Error()}
	}
	return metas, nil
}
