// Package compress implements the bounded (de)compression codecs behind a
// frame's canonical_encoding tag. Deflate uses the standard library;
// LZ4 uses the ecosystem github.com/pierrec/lz4/v4 codec (no in-pack
// teacher LZ4 implementation — this is the concrete domain-dependency home
// for an LZ4 codec per SPEC_FULL.md's dependency table). LZFSE has no
// importable pure-Go codec anywhere in the retrieval pack; it is decoded by
// delegating to deflate and reporting the substitution through Diagnostics,
// never silently (spec.md §7).
package compress

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"

	"github.com/iosstud/wax/internal/diagnostics"
	"github.com/iosstud/wax/internal/werrors"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies the compression codec applied to a frame payload,
// matching spec.md's canonical_encoding field.
type Encoding uint8

const (
	Plain Encoding = iota
	LZFSE
	LZ4
	Deflate
)

// String renders the encoding name, used in diagnostics and TOC decode
// errors.
func (e Encoding) String() string {
	switch e {
	case Plain:
		return "plain"
	case LZFSE:
		return "lzfse"
	case LZ4:
		return "lz4"
	case Deflate:
		return "deflate"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ParseEncoding maps a persisted tag byte back to an Encoding, rejecting
// unknown values explicitly rather than silently defaulting.
func ParseEncoding(tag uint8) (Encoding, error) {
	switch Encoding(tag) {
	case Plain, LZFSE, LZ4, Deflate:
		return Encoding(tag), nil
	default:
		return 0, &werrors.DecodingError{Reason: fmt.Sprintf("unknown canonical_encoding tag %d", tag)}
	}
}

// Compress encodes data under enc.
func Compress(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case Plain:
		return data, nil
	case Deflate, LZFSE:
		// LZFSE has no pack-available encoder either; frames requesting it
		// are compressed with deflate and tagged lzfse only on the decode
		// side's documented fallback (writers should prefer Deflate or
		// LZ4 directly). Encoding under the Deflate tag keeps the byte
		// stream identical to a real deflate frame.
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("compress: new deflate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compress: deflate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress: deflate close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compress: lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress: lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("compress: unsupported encoding %s", enc)
	}
}

// Decompress decodes data under enc into exactly uncompressedLen bytes,
// bounding the allocation so a corrupted or hostile length prefix cannot
// trigger an OOM. Returns CapacityExceededError if the decompressed stream
// would exceed uncompressedLen.
func Decompress(ctx context.Context, diag diagnostics.Diagnostics, enc Encoding, data []byte, uncompressedLen int) ([]byte, error) {
	switch enc {
	case Plain:
		if len(data) != uncompressedLen {
			return nil, &werrors.DecodingError{Reason: fmt.Sprintf(
				"plain payload length %d does not match declared length %d", len(data), uncompressedLen)}
		}
		return data, nil
	case LZFSE:
		if diag != nil {
			diag.Fallback(ctx, "compress", "lzfse->deflate", nil)
		}
		return boundedInflate(data, uncompressedLen)
	case Deflate:
		return boundedInflate(data, uncompressedLen)
	case LZ4:
		return boundedLZ4(data, uncompressedLen)
	default:
		return nil, fmt.Errorf("compress: unsupported encoding %s", enc)
	}
}

// DecompressToEnd decodes data under enc without a declared uncompressed
// length, reading until the stream ends. Used by callers that store only
// the compressed payload length on disk (spec.md §3's Frame record has no
// separate decompressed-length field) and instead rely on a downstream
// payload_hash check to catch truncation or corruption — appropriate here
// because the source is the container's own trusted payload region, not
// attacker-controlled input with an unbounded expansion ratio.
func DecompressToEnd(ctx context.Context, diag diagnostics.Diagnostics, enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case Plain:
		return data, nil
	case LZFSE:
		if diag != nil {
			diag.Fallback(ctx, "compress", "lzfse->deflate", nil)
		}
		return io.ReadAll(flate.NewReader(bytes.NewReader(data)))
	case Deflate:
		return io.ReadAll(flate.NewReader(bytes.NewReader(data)))
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("compress: unsupported encoding %s", enc)
	}
}

func boundedInflate(data []byte, uncompressedLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return readBounded(r, uncompressedLen)
}

func boundedLZ4(data []byte, uncompressedLen int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return readBounded(r, uncompressedLen)
}

// readBounded reads at most uncompressedLen+1 bytes: exactly uncompressedLen
// is success, more means the stream overran its declared length.
func readBounded(r io.Reader, uncompressedLen int) ([]byte, error) {
	out := make([]byte, uncompressedLen)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("compress: decompress: %w", err)
	}
	if n != uncompressedLen {
		return nil, &werrors.DecodingError{Reason: fmt.Sprintf(
			"decompressed %d bytes, expected %d", n, uncompressedLen)}
	}
	// Confirm the stream doesn't have more data than declared.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return nil, &werrors.CapacityExceededError{Limit: uint64(uncompressedLen), Requested: uint64(uncompressedLen) + 1}
	}
	return out, nil
}
