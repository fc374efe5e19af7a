package container

import (
	"fmt"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/fsio"
	"github.com/iosstud/wax/internal/werrors"
)

// Header is one of the two alternating header pages (spec.md §6.1: "magic |
// version | generation | footer_offset | reserved | checksum(32)").
//
// The wire format's "reserved" span is used to persist the WAL ring's
// checkpoint_pos/wrap_count/checkpoint_count alongside the generation they
// belong to. The footer only carries wal_committed_seq (a sequence number),
// which is not itself a ring byte offset; recording checkpoint_pos in the
// header's already-reserved bytes lets recovery resume the WAL ring at the
// exact position it left off without an O(ring size) sequence-number
// search on every open. This is documented as an Open Question resolution
// in DESIGN.md.
type Header struct {
	Generation         uint64
	FooterOffset       uint64
	WALCheckpointPos   uint32
	WALWrapCount       uint64
	WALCheckpointCount uint64
}

const (
	headerChecksumFieldSize = checksum.Size
	headerBodySize          = 4 /*magic*/ + 2 /*version*/ + 8 /*generation*/ + 8 /*footer_offset*/ +
		4 /*checkpoint_pos*/ + 8 /*wrap_count*/ + 8 /*checkpoint_count*/
)

func encodeHeaderPage(h Header) []byte {
	e := codec.NewEncoder(HeaderPageSize)
	e.PutBytes([]byte(MagicHeader))
	e.PutUint16(FormatVersion)
	e.PutUint64(h.Generation)
	e.PutUint64(h.FooterOffset)
	e.PutUint32(h.WALCheckpointPos)
	e.PutUint64(h.WALWrapCount)
	e.PutUint64(h.WALCheckpointCount)

	body := e.Bytes()
	sum := checksum.Sum256(body)

	page := make([]byte, HeaderPageSize)
	copy(page, body)
	copy(page[HeaderPageSize-headerChecksumFieldSize:], sum[:])
	return page
}

// decodeHeaderPage validates magic and checksum before returning a Header.
// A corrupt page (bad magic, bad checksum, or unsupported version) returns
// an InvalidFooterError-flavored error so the caller falls through to the
// sibling page, per spec.md §4.1's "if a header is corrupt, use the other".
func decodeHeaderPage(page []byte) (Header, error) {
	if len(page) != HeaderPageSize {
		return Header{}, &werrors.DecodingError{Reason: fmt.Sprintf(
			"header page: expected %d bytes, got %d", HeaderPageSize, len(page))}
	}

	body := page[:headerBodySize]
	wantSum := checksum.Sum256(body)
	var gotSum [checksum.Size]byte
	copy(gotSum[:], page[HeaderPageSize-headerChecksumFieldSize:])
	if wantSum != gotSum {
		return Header{}, &werrors.ChecksumMismatchError{Context: "header page"}
	}

	d := codec.NewDecoder(body)
	magic, err := d.Bytes("magic", 4)
	if err != nil {
		return Header{}, err
	}
	if string(magic) != MagicHeader {
		return Header{}, &werrors.DecodingError{Reason: "header page: bad magic"}
	}
	version, err := d.Uint16("version")
	if err != nil {
		return Header{}, err
	}
	if version != FormatVersion {
		return Header{}, &werrors.DecodingError{Reason: fmt.Sprintf("header page: unsupported version %d", version)}
	}

	var h Header
	if h.Generation, err = d.Uint64("generation"); err != nil {
		return Header{}, err
	}
	if h.FooterOffset, err = d.Uint64("footer_offset"); err != nil {
		return Header{}, err
	}
	if h.WALCheckpointPos, err = d.Uint32("wal_checkpoint_pos"); err != nil {
		return Header{}, err
	}
	if h.WALWrapCount, err = d.Uint64("wal_wrap_count"); err != nil {
		return Header{}, err
	}
	if h.WALCheckpointCount, err = d.Uint64("wal_checkpoint_count"); err != nil {
		return Header{}, err
	}
	return h, nil
}

// readHeaderPage reads and decodes the header page at the given file
// offset.
func readHeaderPage(f *fsio.File, offset int64) (Header, error) {
	buf := make([]byte, HeaderPageSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return Header{}, fmt.Errorf("container: read header page at %d: %w", offset, err)
	}
	return decodeHeaderPage(buf)
}

// writeHeaderPage encodes and fsyncs h at the given file offset.
func writeHeaderPage(f *fsio.File, offset int64, h Header) error {
	page := encodeHeaderPage(h)
	if _, err := f.WriteAt(page, offset); err != nil {
		return fmt.Errorf("container: write header page at %d: %w", offset, err)
	}
	return nil
}
