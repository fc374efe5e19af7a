package container

import (
	"fmt"

	"github.com/iosstud/wax/internal/checksum"
	"github.com/iosstud/wax/internal/codec"
	"github.com/iosstud/wax/internal/fsio"
	"github.com/iosstud/wax/internal/werrors"
)

// Footer is the fixed-size record placed immediately after the TOC for a
// committed generation (spec.md §3/§6.1).
type Footer struct {
	Generation      uint64
	TOCLen          uint64
	TOCHash         [checksum.Size]byte
	WALCommittedSeq uint64
}

// FooterSize is the on-disk size of an encoded Footer: magic(4) +
// version(2) + generation(8) + toc_len(8) + toc_hash(32) +
// wal_committed_seq(8).
const FooterSize = 4 + 2 + 8 + 8 + checksum.Size + 8

func encodeFooter(f Footer) []byte {
	e := codec.NewEncoder(FooterSize)
	e.PutBytes([]byte(MagicFooter))
	e.PutUint16(FormatVersion)
	e.PutUint64(f.Generation)
	e.PutUint64(f.TOCLen)
	e.PutBytes(f.TOCHash[:])
	e.PutUint64(f.WALCommittedSeq)
	return e.Bytes()
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, &werrors.InvalidFooterError{Reason: fmt.Sprintf(
			"expected %d bytes, got %d", FooterSize, len(buf))}
	}
	d := codec.NewDecoder(buf)
	magic, err := d.Bytes("magic", 4)
	if err != nil {
		return Footer{}, &werrors.InvalidFooterError{Reason: err.Error()}
	}
	if string(magic) != MagicFooter {
		return Footer{}, &werrors.InvalidFooterError{Reason: "bad magic"}
	}
	version, err := d.Uint16("version")
	if err != nil {
		return Footer{}, &werrors.InvalidFooterError{Reason: err.Error()}
	}
	if version != FormatVersion {
		return Footer{}, &werrors.InvalidFooterError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	var f Footer
	if f.Generation, err = d.Uint64("generation"); err != nil {
		return Footer{}, &werrors.InvalidFooterError{Reason: err.Error()}
	}
	if f.TOCLen, err = d.Uint64("toc_len"); err != nil {
		return Footer{}, &werrors.InvalidFooterError{Reason: err.Error()}
	}
	hash, err := d.Bytes("toc_hash", checksum.Size)
	if err != nil {
		return Footer{}, &werrors.InvalidFooterError{Reason: err.Error()}
	}
	copy(f.TOCHash[:], hash)
	if f.WALCommittedSeq, err = d.Uint64("wal_committed_seq"); err != nil {
		return Footer{}, &werrors.InvalidFooterError{Reason: err.Error()}
	}
	return f, nil
}

// readFooter reads and decodes the footer at the given file offset.
func readFooter(f *fsio.File, offset int64) (Footer, error) {
	buf := make([]byte, FooterSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return Footer{}, fmt.Errorf("container: read footer at %d: %w", offset, err)
	}
	return decodeFooter(buf)
}
