// Package container implements the Wax on-disk `.mv2s` format: dual header
// pages, a WAL ring, an append-only frame payload region, and a TOC+footer
// pair establishing each committed generation. Grounded on the teacher's
// internal/storage/manager package for the "a manager bridges the WAL with
// durable storage" shape (manager.go/wal_manager.go: apply WAL records into
// an in-memory table, then flush), and on writer.SaveTable/SaveDatabase for
// the *style* of a multi-step durable write (fsync, then rename/swap,
// logged via slog.Info on success) — generalized here from temp-file-plus-
// rename (per-table JSON files) to the header-page-alternation protocol a
// single growing binary file requires (spec.md §4.1).
package container

// Magic values identify each fixed-format structure on disk, per spec.md
// §6.1. All multi-byte integers are little-endian (internal/codec.ByteOrder,
// used throughout header.go/footer.go/toc.go/frame.go's encode/decode).
const (
	MagicHeader = "MV2H"
	MagicFooter = "MV2F"
	MagicTOC    = "MV2T"
)

// FormatVersion is the on-disk format version written into every header and
// footer.
const FormatVersion uint16 = 1

// HeaderPageSize is the fixed size of each of the two alternating header
// pages. It comfortably fits the header fields plus the reserved WAL
// checkpoint bookkeeping (see header.go) with room to spare for future
// fields without a format break.
const HeaderPageSize = 4096

// Geometry describes the fixed regions of a container file that don't move
// across commits: two header pages followed by a fixed-size WAL ring. Frame
// payloads, and eventually TOC+footer, are appended after this prefix.
type Geometry struct {
	WALSize uint32
}

// HeaderAOffset and HeaderBOffset are the two alternating header page
// positions (spec.md §6.1: "Header page: ... at file offsets 0 and H").
func (g Geometry) HeaderAOffset() int64 { return 0 }
func (g Geometry) HeaderBOffset() int64 { return HeaderPageSize }

// WALOffset is the start of the WAL ring, immediately after both header
// pages ("2H" in spec.md's offset table).
func (g Geometry) WALOffset() int64 { return 2 * HeaderPageSize }

// PayloadRegionOffset is the start of the frame-payload region, immediately
// after the WAL ring.
func (g Geometry) PayloadRegionOffset() int64 { return g.WALOffset() + int64(g.WALSize) }

func init() {
	// Guard against silent drift between this package's magic constants and
	// the codec's fixed 4-byte magic field width.
	for _, m := range []string{MagicHeader, MagicFooter, MagicTOC} {
		if len(m) != 4 {
			panic("container: magic value must be exactly 4 bytes: " + m)
		}
	}
}
