// Package waxfile exposes the on-disk `.mv2s` container format's public
// constants — the pieces an external tool (a recovery utility, a format
// inspector) needs without reaching into internal/container, which Go's
// internal/ visibility rules keep out of reach from outside this module.
// Grounded on the teacher's exposing internal/domain's wire-visible
// constants (table/row magic bytes) through its public entry points rather
// than duplicating format knowledge ad hoc in every consumer.
package waxfile

// Extension is the conventional file extension for a Wax container.
const Extension = ".mv2s"

// Magic values identify each fixed-format structure on disk, mirrored from
// internal/container's MagicHeader/MagicFooter/MagicTOC. All multi-byte
// integers in the format are little-endian.
const (
	MagicHeader = "MV2H"
	MagicFooter = "MV2F"
	MagicTOC    = "MV2T"
)

// FormatVersion is the on-disk format version written into every header and
// footer page.
const FormatVersion uint16 = 1

// HeaderPageSize is the fixed size of each of the two alternating header
// pages at the start of a container file.
const HeaderPageSize = 4096

// Offsets mirrors container.Geometry's fixed layout for a given WAL ring
// size, without requiring a dependency on the internal container package.
type Offsets struct {
	WALSize uint32
}

// HeaderA and HeaderB are the two alternating header page offsets.
func (o Offsets) HeaderA() int64 { return 0 }
func (o Offsets) HeaderB() int64 { return HeaderPageSize }

// WAL is the start of the WAL ring, immediately after both header pages.
func (o Offsets) WAL() int64 { return 2 * HeaderPageSize }

// PayloadRegion is the start of the frame-payload region, immediately after
// the WAL ring.
func (o Offsets) PayloadRegion() int64 { return o.WAL() + int64(o.WALSize) }
