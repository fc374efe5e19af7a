package container

import "sort"

// sortStrings sorts ss in place. Metadata map keys are sorted before
// encoding so the same logical frame always serializes to identical bytes,
// keeping TOC checksums stable across commits that don't actually change
// the frame.
func sortStrings(ss []string) { sort.Strings(ss) }

// sortFrameMetasByID sorts ms in place by ascending id, matching the
// invariant that frame ids strictly increase in insertion order (spec.md
// §3), so a TOC always lists frames in a stable, deterministic order.
func sortFrameMetasByID(ms []FrameMeta) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}
