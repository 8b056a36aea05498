package archive

import (
	"bytes"
	"fmt"
	"sort"
)

// Encode renders a Snapshot as a sorted sequence of
// "<target_type> <name>\x00<target>\n" records so that the snapshot id is a
// pure function of the branches mapping, independent of insertion order.
func (s *Snapshot) Encode() []byte {
	branches := make([]Branch, len(s.Branches))
	copy(branches, s.Branches)
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })

	var buf bytes.Buffer
	for _, b := range branches {
		switch b.TargetType {
		case TargetAlias:
			fmt.Fprintf(&buf, "alias %s\x00%s\n", b.Name, b.TargetName)
		case TargetRelease:
			fmt.Fprintf(&buf, "release %s\x00%s\n", b.Name, b.Target)
		default:
			fmt.Fprintf(&buf, "revision %s\x00%s\n", b.Name, b.Target)
		}
	}
	return buf.Bytes()
}
