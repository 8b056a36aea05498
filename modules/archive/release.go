package archive

import (
	"bytes"
	"fmt"
)

// Encode renders a Release in the git annotated-tag text format, per
// modules/git/gitobj/tag.go and modules/git/tag.go's Decode grammar.
func (r *Release) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", r.Target)
	fmt.Fprintf(&buf, "type %s\n", r.TargetType)
	fmt.Fprintf(&buf, "tag %s\n", r.Name)
	return buf.Bytes()
}
