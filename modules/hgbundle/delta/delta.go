// Package delta implements the patch-application algorithm that turns a
// base revision buffer plus a list of (start, end, data) fragments into a
// new revision buffer.
package delta

import (
	"bytes"
	"fmt"
)

// Fragment is "replace bytes [Start, End) of the base buffer with Data".
type Fragment struct {
	Start uint32
	End   uint32
	Data  []byte
}

// Apply reconstructs a revision from base and fragments. Fragment starts
// must be non-decreasing and every End must be <= len(base); offsets
// always refer to base, never to the partially patched output.
func Apply(base []byte, fragments []Fragment) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(base))

	var cursor uint32
	for i, f := range fragments {
		if f.Start < cursor {
			return nil, fmt.Errorf("delta: fragment %d start %d precedes prior end %d", i, f.Start, cursor)
		}
		if int(f.End) > len(base) {
			return nil, fmt.Errorf("delta: fragment %d end %d exceeds base length %d", i, f.End, len(base))
		}
		out.Write(base[cursor:f.Start])
		out.Write(f.Data)
		cursor = f.End
	}
	out.Write(base[cursor:])
	return out.Bytes(), nil
}
