// Package hgnode implements Mercurial's 20-byte revision identifier.
package hgnode

import (
	"encoding/hex"
	"fmt"
)

const Size = 20

// ID is a Mercurial node id: the revision identifier Mercurial computes
// over a revision's content and parent graph. It is distinct from an
// archive content-addressed id even though both happen to be 20 bytes.
type ID [Size]byte

// Null is the sentinel "no parent" / "empty manifest" node id.
var Null ID

func (n ID) IsNull() bool {
	return n == Null
}

func (n ID) String() string {
	return hex.EncodeToString(n[:])
}

func (n ID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *ID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != Size {
		return fmt.Errorf("hgnode: %q is not a %d-byte node id", text, Size)
	}
	copy(n[:], b)
	return nil
}

// New decodes a 40-hex string into a node id.
func New(hexStr string) (ID, error) {
	var n ID
	if len(hexStr) != Size*2 {
		return n, fmt.Errorf("hgnode: %q is not %d hex characters", hexStr, Size*2)
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return n, fmt.Errorf("hgnode: %q: %w", hexStr, err)
	}
	copy(n[:], b)
	return n, nil
}

// FromBytes copies a raw 20-byte slice into a node id.
func FromBytes(b []byte) (ID, error) {
	var n ID
	if len(b) != Size {
		return n, fmt.Errorf("hgnode: expected %d raw bytes, got %d", Size, len(b))
	}
	copy(n[:], b)
	return n, nil
}
