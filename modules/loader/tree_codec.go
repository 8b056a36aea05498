package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/manifest"
)

// treeCodec serializes a *manifest.Tree for the tree cache's spill file as
// a flat sequence of (path, perm, content id) records, since the tree
// itself is a pointer graph with no native byte form.
type treeCodec struct{}

func (treeCodec) Encode(t *manifest.Tree) ([]byte, error) {
	var buf bytes.Buffer
	for path, e := range t.Entries() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(path)))
		buf.Write(lenBuf[:])
		buf.WriteString(path)
		buf.WriteByte(byte(e.Perm))
		buf.Write(e.ContentID[:])
	}
	return buf.Bytes(), nil
}

func (treeCodec) Decode(b []byte) (*manifest.Tree, error) {
	t := manifest.Empty()
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("loader: truncated tree record")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(len(b)) < uint64(n)+1+20 {
			return nil, fmt.Errorf("loader: truncated tree record body")
		}
		path := string(b[:n])
		b = b[n:]
		perm := archive.Perm(b[0])
		b = b[1:]
		var id archive.Hash
		copy(id[:], b[:20])
		b = b[20:]
		t = t.AddBlob(path, id, perm)
	}
	return t, nil
}
