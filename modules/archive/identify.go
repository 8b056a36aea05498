package archive

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"
)

// Identify computes the canonical SHA-1 id of any Object:
// sha1("<kind> <len>\x00" + obj.Encode()), the framing git uses for loose
// objects, with <kind> being this package's Kind name ("content",
// "directory", ...) rather than git's type names.
func Identify(obj Object) Hash {
	body := obj.Encode()
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", obj.Kind(), len(body))
	h.Write(body)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// IdentifyContent computes a content's id over its raw bytes with
// Identify's "content <len>\x00" header; the result is not Git's blob id.
func IdentifyContent(data []byte) Hash {
	return Identify(&Content{Data: data})
}

// sortEntries returns entries in git's subtree ordering: byte-wise by name,
// with an implicit trailing '/' for tree entries, so a file "foo" sorts
// before "foo.txt" while a tree "foo" sorts after it.
func sortEntries(entries []DirectoryEntry) []DirectoryEntry {
	out := make([]DirectoryEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		return sortKey(out[i]) < sortKey(out[j])
	})
	return out
}

func sortKey(e DirectoryEntry) string {
	if e.IsTree {
		return e.Name + "/"
	}
	return e.Name
}

// Encode serializes a Directory as a sequence of
// "<mode> <name>\x00<20-byte-id>" records, git-tree style.
func (d *Directory) encode() []byte {
	var buf bytes.Buffer
	for _, e := range sortEntries(d.Entries) {
		mode := modeString(e)
		id := e.ContentID
		if e.IsTree {
			id = e.TreeID
		}
		fmt.Fprintf(&buf, "%s %s\x00", mode, e.Name)
		buf.Write(id[:])
	}
	return buf.Bytes()
}

func modeString(e DirectoryEntry) string {
	if e.IsTree {
		return "40000"
	}
	switch e.Perm {
	case PermExecutable:
		return "100755"
	case PermSymlink:
		return "120000"
	default:
		return "100644"
	}
}

// Encode implements Object.
func (d *Directory) Encode() []byte { return d.encode() }
