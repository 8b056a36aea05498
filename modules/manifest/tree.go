// Package manifest reconstructs Mercurial manifests as persistent
// directory trees, structurally shared between revisions and
// incrementally re-hashed bottom-up as paths are added or removed.
//
// Grounded on modules/zeta/object/tree.go's TreeEntry/SubtreeOrder model,
// adapted from a single flat-entries tree into a nested, copy-on-write
// persistent tree (Mercurial manifests name files by full path, so each
// path segment becomes a Directory level, unlike the teacher's git tree
// which is already one level per object).
package manifest

import (
	"strings"

	"github.com/softwareheritage/swhg/modules/archive"
)

// node is one level of the tree. Mutation always copies node (and every
// ancestor on the path to the mutation) rather than modifying in place, so
// a *node reachable from an older Tree's root never has its entries changed
// underfoot; Finalize does fill in hash and clear dirty in place.
type node struct {
	files    map[string]fileEntry
	children map[string]*node

	hash  archive.Hash
	dirty bool // hash stale; recomputed and emitted on the next Finalize
}

type fileEntry struct {
	contentID archive.Hash
	perm      archive.Perm
}

func newNode() *node {
	return &node{
		files:    make(map[string]fileEntry),
		children: make(map[string]*node),
		dirty:    true,
	}
}

// clone returns a shallow copy of n: fresh top-level maps, but map values
// (child *node pointers, fileEntry structs) are shared until something
// beneath them is itself cloned.
func (n *node) clone() *node {
	c := &node{
		files:    make(map[string]fileEntry, len(n.files)),
		children: make(map[string]*node, len(n.children)),
		hash:     n.hash,
		dirty:    n.dirty,
	}
	for k, v := range n.files {
		c.files[k] = v
	}
	for k, v := range n.children {
		c.children[k] = v
	}
	return c
}

// Tree is an immutable snapshot of a manifest. The zero value is not
// usable; use Empty().
type Tree struct {
	root *node
}

// Empty returns the tree with no entries.
func Empty() *Tree {
	return &Tree{root: newNode()}
}

func splitPath(path string) []string {
	return strings.Split(path, "/")
}

// AddBlob returns a new Tree with path bound to contentID/perm, sharing
// every subtree not on path's root-to-leaf chain with the receiver.
func (t *Tree) AddBlob(path string, contentID archive.Hash, perm archive.Perm) *Tree {
	segs := splitPath(path)
	newRoot := t.root.clone()
	cur := newRoot
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.children[seg]
		if !ok {
			child = newNode()
		} else {
			child = child.clone()
		}
		cur.children[seg] = child
		cur.dirty = true
		cur = child
	}
	leaf := segs[len(segs)-1]
	cur.files[leaf] = fileEntry{contentID: contentID, perm: perm}
	delete(cur.children, leaf) // a path can't be both a file and a directory
	cur.dirty = true
	return &Tree{root: newRoot}
}

// RemoveTreeNodeForPath returns a new Tree with path (file or subtree)
// removed. Removing a path that does not exist is a no-op.
func (t *Tree) RemoveTreeNodeForPath(path string) *Tree {
	segs := splitPath(path)
	newRoot := t.root.clone()
	stack := []*node{newRoot}
	cur := newRoot
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.children[seg]
		if !ok {
			return &Tree{root: newRoot} // path doesn't exist, nothing to do
		}
		child = child.clone()
		cur.children[seg] = child
		cur = child
		stack = append(stack, cur)
	}
	leaf := segs[len(segs)-1]
	if _, ok := cur.files[leaf]; ok {
		delete(cur.files, leaf)
	} else {
		delete(cur.children, leaf)
	}
	for _, n := range stack {
		n.dirty = true
	}
	return &Tree{root: newRoot}
}

// Size returns the number of file entries reachable from the tree.
func (t *Tree) Size() int {
	return countFiles(t.root)
}

func countFiles(n *node) int {
	total := len(n.files)
	for _, c := range n.children {
		total += countFiles(c)
	}
	return total
}

// Entry is a file binding returned by Entries.
type Entry struct {
	ContentID archive.Hash
	Perm      archive.Perm
}

// Entries flattens the tree into a full path -> binding map. Used by
// callers (e.g. the spill cache's Codec) that need to serialize a whole
// Tree rather than rely on structural sharing.
func (t *Tree) Entries() map[string]Entry {
	out := make(map[string]Entry)
	collectEntries(t.root, "", out)
	return out
}

func collectEntries(n *node, prefix string, out map[string]Entry) {
	for name, f := range n.files {
		out[prefix+name] = Entry{ContentID: f.contentID, Perm: f.perm}
	}
	for name, child := range n.children {
		collectEntries(child, prefix+name+"/", out)
	}
}

// Finalize recomputes the hash of every node whose subtree changed since
// it was last finalized, bottom-up, and returns the root hash plus every
// newly-hashed Directory object the caller must persist (hash_changed:
// unchanged subtrees are never re-emitted, so an incremental visit that
// touches a handful of files only produces directories along those
// root-to-leaf paths).
func (t *Tree) Finalize() (archive.Hash, []*archive.Directory, error) {
	var emitted []*archive.Directory
	hash := finalizeNode(t.root, &emitted)
	return hash, emitted, nil
}

func finalizeNode(n *node, emitted *[]*archive.Directory) archive.Hash {
	if !n.dirty {
		return n.hash
	}

	entries := make([]archive.DirectoryEntry, 0, len(n.files)+len(n.children))
	for name, f := range n.files {
		entries = append(entries, archive.DirectoryEntry{Name: name, Perm: f.perm, ContentID: f.contentID})
	}
	for name, child := range n.children {
		childHash := finalizeNode(child, emitted)
		entries = append(entries, archive.DirectoryEntry{Name: name, TreeID: childHash, IsTree: true})
	}

	// Directory.Encode sorts entries into git subtree order itself.
	dir := &archive.Directory{Entries: entries}
	dir.ID = archive.Identify(dir)
	n.hash = dir.ID
	n.dirty = false
	*emitted = append(*emitted, dir)
	return n.hash
}
