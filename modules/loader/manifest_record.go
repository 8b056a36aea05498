package loader

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// manifestEntry is one path's binding in a decoded manifest: the hg node
// id of the file revision at that path, plus its flags.
type manifestEntry struct {
	Node hgnode.ID
	Perm archive.Perm
}

// parseManifestText decodes a reconstructed manifest buffer: newline
// separated "path\x00nodeflags" records, nodeflags being 40 hex digits
// optionally suffixed by 'l' (symlink) or 'x' (executable).
func parseManifestText(buf []byte) (map[string]manifestEntry, error) {
	out := make(map[string]manifestEntry)
	for _, line := range bytes.Split(buf, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		path, rest, ok := bytes.Cut(line, []byte{0})
		if !ok {
			return nil, fmt.Errorf("loader: manifest line missing NUL separator")
		}
		nodeHex := string(rest)
		perm := archive.PermRegular
		if strings.HasSuffix(nodeHex, "l") {
			perm = archive.PermSymlink
			nodeHex = nodeHex[:len(nodeHex)-1]
		} else if strings.HasSuffix(nodeHex, "x") {
			perm = archive.PermExecutable
			nodeHex = nodeHex[:len(nodeHex)-1]
		}
		node, err := hgnode.New(nodeHex)
		if err != nil {
			return nil, fmt.Errorf("loader: manifest entry %q: %w", path, err)
		}
		out[string(path)] = manifestEntry{Node: node, Perm: perm}
	}
	return out, nil
}

// diffManifests computes added/removed path sets between a base and a new
// manifest snapshot: paths present in next but absent, or bound to a
// different node/perm, in base are "added"; paths present in base but
// absent from next are "removed".
func diffManifests(base, next map[string]manifestEntry) (added, removed map[string]manifestEntry) {
	added = make(map[string]manifestEntry)
	removed = make(map[string]manifestEntry)
	for path, e := range next {
		if old, ok := base[path]; !ok || old != e {
			added[path] = e
		}
	}
	for path := range base {
		if _, ok := next[path]; !ok {
			removed[path] = base[path]
		}
	}
	return added, removed
}
