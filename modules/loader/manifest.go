package loader

import (
	"fmt"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgbundle"
	"github.com/softwareheritage/swhg/modules/hgbundle/delta"
	"github.com/softwareheritage/swhg/modules/hgnode"
	"github.com/softwareheritage/swhg/modules/manifest"
	"github.com/softwareheritage/swhg/modules/spillcache"
)

// byteCodec is the identity Codec used for spillcache.Cache[hgnode.ID,
// []byte]: the manifest-line buffers textCache holds are already flat
// byte slices.
type byteCodec struct{}

func (byteCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (byteCodec) Decode(b []byte) ([]byte, error) { out := make([]byte, len(b)); copy(out, b); return out, nil }

// manifestResult carries C7's manifest-reconstruction-loop outputs: the
// manifest-node-to-directory-id translation table revisions need, and the
// directories newly discovered this visit (Archive.DirectoriesMissing
// still dedupes against what's already stored).
type manifestResult struct {
	MManifest map[hgnode.ID]archive.Hash
	NewDirs   []*archive.Directory
}

// reconstructManifests runs §4.7's manifest reconstruction loop.
//
// The spec's single "tree cache" is realized here as two cooperating
// caches: textCache holds the raw hg-node-id-keyed manifest text each
// delta's patch fragments are chained against (structurally identical to
// the filelog content cache, since patch application is byte-level and
// the original text is keyed by node id, not content id); treeCache holds
// the content-id-translated persistent manifest.Tree (C5) used for
// bottom-up hashing and directory emission. A raw manifest line names a
// path's file revision by hg node id, which the tree never stores (it
// stores content ids), so the two caches cannot be collapsed into one
// without re-deriving one side from the other on every delta.
//
// A delta that cannot be resolved (missing basenode state, or a file path
// naming a filelog node that itself never reconstructed — see corrupt in
// catalogFilelogs) is recorded into corrupt and left out of both caches
// and mManifest, rather than aborting the pass: per §7 a corrupted
// manifest revision is recoverable, and every later delta chained on top
// of it will itself miss the cache lookups and skip in turn, cascading
// the corruption to descendants.
//
// refCounts (built by basenodeRefCounts) seeds both caches' hints before
// the loop starts, so the last delta to consume a given basenode evicts
// it from textCache/treeCache as a side effect of its own Get, instead of
// every reconstructed text/tree surviving in the cache for the rest of
// the visit.

// basenodeRefCounts counts, for every node this group's deltas name as a
// Basenode, how many descendants still depend on it resolving from the
// cache. This is the hint spillcache.Cache.SetHint needs to know when a
// cached text/tree buffer can be evicted the moment its last dependent
// delta has consumed it, rather than being retained for the rest of the
// visit.
//
// Grounded on _examples/original_source/swh/loader/mercurial/bundle20_loader.py's
// build_manifest_hints(), which walks the manifest group once up front for
// the same reason: to tell its cache how many times each node will still
// be read before it can be dropped.
func basenodeRefCounts(deltas []hgbundle.Delta) map[hgnode.ID]int {
	counts := make(map[hgnode.ID]int)
	for _, d := range deltas {
		if !d.Header.Basenode.IsNull() {
			counts[d.Header.Basenode]++
		}
	}
	return counts
}

func reconstructManifests(
	deltas []hgbundle.Delta,
	textCache *spillcache.Cache[hgnode.ID, []byte],
	treeCache *spillcache.Cache[hgnode.ID, *manifest.Tree],
	mBlob map[hgnode.ID]archive.Hash,
	reduceEffort map[hgnode.ID]bool,
	refCounts map[hgnode.ID]int,
) (*manifestResult, map[hgnode.ID]bool, error) {
	mManifest := make(map[hgnode.ID]archive.Hash)
	corrupt := make(map[hgnode.ID]bool)
	var newDirs []*archive.Directory

	for node, n := range refCounts {
		textCache.SetHint(node, n)
		treeCache.SetHint(node, n)
	}

	for _, d := range deltas {
		var baseText []byte
		var baseTree *manifest.Tree
		var bad bool

		if d.Header.Basenode.IsNull() {
			baseTree = manifest.Empty()
		} else if corrupt[d.Header.Basenode] {
			bad = true
		} else {
			text, ok, err := textCache.Get(d.Header.Basenode)
			if err != nil {
				return nil, nil, fmt.Errorf("loader: manifest text: %w", err)
			}
			tree, ok2, err := treeCache.Get(d.Header.Basenode)
			if err != nil {
				return nil, nil, fmt.Errorf("loader: manifest tree: %w", err)
			}
			if !ok || !ok2 {
				bad = true
			} else {
				baseText, baseTree = text, tree
			}
		}

		if bad {
			corrupt[d.Header.Node] = true
			continue
		}

		newText, err := delta.Apply(baseText, d.Fragments)
		if err != nil {
			corrupt[d.Header.Node] = true
			continue
		}

		baseEntries := map[string]manifestEntry{}
		if baseText != nil {
			baseEntries, err = parseManifestText(baseText)
			if err != nil {
				corrupt[d.Header.Node] = true
				continue
			}
		}
		nextEntries, err := parseManifestText(newText)
		if err != nil {
			corrupt[d.Header.Node] = true
			continue
		}
		added, removed := diffManifests(baseEntries, nextEntries)

		next := baseTree
		for path := range removed {
			next = next.RemoveTreeNodeForPath(path)
		}
		unresolved := false
		for path, e := range added {
			contentID, ok := mBlob[e.Node]
			if !ok {
				unresolved = true
				break
			}
			next = next.AddBlob(path, contentID, e.Perm)
		}
		if unresolved {
			corrupt[d.Header.Node] = true
			continue
		}

		if err := textCache.Put(d.Header.Node, newText, int64(len(newText))); err != nil {
			return nil, nil, fmt.Errorf("loader: manifest text: %w", err)
		}

		reduced := reduceEffort[d.Header.Linknode]
		if !reduced {
			dirID, dirs, err := next.Finalize()
			if err != nil {
				return nil, nil, err
			}
			mManifest[d.Header.Node] = dirID
			newDirs = append(newDirs, dirs...)
		}

		if err := treeCache.Put(d.Header.Node, next, int64(next.Size())); err != nil {
			return nil, nil, fmt.Errorf("loader: manifest tree: %w", err)
		}
	}

	return &manifestResult{MManifest: mManifest, NewDirs: newDirs}, corrupt, nil
}
