package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgbundle"
	"github.com/softwareheritage/swhg/modules/hgnode"
	"github.com/softwareheritage/swhg/modules/manifest"
	"github.com/softwareheritage/swhg/modules/spillcache"
)

func manifestLine(path string, n hgnode.ID) string {
	return path + "\x00" + n.String() + "\n"
}

func newManifestCaches(t *testing.T) (*spillcache.Cache[hgnode.ID, []byte], *spillcache.Cache[hgnode.ID, *manifest.Tree]) {
	t.Helper()
	text, err := spillcache.New[hgnode.ID, []byte](
		spillcache.Config{MaxCost: 1 << 20, SpillPath: t.TempDir() + "/text.cache"}, byteCodec{})
	require.NoError(t, err)
	t.Cleanup(func() { text.Close() })

	tree, err := spillcache.New[hgnode.ID, *manifest.Tree](
		spillcache.Config{MaxCost: 1 << 20, SpillPath: t.TempDir() + "/tree.cache"}, treeCodec{})
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })

	return text, tree
}

func TestReconstructManifestsBasic(t *testing.T) {
	textCache, treeCache := newManifestCaches(t)

	fileNode := node(1)
	line := manifestLine("a.txt", fileNode)
	mBlob := map[hgnode.ID]archive.Hash{fileNode: hash(0xaa)}

	deltas := []hgbundle.Delta{
		{
			Header:    hgbundle.DeltaHeader{Node: node(10), Linknode: node(100)},
			Fragments: fullReplace(nil, []byte(line)),
		},
	}

	res, corrupt, err := reconstructManifests(deltas, textCache, treeCache, mBlob, nil, basenodeRefCounts(deltas))
	require.NoError(t, err)
	assert.Empty(t, corrupt)
	require.Contains(t, res.MManifest, node(10))
	require.NotEmpty(t, res.NewDirs)
}

func TestReconstructManifestsSkipsUnresolvedFilelogNode(t *testing.T) {
	textCache, treeCache := newManifestCaches(t)

	line := manifestLine("a.txt", node(1))
	deltas := []hgbundle.Delta{
		{
			Header:    hgbundle.DeltaHeader{Node: node(10)},
			Fragments: fullReplace(nil, []byte(line)),
		},
	}

	// mBlob never recorded node(1): the filelog reconstruction for this
	// path must have failed, so the manifest delta referencing it is
	// itself corrupt.
	res, corrupt, err := reconstructManifests(deltas, textCache, treeCache, map[hgnode.ID]archive.Hash{}, nil, basenodeRefCounts(deltas))
	require.NoError(t, err)
	assert.True(t, corrupt[node(10)])
	assert.Empty(t, res.MManifest)
}

func TestReconstructManifestsReduceEffortSkipsFinalize(t *testing.T) {
	textCache, treeCache := newManifestCaches(t)
	fileNode := node(1)
	line := manifestLine("a.txt", fileNode)
	mBlob := map[hgnode.ID]archive.Hash{fileNode: hash(0xaa)}

	deltas := []hgbundle.Delta{
		{
			Header:    hgbundle.DeltaHeader{Node: node(10), Linknode: node(100)},
			Fragments: fullReplace(nil, []byte(line)),
		},
	}

	res, corrupt, err := reconstructManifests(deltas, textCache, treeCache, mBlob, map[hgnode.ID]bool{node(100): true}, basenodeRefCounts(deltas))
	require.NoError(t, err)
	assert.Empty(t, corrupt)
	assert.NotContains(t, res.MManifest, node(10))
	assert.Empty(t, res.NewDirs)

	// the tree itself is still cached for chain continuity.
	_, ok, err := treeCache.Get(node(10))
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestReconstructManifestsEvictsExhaustedBasenode checks that once a
// basenode's only dependent delta has resolved against it, its cached text
// and tree are evicted rather than retained for the rest of the visit.
func TestReconstructManifestsEvictsExhaustedBasenode(t *testing.T) {
	textCache, treeCache := newManifestCaches(t)
	fileNode1 := node(1)
	fileNode2 := node(2)
	base := manifestLine("a.txt", fileNode1)
	mBlob := map[hgnode.ID]archive.Hash{fileNode1: hash(0xaa), fileNode2: hash(0xbb)}

	deltas := []hgbundle.Delta{
		{
			Header:    hgbundle.DeltaHeader{Node: node(10), Linknode: node(100)},
			Fragments: fullReplace(nil, []byte(base)),
		},
		{
			Header:    hgbundle.DeltaHeader{Node: node(11), Basenode: node(10), Linknode: node(101)},
			Fragments: fullReplace([]byte(base), []byte(manifestLine("a.txt", fileNode2))),
		},
	}

	res, corrupt, err := reconstructManifests(deltas, textCache, treeCache, mBlob, nil, basenodeRefCounts(deltas))
	require.NoError(t, err)
	assert.Empty(t, corrupt)
	require.Contains(t, res.MManifest, node(11))

	// node(10) was the only basenode anyone referenced, and exactly one
	// delta (node 11) consumed it: its cache entry must be gone now.
	_, ok, err := textCache.Get(node(10))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = treeCache.Get(node(10))
	require.NoError(t, err)
	assert.False(t, ok)
}
