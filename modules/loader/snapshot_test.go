package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgbundle"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

func revFor(n byte) *archive.Revision {
	r := &archive.Revision{AuthorName: string(rune('a' + n))}
	r.ID = archive.Identify(r)
	return r
}

func TestBuildSnapshotSingleOpenHead(t *testing.T) {
	cs := changesetRecord{Header: hgbundle.DeltaHeader{Node: node(1)}, CS: changeset{}}
	mRevision := map[hgnode.ID]*archive.Revision{node(1): revFor(1)}

	snap := buildSnapshot([]changesetRecord{cs}, mRevision, nil, nil)

	names := branchNames(snap)
	assert.Contains(t, names, "branch-tip/default")
	assert.NotContains(t, names, "branch-heads/default/0")
	assert.Contains(t, names, "HEAD")
}

func TestBuildSnapshotMultipleOpenHeads(t *testing.T) {
	cs1 := changesetRecord{Header: hgbundle.DeltaHeader{Node: node(1)}, CS: changeset{}}
	cs2 := changesetRecord{Header: hgbundle.DeltaHeader{Node: node(2)}, CS: changeset{}}
	mRevision := map[hgnode.ID]*archive.Revision{node(1): revFor(1), node(2): revFor(2)}

	snap := buildSnapshot([]changesetRecord{cs1, cs2}, mRevision, nil, nil)
	names := branchNames(snap)
	assert.Contains(t, names, "branch-tip/default")
	assert.Contains(t, names, "branch-heads/default/0")
	assert.Contains(t, names, "branch-heads/default/1")
}

func TestBuildSnapshotClosedHeadAndTags(t *testing.T) {
	cs1 := changesetRecord{
		Header: hgbundle.DeltaHeader{Node: node(1)},
		CS:     changeset{Extra: map[string]string{"close": "1"}},
	}
	mRevision := map[hgnode.ID]*archive.Revision{node(1): revFor(1)}
	rel := &archive.Release{Name: "1.0", Target: hash(0x5), TargetType: archive.KindRevision}
	rel.ID = archive.Identify(rel)

	snap := buildSnapshot([]changesetRecord{cs1}, mRevision, []*archive.Release{rel}, nil)
	names := branchNames(snap)
	assert.Contains(t, names, "branch-closed-heads/default/0")
	assert.NotContains(t, names, "branch-tip/default")
	assert.Contains(t, names, "tags/1.0")
	assert.NotContains(t, names, "HEAD") // no open default tip
}

func TestBuildSnapshotDeterministicID(t *testing.T) {
	cs := changesetRecord{Header: hgbundle.DeltaHeader{Node: node(1)}, CS: changeset{}}
	mRevision := map[hgnode.ID]*archive.Revision{node(1): revFor(1)}

	s1 := buildSnapshot([]changesetRecord{cs}, mRevision, nil, nil)
	s2 := buildSnapshot([]changesetRecord{cs}, mRevision, nil, nil)
	require.Equal(t, s1.ID, s2.ID)
}

func branchNames(s *archive.Snapshot) []string {
	out := make([]string, len(s.Branches))
	for i, b := range s.Branches {
		out[i] = b.Name
	}
	return out
}
