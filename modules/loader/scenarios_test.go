package loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// This file exercises the seven end-to-end scenarios documented in §8:
// the-sandbox, hello, transplant, missing-filelog, incremental-clean,
// incremental-additive, content-too-large. The workspace has no on-disk
// copy of the real upstream fixture repos those scenario names originally
// describe, so each test builds a small synthetic HG20 bundle shaped to
// trigger exactly the behavior the scenario names (two branches with a
// closed head, a tagged release, a transplant_source extra, a dangling
// filelog reference, an unchanged reload, a stripped-then-restored tip,
// an oversized blob) rather than asserting the specific revision/content
// counts of the real repos, which only apply to that literal fixture data.

// scenarioFileRev is one delta in a synthetic file's chain.
type scenarioFileRev struct {
	node, basenode, linknode hgnode.ID
	content                  []byte
}

// scenarioFile is one path's delta chain for buildScenarioBundle.
type scenarioFile struct {
	path string
	revs []scenarioFileRev
}

// scenarioChangeset is one changeset-group delta plus the manifest-group
// delta it points at, for buildScenarioBundle. chainBase/manifestBase
// select this delta's position in the changeset/manifest groups' own
// internal chains (independent of P1/P2, the Mercurial parent fields).
type scenarioChangeset struct {
	node, chainBase        hgnode.ID
	p1, p2                 hgnode.ID
	manifestNode           hgnode.ID
	manifestBase           hgnode.ID
	manifestText           []byte
	author                 string
	extra                  map[string]string
	message                string
	date                   int64
}

func buildScenarioBundle(t *testing.T, changesets []scenarioChangeset, files []scenarioFile) []byte {
	t.Helper()

	var body bytes.Buffer
	body.WriteByte(11)
	body.WriteString("CHANGEGROUP")
	writeU32(&body, 0)
	body.WriteByte(0)
	body.WriteByte(0)

	csText := make(map[hgnode.ID][]byte)
	mText := make(map[hgnode.ID][]byte)
	for _, cs := range changesets {
		extra := ""
		for k, v := range cs.extra {
			extra += " " + k + ":" + v
		}
		payload := []byte(fmt.Sprintf("%s\n%s\n%d 0%s\na.txt\n\n%s",
			cs.manifestNode.String(), cs.author, cs.date, extra, cs.message))
		writeScenarioDelta(&body, [5]hgnode.ID{cs.node, cs.p1, cs.p2, cs.chainBase, cs.node}, csText[cs.chainBase], payload)
		csText[cs.node] = payload
	}
	writeU32(&body, 0)

	for _, cs := range changesets {
		writeScenarioDelta(&body, [5]hgnode.ID{cs.manifestNode, {}, {}, cs.manifestBase, cs.node}, mText[cs.manifestBase], cs.manifestText)
		mText[cs.manifestNode] = cs.manifestText
	}
	writeU32(&body, 0)

	for _, f := range files {
		writeU32(&body, uint32(len(f.path)))
		body.WriteString(f.path)
		for _, r := range f.revs {
			writeBundleDelta(&body, [5]hgnode.ID{r.node, {}, {}, r.basenode, r.linknode}, r.content)
		}
		writeU32(&body, 0)
	}
	writeU32(&body, 0)

	var out bytes.Buffer
	out.WriteString("HG20\x00\x00\x00\x00")
	writeU32(&out, uint32(body.Len()))
	out.Write(body.Bytes())
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

// writeScenarioDelta writes one delta whose single fragment replaces the
// whole of base with text, so the reconstructed revision is exactly text.
func writeScenarioDelta(body *bytes.Buffer, header [5]hgnode.ID, base, text []byte) {
	var frag bytes.Buffer
	writeU32(&frag, 0)
	writeU32(&frag, uint32(len(base)))
	writeU32(&frag, uint32(len(text)))
	frag.Write(text)
	writeU32(body, uint32(100+frag.Len()+4))
	writeBundleDeltaHeader(body, header)
	body.Write(frag.Bytes())
}

func manifestText(entries map[string]hgnode.ID) []byte {
	var buf bytes.Buffer
	for path, n := range entries {
		buf.WriteString(path)
		buf.WriteByte(0)
		buf.WriteString(n.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func runScenario(t *testing.T, data []byte, origin string, store archive.Store, limit int64) (*Result, string) {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/bundle.hg2"
	require.NoError(t, os.WriteFile(path, data, 0o644))
	if limit == 0 {
		limit = 1 << 20
	}
	res, err := Run(context.Background(), store, &fakeBundleProducer{path: path}, Config{
		Origin: origin, TempRoot: t.TempDir(), ContentSizeLimit: limit,
	})
	require.NoError(t, err)
	return res, path
}

// Scenario 1: the-sandbox — two branches, one with a closed head.
func TestScenarioTwoBranchRepo(t *testing.T) {
	fA, fB, fC := node(0xA1), node(0xA2), node(0xA3)
	m1 := manifestText(map[string]hgnode.ID{"a.txt": fA})
	m2 := manifestText(map[string]hgnode.ID{"a.txt": fB})
	m3 := manifestText(map[string]hgnode.ID{"a.txt": fC})

	cs1 := scenarioChangeset{node: node(1), manifestNode: node(10), manifestText: m1, author: "Alice <a@x.com>", date: 1000, message: "root"}
	cs2 := scenarioChangeset{node: node(2), chainBase: node(1), p1: node(1), manifestNode: node(11), manifestBase: node(10), manifestText: m2, author: "Alice <a@x.com>", date: 1001, message: "default tip", extra: map[string]string{"branch": "default"}}
	cs3 := scenarioChangeset{node: node(3), chainBase: node(2), p1: node(1), manifestNode: node(12), manifestBase: node(10), manifestText: m1, author: "Bob <b@x.com>", date: 1002, message: "develop closed head", extra: map[string]string{"branch": "develop", "close": "1"}}
	cs4 := scenarioChangeset{node: node(4), chainBase: node(3), p1: node(1), manifestNode: node(13), manifestBase: node(10), manifestText: m3, author: "Bob <b@x.com>", date: 1003, message: "develop open head", extra: map[string]string{"branch": "develop"}}

	files := []scenarioFile{
		{path: "a.txt", revs: []scenarioFileRev{
			{node: fA, linknode: node(1), content: []byte("one")},
			{node: fB, linknode: node(2), content: []byte("two")},
			{node: fC, linknode: node(4), content: []byte("three")},
		}},
	}

	data := buildScenarioBundle(t, []scenarioChangeset{cs1, cs2, cs3, cs4}, files)
	store := archive.NewMemoryStore()
	res, _ := runScenario(t, data, "hg+https://example.org/the-sandbox", store, 0)

	assert.Equal(t, "eventful", res.LoadStatus)
	assert.Equal(t, "full", res.VisitStatus)

	snap, ok, err := store.SnapshotGetLatest(context.Background(), "hg+https://example.org/the-sandbox")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.SnapshotID, snap.ID)

	names := make(map[string]archive.Branch)
	for _, b := range snap.Branches {
		names[b.Name] = b
	}
	assert.Contains(t, names, "branch-tip/default")
	assert.Contains(t, names, "branch-tip/develop")
	assert.Contains(t, names, "branch-closed-heads/develop/0")
	head, ok := names["HEAD"]
	require.True(t, ok)
	assert.Equal(t, "branch-tip/default", head.TargetName)
}

// Scenario 2: hello — a tagged release.
func TestScenarioTaggedRepo(t *testing.T) {
	fA, fB, fTags := node(0xB1), node(0xB2), node(0xB3)
	m1 := manifestText(map[string]hgnode.ID{"a.txt": fA})
	m2 := manifestText(map[string]hgnode.ID{"a.txt": fB})
	m3 := manifestText(map[string]hgnode.ID{"a.txt": fB, ".hgtags": fTags})

	cs1 := scenarioChangeset{node: node(1), manifestNode: node(10), manifestText: m1, author: "Alice <a@x.com>", date: 1000, message: "hello world"}
	cs2 := scenarioChangeset{node: node(2), chainBase: node(1), p1: node(1), manifestNode: node(11), manifestBase: node(10), manifestText: m2, author: "Alice <a@x.com>", date: 1001, message: "update"}
	cs3 := scenarioChangeset{node: node(3), chainBase: node(2), p1: node(2), manifestNode: node(12), manifestBase: node(11), manifestText: m3, author: "Alice <a@x.com>", date: 1002, message: "tag 0.1"}

	tagLine := node(2).String() + " 0.1\n"
	files := []scenarioFile{
		{path: "a.txt", revs: []scenarioFileRev{
			{node: fA, linknode: node(1), content: []byte("hello")},
			{node: fB, linknode: node(2), content: []byte("hello world")},
		}},
		{path: ".hgtags", revs: []scenarioFileRev{
			{node: fTags, linknode: node(3), content: []byte(tagLine)},
		}},
	}

	data := buildScenarioBundle(t, []scenarioChangeset{cs1, cs2, cs3}, files)
	store := archive.NewMemoryStore()
	res, _ := runScenario(t, data, "hg+https://example.org/hello", store, 0)

	assert.Equal(t, "eventful", res.LoadStatus)
	assert.Equal(t, "full", res.VisitStatus)

	snap, ok, err := store.SnapshotGetLatest(context.Background(), "hg+https://example.org/hello")
	require.NoError(t, err)
	require.True(t, ok)

	names := make(map[string]archive.Branch)
	for _, b := range snap.Branches {
		names[b.Name] = b
	}
	tag, ok := names["tags/0.1"]
	require.True(t, ok)
	assert.Equal(t, archive.TargetRelease, tag.TargetType)
	assert.Contains(t, names, "branch-tip/default")
	assert.Contains(t, names, "HEAD")
}

// Scenario 3: transplant — transplant_source survives into the snapshot's
// revision graph, referencing another revision present in the same bundle.
func TestScenarioTransplantRepo(t *testing.T) {
	fA, fB := node(0xC1), node(0xC2)
	m1 := manifestText(map[string]hgnode.ID{"a.txt": fA})
	m2 := manifestText(map[string]hgnode.ID{"a.txt": fB})

	cs1 := scenarioChangeset{node: node(1), manifestNode: node(10), manifestText: m1, author: "Alice <a@x.com>", date: 1000, message: "origin commit"}
	cs2 := scenarioChangeset{
		node: node(2), chainBase: node(1), manifestNode: node(11), manifestBase: node(10), manifestText: m2,
		author: "Alice <a@x.com>", date: 1001, message: "transplanted commit",
		extra: map[string]string{"transplant_source": node(1).String()},
	}

	files := []scenarioFile{
		{path: "a.txt", revs: []scenarioFileRev{
			{node: fA, linknode: node(1), content: []byte("one")},
			{node: fB, linknode: node(2), content: []byte("two")},
		}},
	}

	data := buildScenarioBundle(t, []scenarioChangeset{cs1, cs2}, files)
	store := archive.NewMemoryStore()
	res, _ := runScenario(t, data, "hg+https://example.org/transplant", store, 0)
	assert.Equal(t, "eventful", res.LoadStatus)

	revID1, ok, err := store.ExtIDGet(context.Background(), archive.ExtIDTypeHgNode, node(1)[:])
	require.NoError(t, err)
	require.True(t, ok)
	revID2, ok, err := store.ExtIDGet(context.Background(), archive.ExtIDTypeHgNode, node(2)[:])
	require.NoError(t, err)
	require.True(t, ok)
	_ = revID1

	mstore, ok := store.(*archive.MemoryStore)
	require.True(t, ok)
	rev2 := mstore.RevisionGet(revID2)
	require.NotNil(t, rev2)

	found := false
	for _, h := range rev2.ExtraHeaders {
		if h.Key == "transplant_source" {
			found = true
			assert.Equal(t, node(1).String(), h.Value)
		}
	}
	assert.True(t, found, "transplant_source missing from stored revision")
}

// Scenario 4: missing-filelog — a manifest entry names a filelog node the
// bundle never actually delivers, so the changeset referencing it (and its
// descendant) must be skipped, yielding visit status partial.
func TestScenarioMissingFilelog(t *testing.T) {
	fA := node(0xD1)
	missingNode := node(0xDE)
	m1 := manifestText(map[string]hgnode.ID{"a.txt": fA})
	mBroken := manifestText(map[string]hgnode.ID{"a.txt": missingNode})

	cs1 := scenarioChangeset{node: node(1), manifestNode: node(10), manifestText: m1, author: "Alice <a@x.com>", date: 1000, message: "good"}
	cs2 := scenarioChangeset{node: node(2), chainBase: node(1), p1: node(1), manifestNode: node(11), manifestBase: node(10), manifestText: mBroken, author: "Alice <a@x.com>", date: 1001, message: "references missing filelog node"}

	files := []scenarioFile{
		{path: "a.txt", revs: []scenarioFileRev{
			{node: fA, linknode: node(1), content: []byte("one")},
		}},
	}

	data := buildScenarioBundle(t, []scenarioChangeset{cs1, cs2}, files)
	store := archive.NewMemoryStore()
	res, _ := runScenario(t, data, "hg+https://example.org/missing-filelog", store, 0)

	assert.Equal(t, "eventful", res.LoadStatus)
	assert.Equal(t, "partial", res.VisitStatus)

	_, ok, err := store.ExtIDGet(context.Background(), archive.ExtIDTypeHgNode, node(1)[:])
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = store.ExtIDGet(context.Background(), archive.ExtIDTypeHgNode, node(2)[:])
	require.NoError(t, err)
	assert.False(t, ok, "the corrupted changeset must not get an ExtID binding")
}

// Scenario 5: incremental-clean — reloading an unchanged bundle is
// uneventful and keeps the same snapshot id across a second origin_visit.
func TestScenarioIncrementalClean(t *testing.T) {
	data := buildLoaderBundle(t, node(1), node(10), node(20))
	store := archive.NewMemoryStore()
	cfg := Config{Origin: "hg+https://example.org/incremental-clean", TempRoot: t.TempDir(), ContentSizeLimit: 1 << 20}

	dir := t.TempDir()
	path := dir + "/bundle.hg2"
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res1, err := Run(context.Background(), store, &fakeBundleProducer{path: path}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "eventful", res1.LoadStatus)

	res2, err := Run(context.Background(), store, &fakeBundleProducer{path: path}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "uneventful", res2.LoadStatus)
	assert.Equal(t, res1.SnapshotID, res2.SnapshotID)
	assert.Equal(t, 2, store.VisitCount(cfg.Origin))
}

// Scenario 6: incremental-additive — load R' (tip stripped), then load R
// (tip restored): the second visit is eventful and adds exactly the
// stripped revision, its content and its directory; the snapshot id changes.
func TestScenarioIncrementalAdditive(t *testing.T) {
	fA, fB := node(0xE1), node(0xE2)
	m1 := manifestText(map[string]hgnode.ID{"a.txt": fA})
	m2 := manifestText(map[string]hgnode.ID{"a.txt": fB})

	cs1 := scenarioChangeset{node: node(1), manifestNode: node(10), manifestText: m1, author: "Alice <a@x.com>", date: 1000, message: "root"}
	cs2 := scenarioChangeset{node: node(2), chainBase: node(1), p1: node(1), manifestNode: node(11), manifestBase: node(10), manifestText: m2, author: "Alice <a@x.com>", date: 1001, message: "tip"}

	stripped := buildScenarioBundle(t, []scenarioChangeset{cs1}, []scenarioFile{
		{path: "a.txt", revs: []scenarioFileRev{{node: fA, linknode: node(1), content: []byte("one")}}},
	})

	store := archive.NewMemoryStore()
	origin := "hg+https://example.org/incremental-additive"
	cfg := Config{Origin: origin, TempRoot: t.TempDir(), ContentSizeLimit: 1 << 20}

	dir := t.TempDir()
	strippedPath := dir + "/stripped.hg2"
	require.NoError(t, os.WriteFile(strippedPath, stripped, 0o644))
	res1, err := Run(context.Background(), store, &fakeBundleProducer{path: strippedPath}, cfg)
	require.NoError(t, err)
	require.Equal(t, "eventful", res1.LoadStatus)

	// Only cs2 is new on this visit: cs1's hg node already has an ExtID
	// binding from the first visit, so resolveKnownParents finds it and
	// cs2's parent resolves without cs1 needing to reappear in the bundle.
	// Its deltas are full texts, since their old bases are not in this bundle.
	tip := cs2
	tip.chainBase, tip.manifestBase = hgnode.ID{}, hgnode.ID{}
	onlyTip := buildScenarioBundle(t, []scenarioChangeset{tip}, []scenarioFile{
		{path: "a.txt", revs: []scenarioFileRev{{node: fB, linknode: node(2), content: []byte("two")}}},
	})
	onlyTipPath := dir + "/tip.hg2"
	require.NoError(t, os.WriteFile(onlyTipPath, onlyTip, 0o644))

	res2, err := Run(context.Background(), store, &fakeBundleProducer{path: onlyTipPath}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "eventful", res2.LoadStatus)
	assert.NotEqual(t, res1.SnapshotID, res2.SnapshotID)

	_, ok, err := store.ExtIDGet(context.Background(), archive.ExtIDTypeHgNode, node(2)[:])
	require.NoError(t, err)
	assert.True(t, ok, "the previously-stripped revision must now be archived")
}

// Scenario 7: content-too-large — a blob exceeding content_size_limit is
// stored absent with the documented reason, the revision still builds
// around it, and reloading the same bundle is uneventful.
func TestScenarioContentTooLarge(t *testing.T) {
	fA := node(0xF1)
	big := bytes.Repeat([]byte("x"), 64)
	m1 := manifestText(map[string]hgnode.ID{"big.bin": fA})

	cs1 := scenarioChangeset{node: node(1), manifestNode: node(10), manifestText: m1, author: "Alice <a@x.com>", date: 1000, message: "big file"}
	files := []scenarioFile{{path: "big.bin", revs: []scenarioFileRev{{node: fA, linknode: node(1), content: big}}}}
	data := buildScenarioBundle(t, []scenarioChangeset{cs1}, files)

	store := archive.NewMemoryStore()
	cfg := Config{Origin: "hg+https://example.org/content-too-large", TempRoot: t.TempDir(), ContentSizeLimit: 10}

	dir := t.TempDir()
	path := dir + "/bundle.hg2"
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res1, err := Run(context.Background(), store, &fakeBundleProducer{path: path}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "eventful", res1.LoadStatus)

	id := archive.IdentifyContent(big)
	mstore := store.(*archive.MemoryStore)
	content := mstore.ContentGet(id)
	require.NotNil(t, content)
	assert.Equal(t, archive.ContentAbsent, content.Status)
	assert.Equal(t, "Content too large", content.Reason)

	res2, err := Run(context.Background(), store, &fakeBundleProducer{path: path}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "uneventful", res2.LoadStatus)
}
