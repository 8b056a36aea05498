package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// fakeBundleProducer hands back a pre-built bundle file path without ever
// touching a real hg binary.
type fakeBundleProducer struct {
	path string
	err  error
}

func (f *fakeBundleProducer) Bundle(ctx context.Context, origin, localDir, workDir string, cloneTimeout time.Duration) (string, error) {
	return f.path, f.err
}

func writeBundleDeltaHeader(body *bytes.Buffer, h [5]hgnode.ID) {
	for _, n := range h {
		body.Write(n[:])
	}
}

func writeU32(body *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	body.Write(b[:])
}

func writeBundleDelta(body *bytes.Buffer, header [5]hgnode.ID, fragData []byte) {
	var frag bytes.Buffer
	writeU32(&frag, 0)
	writeU32(&frag, 0)
	writeU32(&frag, uint32(len(fragData)))
	frag.Write(fragData)
	size := uint32(100 + frag.Len() + 4)
	writeU32(body, size)
	writeBundleDeltaHeader(body, header)
	body.Write(frag.Bytes())
}

// buildLoaderBundle assembles a complete one-changeset, one-manifest,
// one-file HG20 bundle: the changeset names manifest node m, whose
// reconstructed text binds path "a.txt" to filelog node f.
func buildLoaderBundle(t *testing.T, csNode, mNode, fNode hgnode.ID) []byte {
	t.Helper()

	var body bytes.Buffer

	// param block
	body.WriteByte(11)
	body.WriteString("CHANGEGROUP")
	writeU32(&body, 0)
	body.WriteByte(0)
	body.WriteByte(0)

	csPayload := []byte(mNode.String() + "\n" +
		"Alice <alice@example.com>\n" +
		"1700000000 0 branch:default\n" +
		"a.txt\n\n" +
		"initial commit\n")
	writeBundleDelta(&body, [5]hgnode.ID{csNode}, csPayload)
	writeU32(&body, 0)

	manifestPayload := []byte("a.txt\x00" + fNode.String() + "\n")
	writeBundleDelta(&body, [5]hgnode.ID{mNode}, manifestPayload)
	writeU32(&body, 0)

	writeU32(&body, 5)
	body.WriteString("a.txt")
	writeBundleDelta(&body, [5]hgnode.ID{fNode, {}, {}, {}, csNode}, []byte("hello world"))
	writeU32(&body, 0)
	writeU32(&body, 0)

	var out bytes.Buffer
	out.WriteString("HG20\x00\x00\x00\x00")
	writeU32(&out, uint32(body.Len()))
	out.Write(body.Bytes())
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	bundlePath := dir + "/bundle.hg2"
	data := buildLoaderBundle(t, node(1), node(10), node(20))
	require.NoError(t, os.WriteFile(bundlePath, data, 0o644))

	store := archive.NewMemoryStore()
	res, err := Run(context.Background(), store, &fakeBundleProducer{path: bundlePath}, Config{
		Origin:           "hg+https://example.org/repo",
		TempRoot:         t.TempDir(),
		ContentSizeLimit: 1 << 20,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "eventful", res.LoadStatus)
	assert.Equal(t, "full", res.VisitStatus)
	assert.NotEqual(t, archive.Hash{}, res.SnapshotID)

	snap, ok, err := store.SnapshotGetLatest(context.Background(), "hg+https://example.org/repo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.SnapshotID, snap.ID)
	require.NotEmpty(t, snap.Branches)
}

func TestRunEmptyBundleIsUneventfulOnSecondVisit(t *testing.T) {
	dir := t.TempDir()
	bundlePath := dir + "/empty.hg2"
	require.NoError(t, os.WriteFile(bundlePath, nil, 0o644))

	store := archive.NewMemoryStore()
	cfg := Config{Origin: "hg+https://example.org/empty", TempRoot: t.TempDir()}

	res1, err := Run(context.Background(), store, &fakeBundleProducer{path: bundlePath}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "eventful", res1.LoadStatus)

	res2, err := Run(context.Background(), store, &fakeBundleProducer{path: bundlePath}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "uneventful", res2.LoadStatus)
	assert.Equal(t, res1.SnapshotID, res2.SnapshotID)
}

func TestRunCloneFailureIsNotFound(t *testing.T) {
	store := archive.NewMemoryStore()
	res, err := Run(context.Background(), store, &fakeBundleProducer{err: &CloneFailureError{URL: "hg+https://example.org/missing", Cause: errors.New("repo gone")}}, Config{
		Origin: "hg+https://example.org/missing", TempRoot: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.LoadStatus)
	assert.Equal(t, "not_found", res.VisitStatus)
}
