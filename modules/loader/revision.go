package loader

import (
	"fmt"
	"sort"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgbundle"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// emptyTreeID is the directory id of the manifest with no entries,
// reused whenever a changeset's manifest node is NULL_NODE.
var emptyTreeID = archive.Identify(&archive.Directory{})

// buildRevisions implements §4.7's revision construction: every changeset
// not in reduceEffort becomes a Revision bound to its already-resolved
// directory id, with NULL_NODE parents dropped and the "branch:default"
// extra suppressed (every other branch:* extra, and any other key, is
// kept verbatim; "transplant_source" is carried through as hex text).
// known carries revision ids for hg nodes from prior visits (resolved via
// ExtID) so a parent outside this bundle still resolves correctly on an
// incremental load.
//
// A changeset whose manifest was never reconstructed (corruptManifests) or
// whose parent revision never resolved is skipped rather than aborting the
// whole batch: per §7 this is the CorruptedRevision recoverable path, and
// since changesets arrive in causal order a skipped node's descendants
// will themselves fail the parent-resolution check and skip in turn. The
// second return value lists every skipped hg node for visit-status
// reporting.
func buildRevisions(changesets []changesetRecord, mManifest map[hgnode.ID]archive.Hash, corruptManifests map[hgnode.ID]bool, reduceEffort map[hgnode.ID]bool, known map[hgnode.ID]archive.Hash) (map[hgnode.ID]*archive.Revision, []hgnode.ID, error) {
	out := make(map[hgnode.ID]*archive.Revision, len(changesets))
	var skipped []hgnode.ID
	for _, cr := range changesets {
		if reduceEffort[cr.Header.Node] {
			continue
		}

		directoryID := emptyTreeID
		if !cr.CS.ManifestNode.IsNull() {
			if corruptManifests[cr.CS.ManifestNode] {
				skipped = append(skipped, cr.Header.Node)
				continue
			}
			id, ok := mManifest[cr.CS.ManifestNode]
			if !ok {
				skipped = append(skipped, cr.Header.Node)
				continue
			}
			directoryID = id
		}

		var parents []archive.Hash
		var parentMissing bool
		for _, p := range []hgnode.ID{cr.Header.P1, cr.Header.P2} {
			if p.IsNull() {
				continue
			}
			if pr, ok := out[p]; ok {
				parents = append(parents, pr.ID)
			} else if id, ok := known[p]; ok {
				parents = append(parents, id)
			} else {
				parentMissing = true
				break
			}
		}
		if parentMissing {
			skipped = append(skipped, cr.Header.Node)
			continue
		}

		extras := extraHeaders(cr.CS.Extra, cr.CS.DateOffset)

		rev := &archive.Revision{
			Directory:      directoryID,
			Parents:        parents,
			AuthorName:     cr.CS.AuthorName,
			AuthorEmail:    cr.CS.AuthorEmail,
			AuthorFullname: cr.CS.AuthorFull,
			Date:           cr.CS.Date,
			DateOffset:     cr.CS.DateOffset,
			Type:           "hg",
			Message:        cr.CS.Message,
			ExtraHeaders:   extras,
			Synthetic:      false,
		}
		rev.ID = archive.Identify(rev)
		out[cr.Header.Node] = rev
	}
	return out, skipped, nil
}

// extraHeaders turns a changeset's "k:v" extras into ExtraHeader records,
// suppressing the default branch marker (every revision implicitly lives
// on "default" unless stated otherwise) while keeping every other key,
// including every non-default branch:* value and transplant_source.
func extraHeaders(extra map[string]string, dateOffset int) []archive.ExtraHeader {
	out := []archive.ExtraHeader{{Key: "time_offset_seconds", Value: fmt.Sprintf("%d", dateOffset)}}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := extra[k]
		if k == "branch" && v == "default" {
			continue
		}
		out = append(out, archive.ExtraHeader{Key: k, Value: v})
	}
	return out
}

// changesetRecord pairs a decoded changeset with the delta header it came
// from, since both are needed throughout revision/branch construction.
type changesetRecord struct {
	Header hgbundle.DeltaHeader
	CS     changeset
}
