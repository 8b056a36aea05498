package loader

import (
	"sort"
	"strconv"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// changesetMeta is the slice of a changeset's fields the snapshot's
// branch-naming scheme needs: its branch, whether it is a closed head,
// and its parent hg node ids (to exclude non-heads).
type changesetMeta struct {
	Node   hgnode.ID
	Branch string
	Closed bool
	P1, P2 hgnode.ID
}

func metaFromChangesets(changesets []changesetRecord) []changesetMeta {
	out := make([]changesetMeta, 0, len(changesets))
	for _, cr := range changesets {
		branch := cr.CS.Extra["branch"]
		if branch == "" {
			branch = "default"
		}
		_, closed := cr.CS.Extra["close"]
		out = append(out, changesetMeta{
			Node: cr.Header.Node, Branch: branch, Closed: closed,
			P1: cr.Header.P1, P2: cr.Header.P2,
		})
	}
	return out
}

// buildSnapshot implements §6's branch-naming scheme: branch-tip/*,
// branch-heads/*, branch-closed-heads/* derived from the bundle's
// changeset graph restricted to changesets this visit actually resolved
// to a revision (mRevision); bookmarks and tags layered on top; HEAD
// aliased per the stated precedence.
func buildSnapshot(changesets []changesetRecord, mRevision map[hgnode.ID]*archive.Revision, releases []*archive.Release, bookmarks map[string]hgnode.ID) *archive.Snapshot {
	metas := metaFromChangesets(changesets)

	parents := make(map[hgnode.ID]bool)
	byBranch := make(map[string][]changesetMeta)
	for _, m := range metas {
		if _, ok := mRevision[m.Node]; !ok {
			continue
		}
		byBranch[m.Branch] = append(byBranch[m.Branch], m)
		if !m.P1.IsNull() {
			parents[m.P1] = true
		}
		if !m.P2.IsNull() {
			parents[m.P2] = true
		}
	}

	var branches []archive.Branch
	tips := make(map[string]hgnode.ID) // branch name -> its branch-tip target

	branchNames := make([]string, 0, len(byBranch))
	for name := range byBranch {
		branchNames = append(branchNames, name)
	}
	sort.Strings(branchNames)

	for _, name := range branchNames {
		var open, closedHeads []changesetMeta
		for _, m := range byBranch[name] {
			if parents[m.Node] {
				continue
			}
			if m.Closed {
				closedHeads = append(closedHeads, m)
			} else {
				open = append(open, m)
			}
		}
		sort.Slice(open, func(i, j int) bool { return open[i].Node.String() < open[j].Node.String() })
		sort.Slice(closedHeads, func(i, j int) bool { return closedHeads[i].Node.String() < closedHeads[j].Node.String() })

		if len(open) > 0 {
			tipNode := open[0].Node
			tips[name] = tipNode
			branches = append(branches, archive.Branch{
				Name: "branch-tip/" + name, Target: mRevision[tipNode].ID, TargetType: archive.TargetRevision,
			})
			if len(open) > 1 {
				for i, m := range open {
					branches = append(branches, archive.Branch{
						Name:       branchHeadName(name, i),
						Target:     mRevision[m.Node].ID,
						TargetType: archive.TargetRevision,
					})
				}
			}
		}
		for i, m := range closedHeads {
			branches = append(branches, archive.Branch{
				Name:       branchClosedHeadName(name, i),
				Target:     mRevision[m.Node].ID,
				TargetType: archive.TargetRevision,
			})
		}
	}

	bookmarkNames := make([]string, 0, len(bookmarks))
	for name := range bookmarks {
		bookmarkNames = append(bookmarkNames, name)
	}
	sort.Strings(bookmarkNames)
	for _, name := range bookmarkNames {
		node := bookmarks[name]
		rev, ok := mRevision[node]
		if !ok {
			continue
		}
		branches = append(branches, archive.Branch{
			Name: "bookmarks/" + name, Target: rev.ID, TargetType: archive.TargetRevision,
		})
	}

	for _, rel := range releases {
		branches = append(branches, archive.Branch{
			Name: "tags/" + rel.Name, Target: rel.Target, TargetType: archive.TargetRelease,
		})
	}

	if headTarget, ok := resolveHead(tips, bookmarks); ok {
		branches = append(branches, archive.Branch{Name: "HEAD", TargetName: headTarget, TargetType: archive.TargetAlias})
	}

	snap := &archive.Snapshot{Branches: branches}
	snap.ID = archive.Identify(snap)
	return snap
}

func branchHeadName(branch string, i int) string {
	return "branch-heads/" + branch + "/" + strconv.Itoa(i)
}

func branchClosedHeadName(branch string, i int) string {
	return "branch-closed-heads/" + branch + "/" + strconv.Itoa(i)
}

// resolveHead implements §6's HEAD precedence: the "@" bookmark if it
// lies on some branch's tip, else default's tip, else no HEAD branch.
func resolveHead(tips map[string]hgnode.ID, bookmarks map[string]hgnode.ID) (string, bool) {
	if at, ok := bookmarks["@"]; ok {
		for _, tip := range tips {
			if tip == at {
				return "bookmarks/@", true
			}
		}
	}
	if _, ok := tips["default"]; ok {
		return "branch-tip/default", true
	}
	return "", false
}
