package loader

import (
	"bytes"
	"regexp"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

var hgNodeHexPattern = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)

// buildReleases parses the retained .hgtags blob (newline-separated
// "NODE_HEX NAME" records, deduplicated by name keeping the last
// occurrence) and builds a Release per accepted entry. Lines with a
// malformed node or one referencing an hg node outside mRevision are
// skipped with a TagParseError, which is never fatal.
func buildReleases(hgtags []byte, mRevision map[hgnode.ID]*archive.Revision) ([]*archive.Release, []error) {
	type tag struct {
		node string
	}
	byName := make(map[string]tag)
	var order []string
	for _, line := range bytes.Split(hgtags, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := string(fields[1])
		if _, seen := byName[name]; !seen {
			order = append(order, name)
		}
		byName[name] = tag{node: string(fields[0])}
	}

	var releases []*archive.Release
	var warnings []error
	for _, name := range order {
		t := byName[name]
		if !hgNodeHexPattern.MatchString(t.node) {
			warnings = append(warnings, &TagParseError{Line: t.node + " " + name})
			continue
		}
		node, err := hgnode.New(t.node)
		if err != nil {
			warnings = append(warnings, &TagParseError{Line: t.node + " " + name})
			continue
		}
		rev, ok := mRevision[node]
		if !ok {
			warnings = append(warnings, &TagParseError{Line: t.node + " " + name})
			continue
		}

		rel := &archive.Release{Name: name, Target: rev.ID, TargetType: archive.KindRevision, Synthetic: false}
		rel.ID = archive.Identify(rel)
		releases = append(releases, rel)
	}
	return releases, warnings
}
