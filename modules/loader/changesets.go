package loader

import (
	"github.com/softwareheritage/swhg/modules/hgbundle"
	"github.com/softwareheritage/swhg/modules/hgbundle/delta"
	"github.com/softwareheritage/swhg/modules/hgnode"
)

// reconstructChangesets walks the bundle's single changeset group (a
// linear revlog: each delta's basenode is the previous delta's node, or
// NULL_NODE for the first) and parses each reconstructed text into a
// changeset record. The changeset group never branches the way filelog
// groups do, so no cache is needed: the running buffer is the chain.
func reconstructChangesets(deltas []hgbundle.Delta) ([]changesetRecord, error) {
	out := make([]changesetRecord, 0, len(deltas))
	var base []byte
	known := make(map[hgnode.ID][]byte, len(deltas))

	for _, d := range deltas {
		if d.Header.Basenode.IsNull() {
			base = nil
		} else if b, ok := known[d.Header.Basenode]; ok {
			base = b
		} else {
			return nil, &CorruptedRevisionError{Node: d.Header.Node.String(), Reason: "missing changeset basenode"}
		}

		text, err := delta.Apply(base, d.Fragments)
		if err != nil {
			return nil, &CorruptedRevisionError{Node: d.Header.Node.String(), Reason: err.Error()}
		}
		known[d.Header.Node] = text

		cs, err := parseChangeset(text)
		if err != nil {
			return nil, &CorruptedRevisionError{Node: d.Header.Node.String(), Reason: err.Error()}
		}
		out = append(out, changesetRecord{Header: d.Header, CS: cs})
	}
	return out, nil
}
