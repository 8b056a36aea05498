package archive

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by the CLI when no
// persistent backend is configured.
type MemoryStore struct {
	mu sync.Mutex

	contents   map[Hash]*Content
	directories map[Hash]*Directory
	revisions  map[Hash]*Revision
	releases   map[Hash]*Release
	snapshots  map[Hash]*Snapshot

	extids map[string]Hash // key: extidType + "\x00" + hex(extid)

	latestSnapshot map[string]Hash // origin -> snapshot id
	visits         map[string]int  // origin -> visit count
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contents:       make(map[Hash]*Content),
		directories:    make(map[Hash]*Directory),
		revisions:      make(map[Hash]*Revision),
		releases:       make(map[Hash]*Release),
		snapshots:      make(map[Hash]*Snapshot),
		extids:         make(map[string]Hash),
		latestSnapshot: make(map[string]Hash),
		visits:         make(map[string]int),
	}
}

func missing[T any](m map[Hash]T, mu *sync.Mutex, ids []Hash) []Hash {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Hash, 0, len(ids))
	for _, id := range ids {
		if _, ok := m[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *MemoryStore) ContentsMissing(_ context.Context, ids []Hash) ([]Hash, error) {
	return missing(s.contents, &s.mu, ids), nil
}

func (s *MemoryStore) DirectoriesMissing(_ context.Context, ids []Hash) ([]Hash, error) {
	return missing(s.directories, &s.mu, ids), nil
}

func (s *MemoryStore) RevisionsMissing(_ context.Context, ids []Hash) ([]Hash, error) {
	return missing(s.revisions, &s.mu, ids), nil
}

func (s *MemoryStore) ReleasesMissing(_ context.Context, ids []Hash) ([]Hash, error) {
	return missing(s.releases, &s.mu, ids), nil
}

func (s *MemoryStore) ContentAdd(_ context.Context, c *Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[c.ID] = c
	return nil
}

func (s *MemoryStore) DirectoryAdd(_ context.Context, d *Directory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directories[d.ID] = d
	return nil
}

func (s *MemoryStore) RevisionAdd(_ context.Context, r *Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[r.ID] = r
	return nil
}

func (s *MemoryStore) ReleaseAdd(_ context.Context, r *Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[r.ID] = r
	return nil
}

func (s *MemoryStore) SnapshotAdd(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap
	return nil
}

func extidKey(extidType string, extid []byte) string {
	return extidType + "\x00" + string(extid)
}

func (s *MemoryStore) ExtIDGet(_ context.Context, extidType string, extid []byte) (Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.extids[extidKey(extidType, extid)]
	return h, ok, nil
}

func (s *MemoryStore) ExtIDAdd(_ context.Context, e *ExtID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extids[extidKey(e.Type, e.Extid[:])] = e.Target
	return nil
}

func (s *MemoryStore) SnapshotGetLatest(_ context.Context, origin string) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.latestSnapshot[origin]
	if !ok {
		return nil, false, nil
	}
	return s.snapshots[id], true, nil
}

func (s *MemoryStore) OriginVisitAdd(_ context.Context, origin string, snapshot Hash, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestSnapshot[origin] = snapshot
	s.visits[origin]++
	return nil
}

// VisitCount reports how many OriginVisitAdd calls an origin has seen;
// exposed for the incremental-load test scenarios in spec.md §8.
func (s *MemoryStore) VisitCount(origin string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[origin]
}

// RevisionGet and ContentGet expose stored objects by id directly, for
// tests that need to inspect what a visit actually wrote rather than only
// what it reported missing.
func (s *MemoryStore) RevisionGet(id Hash) *Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revisions[id]
}

func (s *MemoryStore) ContentGet(id Hash) *Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contents[id]
}
