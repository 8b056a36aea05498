package archive

import "context"

// Store is the external `Archive` collaborator: persistent storage for
// archive objects. spec.md §1 places it out of core scope; this module
// ships two implementations (MemoryStore, SQLStore) so the pipeline can be
// driven and tested end to end without a real archive deployment.
type Store interface {
	ContentsMissing(ctx context.Context, ids []Hash) ([]Hash, error)
	DirectoriesMissing(ctx context.Context, ids []Hash) ([]Hash, error)
	RevisionsMissing(ctx context.Context, ids []Hash) ([]Hash, error)
	ReleasesMissing(ctx context.Context, ids []Hash) ([]Hash, error)

	ContentAdd(ctx context.Context, c *Content) error
	DirectoryAdd(ctx context.Context, d *Directory) error
	RevisionAdd(ctx context.Context, r *Revision) error
	ReleaseAdd(ctx context.Context, r *Release) error
	SnapshotAdd(ctx context.Context, s *Snapshot) error

	ExtIDGet(ctx context.Context, extidType string, extid []byte) (Hash, bool, error)
	ExtIDAdd(ctx context.Context, e *ExtID) error

	// SnapshotGetLatest returns the most recent snapshot recorded for
	// origin, or ok=false if none exists yet.
	SnapshotGetLatest(ctx context.Context, origin string) (*Snapshot, bool, error)

	// OriginVisitAdd records that a new visit of origin took place.
	OriginVisitAdd(ctx context.Context, origin string, snapshot Hash, loadStatus, visitStatus string) error
}
