package loader

import "fmt"

// EmptyRepositoryError signals a bundle-less local working copy: LocalHg
// succeeded but produced no bundle because the repository has no
// changesets. Non-fatal: the caller emits an empty snapshot.
type EmptyRepositoryError struct{}

func (e *EmptyRepositoryError) Error() string { return "loader: empty repository" }

// CloneTimeoutError reports that cloning the remote did not finish inside
// the configured deadline.
type CloneTimeoutError struct{ URL string }

func (e *CloneTimeoutError) Error() string {
	return fmt.Sprintf("loader: clone of %q timed out", e.URL)
}

// CloneFailureError wraps any other clone failure.
type CloneFailureError struct {
	URL   string
	Cause error
}

func (e *CloneFailureError) Error() string {
	return fmt.Sprintf("loader: clone of %q failed: %v", e.URL, e.Cause)
}
func (e *CloneFailureError) Unwrap() error { return e.Cause }

// CorruptedRevisionError marks a changeset whose tree or content could not
// be resolved. Recoverable: the changeset and its descendants are dropped
// from the visit, which is then reported partial rather than failed.
type CorruptedRevisionError struct {
	Node   string
	Reason string
}

func (e *CorruptedRevisionError) Error() string {
	return fmt.Sprintf("loader: corrupted revision %s: %s", e.Node, e.Reason)
}

// TagParseError flags a malformed or dangling .hgtags line. The line is
// skipped; this is never fatal to the visit.
type TagParseError struct{ Line string }

func (e *TagParseError) Error() string { return fmt.Sprintf("loader: unparsable tag line %q", e.Line) }
