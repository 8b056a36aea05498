// Package archive implements the content-addressed object model: blobs
// (Content), trees (Directory), commits (Revision), annotated tags
// (Release) and a Snapshot of named branch pointers, plus the SHA-1
// Identify function (git-style object framing) that assigns each of them
// its canonical id.
package archive

import (
	"time"

	"github.com/softwareheritage/swhg/modules/hgnode"
	"github.com/softwareheritage/swhg/modules/plumbing"
)

// Hash is the archive's content-addressed object identifier.
type Hash = plumbing.Hash

var ZeroHash = plumbing.ZeroHash

// Kind tags the object variants that identify() accepts.
type Kind uint8

const (
	KindContent Kind = iota
	KindDirectory
	KindRevision
	KindRelease
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDirectory:
		return "directory"
	case KindRevision:
		return "revision"
	case KindRelease:
		return "release"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Object is any archive entity with a canonical byte encoding it is
// identified by.
type Object interface {
	Kind() Kind
	// Encode writes the type-tagged payload that identify() hashes.
	Encode() []byte
}

// Perm is a directory entry's file mode class.
type Perm uint8

const (
	PermRegular Perm = iota
	PermExecutable
	PermSymlink
)

// Content is an immutable blob.
type Content struct {
	ID     Hash
	Length int64
	Status ContentStatus
	Reason string // set when Status == ContentAbsent
	Data   []byte // nil when Status != ContentVisible
}

type ContentStatus uint8

const (
	ContentVisible ContentStatus = iota
	ContentAbsent
)

func (c *Content) Kind() Kind { return KindContent }

// Encode hashes exactly the bytes of the blob, git-blob style: the header
// is applied by Identify, not embedded in Encode, since Content.ID is
// computed directly over Data by convention (see Identify).
func (c *Content) Encode() []byte { return c.Data }

// DirectoryEntry is either a file (IsTree false; Perm and ContentID set) or
// a subdirectory (IsTree true; TreeID set).
type DirectoryEntry struct {
	Name      string
	Perm      Perm
	ContentID Hash // valid when this is a file entry
	TreeID    Hash // valid when this is a subdirectory entry
	IsTree    bool
}

// Directory is a single level of a manifest tree: entries sorted by Name.
type Directory struct {
	ID      Hash
	Entries []DirectoryEntry
}

func (d *Directory) Kind() Kind { return KindDirectory }

// ExtraHeader is a free-form (key, value) pair attached to a Revision.
type ExtraHeader struct {
	Key   string
	Value string
}

// Revision is a changeset turned into an archive commit object.
type Revision struct {
	ID             Hash
	Directory      Hash
	Parents        []Hash
	AuthorName     string
	AuthorEmail    string
	AuthorFullname string
	Date           time.Time
	DateOffset     int // seconds east of UTC, as recorded by the changeset
	Type           string // "hg"
	Message        string
	ExtraHeaders   []ExtraHeader
	Synthetic      bool
}

func (r *Revision) Kind() Kind { return KindRevision }

// Release is an annotated tag.
type Release struct {
	ID         Hash
	Name       string
	Target     Hash
	TargetType Kind // always KindRevision for this loader
	Synthetic  bool
}

func (r *Release) Kind() Kind { return KindRelease }

// BranchTargetType distinguishes what a snapshot branch points at.
type BranchTargetType uint8

const (
	TargetRevision BranchTargetType = iota
	TargetRelease
	TargetAlias
)

// Branch is one named pointer inside a Snapshot.
type Branch struct {
	Name       string
	Target     Hash   // unused when TargetType == TargetAlias
	TargetName string // the referenced branch name, when TargetType == TargetAlias
	TargetType BranchTargetType
}

// Snapshot is the root object of a visit.
type Snapshot struct {
	ID       Hash
	Branches []Branch // sorted by Name for deterministic encoding
}

func (s *Snapshot) Kind() Kind { return KindSnapshot }

// ExtID is the durable binding between an hg node id and a revision id.
type ExtID struct {
	Type    string // "hg-nodeid"
	Version int
	Extid   hgnode.ID
	Target  Hash
}

const (
	ExtIDTypeHgNode    = "hg-nodeid"
	ExtIDCurrentVersion = 1
)
