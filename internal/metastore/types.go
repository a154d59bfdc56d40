package metastore

import "github.com/akarasulu/cachefs/internal/backend"

// Kind mirrors backend.Kind plus the NEGATIVE state, which the backend
// adapter itself never produces (a negative entry is this store's own
// invention to remember an ENOENT).
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindOther
	KindNegative
)

func kindFromBackend(k backend.Kind) Kind {
	switch k {
	case backend.KindDir:
		return KindDir
	case backend.KindSymlink:
		return KindSymlink
	case backend.KindFile:
		return KindFile
	default:
		return KindOther
	}
}

// AttrRecord is the persisted attribute row for one backend path. Ino is
// deliberately absent: spec §3 forbids caching the inode number, so it
// is never part of this type and must be re-probed live on every read.
type AttrRecord struct {
	Kind       Kind
	Size       int64
	Mtime      int64
	Ctime      int64
	Mode       uint32
	UID        uint32
	GID        uint32
	CachedAt   int64
	ValidUntil int64
}

// IsNegative reports whether this record represents a cached ENOENT.
func (a AttrRecord) IsNegative() bool {
	return a.Kind == KindNegative
}

// DirEntry is one member of a DirListing.
type DirEntry struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// DirListing is the persisted directory-listing row for one directory.
type DirListing struct {
	DirMtime   int64
	Entries    []DirEntry
	CachedAt   int64
	ValidUntil int64
}
