package coherence

import "github.com/akarasulu/cachefs/internal/backend"

// Attrs is the attribute answer the Engine hands back to its caller: a
// cached or freshly-probed record plus the live inode, which is never
// cached (spec §3).
type Attrs struct {
	Kind  backend.Kind
	Size  int64
	Mtime int64
	Ctime int64
	Mode  uint32
	UID   uint32
	GID   uint32
	Ino   uint64
}

// DirEntry is one member of a Readdir result.
type DirEntry struct {
	Name string
	Kind backend.Kind
}

// Stats summarizes the cache's live state for diagnostics.
type Stats struct {
	Degraded     bool
	CurrentBytes int64
	LimitBytes   int64
}
