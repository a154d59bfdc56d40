package backend

// BackendPath is the canonical absolute path of a file on the backing
// filesystem, as opposed to the gateway-visible path a FUSE caller
// names. It exists so the compiler, not convention, enforces spec §3's
// rule that every cache key is a backend path: metastore, blockstore,
// and coherence functions accept only this type, and the only place
// that is expected to construct one is the dispatcher's path
// translation step.
type BackendPath string

// NewBackendPath wraps an already-translated absolute backend path.
func NewBackendPath(p string) BackendPath {
	return BackendPath(p)
}

func (p BackendPath) String() string {
	return string(p)
}
