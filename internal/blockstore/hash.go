package blockstore

import (
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// pathHash returns a stable 16-hex-digit hash of a backend path. It
// carries no security meaning; it only needs to be deterministic and
// well distributed across the two-level directory fan-out.
func pathHash(path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(path))
}

// blockRelPath returns the fan-out path of a block file relative to the
// store root: <xx>/<yy>/<hash>-<index>, where xx/yy are the first two
// hex-pairs of the hash.
func blockRelPath(path string, index int64) string {
	hash := pathHash(path)
	return filepath.Join(hash[0:2], hash[2:4], fmt.Sprintf("%s-%d", hash, index))
}
