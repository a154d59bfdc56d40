// Package blockstore is the persistent, content-addressed cache of
// fixed-size file blocks with atime-ordered LRU eviction under a byte
// budget. Every block is one file; writes are atomic via a temp file
// plus rename.
package blockstore

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
)

// Store manages block files under root. New creates root with
// owner-only permissions if it does not exist yet.
type Store struct {
	root         string
	blockSize    int64
	maxBytes     int64
	currentBytes atomic.Int64

	keyLocks sync.Map // relative block path -> *sync.RWMutex
	evictMu  sync.Mutex
}

// New opens a Store rooted at root. maxBytes <= 0 means unbounded.
func New(root string, blockSize, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating block store root: %w", err)
	}
	s := &Store{root: root, blockSize: blockSize, maxBytes: maxBytes}

	size, err := s.scanCurrentSize()
	if err != nil {
		return nil, fmt.Errorf("scanning existing blocks: %w", err)
	}
	s.currentBytes.Store(size)
	return s, nil
}

func (s *Store) scanCurrentSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// lockFor returns the mutex guarding one block file, keyed by its
// relative on-disk path rather than the caller's (path, index) pair, so
// eviction, which only ever sees file paths, locks the exact same
// mutex a concurrent Read/Write would.
func (s *Store) lockFor(path backend.BackendPath, index int64) *sync.RWMutex {
	return s.lockForKey(blockRelPath(path.String(), index))
}

func (s *Store) absPath(path backend.BackendPath, index int64) string {
	return filepath.Join(s.root, blockRelPath(path.String(), index))
}

// Exists reports whether the block (path, index) is currently cached.
func (s *Store) Exists(path backend.BackendPath, index int64) bool {
	lock := s.lockFor(path, index)
	lock.RLock()
	defer lock.RUnlock()

	_, err := os.Stat(s.absPath(path, index))
	return err == nil
}

// Read copies up to len(dst) bytes of block (path, index) starting at
// withinBlockOffset into dst, returning the number of bytes read.
func (s *Store) Read(path backend.BackendPath, index int64, dst []byte, withinBlockOffset int64) (int, error) {
	lock := s.lockFor(path, index)
	lock.RLock()
	defer lock.RUnlock()

	f, err := os.Open(s.absPath(path, index))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.ReadAt(dst, withinBlockOffset)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

// Write atomically stores content as block (path, index), then evicts
// if the store now exceeds its byte budget.
func (s *Store) Write(path backend.BackendPath, index int64, content []byte) error {
	lock := s.lockFor(path, index)
	lock.Lock()

	dest := s.absPath(path, index)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		lock.Unlock()
		return fmt.Errorf("creating block directory: %w", err)
	}

	tmp := dest + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		lock.Unlock()
		return fmt.Errorf("writing temp block: %w", err)
	}

	var prevSize int64
	if info, err := os.Stat(dest); err == nil {
		prevSize = info.Size()
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		lock.Unlock()
		return fmt.Errorf("replacing block: %w", err)
	}
	lock.Unlock()

	s.currentBytes.Add(int64(len(content)) - prevSize)

	if s.maxBytes > 0 && s.currentBytes.Load() > s.maxBytes {
		s.evict()
	}
	return nil
}

type blockFile struct {
	path  string
	atime int64
	size  int64
}

// evict unlinks oldest-atime blocks until current_bytes drops to
// 0.9*max_cache_size, fanning out the unlinks across a bounded worker
// pool. Eviction takes each block's per-key lock before removing it, so
// a block currently being read is never deleted out from under a
// reader.
func (s *Store) evict() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if s.maxBytes <= 0 || s.currentBytes.Load() <= s.maxBytes {
		return
	}

	var blocks []blockFile
	filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		blocks = append(blocks, blockFile{path: p, atime: atimeOf(info), size: info.Size()})
		return nil
	})

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].atime < blocks[j].atime })

	target := int64(float64(s.maxBytes) * 0.9)
	pool := concpool.New().WithMaxGoroutines(8)

	for _, b := range blocks {
		if s.currentBytes.Load() <= target {
			break
		}
		b := b
		s.currentBytes.Add(-b.size)
		pool.Go(func() {
			relKey, ok := keyFromRelPath(s.root, b.path)
			if !ok {
				os.Remove(b.path)
				return
			}
			lock := s.lockForKey(relKey)
			lock.Lock()
			defer lock.Unlock()
			os.Remove(b.path)
		})
	}
	pool.Wait()
}

func (s *Store) lockForKey(key string) *sync.RWMutex {
	l, _ := s.keyLocks.LoadOrStore(key, &sync.RWMutex{})
	return l.(*sync.RWMutex)
}

// keyFromRelPath turns a block file's absolute path back into the
// relative-path key lockFor uses, so eviction locks exactly the mutex
// a concurrent Read/Write on the same file would take.
func keyFromRelPath(root, absPath string) (string, bool) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", false
	}
	return rel, true
}

func atimeOf(info fs.FileInfo) int64 {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok && sys != nil {
		return sys.Atim.Sec
	}
	return info.ModTime().Unix()
}

// InvalidateRange deletes every block of path whose byte range
// intersects [offset, offset+length).
func (s *Store) InvalidateRange(path backend.BackendPath, offset, length int64) error {
	first := offset / s.blockSize
	last := (offset + length - 1) / s.blockSize
	if length <= 0 {
		return nil
	}

	var firstErr error
	for idx := first; idx <= last; idx++ {
		if err := s.removeBlock(path, idx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) removeBlock(path backend.BackendPath, index int64) error {
	lock := s.lockFor(path, index)
	lock.Lock()
	defer lock.Unlock()

	dest := s.absPath(path, index)
	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil {
		return err
	}
	s.currentBytes.Add(-info.Size())
	return nil
}

// InvalidateFile deletes every cached block belonging to path,
// regardless of index, by scanning the fan-out directory for the
// path's hash prefix.
func (s *Store) InvalidateFile(path backend.BackendPath) error {
	hash := pathHash(path.String())
	dir := filepath.Join(s.root, hash[0:2], hash[2:4])

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalidate_file %s: %w", path.String(), err)
	}

	prefix := hash + "-"
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(full); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.currentBytes.Add(-info.Size())
	}
	return firstErr
}

// Stats reports the current byte usage and configured limit.
type Stats struct {
	CurrentBytes int64
	LimitBytes   int64
}

func (s *Store) Stats() Stats {
	return Stats{CurrentBytes: s.currentBytes.Load(), LimitBytes: s.maxBytes}
}
