// Package coherence is the sole owner of the "cache or backend?"
// decision and the write-through protocol. Every mutation calls the
// backend before touching cache state; cache-internal failures never
// surface to the caller, and a structural store failure degrades the
// mount to pass-through.
package coherence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/blockstore"
	"github.com/akarasulu/cachefs/internal/config"
	cerrors "github.com/akarasulu/cachefs/internal/errors"
	"github.com/akarasulu/cachefs/internal/metastore"
	"github.com/akarasulu/cachefs/internal/slogutil"
	"golang.org/x/sync/singleflight"
)

// Engine composes the Backend Adapter, Metadata Store, and Block Store
// behind the decision trees of spec §4.4. It never outlives one mount.
type Engine struct {
	backend backend.Backend
	meta    *metastore.Store
	blocks  *blockstore.Store
	cfg     *config.Config
	log     *slog.Logger

	fillGroup singleflight.Group

	degraded    atomic.Bool
	disableOnce sync.Once
}

// New wires an Engine over an already-open backend, metadata store, and
// block store. meta and blocks may be nil, in which case the Engine
// starts degraded (pure pass-through); a later call to Attach lifts the
// degraded state once both stores are open, which is how the
// dispatcher's lazy one-shot initialization gate (spec §4.5) brings up
// an Engine that was constructed before its stores existed.
func New(be backend.Backend, meta *metastore.Store, blocks *blockstore.Store, cfg *config.Config, log *slog.Logger) *Engine {
	e := &Engine{backend: be, meta: meta, blocks: blocks, cfg: cfg, log: log}
	if meta == nil || blocks == nil {
		e.degraded.Store(true)
	}
	return e
}

// Attach wires a just-opened metadata and block store into an Engine
// that was constructed without them, and lifts the degraded state. The
// caller's init gate guarantees no other goroutine observes the Engine
// between these stores being set and the gate reporting READY, so no
// further synchronization is needed here.
func (e *Engine) Attach(meta *metastore.Store, blocks *blockstore.Store) {
	e.meta = meta
	e.blocks = blocks
	e.degraded.Store(false)
}

// Degraded reports whether the Engine has fallen back to pass-through.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Disable transitions the Engine to pass-through for the rest of the
// mount's lifetime. It is idempotent and logs exactly once, per spec §7
// kind 4.
func (e *Engine) Disable(reason error) {
	e.degraded.Store(true)
	e.disableOnce.Do(func() {
		if e.log != nil {
			e.log.Error("cache store unusable, falling back to pass-through for this mount", "reason", reason)
		}
	})
}

func (e *Engine) noteStoreFailure(err error) {
	if cerrors.IsStoreUnusable(err) {
		e.Disable(err)
	}
}

func nowSeconds() int64 {
	return time.Now().Unix()
}

func parentOf(path backend.BackendPath) backend.BackendPath {
	return backend.NewBackendPath(filepath.Dir(path.String()))
}

func attrsFromBackend(a backend.Attr) Attrs {
	return Attrs{Kind: a.Kind, Size: a.Size, Mtime: a.Mtime, Ctime: a.Ctime, Mode: a.Mode, UID: a.UID, GID: a.GID, Ino: a.Ino}
}

func attrsFromRecord(rec metastore.AttrRecord, ino uint64) Attrs {
	return Attrs{
		Kind:  backendKind(rec.Kind),
		Size:  rec.Size,
		Mtime: rec.Mtime,
		Ctime: rec.Ctime,
		Mode:  rec.Mode,
		UID:   rec.UID,
		GID:   rec.GID,
		Ino:   ino,
	}
}

func backendKind(k metastore.Kind) backend.Kind {
	switch k {
	case metastore.KindDir:
		return backend.KindDir
	case metastore.KindSymlink:
		return backend.KindSymlink
	case metastore.KindFile:
		return backend.KindFile
	default:
		return backend.KindOther
	}
}

func recordFromAttr(a backend.Attr, cachedAt, validUntil int64) metastore.AttrRecord {
	return metastore.AttrRecord{
		Kind:       metastoreKind(a.Kind),
		Size:       a.Size,
		Mtime:      a.Mtime,
		Ctime:      a.Ctime,
		Mode:       a.Mode,
		UID:        a.UID,
		GID:        a.GID,
		CachedAt:   cachedAt,
		ValidUntil: validUntil,
	}
}

func metastoreKind(k backend.Kind) metastore.Kind {
	switch k {
	case backend.KindDir:
		return metastore.KindDir
	case backend.KindSymlink:
		return metastore.KindSymlink
	case backend.KindFile:
		return metastore.KindFile
	default:
		return metastore.KindOther
	}
}

// Getattr implements the attribute-query protocol of spec §4.4.
func (e *Engine) Getattr(path backend.BackendPath) (Attrs, error) {
	if e.degraded.Load() || e.cfg.DisableAttrCache {
		attr, err := e.backend.Stat(path)
		if err != nil {
			return Attrs{}, err
		}
		return attrsFromBackend(attr), nil
	}

	now := nowSeconds()
	rec, lookupErr := e.meta.LookupAttr(path, now)
	if lookupErr == nil {
		if rec.IsNegative() {
			return Attrs{}, syscall.ENOENT
		}
		return e.revalidate(path, rec, now)
	}

	e.noteStoreFailure(lookupErr)
	return e.refreshAttr(path, now)
}

// statCoalesced collapses concurrent backend.Stat calls for the same
// path onto one underlying syscall, the same dogpile-prevention
// singleflight.Group fetchBlock uses for block fills.
func (e *Engine) statCoalesced(path backend.BackendPath) (backend.Attr, error) {
	v, err, _ := e.fillGroup.Do("stat#"+path.String(), func() (interface{}, error) {
		return e.backend.Stat(path)
	})
	if err != nil {
		return backend.Attr{}, err
	}
	return v.(backend.Attr), nil
}

// revalidate is the HIT branch: confirm the live inode and that mtime
// and size still match before trusting the cached record.
func (e *Engine) revalidate(path backend.BackendPath, rec metastore.AttrRecord, now int64) (Attrs, error) {
	attr, err := e.statCoalesced(path)
	if err != nil {
		if os.IsNotExist(err) {
			if putErr := e.meta.PutNegative(path, now, now+int64(e.cfg.NegTTL()/time.Second)); putErr != nil {
				e.noteStoreFailure(putErr)
			}
			return Attrs{}, syscall.ENOENT
		}
		return Attrs{}, err
	}

	if attr.Mtime == rec.Mtime && attr.Size == rec.Size {
		return attrsFromRecord(rec, attr.Ino), nil
	}

	if err := e.meta.InvalidateAttr(path); err != nil {
		e.noteStoreFailure(err)
	}
	if err := e.blocks.InvalidateFile(path); err != nil {
		e.logDebug(path, "invalidate_file failed on revalidation", "error", err)
	}

	ttl := now + int64(e.cfg.MetaTTL()/time.Second)
	fresh := recordFromAttr(attr, now, ttl)
	if err := e.meta.PutAttr(path, fresh); err != nil {
		e.noteStoreFailure(err)
	}
	return attrsFromBackend(attr), nil
}

// refreshAttr is the MISS branch: nothing cached (or the cache could not
// answer), so ask the backend directly and populate accordingly.
func (e *Engine) refreshAttr(path backend.BackendPath, now int64) (Attrs, error) {
	attr, err := e.statCoalesced(path)
	if err != nil {
		if os.IsNotExist(err) {
			ttl := now + int64(e.cfg.NegTTL()/time.Second)
			if putErr := e.meta.PutNegative(path, now, ttl); putErr != nil {
				e.noteStoreFailure(putErr)
			}
			return Attrs{}, syscall.ENOENT
		}
		return Attrs{}, err
	}

	ttl := now + int64(e.cfg.MetaTTL()/time.Second)
	rec := recordFromAttr(attr, now, ttl)
	if putErr := e.meta.PutAttr(path, rec); putErr != nil {
		e.noteStoreFailure(putErr)
	}
	return attrsFromBackend(attr), nil
}

// Readdir implements the directory-listing protocol of spec §4.4.
func (e *Engine) Readdir(path backend.BackendPath) ([]DirEntry, error) {
	attr, err := e.backend.Stat(path)
	if err != nil {
		return nil, err
	}
	if e.degraded.Load() {
		return e.readdirFromBackend(path)
	}

	now := nowSeconds()
	listing, lookupErr := e.meta.LookupDir(path, now)
	if lookupErr == nil && listing.DirMtime == attr.Mtime {
		return dirEntriesFromRecords(listing.Entries), nil
	}
	if lookupErr != nil {
		e.noteStoreFailure(lookupErr)
	}

	entries, err := e.readdirFromBackend(path)
	if err != nil {
		return nil, err
	}

	ttl := now + int64(e.cfg.DirTTL()/time.Second)
	record := metastore.DirListing{DirMtime: attr.Mtime, Entries: dirRecordsFromEntries(entries), CachedAt: now, ValidUntil: ttl}
	if putErr := e.meta.PutDir(path, record); putErr != nil {
		e.noteStoreFailure(putErr)
	}
	return entries, nil
}

func (e *Engine) readdirFromBackend(path backend.BackendPath) ([]DirEntry, error) {
	raw, err := e.backend.Readdir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, DirEntry{Name: r.Name, Kind: r.Kind})
	}
	return entries, nil
}

func dirRecordsFromEntries(entries []DirEntry) []metastore.DirEntry {
	out := make([]metastore.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, metastore.DirEntry{Name: e.Name, Kind: metastoreKind(e.Kind)})
	}
	return out
}

func dirEntriesFromRecords(recs []metastore.DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, DirEntry{Name: r.Name, Kind: backendKind(r.Kind)})
	}
	return out
}

// Open runs the attribute-query protocol (which already invalidates
// stale blocks on a mismatch) and then opens the backend handle the
// caller will read and write through.
func (e *Engine) Open(path backend.BackendPath, flags int) (backend.Handle, error) {
	if _, err := e.Getattr(path); err != nil {
		return nil, err
	}
	return e.backend.Open(path, flags)
}

// Read serves [offset, offset+length) of path, filling any missing
// blocks from the backend through handle and populating the Block
// Store as it goes. Concurrent reads of the same missing block collapse
// onto one backend fetch via singleflight.
func (e *Engine) Read(handle backend.Handle, path backend.BackendPath, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	blockSize := int64(e.cfg.BlockSizeBytes)
	first := offset / blockSize
	last := (offset + length - 1) / blockSize

	out := make([]byte, 0, length)
	for idx := first; idx <= last; idx++ {
		blockStart := idx * blockSize
		data, err := e.fetchBlock(handle, path, idx, blockStart, blockSize)
		if err != nil {
			return nil, err
		}

		blockEnd := blockStart + int64(len(data))
		rangeStart := offset
		if blockStart > rangeStart {
			rangeStart = blockStart
		}
		rangeEnd := offset + length
		if blockEnd < rangeEnd {
			rangeEnd = blockEnd
		}
		if rangeStart < rangeEnd {
			out = append(out, data[rangeStart-blockStart:rangeEnd-blockStart]...)
		}
		if int64(len(data)) < blockSize {
			break // short block: backend pread hit EOF
		}
	}
	return out, nil
}

func (e *Engine) fetchBlock(handle backend.Handle, path backend.BackendPath, index, blockStart, blockSize int64) ([]byte, error) {
	if !e.degraded.Load() && e.blocks.Exists(path, index) {
		buf := make([]byte, blockSize)
		n, err := e.blocks.Read(path, index, buf, 0)
		if err == nil {
			return buf[:n], nil
		}
		e.logDebug(path, "block read failed, refetching from backend", "index", index, "error", err)
	}

	key := fmt.Sprintf("%s#%d", path.String(), index)
	v, err, _ := e.fillGroup.Do(key, func() (interface{}, error) {
		buf := make([]byte, blockSize)
		n, err := handle.Pread(blockStart, buf)
		if err != nil {
			return nil, err
		}
		data := buf[:n]
		if !e.degraded.Load() {
			if werr := e.blocks.Write(path, index, data); werr != nil {
				e.logDebug(path, "block write failed, serving uncached", "index", index, "error", werr)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Write is write-through: the backend pwrite must complete before any
// cache state changes, per spec §4.4 and §7 kind 1/6.
func (e *Engine) Write(handle backend.Handle, path backend.BackendPath, buf []byte, offset int64) (int, error) {
	var existedWithContent bool
	if !e.degraded.Load() {
		if before, err := e.backend.Stat(path); err == nil {
			existedWithContent = before.Size > 0
		}
	}

	n, err := handle.Pwrite(offset, buf)
	if err != nil {
		return n, err
	}
	if e.degraded.Load() || n == 0 {
		return n, nil
	}

	if err := e.blocks.InvalidateRange(path, offset, int64(n)); err != nil {
		e.logDebug(path, "invalidate_range failed after write", "error", err)
	}
	if err := e.meta.InvalidateAttr(path); err != nil {
		e.noteStoreFailure(err)
	}
	if !existedWithContent {
		if err := e.meta.InvalidateDir(parentOf(path)); err != nil {
			e.noteStoreFailure(err)
		}
	}
	return n, nil
}

// Create backs create/mkdir/symlink/link: the backend call runs first,
// and on success the created path's NEGATIVE entry and its parent
// listing are invalidated.
func (e *Engine) Create(path backend.BackendPath, mode os.FileMode) error {
	if err := e.backend.Create(path, mode); err != nil {
		return err
	}
	return e.afterCreate(path)
}

func (e *Engine) Mkdir(path backend.BackendPath, mode os.FileMode) error {
	if err := e.backend.Mkdir(path, mode); err != nil {
		return err
	}
	return e.afterCreate(path)
}

func (e *Engine) Symlink(oldname, newname backend.BackendPath) error {
	if err := e.backend.Symlink(oldname, newname); err != nil {
		return err
	}
	return e.afterCreate(newname)
}

func (e *Engine) Link(oldname, newname backend.BackendPath) error {
	if err := e.backend.Link(oldname, newname); err != nil {
		return err
	}
	return e.afterCreate(newname)
}

func (e *Engine) afterCreate(path backend.BackendPath) error {
	if e.degraded.Load() {
		return nil
	}
	if err := e.meta.InvalidateAttr(path); err != nil {
		e.noteStoreFailure(err)
	}
	if err := e.meta.InvalidateDir(parentOf(path)); err != nil {
		e.noteStoreFailure(err)
	}
	return nil
}

// Unlink and Rmdir both clear the path's attribute, its blocks, and the
// parent listing once the backend confirms removal.
func (e *Engine) Unlink(path backend.BackendPath) error {
	if err := e.backend.Unlink(path); err != nil {
		return err
	}
	return e.afterRemove(path)
}

func (e *Engine) Rmdir(path backend.BackendPath) error {
	if err := e.backend.Rmdir(path); err != nil {
		return err
	}
	return e.afterRemove(path)
}

func (e *Engine) afterRemove(path backend.BackendPath) error {
	if e.degraded.Load() {
		return nil
	}
	if err := e.meta.InvalidateAttr(path); err != nil {
		e.noteStoreFailure(err)
	}
	if err := e.blocks.InvalidateFile(path); err != nil {
		e.logDebug(path, "invalidate_file failed after remove", "error", err)
	}
	if err := e.meta.InvalidateDir(parentOf(path)); err != nil {
		e.noteStoreFailure(err)
	}
	return nil
}

// Rename invalidates both endpoints and both parent listings once the
// backend rename has committed.
func (e *Engine) Rename(src, dst backend.BackendPath) error {
	if err := e.backend.Rename(src, dst); err != nil {
		return err
	}
	if e.degraded.Load() {
		return nil
	}
	for _, p := range []backend.BackendPath{src, dst} {
		if err := e.meta.InvalidateAttr(p); err != nil {
			e.noteStoreFailure(err)
		}
		if err := e.blocks.InvalidateFile(p); err != nil {
			e.logDebug(p, "invalidate_file failed after rename", "error", err)
		}
	}
	for _, p := range []backend.BackendPath{parentOf(src), parentOf(dst)} {
		if err := e.meta.InvalidateDir(p); err != nil {
			e.noteStoreFailure(err)
		}
	}
	return nil
}

// Stats aggregates block-store usage and degraded state for diagnostics.
func (e *Engine) Stats() Stats {
	s := Stats{Degraded: e.degraded.Load()}
	if e.blocks != nil {
		bs := e.blocks.Stats()
		s.CurrentBytes = bs.CurrentBytes
		s.LimitBytes = bs.LimitBytes
	}
	return s
}

// logDebug attaches path to the log record via slogutil's context-carried
// attributes rather than passing it as a positional arg, the same idiom
// the teacher's virtualfs package uses to thread file_path through its
// logging without every call site repeating it.
func (e *Engine) logDebug(path backend.BackendPath, msg string, args ...any) {
	if e.log == nil || !e.cfg.CacheDebug {
		return
	}
	ctx := slogutil.With(context.Background(), "path", path.String())
	e.log.DebugContext(ctx, msg, args...)
}
