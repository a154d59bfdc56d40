// Package metastore is the persistent, transactional mapping from
// backend path to cached attributes, negative entries, and directory
// listings. It is the single source of truth; an in-memory LRU sits in
// front of it purely as a read-through accelerator and can never hold
// an answer the durable table does not also agree with.
package metastore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/akarasulu/cachefs/internal/backend"
	cerrors "github.com/akarasulu/cachefs/internal/errors"
	"github.com/avast/retry-go/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store wraps the metadata database plus its in-memory accelerator.
type Store struct {
	db          *sql.DB
	busyTimeout time.Duration

	attrCache *lru.Cache[string, AttrRecord]
	dirCache  *lru.Cache[string, DirListing]
}

// acceleratorSize is the number of hot entries the in-memory LRU keeps
// in front of the SQLite table. It bounds memory, not correctness: a
// cache-sized LRU still observably behaves like the table because every
// write path updates both together.
const acceleratorSize = 4096

// Open opens (creating if necessary) the metadata database at dbPath
// and runs embedded migrations. Any failure here is structural: the
// caller should treat it as StoreUnusableError and fall back to
// pass-through for the mount's lifetime.
func Open(dbPath string, busyTimeoutMillis int) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", dbPath, busyTimeoutMillis)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, cerrors.NewStoreUnusable("opening metadata store", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, cerrors.NewStoreUnusable("pinging metadata store", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, cerrors.NewStoreUnusable("running metadata migrations", err)
	}

	if err := os.Chmod(dbPath, 0600); err != nil {
		db.Close()
		return nil, cerrors.NewStoreUnusable("restricting metadata store permissions", err)
	}

	attrCache, err := lru.New[string, AttrRecord](acceleratorSize)
	if err != nil {
		db.Close()
		return nil, cerrors.NewStoreUnusable("allocating attribute accelerator", err)
	}
	dirCache, err := lru.New[string, DirListing](acceleratorSize)
	if err != nil {
		db.Close()
		return nil, cerrors.NewStoreUnusable("allocating directory accelerator", err)
	}

	return &Store{
		db:          db,
		busyTimeout: time.Duration(busyTimeoutMillis) * time.Millisecond,
		attrCache:   attrCache,
		dirCache:    dirCache,
	}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry retries fn while it fails with a SQLite busy/locked error,
// up to the store's busy timeout, per spec §7 kind 3. If the last
// attempt was still busy when retrying stops, the result is a
// TransientError; a corruption code is returned as a
// StoreUnusableError. Any other failure is returned to the caller as-is.
func (s *Store) withRetry(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.busyTimeout)
	defer cancel()

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = fn()
			return lastErr
		},
		retry.Context(ctx),
		retry.Delay(2*time.Millisecond),
		retry.MaxDelay(20*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
	)
	if err == nil {
		return nil
	}
	if isBusy(lastErr) {
		return cerrors.NewTransient("metadata store busy", lastErr)
	}
	if sqliteErr, ok := lastErr.(sqlite3.Error); ok && (sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB) {
		return cerrors.NewStoreUnusable("metadata store corrupt", lastErr)
	}
	return err
}

func isBusy(err error) bool {
	sqliteErr, ok := err.(sqlite3.Error)
	if !ok {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// LookupAttr returns the cached attribute record for path, or
// errors.ErrCacheMiss if absent, expired, or not yet known.
func (s *Store) LookupAttr(path backend.BackendPath, now int64) (AttrRecord, error) {
	key := path.String()
	if rec, ok := s.attrCache.Get(key); ok {
		if rec.ValidUntil > now {
			return rec, nil
		}
		s.attrCache.Remove(key)
	}

	var rec AttrRecord
	err := s.withRetry(func() error {
		row := s.db.QueryRow(`SELECT kind, size, mtime, ctime, mode, uid, gid, cached_at, valid_until
			FROM attribute WHERE path = ?`, key)
		return row.Scan(&rec.Kind, &rec.Size, &rec.Mtime, &rec.Ctime, &rec.Mode, &rec.UID, &rec.GID, &rec.CachedAt, &rec.ValidUntil)
	})
	if err == sql.ErrNoRows {
		return AttrRecord{}, cerrors.ErrCacheMiss
	}
	if err != nil {
		return AttrRecord{}, fmt.Errorf("lookup_attr %s: %w", key, err)
	}
	if rec.ValidUntil <= now {
		return AttrRecord{}, cerrors.ErrCacheMiss
	}

	s.attrCache.Add(key, rec)
	return rec, nil
}

// PutAttr stores rec for path, replacing any prior record (positive or
// negative) atomically.
func (s *Store) PutAttr(path backend.BackendPath, rec AttrRecord) error {
	key := path.String()
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO attribute (path, kind, size, mtime, ctime, mode, uid, gid, cached_at, valid_until)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				kind=excluded.kind, size=excluded.size, mtime=excluded.mtime, ctime=excluded.ctime,
				mode=excluded.mode, uid=excluded.uid, gid=excluded.gid,
				cached_at=excluded.cached_at, valid_until=excluded.valid_until`,
			key, rec.Kind, rec.Size, rec.Mtime, rec.Ctime, rec.Mode, rec.UID, rec.GID, rec.CachedAt, rec.ValidUntil)
		return err
	})
	if err != nil {
		return fmt.Errorf("put_attr %s: %w", key, err)
	}
	s.attrCache.Add(key, rec)
	return nil
}

// PutNegative stores a NEGATIVE attribute record for path with the
// given validity window.
func (s *Store) PutNegative(path backend.BackendPath, cachedAt, validUntil int64) error {
	return s.PutAttr(path, AttrRecord{Kind: KindNegative, CachedAt: cachedAt, ValidUntil: validUntil})
}

// InvalidateAttr removes any attribute record (positive or negative)
// for path from both the accelerator and the durable table.
func (s *Store) InvalidateAttr(path backend.BackendPath) error {
	key := path.String()
	s.attrCache.Remove(key)
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM attribute WHERE path = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidate_attr %s: %w", key, err)
	}
	return nil
}

// LookupDir returns the cached listing for dirPath, or
// errors.ErrCacheMiss if absent or expired.
func (s *Store) LookupDir(dirPath backend.BackendPath, now int64) (DirListing, error) {
	key := dirPath.String()
	if listing, ok := s.dirCache.Get(key); ok {
		if listing.ValidUntil > now {
			return listing, nil
		}
		s.dirCache.Remove(key)
	}

	var listing DirListing
	var entriesJSON string
	err := s.withRetry(func() error {
		row := s.db.QueryRow(`SELECT dir_mtime, entries, cached_at, valid_until
			FROM directory_listing WHERE dir_path = ?`, key)
		return row.Scan(&listing.DirMtime, &entriesJSON, &listing.CachedAt, &listing.ValidUntil)
	})
	if err == sql.ErrNoRows {
		return DirListing{}, cerrors.ErrCacheMiss
	}
	if err != nil {
		return DirListing{}, fmt.Errorf("lookup_dir %s: %w", key, err)
	}
	if listing.ValidUntil <= now {
		return DirListing{}, cerrors.ErrCacheMiss
	}
	if err := json.Unmarshal([]byte(entriesJSON), &listing.Entries); err != nil {
		return DirListing{}, fmt.Errorf("lookup_dir %s: decoding entries: %w", key, err)
	}

	s.dirCache.Add(key, listing)
	return listing, nil
}

// PutDir atomically replaces the listing for dirPath. The entire
// listing is one JSON payload in one row, so the insert/update is a
// single statement and SQLite's row visibility guarantees an observer
// sees the old image or the new one, never a mix.
func (s *Store) PutDir(dirPath backend.BackendPath, listing DirListing) error {
	key := dirPath.String()
	entriesJSON, err := json.Marshal(listing.Entries)
	if err != nil {
		return fmt.Errorf("put_dir %s: encoding entries: %w", key, err)
	}

	err = s.withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO directory_listing (dir_path, dir_mtime, entries, cached_at, valid_until)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(dir_path) DO UPDATE SET
				dir_mtime=excluded.dir_mtime, entries=excluded.entries,
				cached_at=excluded.cached_at, valid_until=excluded.valid_until`,
			key, listing.DirMtime, string(entriesJSON), listing.CachedAt, listing.ValidUntil)
		return err
	})
	if err != nil {
		return fmt.Errorf("put_dir %s: %w", key, err)
	}
	s.dirCache.Add(key, listing)
	return nil
}

// InvalidateDir removes the listing for dirPath.
func (s *Store) InvalidateDir(dirPath backend.BackendPath) error {
	key := dirPath.String()
	s.dirCache.Remove(key)
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM directory_listing WHERE dir_path = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidate_dir %s: %w", key, err)
	}
	return nil
}
