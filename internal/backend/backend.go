// Package backend is the thin, stateless adapter over the backing POSIX
// path. It makes no caching decisions; every error it returns is the
// backend's own, unwrapped.
package backend

import (
	"io"
	"io/fs"
	"os"
	"sync"
	"syscall"

	"github.com/spf13/afero"
)

// Kind classifies a directory entry or attribute record the way the
// rest of the module reasons about files, independent of os.FileMode.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindOther
)

func kindOf(info os.FileInfo) Kind {
	switch {
	case info.IsDir():
		return KindDir
	case info.Mode()&os.ModeSymlink != 0:
		return KindSymlink
	case info.Mode().IsRegular():
		return KindFile
	default:
		return KindOther
	}
}

// Attr is the raw attribute snapshot returned by Stat, with no TTL or
// caching metadata attached.
type Attr struct {
	Kind  Kind
	Size  int64
	Mtime int64
	Ctime int64
	Mode  uint32
	UID   uint32
	GID   uint32
	Ino   uint64
}

// DirEntry is one entry of a Readdir result.
type DirEntry struct {
	Name string
	Kind Kind
}

// Handle is an open backend file, positioned by offset on every call so
// concurrent Pread/Pwrite on the same handle never race on a shared
// cursor the way a bare Read/Write/Seek trio would.
type Handle interface {
	Pread(offset int64, dst []byte) (int, error)
	Pwrite(offset int64, src []byte) (int, error)
	Close() error
}

// Backend is the operation set of spec §4.1, satisfied by *Adapter in
// production and substitutable in tests.
type Backend interface {
	Stat(path BackendPath) (Attr, error)
	Readdir(path BackendPath) ([]DirEntry, error)
	Open(path BackendPath, flags int) (Handle, error)
	Create(path BackendPath, mode os.FileMode) error
	Mkdir(path BackendPath, mode os.FileMode) error
	Symlink(oldname, newname BackendPath) error
	Link(oldname, newname BackendPath) error
	Unlink(path BackendPath) error
	Rmdir(path BackendPath) error
	Rename(oldpath, newpath BackendPath) error
}

// Adapter wraps an afero.Fs as a Backend. It holds no cache state.
type Adapter struct {
	fs afero.Fs
}

// New wraps fs as a Backend. In production fs is afero.NewOsFs(); tests
// substitute afero.NewMemMapFs() for a deterministic in-memory backend.
func New(fs afero.Fs) *Adapter {
	return &Adapter{fs: fs}
}

func (a *Adapter) Stat(path BackendPath) (Attr, error) {
	info, err := a.fs.Stat(path.String())
	if err != nil {
		return Attr{}, err
	}
	return attrFromInfo(info), nil
}

func attrFromInfo(info fs.FileInfo) Attr {
	mtime := info.ModTime().Unix()
	attr := Attr{
		Kind:  kindOf(info),
		Size:  info.Size(),
		Mtime: mtime,
		Ctime: mtime,
		Mode:  uint32(info.Mode()),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok && sys != nil {
		attr.Ino = sys.Ino
		attr.Ctime = sys.Ctim.Sec
		attr.UID = sys.Uid
		attr.GID = sys.Gid
	}
	return attr
}

func (a *Adapter) Readdir(path BackendPath) ([]DirEntry, error) {
	f, err := a.fs.Open(path.String())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, DirEntry{Name: info.Name(), Kind: kindOf(info)})
	}
	return entries, nil
}

func (a *Adapter) Open(path BackendPath, flags int) (Handle, error) {
	f, err := a.fs.OpenFile(path.String(), flags, 0644)
	if err != nil {
		return nil, err
	}
	return &fileHandle{file: f}, nil
}

func (a *Adapter) Create(path BackendPath, mode os.FileMode) error {
	f, err := a.fs.OpenFile(path.String(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	return f.Close()
}

func (a *Adapter) Mkdir(path BackendPath, mode os.FileMode) error {
	return a.fs.Mkdir(path.String(), mode)
}

// Symlink falls back to syscall.ENOTSUP when the wrapped afero.Fs does
// not implement afero.Symlinker (afero.NewOsFs implements it;
// afero.MemMapFs does not).
func (a *Adapter) Symlink(oldname, newname BackendPath) error {
	if linker, ok := a.fs.(afero.Symlinker); ok {
		return linker.SymlinkIfPossible(oldname.String(), newname.String())
	}
	return syscall.ENOTSUP
}

// Link has no afero equivalent at all; real deployments run against
// afero.NewOsFs and an os.Link-backed implementation would belong
// there, but afero.Fs exposes none, so this is always ENOTSUP until
// afero grows one.
func (a *Adapter) Link(oldname, newname BackendPath) error {
	return syscall.ENOTSUP
}

func (a *Adapter) Unlink(path BackendPath) error {
	return a.fs.Remove(path.String())
}

func (a *Adapter) Rmdir(path BackendPath) error {
	return a.fs.Remove(path.String())
}

func (a *Adapter) Rename(oldpath, newpath BackendPath) error {
	return a.fs.Rename(oldpath.String(), newpath.String())
}

// fileHandle serializes Seek+Read and Seek+Write pairs behind one mutex
// so concurrent Pread/Pwrite calls on the same handle never race on the
// underlying file's shared cursor.
type fileHandle struct {
	mu   sync.Mutex
	file afero.File
}

func (h *fileHandle) Pread(offset int64, dst []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := h.file.Read(dst)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (h *fileHandle) Pwrite(offset int64, src []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return h.file.Write(src)
}

func (h *fileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}
