// Package dispatcher fronts the FUSE gateway callbacks, translates the
// gateway-visible path to a backend path, and composes every answer
// from the Coherence Engine. It owns nothing about caching policy
// itself.
package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

var (
	_ fs.NodeOnAdder     = (*DirNode)(nil)
	_ fs.NodeReaddirer   = (*DirNode)(nil)
	_ fs.NodeLookuper    = (*DirNode)(nil)
	_ fs.NodeGetattrer   = (*DirNode)(nil)
	_ fs.NodeRenamer     = (*DirNode)(nil)
	_ fs.NodeMkdirer     = (*DirNode)(nil)
	_ fs.NodeCreater     = (*DirNode)(nil)
	_ fs.NodeUnlinker    = (*DirNode)(nil)
	_ fs.NodeRmdirer     = (*DirNode)(nil)
	_ fs.NodeSymlinker   = (*DirNode)(nil)
	_ fs.NodeLinker      = (*DirNode)(nil)

	_ fs.NodeSetattrer = (*DirNode)(nil)

	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeSetattrer = (*FileNode)(nil)
	_ fs.NodeOpener    = (*FileNode)(nil)
	_ fs.NodeReader    = (*FileNode)(nil)
	_ fs.NodeWriter    = (*FileNode)(nil)

	_ fs.FileReleaser = (*fileHandle)(nil)
)

// Dispatcher owns the one Engine instance a mount uses and the lazy
// cache-initialization gate of spec §4.5.
type Dispatcher struct {
	engine     *coherence.Engine
	backendAbs string
	identity   IdentityMapper
	gate       initGate
	initOnce   func() error
}

// New builds a Dispatcher. initFn runs exactly once, on the first
// attribute query or read, to open the cache stores the Engine depends
// on; if it fails the mount runs degraded for its lifetime.
func New(engine *coherence.Engine, backendAbs string, identity IdentityMapper, initFn func() error) *Dispatcher {
	if identity == nil {
		identity = passthroughIdentity{}
	}
	return &Dispatcher{engine: engine, backendAbs: backendAbs, identity: identity, initOnce: initFn}
}

func (d *Dispatcher) ensureInitialized() {
	if d.initOnce == nil {
		return
	}
	if err := d.gate.ensure(d.initOnce); err != nil {
		d.engine.Disable(err)
		return
	}
	if d.engine.Degraded() {
		d.gate.disable()
	}
}

func (d *Dispatcher) toBackendPath(virtual string) backend.BackendPath {
	return backend.NewBackendPath(filepath.Join(d.backendAbs, virtual))
}

func (d *Dispatcher) fillAttrOut(attrs coherence.Attrs, out *fuse.Attr) {
	out.Size = uint64(attrs.Size)
	out.Mtime = uint64(attrs.Mtime)
	out.Ctime = uint64(attrs.Ctime)
	out.Atime = uint64(attrs.Mtime)
	out.Mode = d.identity.MapMode(attrs.Mode)
	out.Uid = d.identity.MapUID(attrs.UID)
	out.Gid = d.identity.MapGID(attrs.GID)
	out.Ino = attrs.Ino
	out.Blksize = 4096
	out.Blocks = (out.Size + 511) / 512
	if attrs.Kind == backend.KindDir {
		out.Mode |= syscall.S_IFDIR
		if out.Nlink == 0 {
			out.Nlink = 2
		}
	} else {
		if out.Nlink == 0 {
			out.Nlink = 1
		}
	}
}

func errnoFrom(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if err == syscall.ENOENT || os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return syscall.EIO
}

// DirNode is a directory-representing inode under the mount.
type DirNode struct {
	fs.Inode
	d    *Dispatcher
	path string // virtual path, relative to the mount root ("" for root)
}

func (n *DirNode) OnAdd(ctx context.Context) {}

func (n *DirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.d.ensureInitialized()
	attrs, err := n.d.engine.Getattr(n.d.toBackendPath(n.path))
	if err != nil {
		return errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)
	return 0
}

// Setattr has no dedicated coherence operation (spec §1 treats mode and
// ownership rewriting as an external collaborator); it reports the
// current attributes rather than rejecting the call outright.
func (n *DirNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return n.Getattr(ctx, fh, out)
}

func (n *DirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.d.ensureInitialized()
	entries, err := n.d.engine.Readdir(n.d.toBackendPath(n.path))
	if err != nil {
		return nil, errnoFrom(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(0)
		if e.Kind == backend.KindDir {
			mode = syscall.S_IFDIR
		} else {
			mode = syscall.S_IFREG
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *DirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.d.ensureInitialized()
	childVirtual := filepath.Join(n.path, name)
	attrs, err := n.d.engine.Getattr(n.d.toBackendPath(childVirtual))
	if err != nil {
		return nil, errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)

	if attrs.Kind == backend.KindDir {
		child := &DirNode{d: n.d, path: childVirtual}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: attrs.Ino}), 0
	}
	child := &FileNode{d: n.d, path: childVirtual}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: attrs.Ino}), 0
}

func (n *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.d.ensureInitialized()
	childVirtual := filepath.Join(n.path, name)
	if err := n.d.engine.Mkdir(n.d.toBackendPath(childVirtual), os.FileMode(mode)); err != nil {
		return nil, errnoFrom(err)
	}
	attrs, err := n.d.engine.Getattr(n.d.toBackendPath(childVirtual))
	if err != nil {
		return nil, errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)
	child := &DirNode{d: n.d, path: childVirtual}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: attrs.Ino}), 0
}

func (n *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	n.d.ensureInitialized()
	childVirtual := filepath.Join(n.path, name)
	backendPath := n.d.toBackendPath(childVirtual)

	if err := n.d.engine.Create(backendPath, os.FileMode(mode)); err != nil {
		return nil, nil, 0, errnoFrom(err)
	}

	h, err := n.d.engine.Open(backendPath, int(flags))
	if err != nil {
		return nil, nil, 0, errnoFrom(err)
	}

	attrs, err := n.d.engine.Getattr(backendPath)
	if err != nil {
		h.Close()
		return nil, nil, 0, errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)

	child := &FileNode{d: n.d, path: childVirtual}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: attrs.Ino})
	fh := &fileHandle{d: n.d, path: backendPath, handle: h}
	return inode, fh, 0, 0
}

func (n *DirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	n.d.ensureInitialized()
	return errnoFrom(n.d.engine.Unlink(n.d.toBackendPath(filepath.Join(n.path, name))))
}

func (n *DirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.d.ensureInitialized()
	return errnoFrom(n.d.engine.Rmdir(n.d.toBackendPath(filepath.Join(n.path, name))))
}

func (n *DirNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.d.ensureInitialized()
	childVirtual := filepath.Join(n.path, name)
	backendPath := n.d.toBackendPath(childVirtual)
	if err := n.d.engine.Symlink(backend.NewBackendPath(target), backendPath); err != nil {
		return nil, errnoFrom(err)
	}
	attrs, err := n.d.engine.Getattr(backendPath)
	if err != nil {
		return nil, errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)
	child := &FileNode{d: n.d, path: childVirtual}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFLNK, Ino: attrs.Ino}), 0
}

func (n *DirNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.d.ensureInitialized()
	src, ok := target.(*FileNode)
	if !ok {
		return nil, syscall.EINVAL
	}
	childVirtual := filepath.Join(n.path, name)
	backendPath := n.d.toBackendPath(childVirtual)
	if err := n.d.engine.Link(n.d.toBackendPath(src.path), backendPath); err != nil {
		return nil, errnoFrom(err)
	}
	attrs, err := n.d.engine.Getattr(backendPath)
	if err != nil {
		return nil, errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)
	child := &FileNode{d: n.d, path: childVirtual}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: attrs.Ino}), 0
}

func (n *DirNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	n.d.ensureInitialized()
	target, ok := newParent.(*DirNode)
	if !ok {
		return syscall.EINVAL
	}
	src := n.d.toBackendPath(filepath.Join(n.path, oldName))
	dst := n.d.toBackendPath(filepath.Join(target.path, newName))
	return errnoFrom(n.d.engine.Rename(src, dst))
}

// FileNode is a regular-file-representing inode under the mount.
type FileNode struct {
	fs.Inode
	d    *Dispatcher
	path string
}

func (n *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.d.ensureInitialized()
	attrs, err := n.d.engine.Getattr(n.d.toBackendPath(n.path))
	if err != nil {
		return errnoFrom(err)
	}
	n.d.fillAttrOut(attrs, &out.Attr)
	return 0
}

func (n *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return n.Getattr(ctx, fh, out)
}

func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.d.ensureInitialized()
	backendPath := n.d.toBackendPath(n.path)
	h, err := n.d.engine.Open(backendPath, int(flags))
	if err != nil {
		return nil, 0, errnoFrom(err)
	}
	return &fileHandle{d: n.d, path: backendPath, handle: h}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *FileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EINVAL
	}
	return h.read(dest, off)
}

func (n *FileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EINVAL
	}
	return h.write(data, off)
}

// fileHandle wraps one open backend handle for the duration a FUSE
// caller keeps a file open, so Read/Write reuse the same backend fd
// instead of reopening per call.
type fileHandle struct {
	d      *Dispatcher
	path   backend.BackendPath
	handle backend.Handle
	mu     sync.Mutex
}

func (h *fileHandle) read(dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.d.engine.Read(h.handle, h.path, off, int64(len(dest)))
	if err != nil {
		return nil, errnoFrom(err)
	}
	return fuse.ReadResultData(buf), 0
}

func (h *fileHandle) write(data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.d.engine.Write(h.handle, h.path, data, off)
	if err != nil {
		return uint32(n), errnoFrom(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.handle.Close(); err != nil {
		return errnoFrom(err)
	}
	return 0
}
