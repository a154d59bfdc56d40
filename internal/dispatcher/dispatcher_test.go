package dispatcher

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/blockstore"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/akarasulu/cachefs/internal/config"
	"github.com/akarasulu/cachefs/internal/metastore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitGate_RunsInitializerExactlyOnce(t *testing.T) {
	var g initGate
	calls := 0
	init := func() error {
		calls++
		return nil
	}

	require.NoError(t, g.ensure(init))
	require.NoError(t, g.ensure(init))
	require.NoError(t, g.ensure(init))
	assert.Equal(t, 1, calls)
}

func TestInitGate_FailureDisablesAndIsSticky(t *testing.T) {
	var g initGate
	err := errDummy{}
	calls := 0
	init := func() error {
		calls++
		return err
	}

	assert.Equal(t, err, g.ensure(init))
	assert.Equal(t, err, g.ensure(init))
	assert.Equal(t, 1, calls)
	assert.True(t, g.disabled())
}

type errDummy struct{}

func (errDummy) Error() string { return "dummy" }

func TestPassthroughIdentity_ReturnsInputUnchanged(t *testing.T) {
	var m passthroughIdentity
	assert.Equal(t, uint32(42), m.MapUID(42))
	assert.Equal(t, uint32(7), m.MapGID(7))
	assert.Equal(t, uint32(0644), m.MapMode(0644))
}

func TestDispatcher_ToBackendPathJoinsRoot(t *testing.T) {
	d := &Dispatcher{backendAbs: "/backend/root", identity: passthroughIdentity{}}
	assert.Equal(t, backend.NewBackendPath("/backend/root/a/b.txt"), d.toBackendPath("a/b.txt"))
	assert.Equal(t, backend.NewBackendPath("/backend/root"), d.toBackendPath(""))
}

func TestErrnoFrom(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), errnoFrom(nil))
	assert.Equal(t, syscall.ENOENT, errnoFrom(syscall.ENOENT))
	assert.Equal(t, syscall.EACCES, errnoFrom(syscall.EACCES))
	assert.Equal(t, syscall.EIO, errnoFrom(assert.AnError))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	be := backend.New(fs)

	meta, err := metastore.Open(filepath.Join(t.TempDir(), "metadata.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blocks, err := blockstore.New(filepath.Join(t.TempDir(), "blocks"), 4, 0)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.BlockSizeBytes = 4

	engine := coherence.New(be, meta, blocks, cfg, nil)
	d := New(engine, "", nil, nil)
	return d, fs
}

func TestDispatcher_LazyInitOpensStoresOnFirstCall(t *testing.T) {
	fs := afero.NewMemMapFs()
	be := backend.New(fs)
	require.NoError(t, afero.WriteFile(fs, "/f", []byte("hello"), 0644))

	cfg := config.DefaultConfig()
	cfg.BlockSizeBytes = 4
	engine := coherence.New(be, nil, nil, cfg, nil)
	require.True(t, engine.Degraded(), "engine must start degraded before its stores are opened")

	opened := 0
	initFn := func() error {
		opened++
		meta, err := metastore.Open(filepath.Join(t.TempDir(), "metadata.db"), 100)
		require.NoError(t, err)
		blocks, err := blockstore.New(filepath.Join(t.TempDir(), "blocks"), 4, 0)
		require.NoError(t, err)
		engine.Attach(meta, blocks)
		return nil
	}

	d := New(engine, "", nil, initFn)
	path := d.toBackendPath("/f")

	d.ensureInitialized()
	assert.False(t, engine.Degraded(), "first call through the dispatcher must run initFn and attach real stores")

	_, err := d.engine.Getattr(path)
	require.NoError(t, err)

	d.ensureInitialized()
	assert.Equal(t, 1, opened, "initFn must run exactly once across repeated calls")
}

func TestFileHandle_ReadWriteRoundTrip(t *testing.T) {
	d, fs := newTestDispatcher(t)
	require.NoError(t, afero.WriteFile(fs, "/f", []byte("AAAAAAAA"), 0644))

	path := d.toBackendPath("/f")
	backendHandle, err := d.engine.Open(path, os.O_RDWR)
	require.NoError(t, err)

	fh := &fileHandle{d: d, path: path, handle: backendHandle}

	res, errno := fh.read(make([]byte, 8), 0)
	require.Equal(t, syscall.Errno(0), errno)
	buf := make([]byte, 8)
	data, _ := res.Bytes(buf)
	assert.Equal(t, "AAAAAAAA", string(data))

	written, errno := fh.write([]byte("ZZ"), 2)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(2), written)

	res, errno = fh.read(make([]byte, 8), 0)
	require.Equal(t, syscall.Errno(0), errno)
	buf = make([]byte, 8)
	data, _ = res.Bytes(buf)
	assert.Equal(t, "AAZZAAAA", string(data))

	assert.Equal(t, syscall.Errno(0), fh.Release(nil))
}
