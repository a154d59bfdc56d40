package backend

import (
	"os"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() (*Adapter, afero.Fs) {
	fs := afero.NewMemMapFs()
	return New(fs), fs
}

func TestAdapter_StatReturnsRawAttrs(t *testing.T) {
	a, fs := newTestAdapter()
	require.NoError(t, afero.WriteFile(fs, "/a.txt", []byte("hello"), 0644))

	attr, err := a.Stat(NewBackendPath("/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, KindFile, attr.Kind)
	assert.Equal(t, int64(5), attr.Size)
}

func TestAdapter_StatPropagatesNotExist(t *testing.T) {
	a, _ := newTestAdapter()
	_, err := a.Stat(NewBackendPath("/missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestAdapter_Readdir(t *testing.T) {
	a, fs := newTestAdapter()
	require.NoError(t, fs.MkdirAll("/d", 0755))
	require.NoError(t, afero.WriteFile(fs, "/d/x", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/d/y", []byte("y"), 0644))

	entries, err := a.Readdir(NewBackendPath("/d"))
	require.NoError(t, err)
	names := map[string]Kind{}
	for _, e := range entries {
		names[e.Name] = e.Kind
	}
	assert.Equal(t, KindFile, names["x"])
	assert.Equal(t, KindFile, names["y"])
}

func TestAdapter_PreadPwriteAreOffsetAtomic(t *testing.T) {
	a, fs := newTestAdapter()
	require.NoError(t, afero.WriteFile(fs, "/f", []byte("AAAAAAAA"), 0644))

	h, err := a.Open(NewBackendPath("/f"), os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	n, err := h.Pwrite(2, []byte("ZZ"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 8)
	n, err = h.Pread(0, buf)
	require.NoError(t, err)
	assert.Equal(t, "AAZZAAAA", string(buf[:n]))
}

func TestAdapter_CreateThenUnlink(t *testing.T) {
	a, _ := newTestAdapter()
	require.NoError(t, a.Create(NewBackendPath("/new"), 0644))

	attr, err := a.Stat(NewBackendPath("/new"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), attr.Size)

	require.NoError(t, a.Unlink(NewBackendPath("/new")))
	_, err = a.Stat(NewBackendPath("/new"))
	assert.True(t, os.IsNotExist(err))
}

func TestAdapter_MkdirRmdirRename(t *testing.T) {
	a, _ := newTestAdapter()
	require.NoError(t, a.Mkdir(NewBackendPath("/d"), 0755))
	require.NoError(t, a.Create(NewBackendPath("/d/f"), 0644))
	require.NoError(t, a.Rename(NewBackendPath("/d/f"), NewBackendPath("/d/g")))

	_, err := a.Stat(NewBackendPath("/d/f"))
	assert.True(t, os.IsNotExist(err))
	_, err = a.Stat(NewBackendPath("/d/g"))
	require.NoError(t, err)

	require.NoError(t, a.Unlink(NewBackendPath("/d/g")))
	require.NoError(t, a.Rmdir(NewBackendPath("/d")))
}

func TestAdapter_SymlinkUnsupportedOnMemMapFs(t *testing.T) {
	a, _ := newTestAdapter()
	err := a.Symlink(NewBackendPath("/a"), NewBackendPath("/b"))
	assert.Equal(t, syscall.ENOTSUP, err)
}

func TestAdapter_LinkAlwaysUnsupported(t *testing.T) {
	a, _ := newTestAdapter()
	assert.Equal(t, syscall.ENOTSUP, a.Link(NewBackendPath("/a"), NewBackendPath("/b")))
}
