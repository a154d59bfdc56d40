package blockstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, blockSize, maxBytes int64) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "blocks"), blockSize, maxBytes)
	require.NoError(t, err)
	return s
}

func TestStore_WriteThenRead(t *testing.T) {
	s := newTestStore(t, 4, 0)
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("AAAA")))

	assert.True(t, s.Exists(backend.NewBackendPath("/f"), 0))
	buf := make([]byte, 4)
	n, err := s.Read(backend.NewBackendPath("/f"), 0, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(buf[:n]))
}

func TestStore_ExistsFalseBeforeWrite(t *testing.T) {
	s := newTestStore(t, 4, 0)
	assert.False(t, s.Exists(backend.NewBackendPath("/f"), 0))
}

func TestStore_WriteReplacesAtomically(t *testing.T) {
	s := newTestStore(t, 4, 0)
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("AAAA")))
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("ZZZZ")))

	buf := make([]byte, 4)
	n, err := s.Read(backend.NewBackendPath("/f"), 0, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ZZZZ", string(buf[:n]))
}

func TestStore_InvalidateRangeRemovesIntersectingBlocks(t *testing.T) {
	s := newTestStore(t, 4, 0)
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("AAAA")))
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 1, []byte("AAAA")))

	require.NoError(t, s.InvalidateRange(backend.NewBackendPath("/f"), 2, 2))

	assert.False(t, s.Exists(backend.NewBackendPath("/f"), 0))
	assert.True(t, s.Exists(backend.NewBackendPath("/f"), 1))
}

func TestStore_InvalidateFileRemovesAllBlocks(t *testing.T) {
	s := newTestStore(t, 4, 0)
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("AAAA")))
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 1, []byte("BBBB")))
	require.NoError(t, s.Write(backend.NewBackendPath("/other"), 0, []byte("CCCC")))

	require.NoError(t, s.InvalidateFile(backend.NewBackendPath("/f")))

	assert.False(t, s.Exists(backend.NewBackendPath("/f"), 0))
	assert.False(t, s.Exists(backend.NewBackendPath("/f"), 1))
	assert.True(t, s.Exists(backend.NewBackendPath("/other"), 0))
}

func TestStore_StatsTracksCurrentBytes(t *testing.T) {
	s := newTestStore(t, 4, 0)
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("AAAA")))
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 1, []byte("BB")))

	stats := s.Stats()
	assert.Equal(t, int64(6), stats.CurrentBytes)
}

func TestStore_EvictionReducesUnderBudget(t *testing.T) {
	// block_size = 4096, max_cache_size = 8192, per spec scenario S5.
	s := newTestStore(t, 4096, 8192)

	block := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, s.Write(backend.NewBackendPath("/big"), 0, block))
	require.NoError(t, s.Write(backend.NewBackendPath("/big"), 1, block))
	require.NoError(t, s.Write(backend.NewBackendPath("/big"), 2, block))

	stats := s.Stats()
	assert.LessOrEqual(t, stats.CurrentBytes, int64(float64(8192)*0.9))
}

func TestStore_ReadPastWrittenLengthReturnsShort(t *testing.T) {
	s := newTestStore(t, 8, 0)
	require.NoError(t, s.Write(backend.NewBackendPath("/f"), 0, []byte("AB")))

	buf := make([]byte, 8)
	n, err := s.Read(backend.NewBackendPath("/f"), 0, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
