package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/common"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	data := []byte("hello blocks")
	h, err := s.Put(data)
	require.NoError(t, err)

	want := sha256.Sum256(data)
	assert.Equal(t, Hash(want), h)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	data := []byte("same content twice")
	h1, err := s.Put(data)
	require.NoError(t, err)
	h2, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Exactly one block file on disk.
	var count int
	require.NoError(t, s.Walk(func(Hash, int64) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestFanOutLayout(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	h, err := s.Put([]byte("layout"))
	require.NoError(t, err)

	name := h.String()
	path := filepath.Join(s.Root(), name[0:2], name[2:4], name)
	_, err = os.Stat(path)
	assert.NoError(t, err, "block should live under two-level hex fan-out")
}

func TestGetMissingBlock(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var h Hash
	h[0] = 0xde
	h[1] = 0xad
	_, err := s.Get(h)
	assert.ErrorIs(t, err, common.ErrBlockNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	h, err := s.Put([]byte("to be removed"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(h))
	require.NoError(t, s.Delete(h), "second delete must not fail")

	_, err = s.Get(h)
	assert.ErrorIs(t, err, common.ErrBlockNotFound)
}

func TestHasReportsPresence(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	h, err := s.Put([]byte("present"))
	require.NoError(t, err)

	ok, err := s.Has(h)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(h))
	ok, err = s.Has(h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkSkipsTempFiles(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	h, err := s.Put([]byte("real block"))
	require.NoError(t, err)

	// Simulate a crashed writer leaving a temp file behind.
	name := h.String()
	dir := filepath.Join(s.Root(), name[0:2], name[2:4])
	require.NoError(t, os.WriteFile(filepath.Join(dir, "put-123.tmp"), []byte("junk"), 0o644))

	var seen []Hash
	require.NoError(t, s.Walk(func(wh Hash, size int64) error {
		seen = append(seen, wh)
		assert.Equal(t, int64(len("real block")), size)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.Equal(t, h, seen[0])
}

func TestClosedStoreRejectsOps(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Put([]byte("x"))
	assert.ErrorIs(t, err, common.ErrStoreClosed)
	_, err = s.Get(Hash{})
	assert.ErrorIs(t, err, common.ErrStoreClosed)
	assert.ErrorIs(t, s.Delete(Hash{}), common.ErrStoreClosed)
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	h := Sum([]byte("parse me"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
	_, err = ParseHash(hex.EncodeToString(make([]byte, 31))+"zz")
	assert.Error(t, err)
}
