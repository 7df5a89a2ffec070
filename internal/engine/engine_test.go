package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/blockstore"
	"dedupfs/internal/chunker"
	"dedupfs/internal/common"
	"dedupfs/internal/index"
	"dedupfs/internal/util"
)

func newTestEngine(t *testing.T, blockSize int64) *Engine {
	t.Helper()
	dir := t.TempDir()

	store, err := blockstore.Open(filepath.Join(dir, "blocks"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := index.Create(filepath.Join(dir, "meta.db"), blockSize)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	e, err := New(store, idx)
	require.NoError(t, err)
	return e
}

// Index exposes the engine's concrete index for test assertions.
func (e *Engine) Index() *index.Index {
	return e.idx.(*index.Index)
}

func storedBlockCount(t *testing.T, e *Engine) int {
	t.Helper()
	var n int
	require.NoError(t, e.Store().Walk(func(blockstore.Hash, int64) error {
		n++
		return nil
	}))
	return n
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	data := []byte("hello, block world")
	require.NoError(t, e.Write(ctx, "f1", 0, data))

	got, err := e.Read(ctx, "f1", 0, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := e.Size(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}

func TestSharedPrefixDeduplicates(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	// Two files differing only in their second block share the first.
	require.NoError(t, e.Write(ctx, "f1", 0, []byte("ABCDEFGH")))
	require.NoError(t, e.Write(ctx, "f2", 0, []byte("ABCDZZZZ")))

	// ABCD, EFGH, ZZZZ: three unique blocks for four logical ones.
	assert.Equal(t, 3, storedBlockCount(t, e))

	sharedHash := blockstore.Sum([]byte("ABCD")).String()
	rc, err := e.Index().Refcount(ctx, sharedHash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rc)

	got, err := e.Read(ctx, "f1", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEFGH"), got)
	got, err = e.Read(ctx, "f2", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDZZZZ"), got)
}

func TestRemoveKeepsSharedBlocks(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("ABCDEFGH")))
	require.NoError(t, e.Write(ctx, "f2", 0, []byte("ABCDZZZZ")))

	require.NoError(t, e.Remove(ctx, "f1"))

	// EFGH is gone, ABCD survives for f2.
	assert.Equal(t, 2, storedBlockCount(t, e))
	got, err := e.Read(ctx, "f2", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDZZZZ"), got)

	require.NoError(t, e.Remove(ctx, "f2"))
	assert.Equal(t, 0, storedBlockCount(t, e))
}

func TestPartialBlockOverwrite(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("AAAABBBBCCCC")))
	// Overwrite two bytes straddling the first block boundary.
	require.NoError(t, e.Write(ctx, "f1", 3, []byte("xy")))

	got, err := e.Read(ctx, "f1", 0, 12)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAxyBBBCCCC"), got)

	size, err := e.Size(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
}

func TestSparseWriteReadsZeros(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("AB")))
	require.NoError(t, e.Write(ctx, "f1", 10, []byte("ZZ")))

	got, err := e.Read(ctx, "f1", 0, 12)
	require.NoError(t, err)
	want := append([]byte("AB"), make([]byte, 8)...)
	want = append(want, []byte("ZZ")...)
	assert.Equal(t, want, got)
}

func TestReadPastEOF(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("ABCDEF")))

	// Short read at the tail.
	got, err := e.Read(ctx, "f1", 4, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("EF"), got)

	// Read at EOF and beyond.
	got, err = e.Read(ctx, "f1", 6, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = e.Read(ctx, "f1", 1000, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Unknown files read as empty.
	got, err = e.Read(ctx, "ghost", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTruncateShrink(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("AAAABBBBCCCC")))
	require.NoError(t, e.Truncate(ctx, "f1", 6))

	size, err := e.Size(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	got, err := e.Read(ctx, "f1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAABB"), got)

	// CCCC and the full BBBB are unreferenced now.
	liveBlocks := storedBlockCount(t, e)
	assert.Equal(t, 2, liveBlocks, "AAAA and trimmed BB remain")
}

func TestTruncateGrowZeroFills(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("AB")))
	require.NoError(t, e.Truncate(ctx, "f1", 10))

	got, err := e.Read(ctx, "f1", 0, 100)
	require.NoError(t, err)
	want := append([]byte("AB"), make([]byte, 8)...)
	assert.Equal(t, want, got)
}

func TestTruncateToZero(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("AAAABBBB")))
	require.NoError(t, e.Truncate(ctx, "f1", 0))

	size, err := e.Size(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assert.Equal(t, 0, storedBlockCount(t, e))
}

func TestImportData(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "f1", 0, []byte("OLDCONTENT")))
	require.NoError(t, e.ImportData(ctx, "f1", []byte("NEW")))

	got, err := e.Read(ctx, "f1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("NEW"), got)
}

func TestRemoveUnknownFile(t *testing.T) {
	e := newTestEngine(t, 4)

	err := e.Remove(context.Background(), "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestInvalidRanges(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	_, err := e.Read(ctx, "f1", -1, 10)
	assert.ErrorIs(t, err, common.ErrInvalidRange)
	_, err = e.Read(ctx, "f1", 0, -1)
	assert.ErrorIs(t, err, common.ErrInvalidRange)
	assert.ErrorIs(t, e.Write(ctx, "f1", -1, []byte("x")), common.ErrInvalidRange)
	assert.ErrorIs(t, e.Truncate(ctx, "f1", -1), common.ErrInvalidRange)
}

func TestConcurrentWritersDistinctFiles(t *testing.T) {
	e := newTestEngine(t, 64)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("file-%d", i)
			payload := bytes.Repeat([]byte{byte('a' + i)}, 200)
			if err := e.Write(ctx, id, 0, payload); err != nil {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		got, err := e.Read(ctx, fmt.Sprintf("file-%d", i), 0, 500)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 200), got)
	}
}

func TestConcurrentWritersSameFile(t *testing.T) {
	e := newTestEngine(t, 16)
	ctx := context.Background()

	// Each writer touches a disjoint block-aligned region; retries must
	// converge so all regions land.
	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('A' + i)}, 16)
			errs[i] = e.Write(ctx, "shared", int64(i)*16, payload)
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
	}
	got, err := e.Read(ctx, "shared", 0, 64)
	require.NoError(t, err)
	require.Len(t, got, 64)
	for i := 0; i < writers; i++ {
		assert.Equal(t, bytes.Repeat([]byte{byte('A' + i)}, 16), got[i*16:(i+1)*16])
	}
}

// contendedIndex loses every commit, as if another writer keeps
// advancing the generation between snapshot and commit.
type contendedIndex struct {
	blockSize int64
	commits   int
}

func (c *contendedIndex) BlockSize() int64 { return c.blockSize }

func (c *contendedIndex) FileState(ctx context.Context, fileID string) (*index.FileState, error) {
	return nil, fmt.Errorf("file %s: %w", fileID, common.ErrNotFound)
}

func (c *contendedIndex) CommitBlockList(ctx context.Context, fileID string, expectGen int64, blocks []string, size int64) ([]string, error) {
	c.commits++
	return nil, fmt.Errorf("file %s is at generation %d, expected %d: %w", fileID, expectGen+1, expectGen, common.ErrStaleGeneration)
}

func (c *contendedIndex) DeleteFile(ctx context.Context, fileID string) ([]string, error) {
	return nil, fmt.Errorf("file %s: %w", fileID, common.ErrNotFound)
}

func TestWriteConflictAfterRetryExhaustion(t *testing.T) {
	store, err := blockstore.Open(filepath.Join(t.TempDir(), "blocks"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := chunker.New(4)
	require.NoError(t, err)
	idx := &contendedIndex{blockSize: 4}
	e := &Engine{chunker: c, store: store, idx: idx}

	err = e.Write(context.Background(), "file-1", 0, []byte("data"))
	assert.ErrorIs(t, err, common.ErrWriteConflict)
	assert.Equal(t, int(util.StaleRetryAttempts), idx.commits)

	idx.commits = 0
	err = e.Truncate(context.Background(), "file-1", 8)
	assert.ErrorIs(t, err, common.ErrWriteConflict)
	assert.Equal(t, int(util.StaleRetryAttempts), idx.commits)
}
