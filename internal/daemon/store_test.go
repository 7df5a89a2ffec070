package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/blockstore"
	"dedupfs/internal/index"
)

func initTestStore(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, InitStoreDir(root))

	idx, err := index.Create(DBPath(root), 16)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	// Pin the config to the test block size.
	cfg := "block_size: 16\nlogging: none\n"
	require.NoError(t, os.WriteFile(ConfigPath(root), []byte(cfg), 0o644))
	return root
}

func TestInitStoreDirLayout(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, InitStoreDir(root))

	for _, p := range []string{MetaDir(root), BlocksDir(root), ConfigPath(root)} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}

	// Re-init must not clobber the existing config.
	require.NoError(t, os.WriteFile(ConfigPath(root), []byte("block_size: 99\n"), 0o644))
	require.NoError(t, InitStoreDir(root))
	cfg, err := LoadStoreConfig(root)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cfg.BlockSize)
}

func TestLoadStoreConfigDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := LoadStoreConfig(root)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), cfg.BlockSize)
	assert.Equal(t, "info", cfg.Logging)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Empty(t, cfg.Passthrough)
}

func TestOpenStoreRequiresInit(t *testing.T) {
	_, err := OpenStore(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedupfs init")
}

func TestOpenStoreIsExclusive(t *testing.T) {
	root := initTestStore(t)

	s1, err := OpenStore(root)
	require.NoError(t, err)
	defer s1.Close()

	_, err = OpenStore(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")

	// Releasing the first handle frees the lock.
	require.NoError(t, s1.Close())
	s2, err := OpenStore(root)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenStoreRejectsBlockSizeMismatch(t *testing.T) {
	root := initTestStore(t)

	require.NoError(t, os.WriteFile(ConfigPath(root), []byte("block_size: 32\nlogging: none\n"), 0o644))
	_, err := OpenStore(root)
	assert.Error(t, err)
}

func TestStoreEndToEnd(t *testing.T) {
	root := initTestStore(t)

	s, err := OpenStore(root)
	require.NoError(t, err)
	defer s.Close()

	f, err := s.FS.Create("hello.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("served through the daemon store"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := s.FS.Stat("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("served through the daemon store")), info.Size())

	stats, err := s.Index().Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FileCount)
}

func TestGCReclaimsOrphans(t *testing.T) {
	root := initTestStore(t)

	s, err := OpenStore(root)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	f, err := s.FS.Create("keep.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Simulate a crashed reclamation: an unreferenced block on disk.
	orphan, err := s.BlockStore().Put([]byte("orphaned content"))
	require.NoError(t, err)

	res, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Scanned)
	assert.Equal(t, int64(1), res.Live)
	assert.Equal(t, int64(1), res.Reclaimed)
	assert.Equal(t, int64(len("orphaned content")), res.FreedBytes)

	_, err = s.BlockStore().Get(orphan)
	assert.Error(t, err)

	// Live content is untouched.
	data := make([]byte, 16)
	fh, err := s.FS.Open("keep.txt")
	require.NoError(t, err)
	defer fh.Close()
	_, err = fh.Read(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), data)
}

func TestNFSServerListen(t *testing.T) {
	root := initTestStore(t)

	s, err := OpenStore(root)
	require.NoError(t, err)
	defer s.Close()

	server := NewNFSServer(s)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Shutdown()

	addr := server.Addr()
	require.NotNil(t, addr)
	assert.Contains(t, addr.String(), "127.0.0.1:")
}

func TestGCHonorsContextCancellation(t *testing.T) {
	root := initTestStore(t)

	s, err := OpenStore(root)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.BlockStore().Put([]byte("some block"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.GC(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPassthroughConfigWiredIntoFS(t *testing.T) {
	root := initTestStore(t)
	cfg := "block_size: 16\nlogging: none\npassthrough:\n  - \"*.log\"\n"
	require.NoError(t, os.WriteFile(ConfigPath(root), []byte(cfg), 0o644))

	s, err := OpenStore(root)
	require.NoError(t, err)
	defer s.Close()

	f, err := s.FS.Create("app.log")
	require.NoError(t, err)
	_, err = f.Write([]byte("kept plain"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(filepath.Join(root, "app.log"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kept plain"), raw)

	var blocks int
	require.NoError(t, s.BlockStore().Walk(func(blockstore.Hash, int64) error {
		blocks++
		return nil
	}))
	assert.Equal(t, 0, blocks)
}

func TestConfigPathOverrides(t *testing.T) {
	root := t.TempDir()
	cfg := &StoreConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, DBPath(root), cfg.ResolveIndexPath(root))
	assert.Equal(t, BlocksDir(root), cfg.ResolveBlocksPath(root))

	cfg.IndexPath = "custom/meta.db"
	cfg.BlocksPath = "/var/blocks"
	assert.Equal(t, filepath.Join(root, "custom/meta.db"), cfg.ResolveIndexPath(root))
	assert.Equal(t, "/var/blocks", cfg.ResolveBlocksPath(root))
}

func TestOpenStoreHonorsPathOverrides(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, InitStoreDir(root))

	cfg := "block_size: 16\nlogging: none\nindex_path: alt.db\nblocks_path: altblocks\n"
	require.NoError(t, os.WriteFile(ConfigPath(root), []byte(cfg), 0o644))

	idx, err := index.Create(filepath.Join(root, "alt.db"), 16)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	store, err := OpenStore(root)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, filepath.Join(root, "altblocks"), store.BlockStore().Root())
	assert.Equal(t, filepath.Join(root, "alt.db"), store.Index().Path())
}
