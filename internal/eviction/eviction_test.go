package eviction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockstorage1/repertory/internal/config"
	"github.com/blockstorage1/repertory/internal/metadb"
	"github.com/blockstorage1/repertory/internal/openfile"
	"github.com/blockstorage1/repertory/internal/provider"
	"github.com/stretchr/testify/require"
)

type fakeFM struct {
	evicted []string
	refuse  map[string]bool
	open    map[string]*openfile.OpenFile
}

func (f *fakeFM) EvictFile(apiPath string) bool {
	if f.refuse[apiPath] {
		return false
	}
	f.evicted = append(f.evicted, apiPath)
	return true
}

func (f *fakeFM) GetOpenFile(apiPath string) (*openfile.OpenFile, bool) {
	of, ok := f.open[apiPath]
	return of, ok
}

func writeCacheFile(t *testing.T, dir, apiPath string, size int) string {
	t.Helper()
	p := filepath.Join(dir, apiPath[1:])
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func newMeta(t *testing.T) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunOnceSkipsPinnedFiles(t *testing.T) {
	dir := t.TempDir()
	meta := newMeta(t)

	src := writeCacheFile(t, dir, "/pinned", 100)
	require.NoError(t, meta.SetItemMeta("/pinned", map[string]string{metadb.MetaSourcePath: src, metadb.MetaPinned: "true"}))

	cfg := config.Default()
	cfg.CacheDirectory = dir
	cfg.MaxCacheSizeBytes = 0

	fm := &fakeFM{}
	s := New(cfg, meta, fm, nil)
	s.RunOnce(context.Background())

	require.Empty(t, fm.evicted)
}

func TestRunOnceSkipsOpenFiles(t *testing.T) {
	dir := t.TempDir()
	meta := newMeta(t)

	src := writeCacheFile(t, dir, "/open", 100)
	require.NoError(t, meta.SetItemMeta("/open", map[string]string{metadb.MetaSourcePath: src}))

	cfg := config.Default()
	cfg.CacheDirectory = dir
	cfg.MaxCacheSizeBytes = 0

	prov := provider.NewMemProvider(false, false)
	of, err := openfile.New(openfile.KindNormal, "/open", src, 100, 100, prov, 0)
	require.NoError(t, err)
	of.AddHandle(1, openfile.HandleData{})
	defer of.Close()

	fm := &fakeFM{open: map[string]*openfile.OpenFile{"/open": of}}
	s := New(cfg, meta, fm, nil)
	s.RunOnce(context.Background())

	require.Empty(t, fm.evicted)
}

func TestRunOnceStopsOnceUnderBudget(t *testing.T) {
	dir := t.TempDir()
	meta := newMeta(t)

	src1 := writeCacheFile(t, dir, "/a", 600)
	src2 := writeCacheFile(t, dir, "/b", 600)
	require.NoError(t, meta.SetItemMeta("/a", map[string]string{metadb.MetaSourcePath: src1}))
	require.NoError(t, meta.SetItemMeta("/b", map[string]string{metadb.MetaSourcePath: src2}))

	cfg := config.Default()
	cfg.CacheDirectory = dir
	cfg.MaxCacheSizeBytes = 700

	fm := &fakeFM{}
	s := New(cfg, meta, fm, nil)
	s.RunOnce(context.Background())

	require.Len(t, fm.evicted, 1)
}

func TestSortCandidatesLargestFileFirst(t *testing.T) {
	cfg := config.Default()
	cfg.EvictionPolicy = config.EvictionLargestFile
	s := &Sweeper{cfg: cfg}

	c := []candidate{{apiPath: "/small", size: 10}, {apiPath: "/big", size: 1000}}
	s.sortCandidates(c)
	require.Equal(t, "/big", c[0].apiPath)
}
