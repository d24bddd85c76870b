package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockstorage1/repertory/internal/config"
	"github.com/blockstorage1/repertory/internal/filemgrdb"
	"github.com/blockstorage1/repertory/internal/metadb"
	"github.com/blockstorage1/repertory/internal/provider"
	"github.com/blockstorage1/repertory/internal/upload"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, provider.Provider) {
	t.Helper()
	return newTestManagerWithProvider(t, provider.NewMemProvider(false, false))
}

func newTestManagerWithProvider(t *testing.T, prov provider.Provider) (*Manager, provider.Provider) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDirectory = dir

	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	fmdb, err := filemgrdb.Open(filepath.Join(dir, "filemgr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fmdb.Close() })

	up := upload.New(fmdb, prov, nil, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, up.Start(context.Background()))
	t.Cleanup(up.Stop)

	return New(cfg, prov, meta, fmdb, up, nil), prov
}

// blockingUploadProvider blocks UploadFile until release is closed, so
// tests can deterministically observe state while an upload is still
// in flight.
type blockingUploadProvider struct {
	provider.Provider
	release chan struct{}
}

func (p *blockingUploadProvider) UploadFile(ctx context.Context, apiPath, sourcePath string, stop provider.StopToken) error {
	<-p.release
	return p.Provider.UploadFile(ctx, apiPath, sourcePath, stop)
}

func TestCreateOpenWriteClose(t *testing.T) {
	m, prov := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Create(ctx, "/f", nil)
	require.NoError(t, err)
	require.NotZero(t, handle)

	of, ok := m.GetOpenFile("/f")
	require.True(t, ok)

	_, err = of.Write(0, []byte("payload"))
	require.NoError(t, err)
	require.True(t, of.IsModified())

	require.NoError(t, m.Close(handle))

	// spec.md §2/§4.6: close on a modified file must queue the upload
	// before the open-file object is destroyed, not drop it on the
	// floor.
	_, tracked := m.GetOpenFile("/f")
	require.False(t, tracked)
	require.Eventually(t, func() bool {
		size, err := prov.GetFileSize(ctx, "/f")
		return err == nil && size == int64(len("payload"))
	}, time.Second, 5*time.Millisecond)
}

func TestRenameFileMovesOpenFileEntry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Create(ctx, "/a", nil)
	require.NoError(t, err)

	_, ok := m.GetOpenFile("/a")
	require.True(t, ok)

	require.NoError(t, m.RenameFile(ctx, "/a", "/b", false))

	_, ok = m.GetOpenFile("/a")
	require.False(t, ok)
	_, ok = m.GetOpenFile("/b")
	require.True(t, ok)

	require.NoError(t, m.Close(handle))
}

func TestRemoveFileDeletesSourceWhenNoHandles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Create(ctx, "/f", nil)
	require.NoError(t, err)
	of, _ := m.GetOpenFile("/f")
	src := of.SourcePath()

	require.NoError(t, m.Close(handle))
	require.NoError(t, m.RemoveFile(ctx, "/f"))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestEvictFileRefusesWhileModified(t *testing.T) {
	base := provider.NewMemProvider(false, false)
	blocking := &blockingUploadProvider{Provider: base, release: make(chan struct{})}
	m, _ := newTestManagerWithProvider(t, blocking)
	ctx := context.Background()

	handle, err := m.Create(ctx, "/f", nil)
	require.NoError(t, err)
	of, _ := m.GetOpenFile("/f")
	_, err = of.Write(0, []byte("dirty"))
	require.NoError(t, err)
	require.NoError(t, m.Close(handle))

	// The upload is now queued (or in flight, blocked on release) but
	// has not completed: eviction must still refuse.
	require.False(t, m.EvictFile("/f"))

	close(blocking.release)
	require.Eventually(t, func() bool {
		processing, _ := m.IsProcessing("/f")
		return !processing
	}, time.Second, 5*time.Millisecond)
}

func TestEvictFileSucceedsWhenClean(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Create(ctx, "/f", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close(handle))

	require.True(t, m.EvictFile("/f"))
}

func TestIsProcessingReflectsOpenAndQueuedState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	processing, err := m.IsProcessing("/f")
	require.NoError(t, err)
	require.False(t, processing)

	handle, err := m.Create(ctx, "/f", nil)
	require.NoError(t, err)

	processing, err = m.IsProcessing("/f")
	require.NoError(t, err)
	require.True(t, processing)

	require.NoError(t, m.Close(handle))
}
