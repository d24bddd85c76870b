package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/events"
	"github.com/blockstorage1/repertory/internal/filemgrdb"
	"github.com/blockstorage1/repertory/internal/provider"
	"github.com/stretchr/testify/require"
)

// failNTimesProvider fails its first n UploadFile calls with
// apierror.CommError, then delegates to the wrapped provider — used to
// exercise spec.md §8 S3 (upload retry then success).
type failNTimesProvider struct {
	provider.Provider
	mu   sync.Mutex
	left int
}

func (p *failNTimesProvider) UploadFile(ctx context.Context, apiPath, sourcePath string, stop provider.StopToken) error {
	p.mu.Lock()
	if p.left > 0 {
		p.left--
		p.mu.Unlock()
		return apierror.CommError
	}
	p.mu.Unlock()
	return p.Provider.UploadFile(ctx, apiPath, sourcePath, stop)
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSubscriber) Notify(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSubscriber) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func newTestDB(t *testing.T) *filemgrdb.DB {
	t.Helper()
	db, err := filemgrdb.Open(filepath.Join(t.TempDir(), "filemgr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func writeSource(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestQueueUploadsSuccessfully(t *testing.T) {
	db := newTestDB(t)
	prov := provider.NewMemProvider(false, false)
	ctx := context.Background()
	_, err := prov.CreateFile(ctx, "/f", nil)
	require.NoError(t, err)

	m := New(db, prov, nil, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	src := writeSource(t, "hello")
	require.NoError(t, m.Queue("/f", src))

	require.Eventually(t, func() bool {
		has, _ := m.IsProcessing("/f")
		return !has
	}, time.Second, 5*time.Millisecond)

	size, err := prov.GetFileSize(ctx, "/f")
	require.NoError(t, err)
	require.EqualValues(t, 5, size)
}

func TestRequeueReplacesPendingRow(t *testing.T) {
	db := newTestDB(t)
	prov := provider.NewMemProvider(false, false)
	ctx := context.Background()
	_, err := prov.CreateFile(ctx, "/f", nil)
	require.NoError(t, err)

	m := New(db, prov, nil, time.Hour, time.Hour) // never fires its own worker cycle fast enough to race this test
	src1 := writeSource(t, "first")
	src2 := writeSource(t, "second-longer")

	require.NoError(t, m.Queue("/f", src1))
	require.NoError(t, m.Queue("/f", src2))

	e, err := db.GetNextUpload()
	require.NoError(t, err)
	require.Equal(t, src2, e.SourcePath)

	has, err := db.HasUpload("/f")
	require.NoError(t, err)
	require.True(t, has)
}

func TestCancelRemovesPendingRow(t *testing.T) {
	db := newTestDB(t)
	prov := provider.NewMemProvider(false, false)
	m := New(db, prov, nil, time.Hour, time.Hour)

	require.NoError(t, m.Queue("/f", writeSource(t, "data")))
	require.NoError(t, m.Cancel("/f"))

	has, err := db.HasUpload("/f")
	require.NoError(t, err)
	require.False(t, has)
}

func TestRecoverActiveUploadsOnStart(t *testing.T) {
	db := newTestDB(t)
	prov := provider.NewMemProvider(false, false)
	ctx := context.Background()
	_, err := prov.CreateFile(ctx, "/f", nil)
	require.NoError(t, err)

	src := writeSource(t, "recovered")
	_, err = db.AddUpload("/f", src)
	require.NoError(t, err)
	e, err := db.GetNextUpload()
	require.NoError(t, err)
	require.NoError(t, db.RemoveUpload("/f"))
	require.NoError(t, db.AddUploadActive(e))

	m := New(db, prov, nil, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.Eventually(t, func() bool {
		size, err := prov.GetFileSize(ctx, "/f")
		return err == nil && size == int64(len("recovered"))
	}, time.Second, 5*time.Millisecond)
}

// TestPendingUploadsLoadedOnStart is spec.md §4.7: a pending `upload`
// row left over from a prior run (never promoted to upload_active, so
// RecoverActiveUploads never sees it) must still be picked up when the
// manager starts.
func TestPendingUploadsLoadedOnStart(t *testing.T) {
	db := newTestDB(t)
	prov := provider.NewMemProvider(false, false)
	ctx := context.Background()
	_, err := prov.CreateFile(ctx, "/f", nil)
	require.NoError(t, err)

	src := writeSource(t, "pending")
	_, err = db.AddUpload("/f", src)
	require.NoError(t, err)

	m := New(db, prov, nil, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.Eventually(t, func() bool {
		size, err := prov.GetFileSize(ctx, "/f")
		return err == nil && size == int64(len("pending"))
	}, time.Second, 5*time.Millisecond)
}

// TestUploadRetryThenSuccess is spec.md §8 S3: a first comm_error
// attempt must be followed by exactly one more file_upload_completed
// event reporting success, with upload_active left empty and no
// cancellation reported on either event.
func TestUploadRetryThenSuccess(t *testing.T) {
	db := newTestDB(t)
	base := provider.NewMemProvider(false, false)
	ctx := context.Background()
	_, err := base.CreateFile(ctx, "/u.txt", nil)
	require.NoError(t, err)

	prov := &failNTimesProvider{Provider: base, left: 1}
	bus := events.New(nil)
	sub := &recordingSubscriber{}
	bus.Subscribe(sub)

	m := New(db, prov, bus, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.NoError(t, m.Queue("/u.txt", writeSource(t, "data")))

	require.Eventually(t, func() bool {
		has, _ := m.IsProcessing("/u.txt")
		return !has
	}, time.Second, 5*time.Millisecond)

	var completions []events.FileUploadCompleted
	for _, ev := range sub.snapshot() {
		if fc, ok := ev.(events.FileUploadCompleted); ok {
			completions = append(completions, fc)
		}
	}
	require.Len(t, completions, 2)
	require.Equal(t, apierror.CommError, completions[0].Err)
	require.False(t, completions[0].Cancelled)
	require.NoError(t, completions[1].Err)
	require.False(t, completions[1].Cancelled)

	active, err := db.RecoverActiveUploads()
	require.NoError(t, err)
	require.Empty(t, active)
}
