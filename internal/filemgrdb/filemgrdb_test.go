package filemgrdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "filemgr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUploadQueueIsLIFO(t *testing.T) {
	db := openTestDB(t)

	_, err := db.AddUpload("/a.txt", "/cache/a")
	require.NoError(t, err)
	_, err = db.AddUpload("/b.txt", "/cache/b")
	require.NoError(t, err)
	_, err = db.AddUpload("/c.txt", "/cache/c")
	require.NoError(t, err)

	next, err := db.GetNextUpload()
	require.NoError(t, err)
	require.Equal(t, "/c.txt", next.APIPath, "GetNextUpload must return the most recently queued row")
}

func TestGetAllUploadReturnsEveryPendingRow(t *testing.T) {
	db := openTestDB(t)

	_, err := db.AddUpload("/a.txt", "/cache/a")
	require.NoError(t, err)
	_, err = db.AddUpload("/b.txt", "/cache/b")
	require.NoError(t, err)

	all, err := db.GetAllUpload()
	require.NoError(t, err)
	require.Len(t, all, 2)

	paths := map[string]bool{}
	for _, e := range all {
		paths[e.APIPath] = true
	}
	require.True(t, paths["/a.txt"])
	require.True(t, paths["/b.txt"])
}

func TestRedirtiedFileJumpsQueue(t *testing.T) {
	db := openTestDB(t)

	_, err := db.AddUpload("/a.txt", "/cache/a")
	require.NoError(t, err)
	_, err = db.AddUpload("/b.txt", "/cache/b")
	require.NoError(t, err)
	// /a.txt is dirtied again before /b.txt's upload runs.
	_, err = db.AddUpload("/a.txt", "/cache/a")
	require.NoError(t, err)

	next, err := db.GetNextUpload()
	require.NoError(t, err)
	require.Equal(t, "/a.txt", next.APIPath)

	has, err := db.HasUpload("/a.txt")
	require.NoError(t, err)
	require.True(t, has)
}

func TestUploadActiveLifecycle(t *testing.T) {
	db := openTestDB(t)

	e, err := db.AddUpload("/a.txt", "/cache/a")
	require.NoError(t, err)
	require.NoError(t, db.RemoveUpload("/a.txt"))
	require.NoError(t, db.AddUploadActive(e))

	active, err := db.GetAllUploadActive()
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, db.RemoveUploadActive("/a.txt"))
	active, err = db.GetAllUploadActive()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRecoverActiveUploadsRequeues(t *testing.T) {
	db := openTestDB(t)

	e, err := db.AddUpload("/a.txt", "/cache/a")
	require.NoError(t, err)
	require.NoError(t, db.RemoveUpload("/a.txt"))
	require.NoError(t, db.AddUploadActive(e))

	recovered, err := db.RecoverActiveUploads()
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	active, err := db.GetAllUploadActive()
	require.NoError(t, err)
	require.Empty(t, active, "at most one upload_active row per api_path, and it must be cleared on recovery")

	next, err := db.GetNextUpload()
	require.NoError(t, err)
	require.Equal(t, "/a.txt", next.APIPath)
}

func TestRenameResumePreservesFields(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.AddResume(ResumeEntry{
		APIPath:    "/a.txt",
		ChunkSize:  1024,
		ReadState:  []byte{0b101},
		SourcePath: "/cache/a",
	}))

	require.NoError(t, db.RenameResume("/a.txt", "/b.txt"))

	_, err := db.GetResume("/a.txt")
	require.Error(t, err)

	e, err := db.GetResume("/b.txt")
	require.NoError(t, err)
	require.EqualValues(t, 1024, e.ChunkSize)
	require.Equal(t, []byte{0b101}, e.ReadState)
	require.Equal(t, "/cache/a", e.SourcePath)
}
