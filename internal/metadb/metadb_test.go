package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSetGetItemMeta(t *testing.T) {
	db := openTestDB(t)

	err := db.SetItemMeta("/a.txt", map[string]string{MetaSize: "100", MetaSourcePath: "/cache/a"})
	require.NoError(t, err)

	m, err := db.GetItemMeta("/a.txt")
	require.NoError(t, err)
	require.Equal(t, "100", m[MetaSize])

	v, err := db.GetItemMetaKey("/a.txt", MetaSourcePath)
	require.NoError(t, err)
	require.Equal(t, "/cache/a", v)

	apiPath, err := db.GetAPIPathFromSource("/cache/a")
	require.NoError(t, err)
	require.Equal(t, "/a.txt", apiPath)
}

func TestSourceIndexIsExactInverse(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SetItemMeta("/a.txt", map[string]string{MetaSourcePath: "/cache/a"}))
	require.NoError(t, db.SetItemMeta("/a.txt", map[string]string{MetaSourcePath: "/cache/a2"}))

	_, err := db.GetAPIPathFromSource("/cache/a")
	require.Error(t, err, "stale source index entry should have been removed")

	apiPath, err := db.GetAPIPathFromSource("/cache/a2")
	require.NoError(t, err)
	require.Equal(t, "/a.txt", apiPath)
}

func TestRenameItemMetaIsAtomic(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SetItemMeta("/a.txt", map[string]string{MetaSourcePath: "/cache/a", MetaSize: "7"}))

	err := db.RenameItemMeta("/cache/a", "/a.txt", "/b.txt")
	require.NoError(t, err)

	_, err = db.GetItemMeta("/a.txt")
	require.Error(t, err)

	m, err := db.GetItemMeta("/b.txt")
	require.NoError(t, err)
	require.Equal(t, "7", m[MetaSize])

	apiPath, err := db.GetAPIPathFromSource("/cache/a")
	require.NoError(t, err)
	require.Equal(t, "/b.txt", apiPath)
}

func TestPinnedIndex(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SetItemMeta("/a.txt", map[string]string{MetaPinned: "true"}))
	require.NoError(t, db.SetItemMeta("/b.txt", map[string]string{MetaPinned: "false"}))

	pinned, err := db.GetPinnedFiles()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/a.txt"}, pinned)
}

func TestRemoveItemMetaClearsIndexes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SetItemMeta("/a.txt", map[string]string{MetaSourcePath: "/cache/a", MetaPinned: "true"}))
	require.NoError(t, db.RemoveItemMeta("/a.txt"))

	_, err := db.GetItemMeta("/a.txt")
	require.Error(t, err)
	_, err = db.GetAPIPathFromSource("/cache/a")
	require.Error(t, err)
	pinned, err := db.GetPinnedFiles()
	require.NoError(t, err)
	require.Empty(t, pinned)
}
