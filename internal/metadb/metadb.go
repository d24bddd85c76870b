// Package metadb implements spec.md §4.4's meta_db: a persistent
// key/value store of per-api_path attribute maps, plus secondary
// indexes source_path->api_path and pinned->{api_path}, with atomic
// rename. Grounded on backend/cache/storage_persistent.go's
// bucket-per-namespace bbolt usage (GetDir/AddDir/RemoveDir, each
// wrapped in a single db.Update/View transaction).
package metadb

import (
	"encoding/json"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/apipath"
	"go.etcd.io/bbolt"
)

// Well-known api_meta_map keys (spec.md §3).
const (
	MetaDirectory  = "directory"
	MetaSize       = "size"
	MetaUID        = "uid"
	MetaGID        = "gid"
	MetaMode       = "mode"
	MetaAccessed   = "accessed"
	MetaModified   = "modified"
	MetaChanged    = "changed"
	MetaCreated    = "created"
	MetaAttributes = "attributes"
	MetaPinned     = "pinned"
	MetaSourcePath = "source_path"
	MetaKey        = "key"
)

var (
	bucketMeta      = []byte("meta")       // api_path -> json(map[string]string)
	bucketBySource  = []byte("by_source")  // source_path -> api_path
	bucketPinned    = []byte("pinned")     // api_path -> 1
)

// DB is a handle to the meta_db namespace of a single bbolt file.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and
// ensures the three buckets exist.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = b.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketBySource, bucketPinned} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return &DB{bolt: b}, nil
}

// Close releases the underlying bbolt file.
func (db *DB) Close() error { return db.bolt.Close() }

// GetItemMeta returns the full attribute map for apiPath, or
// apierror.NotFound if no row exists.
func (db *DB) GetItemMeta(apiPath string) (map[string]string, error) {
	apiPath = apipath.Format(apiPath)
	var m map[string]string
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(apiPath))
		if raw == nil {
			return apierror.NotFound
		}
		return json.Unmarshal(raw, &m)
	})
	return m, err
}

// GetItemMetaKey returns a single key's value, or apierror.NotFound if
// the row or the key is absent.
func (db *DB) GetItemMetaKey(apiPath, key string) (string, error) {
	m, err := db.GetItemMeta(apiPath)
	if err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", apierror.NotFound
	}
	return v, nil
}

// SetItemMeta merges kv into apiPath's attribute map (creating the row
// if absent) and maintains the source_path and pinned indexes.
func (db *DB) SetItemMeta(apiPath string, kv map[string]string) error {
	apiPath = apipath.Format(apiPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		m := map[string]string{}
		if raw := mb.Get([]byte(apiPath)); raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
		}
		prevSource := m[MetaSourcePath]
		for k, v := range kv {
			m[k] = v
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := mb.Put([]byte(apiPath), raw); err != nil {
			return err
		}

		if src, ok := kv[MetaSourcePath]; ok && src != prevSource {
			sb := tx.Bucket(bucketBySource)
			if prevSource != "" {
				_ = sb.Delete([]byte(prevSource))
			}
			if src != "" {
				if err := sb.Put([]byte(src), []byte(apiPath)); err != nil {
					return err
				}
			}
		}

		if pinned, ok := kv[MetaPinned]; ok {
			pb := tx.Bucket(bucketPinned)
			if pinned == "true" {
				if err := pb.Put([]byte(apiPath), []byte{1}); err != nil {
					return err
				}
			} else {
				_ = pb.Delete([]byte(apiPath))
			}
		}
		return nil
	})
}

// RemoveItemMetaKey deletes a single key from apiPath's attribute map.
func (db *DB) RemoveItemMetaKey(apiPath, key string) error {
	apiPath = apipath.Format(apiPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		raw := mb.Get([]byte(apiPath))
		if raw == nil {
			return nil
		}
		m := map[string]string{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		delete(m, key)
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return mb.Put([]byte(apiPath), out)
	})
}

// RemoveItemMeta deletes the entire row for apiPath and its index
// entries.
func (db *DB) RemoveItemMeta(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		raw := mb.Get([]byte(apiPath))
		if raw != nil {
			var m map[string]string
			if err := json.Unmarshal(raw, &m); err == nil {
				if src := m[MetaSourcePath]; src != "" {
					_ = tx.Bucket(bucketBySource).Delete([]byte(src))
				}
			}
		}
		_ = tx.Bucket(bucketPinned).Delete([]byte(apiPath))
		return mb.Delete([]byte(apiPath))
	})
}

// GetAPIPathFromSource is the reverse lookup used by eviction and
// crash recovery (spec.md §6).
func (db *DB) GetAPIPathFromSource(sourcePath string) (string, error) {
	var apiPath string
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBySource).Get([]byte(sourcePath))
		if v == nil {
			return apierror.NotFound
		}
		apiPath = string(v)
		return nil
	})
	return apiPath, err
}

// GetPinnedFiles returns every api_path currently pinned.
func (db *DB) GetPinnedFiles() ([]string, error) {
	var out []string
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPinned).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// GetTotalItemCount returns the number of rows in the meta bucket.
func (db *DB) GetTotalItemCount() (int, error) {
	count := 0
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketMeta).Stats().KeyN
		return nil
	})
	return count, err
}

// RenameItemMeta atomically moves the meta row and its source_path
// index entry from fromAPIPath to toAPIPath. Both moves happen inside
// one bbolt transaction (DESIGN.md Open Question 2: this is how the
// spec's atomicity mandate is achieved regardless of what the older
// C++ backends did).
func (db *DB) RenameItemMeta(sourcePath, fromAPIPath, toAPIPath string) error {
	fromAPIPath = apipath.Format(fromAPIPath)
	toAPIPath = apipath.Format(toAPIPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		raw := mb.Get([]byte(fromAPIPath))
		if raw == nil {
			return apierror.NotFound
		}
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if err := mb.Delete([]byte(fromAPIPath)); err != nil {
			return err
		}
		if err := mb.Put([]byte(toAPIPath), raw); err != nil {
			return err
		}

		sb := tx.Bucket(bucketBySource)
		if sourcePath != "" {
			if err := sb.Put([]byte(sourcePath), []byte(toAPIPath)); err != nil {
				return err
			}
		}

		pb := tx.Bucket(bucketPinned)
		if pb.Get([]byte(fromAPIPath)) != nil {
			_ = pb.Delete([]byte(fromAPIPath))
			if err := pb.Put([]byte(toAPIPath), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ErrNotFound is re-exported for callers that only want the sentinel
// without importing internal/apierror directly.
var ErrNotFound = apierror.NotFound
