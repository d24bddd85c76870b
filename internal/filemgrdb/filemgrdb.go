// Package filemgrdb implements spec.md §4.4's file_mgr_db: the resume,
// upload, and upload_active tables backing the download-resume and
// upload-queue machinery of C6/C7. Grounded on
// backend/cache/storage_persistent.go's addPendingUpload/
// getPendingUpload/removePendingUpload/rollbackPendingUpload/
// ReconcileTempUploads (upload_active ~ a started-but-uncommitted
// pending-upload row, reconciled back into the queue at open).
package filemgrdb

import (
	"encoding/binary"
	"encoding/json"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/apipath"
	"go.etcd.io/bbolt"
)

var (
	bucketResume       = []byte("resume")
	bucketUpload       = []byte("upload")        // id(8BE) -> json(Entry)
	bucketUploadByPath = []byte("upload_by_path") // api_path -> id(8BE), for O(1) "does X have a pending upload"
	bucketUploadActive = []byte("upload_active")  // api_path -> json(Entry)
	bucketSeq          = []byte("seq")            // "upload" -> next id counter
)

// ResumeEntry mirrors spec.md §3's resume_entry.
type ResumeEntry struct {
	APIPath    string
	ChunkSize  uint32
	ReadState  []byte // bitset, one bit per chunk
	SourcePath string
}

// Entry mirrors spec.md §3's upload_entry / upload_active_entry (the
// two share a shape; which table it lives in distinguishes them).
type Entry struct {
	APIPath    string
	SourcePath string
	ID         uint64
}

// DB is a handle to the file_mgr_db namespace of a single bbolt file.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = b.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketResume, bucketUpload, bucketUploadByPath, bucketUploadActive, bucketSeq} {
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

// --- resume table ---

// AddResume upserts a resume row by api_path.
func (db *DB) AddResume(e ResumeEntry) error {
	e.APIPath = apipath.Format(e.APIPath)
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResume).Put([]byte(e.APIPath), raw)
	})
}

// GetResume returns the resume row for apiPath, or apierror.NotFound.
func (db *DB) GetResume(apiPath string) (ResumeEntry, error) {
	apiPath = apipath.Format(apiPath)
	var e ResumeEntry
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketResume).Get([]byte(apiPath))
		if raw == nil {
			return apierror.NotFound
		}
		return json.Unmarshal(raw, &e)
	})
	return e, err
}

// GetAllResume returns every stored resume row, so a warm start can
// reopen partially-downloaded files (spec.md §4.8 get_stored_downloads).
func (db *DB) GetAllResume() ([]ResumeEntry, error) {
	var out []ResumeEntry
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResume).ForEach(func(_, raw []byte) error {
			var e ResumeEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// RemoveResume deletes the resume row for apiPath.
func (db *DB) RemoveResume(apiPath, sourcePath string) error {
	apiPath = apipath.Format(apiPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResume).Delete([]byte(apiPath))
	})
}

// RenameResume moves a resume row from one api_path to another,
// preserving chunk_size, read_state, and source_path (spec.md §4.4).
func (db *DB) RenameResume(from, to string) error {
	from = apipath.Format(from)
	to = apipath.Format(to)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResume)
		raw := b.Get([]byte(from))
		if raw == nil {
			return apierror.NotFound
		}
		var e ResumeEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.APIPath = to
		out, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Delete([]byte(from)); err != nil {
			return err
		}
		return b.Put([]byte(to), out)
	})
}

// --- upload / upload_active tables ---

func nextSeq(tx *bbolt.Tx, name []byte) (uint64, error) {
	b := tx.Bucket(bucketSeq)
	cur := uint64(0)
	if raw := b.Get(name); raw != nil {
		cur = binary.BigEndian.Uint64(raw)
	}
	cur++
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], cur)
	return cur, b.Put(name, out[:])
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// AddUpload inserts a new row with an auto-assigned, monotonically
// increasing id. If apiPath already has a pending row, that row is
// replaced and the new row takes the old row's place — re-dirtying a
// file does not make it wait behind its own prior upload (spec.md
// §4.4: "takes its id's place at the head of the queue"). In this
// LIFO scheme "head of the queue" means the highest id, so the
// replacement row is assigned a fresh (larger) id, which is exactly
// what a plain re-insert achieves; the old row's id slot is simply
// freed.
func (db *DB) AddUpload(apiPath, sourcePath string) (Entry, error) {
	apiPath = apipath.Format(apiPath)
	var e Entry
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		byPath := tx.Bucket(bucketUploadByPath)
		upload := tx.Bucket(bucketUpload)

		if oldIDRaw := byPath.Get([]byte(apiPath)); oldIDRaw != nil {
			if err := upload.Delete(oldIDRaw); err != nil {
				return err
			}
		}

		id, err := nextSeq(tx, []byte("upload"))
		if err != nil {
			return err
		}
		e = Entry{APIPath: apiPath, SourcePath: sourcePath, ID: id}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := upload.Put(idKey(id), raw); err != nil {
			return err
		}
		return byPath.Put([]byte(apiPath), idKey(id))
	})
	return e, err
}

// GetNextUpload returns the row with the largest id — LIFO, per
// spec.md §4.4 and DESIGN.md Open Question 1 ("the spec preserves LIFO
// as observed") — without removing it. Returns apierror.NotFound if
// the queue is empty.
func (db *DB) GetNextUpload() (Entry, error) {
	var e Entry
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketUpload).Cursor()
		k, v := c.Last()
		if k == nil {
			return apierror.NotFound
		}
		return json.Unmarshal(v, &e)
	})
	return e, err
}

// GetAllUpload returns every pending (not yet active) upload row —
// used at startup to seed the in-memory queue with rows a prior run
// queued but never got to dequeue (spec.md §4.7).
func (db *DB) GetAllUpload() ([]Entry, error) {
	var out []Entry
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUpload).ForEach(func(_, raw []byte) error {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// RemoveUpload deletes the pending-upload row for apiPath.
func (db *DB) RemoveUpload(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		byPath := tx.Bucket(bucketUploadByPath)
		idRaw := byPath.Get([]byte(apiPath))
		if idRaw == nil {
			return nil
		}
		if err := tx.Bucket(bucketUpload).Delete(idRaw); err != nil {
			return err
		}
		return byPath.Delete([]byte(apiPath))
	})
}

// HasUpload reports whether apiPath has a pending (not yet active)
// upload row.
func (db *DB) HasUpload(apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	found := false
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketUploadByPath).Get([]byte(apiPath)) != nil
		return nil
	})
	return found, err
}

// RenameUpload moves a still-pending upload row's api_path in place,
// preserving its id (and therefore its LIFO queue position) and
// source_path. Returns apierror.NotFound if apiPath has no pending row.
func (db *DB) RenameUpload(from, to string) error {
	from = apipath.Format(from)
	to = apipath.Format(to)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		byPath := tx.Bucket(bucketUploadByPath)
		upload := tx.Bucket(bucketUpload)

		idRaw := byPath.Get([]byte(from))
		if idRaw == nil {
			return apierror.NotFound
		}
		raw := upload.Get(idRaw)
		if raw == nil {
			return apierror.NotFound
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.APIPath = to
		out, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := upload.Put(idRaw, out); err != nil {
			return err
		}
		if err := byPath.Delete([]byte(from)); err != nil {
			return err
		}
		return byPath.Put([]byte(to), idRaw)
	})
}

// GetUploadByPath returns the pending upload row for apiPath, or
// apierror.NotFound if none is queued.
func (db *DB) GetUploadByPath(apiPath string) (Entry, error) {
	apiPath = apipath.Format(apiPath)
	var e Entry
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		idRaw := tx.Bucket(bucketUploadByPath).Get([]byte(apiPath))
		if idRaw == nil {
			return apierror.NotFound
		}
		raw := tx.Bucket(bucketUpload).Get(idRaw)
		if raw == nil {
			return apierror.NotFound
		}
		return json.Unmarshal(raw, &e)
	})
	return e, err
}

// AddUploadActive records that the upload worker has picked up e and
// is about to call the provider; called before touching the provider
// so a crash mid-upload leaves a recoverable row (spec.md §4.4).
func (db *DB) AddUploadActive(e Entry) error {
	e.APIPath = apipath.Format(e.APIPath)
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUploadActive).Put([]byte(e.APIPath), raw)
	})
}

// RemoveUploadActive clears the active row on upload completion.
func (db *DB) RemoveUploadActive(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUploadActive).Delete([]byte(apiPath))
	})
}

// GetAllUploadActive returns every row left active — used at startup
// to requeue uploads that were interrupted by a crash (spec.md §4.7:
// "re-enqueues every row in upload_active into upload").
func (db *DB) GetAllUploadActive() ([]Entry, error) {
	var out []Entry
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUploadActive).ForEach(func(_, raw []byte) error {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// RecoverActiveUploads moves every upload_active row back into the
// upload table (with a fresh id, so LIFO ordering still applies) and
// clears upload_active. Intended to run once at file manager startup.
func (db *DB) RecoverActiveUploads() ([]Entry, error) {
	active, err := db.GetAllUploadActive()
	if err != nil {
		return nil, err
	}
	var recovered []Entry
	for _, a := range active {
		e, err := db.AddUpload(a.APIPath, a.SourcePath)
		if err != nil {
			return recovered, err
		}
		if err := db.RemoveUploadActive(a.APIPath); err != nil {
			return recovered, err
		}
		recovered = append(recovered, e)
	}
	return recovered, nil
}
