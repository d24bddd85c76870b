// Package filemanager orchestrates C4-C7 behind the single
// api_path -> open-file ownership map spec.md §4.8 names: at most one
// live OpenFile per path, with open/close, rename, remove, eviction,
// and stored-download enumeration all serialized through one mutex.
// Grounded on spec.md §4.8 directly and backend/cache/cache.go's Fs
// (one object owning the persistent store, the upload queue, and the
// notify channel that every other component reaches through).
package filemanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/apipath"
	"github.com/blockstorage1/repertory/internal/config"
	"github.com/blockstorage1/repertory/internal/events"
	"github.com/blockstorage1/repertory/internal/filemgrdb"
	"github.com/blockstorage1/repertory/internal/metadb"
	"github.com/blockstorage1/repertory/internal/openfile"
	"github.com/blockstorage1/repertory/internal/provider"
	"github.com/blockstorage1/repertory/internal/upload"
)

// handleOwner records which api_path (and whether it names a
// directory) a handle was issued against, so Close can find its entry
// without the caller repeating the path.
type handleOwner struct {
	apiPath   string
	directory bool
}

// fileEntry is one map slot. Directories carry only a handle count;
// files own an *openfile.OpenFile.
type fileEntry struct {
	directory   bool
	of          *openfile.OpenFile
	handleCount int
}

// Manager is the file_manager of spec.md §4.8.
type Manager struct {
	cfg      *config.Config
	prov     provider.Provider
	meta     *metadb.DB
	fmdb     *filemgrdb.DB
	uploader *upload.Manager
	bus      *events.Bus

	mu      sync.Mutex
	files   map[string]*fileEntry
	handles map[uint64]handleOwner
	nextID  uint64
}

// New wires together the dependencies of spec.md §4.8. The caller is
// expected to have already started the upload manager.
func New(cfg *config.Config, prov provider.Provider, meta *metadb.DB, fmdb *filemgrdb.DB, uploader *upload.Manager, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		prov:     prov,
		meta:     meta,
		fmdb:     fmdb,
		uploader: uploader,
		bus:      bus,
		files:    map[string]*fileEntry{},
		handles:  map[uint64]handleOwner{},
	}
}

func (m *Manager) sourcePathFor(apiPath string) string {
	shard := apipath.SourcePathShard(apiPath)
	name := apipath.SourceFileName(apiPath)
	return filepath.Join(m.cfg.CacheDirectory, shard, name)
}

// Open finds or constructs the open-file object for apiPath and
// allocates a new handle against it (spec.md §4.8 open).
func (m *Manager) Open(ctx context.Context, apiPath string, directory bool) (handle uint64, err error) {
	apiPath = apipath.Format(apiPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.files[apiPath]
	if !ok {
		if directory {
			e = &fileEntry{directory: true}
		} else {
			fi, err := m.prov.GetFilesystemItem(ctx, apiPath)
			if err != nil {
				return 0, err
			}
			src := fi.SourcePath
			if src == "" {
				src = m.sourcePathFor(apiPath)
			}
			if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
				return 0, apierror.IOError
			}
			kind := m.downloadKind()
			var ringWindow int64
			if kind == openfile.KindRingBuffer {
				ringWindow = int64(m.cfg.RingBufferWindowSize)
			}
			of, err := openfile.New(kind, apiPath, src, fi.Size, int64(m.cfg.ChunkSize), m.prov, ringWindow)
			if err != nil {
				return 0, err
			}
			of.SetResumeRecorder(m.uploader)
			e = &fileEntry{of: of}
		}
		m.files[apiPath] = e
	}

	m.nextID++
	handle = m.nextID
	m.handles[handle] = handleOwner{apiPath: apiPath, directory: e.directory}
	if e.directory {
		e.handleCount++
	} else {
		e.of.AddHandle(handle, openfile.HandleData{Directory: false})
	}
	return handle, nil
}

func (m *Manager) downloadKind() openfile.Kind {
	switch m.cfg.DownloadType {
	case config.DownloadDirect:
		return openfile.KindDirect
	case config.DownloadRingBuffer:
		return openfile.KindRingBuffer
	default:
		return openfile.KindNormal
	}
}

// Create creates apiPath at the provider, then opens it (spec.md §4.8
// create).
func (m *Manager) Create(ctx context.Context, apiPath string, meta map[string]string) (uint64, error) {
	apiPath = apipath.Format(apiPath)
	if _, err := m.prov.CreateFile(ctx, apiPath, meta); err != nil {
		return 0, err
	}
	return m.Open(ctx, apiPath, false)
}

// Close releases handle and runs the close_timed_out_files pass.
func (m *Manager) Close(handle uint64) error {
	m.mu.Lock()
	owner, ok := m.handles[handle]
	if !ok {
		m.mu.Unlock()
		return apierror.InvalidArgument
	}
	delete(m.handles, handle)

	e := m.files[owner.apiPath]
	if e != nil {
		if e.directory {
			e.handleCount--
		} else {
			e.of.RemoveHandle(handle)
		}
	}
	m.mu.Unlock()

	m.closeTimedOutFilesLocked()
	return nil
}

// CloseTimedOutFiles removes every open-file with no handles, no
// active download, and (not modified or its upload is already queued)
// from the ownership map (spec.md §4.8).
func (m *Manager) CloseTimedOutFiles() {
	m.closeTimedOutFilesLocked()
}

func (m *Manager) closeTimedOutFilesLocked() {
	m.mu.Lock()
	var toClose []*fileEntry
	var toQueue []queueRequest
	for apiPath, e := range m.files {
		if e.directory {
			if e.handleCount == 0 {
				delete(m.files, apiPath)
			}
			continue
		}
		if !e.of.CanClose() {
			continue
		}
		if e.of.IsModified() {
			// spec.md §4.6 close / §2's central data flow: the upload
			// manager must be notified before the open-file object is
			// destroyed, not deferred to a later pass, so no write is
			// ever lost to a race with destruction.
			toQueue = append(toQueue, queueRequest{apiPath: apiPath, sourcePath: e.of.SourcePath()})
		}
		delete(m.files, apiPath)
		toClose = append(toClose, e)
	}
	m.mu.Unlock()

	for _, q := range toQueue {
		_ = m.uploader.Queue(q.apiPath, q.sourcePath)
	}
	for _, e := range toClose {
		e.of.Close()
	}
}

// queueRequest defers an upload.Queue call until after open_file_mtx_
// is released, since Queue touches file_mgr_db under its own lock
// (spec.md §5: "must not be held across an upload or download").
type queueRequest struct {
	apiPath    string
	sourcePath string
}

// RenameFile delegates to the provider, then swaps the open-file
// entry's api_path and its database rows in place (spec.md §4.7/§4.8).
func (m *Manager) RenameFile(ctx context.Context, from, to string, overwrite bool) error {
	from = apipath.Format(from)
	to = apipath.Format(to)

	if m.prov.IsRenameSupported() {
		if err := m.prov.RenameFile(ctx, from, to); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.files[from]
	if ok {
		delete(m.files, from)
		if !e.directory {
			e.of.SetAPIPath(to)
		}
		m.files[to] = e
		for h, owner := range m.handles {
			if owner.apiPath == from {
				owner.apiPath = to
				m.handles[h] = owner
			}
		}
	}

	src := m.sourcePathFor(from)
	if e != nil && !e.directory {
		src = e.of.SourcePath()
	}
	_ = m.fmdb.RenameResume(from, to)
	_ = m.meta.RenameItemMeta(src, from, to)

	// Only a still-queued (not yet dequeued) row is moved here: an
	// in-flight upload keeps using the filesystem_item it already
	// captured at dequeue time, per spec.md §4.7, so it is left alone.
	_ = m.uploader.RenameQueued(from, to)
	return nil
}

// RemoveFile cancels any in-flight upload, removes the provider and
// database rows, and deletes the cached source file once no handles
// remain (spec.md §4.7/§4.8).
func (m *Manager) RemoveFile(ctx context.Context, apiPath string) error {
	apiPath = apipath.Format(apiPath)

	_ = m.uploader.Cancel(apiPath)
	if err := m.prov.RemoveFile(ctx, apiPath); err != nil {
		return err
	}
	src, _ := m.meta.GetItemMetaKey(apiPath, metadb.MetaSourcePath)
	_ = m.meta.RemoveItemMeta(apiPath)
	_ = m.fmdb.RemoveResume(apiPath, "")

	m.mu.Lock()
	e, ok := m.files[apiPath]
	deleteNow := !ok || (e.of != nil && e.of.GetOpenFileCount() == 0)
	if ok && e.of != nil {
		src = e.of.SourcePath()
	}
	if src == "" {
		src = m.sourcePathFor(apiPath)
	}
	if deleteNow {
		delete(m.files, apiPath)
	}
	m.mu.Unlock()

	if deleteNow && src != "" {
		_ = os.Remove(src)
	}
	return nil
}

// EvictFile reclaims apiPath's local cache file if and only if it has
// no handles, is not modified, is not queued for upload, and is not
// currently downloading (spec.md §4.9). Most candidates are not
// tracked by the open-file map at all — close_timed_out_files already
// drops every clean, handle-free entry on each Close, exactly so it
// stops costing memory once idle — so the common path here looks the
// file up by source_path in meta_db rather than in m.files.
func (m *Manager) EvictFile(apiPath string) bool {
	apiPath = apipath.Format(apiPath)

	if processing, _ := m.uploader.IsProcessing(apiPath); processing {
		return false
	}

	m.mu.Lock()
	e, tracked := m.files[apiPath]
	m.mu.Unlock()

	if tracked {
		if e.directory || e.of == nil {
			return false
		}
		if !e.of.CanClose() || e.of.IsModified() {
			return false
		}
		if err := e.of.Evict(); err != nil {
			return false
		}
	} else {
		src, err := m.meta.GetItemMetaKey(apiPath, metadb.MetaSourcePath)
		if err != nil || src == "" {
			src = m.sourcePathFor(apiPath)
		}
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return false
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.FilesystemItemEvicted{APIPath: apiPath})
	}
	return true
}

// GetStoredDownloads exposes every persisted resume row so a warm
// start can reopen partially downloaded files (spec.md §4.8).
func (m *Manager) GetStoredDownloads() ([]filemgrdb.ResumeEntry, error) {
	return m.fmdb.GetAllResume()
}

// IsProcessing reports whether apiPath has a live open-file object, a
// pending upload row, or an active upload row (spec.md §4.8).
func (m *Manager) IsProcessing(apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	m.mu.Lock()
	_, open := m.files[apiPath]
	m.mu.Unlock()
	if open {
		return true, nil
	}
	return m.uploader.IsProcessing(apiPath)
}

// GetOpenFile returns the live OpenFile for apiPath, if any, for
// callers (hostfs adapters) that need direct read/write access.
func (m *Manager) GetOpenFile(apiPath string) (*openfile.OpenFile, bool) {
	apiPath = apipath.Format(apiPath)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[apiPath]
	if !ok || e.directory {
		return nil, false
	}
	return e.of, true
}

// GetOpenFileCount returns the number of api_paths currently tracked
// (open directories and files combined).
func (m *Manager) GetOpenFileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Truncate resizes an open file's local representation only; the
// upstream copy is not touched here. The upload queue is notified on
// the next close pass once the file is marked modified (spec.md §4.6
// resize).
func (m *Manager) Truncate(apiPath string, size int64) error {
	of, ok := m.GetOpenFile(apiPath)
	if !ok {
		return apierror.NotFound
	}
	return of.Resize(size)
}

// QueueUpload enqueues apiPath for upload, referencing its current
// local source file. Call after a write marks an open-file modified
// and the caller decides it is ready to flush (spec.md §4.7).
func (m *Manager) QueueUpload(apiPath string) error {
	of, ok := m.GetOpenFile(apiPath)
	if !ok {
		return apierror.NotFound
	}
	return m.uploader.Queue(apiPath, of.SourcePath())
}
