// Package upload implements spec.md §4.7's single-worker upload
// manager: a LIFO queue backed by internal/filemgrdb, an in-memory
// mirror heap for fast wake-up signaling, cancel-on-rename/unlink, and
// exponential backoff retry. Grounded on
// NebulousLabs/Sia modules/renter/uploadheap.go's activeChunks dedup
// map plus container/heap-backed queue and newUploads wake channel,
// adapted from a multi-worker repair heap to this spec's single
// sequential worker (spec.md §4.7: "exactly one upload runs at a
// time").
package upload

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/events"
	"github.com/blockstorage1/repertory/internal/filemgrdb"
	"github.com/blockstorage1/repertory/internal/provider"
)

// item is one in-memory mirror of a queued upload, ordered for LIFO
// pop (highest id first) by the heap.Interface below.
type item struct {
	entry filemgrdb.Entry
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].entry.ID > h[j].entry.ID } // max-heap on id: LIFO.
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// StopToken is threaded through to the provider call per upload
// (spec.md §6).
type StopToken interface {
	Stopped() bool
}

type stopFlag struct{ mu sync.Mutex; stopped bool }

func (s *stopFlag) Stop()         { s.mu.Lock(); s.stopped = true; s.mu.Unlock() }
func (s *stopFlag) Stopped() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.stopped }

// Manager runs a single background worker that drains the upload
// queue LIFO, retrying with exponential backoff on provider failure.
type Manager struct {
	mu          sync.Mutex
	db          *filemgrdb.DB
	prov        provider.Provider
	bus         *events.Bus
	baseDelay   time.Duration
	maxDelay    time.Duration
	heap        itemHeap
	active      map[string]*stopFlag     // api_path -> cancel flag for the in-flight attempt
	retryDelay  map[string]time.Duration // api_path -> next backoff delay, carried across re-enqueues
	wake        chan struct{}
	stopCh      chan struct{}
	stoppedOnce sync.Once
	wg          sync.WaitGroup
}

// New constructs a Manager. Call Start to seed the queue (including
// rows orphaned by a prior crash, via RecoverActiveUploads) and begin
// the background worker.
func New(db *filemgrdb.DB, prov provider.Provider, bus *events.Bus, baseDelay, maxDelay time.Duration) *Manager {
	return &Manager{
		db:         db,
		prov:       prov,
		bus:        bus,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		active:     map[string]*stopFlag{},
		retryDelay: map[string]time.Duration{},
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start recovers any upload_active rows left by a prior crash, loads
// the persisted queue into the in-memory heap, and launches the
// worker goroutine (spec.md §4.7, §5 startup ordering).
func (m *Manager) Start(ctx context.Context) error {
	if m.bus != nil {
		m.bus.Publish(events.ServiceStartBegin{Service: "upload_manager"})
	}
	recovered, err := m.db.RecoverActiveUploads()
	if err != nil {
		return err
	}
	pending, err := m.db.GetAllUpload()
	if err != nil {
		return err
	}

	m.mu.Lock()
	seen := map[string]bool{}
	for _, e := range recovered {
		heap.Push(&m.heap, &item{entry: e})
		seen[e.APIPath] = true
	}
	for _, e := range pending {
		// recovered already re-added every former upload_active row
		// into the upload table with a fresh id (RecoverActiveUploads),
		// so GetAllUpload sees it too; skip the duplicate.
		if seen[e.APIPath] {
			continue
		}
		heap.Push(&m.heap, &item{entry: e})
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
	if m.bus != nil {
		m.bus.Publish(events.ServiceStartEnd{Service: "upload_manager"})
	}
	return nil
}

// Stop signals the worker to exit once any in-flight attempt returns
// and waits for it to do so.
func (m *Manager) Stop() {
	if m.bus != nil {
		m.bus.Publish(events.ServiceStopBegin{Service: "upload_manager"})
	}
	m.stoppedOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if m.bus != nil {
		m.bus.Publish(events.ServiceStopEnd{Service: "upload_manager"})
	}
}

// Queue enqueues apiPath for upload from sourcePath, cancelling and
// replacing any row already pending for the same path (spec.md §4.4:
// "re-dirtying a file does not make it wait behind its own prior
// upload"). If an attempt is currently in flight for apiPath, it is
// signaled to cancel so the fresh data wins.
func (m *Manager) Queue(apiPath, sourcePath string) error {
	m.cancelActive(apiPath)

	e, err := m.db.AddUpload(apiPath, sourcePath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for i, it := range m.heap {
		if it.entry.APIPath == apiPath {
			heap.Remove(&m.heap, i)
			break
		}
	}
	heap.Push(&m.heap, &item{entry: e})
	delete(m.retryDelay, apiPath) // fresh data starts its own backoff cycle from scratch.
	m.mu.Unlock()
	m.signal()
	return nil
}

// Cancel removes apiPath from the queue (if pending) and cancels its
// in-flight attempt (if any) — used on rename/unlink (spec.md §4.7).
func (m *Manager) Cancel(apiPath string) error {
	m.cancelActive(apiPath)
	if err := m.db.RemoveUpload(apiPath); err != nil {
		return err
	}
	m.mu.Lock()
	for i, it := range m.heap {
		if it.entry.APIPath == apiPath {
			heap.Remove(&m.heap, i)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// StoreResume persists a resume_entry for apiPath (spec.md §4.7
// store_resume), called from the open-file's read path whenever
// read_state changes non-trivially.
func (m *Manager) StoreResume(apiPath, sourcePath string, chunkSize int64, readState []bool) error {
	return m.db.AddResume(filemgrdb.ResumeEntry{
		APIPath:    apiPath,
		ChunkSize:  uint32(chunkSize),
		ReadState:  packBits(readState),
		SourcePath: sourcePath,
	})
}

// RemoveResume deletes apiPath's resume_entry (spec.md §4.7
// remove_resume), e.g. once a download completes or the file is
// evicted/removed.
func (m *Manager) RemoveResume(apiPath, sourcePath string) error {
	return m.db.RemoveResume(apiPath, sourcePath)
}

// packBits serializes a read_state bitset into the one-bit-per-chunk
// byte form file_mgr_db stores (spec.md §3 read_state).
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// RenameQueued moves a still-pending row's api_path in place,
// preserving its queue position. It never touches an in-flight
// attempt: an active upload keeps using the filesystem_item it
// captured at dequeue time (spec.md §4.7). Returns apierror.NotFound
// if apiPath has nothing queued.
func (m *Manager) RenameQueued(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.heap {
		if it.entry.APIPath == from {
			if err := m.db.RenameUpload(from, to); err != nil {
				return err
			}
			it.entry.APIPath = to
			return nil
		}
	}
	return apierror.NotFound
}

func (m *Manager) cancelActive(apiPath string) {
	m.mu.Lock()
	sf, ok := m.active[apiPath]
	m.mu.Unlock()
	if ok {
		sf.Stop()
	}
}

// IsProcessing reports whether apiPath currently has a pending or
// active upload (spec.md §4.8 is_processing).
func (m *Manager) IsProcessing(apiPath string) (bool, error) {
	m.mu.Lock()
	_, active := m.active[apiPath]
	m.mu.Unlock()
	if active {
		return true, nil
	}
	return m.db.HasUpload(apiPath)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run is the single sequential worker loop.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		e, ok := m.pop()
		if !ok {
			select {
			case <-m.stopCh:
				return
			case <-m.wake:
				continue
			}
		}

		select {
		case <-m.stopCh:
			return
		default:
		}

		m.attempt(ctx, e)
	}
}

func (m *Manager) pop() (filemgrdb.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return filemgrdb.Entry{}, false
	}
	it := heap.Pop(&m.heap).(*item)
	return it.entry, true
}

// attempt runs exactly one upload_active row through one provider call.
// On success or cancellation it finishes the row off for good; on any
// other failure it backs off, then re-enqueues a fresh upload row and
// returns so run's loop pops it again (spec.md §4.7/§7: a non-cancel
// failure does "remove_upload_active; add_upload" rather than retrying
// the same upload_active row in place).
func (m *Manager) attempt(ctx context.Context, e filemgrdb.Entry) {
	sf := &stopFlag{}
	m.mu.Lock()
	m.active[e.APIPath] = sf
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, e.APIPath)
		m.mu.Unlock()
	}()

	if err := m.db.AddUploadActive(e); err != nil {
		return
	}

	cancelled := func() {
		m.db.RemoveUploadActive(e.APIPath)
		m.mu.Lock()
		delete(m.retryDelay, e.APIPath)
		m.mu.Unlock()
		if m.bus != nil {
			m.bus.Publish(events.FileUploadCompleted{APIPath: e.APIPath, SourcePath: e.SourcePath, Cancelled: true})
		}
	}

	if sf.Stopped() {
		cancelled()
		return
	}

	err := m.prov.UploadFile(ctx, e.APIPath, e.SourcePath, sf)
	if err == nil {
		m.db.RemoveUploadActive(e.APIPath)
		m.db.RemoveUpload(e.APIPath)
		m.mu.Lock()
		delete(m.retryDelay, e.APIPath)
		m.mu.Unlock()
		if m.bus != nil {
			m.bus.Publish(events.FileUploadCompleted{APIPath: e.APIPath, SourcePath: e.SourcePath})
		}
		return
	}
	if sf.Stopped() {
		cancelled()
		return
	}

	if m.bus != nil {
		m.bus.Publish(events.ProviderError{APIPath: e.APIPath, Op: "upload_file", Err: err})
		m.bus.Publish(events.FileUploadCompleted{APIPath: e.APIPath, SourcePath: e.SourcePath, Err: err})
	}

	m.mu.Lock()
	delay := m.retryDelay[e.APIPath]
	if delay <= 0 {
		delay = m.baseDelay
	}
	m.mu.Unlock()

	select {
	case <-m.stopCh:
		m.db.RemoveUploadActive(e.APIPath)
		return
	case <-time.After(delay):
	}

	next := delay * 2
	if next > m.maxDelay {
		next = m.maxDelay
	}
	m.mu.Lock()
	m.retryDelay[e.APIPath] = next
	m.mu.Unlock()

	if err := m.db.RemoveUploadActive(e.APIPath); err != nil {
		return
	}
	fresh, err := m.db.AddUpload(e.APIPath, e.SourcePath)
	if err != nil {
		return
	}
	m.mu.Lock()
	heap.Push(&m.heap, &item{entry: fresh})
	m.mu.Unlock()
	m.signal()
}
