// Package openfile implements spec.md §4.6's per-path handle
// aggregator: normal, ring-buffer, and direct variants behind one
// interface, materializing requested byte ranges from a provider into
// a local source file (or, for the direct variant, returning the
// provider's ReadFileBytes output as is, with no local cache; this
// package applies no chunk AEAD step of its own to those bytes).
// Grounded on backend/cache/handle.go
// (chunked background prefetch with per-offset wait/broadcast) and
// spec.md §4.6.
package openfile

import (
	"context"
	"os"
	"sync"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/provider"
)

// Kind selects which variant an OpenFile behaves as (spec.md §4.6).
type Kind int

const (
	KindNormal Kind = iota
	KindRingBuffer
	KindDirect
)

// HandleData mirrors spec.md §3's open_file_data.
type HandleData struct {
	Directory bool
	ClientID  string
}

// ResumeRecorder persists partial-download progress so a restart can
// resume a download instead of re-fetching from scratch (spec.md §3
// resume_entry; §4.7 store_resume/remove_resume).
type ResumeRecorder interface {
	StoreResume(apiPath, sourcePath string, chunkSize int64, readState []bool) error
	RemoveResume(apiPath, sourcePath string) error
}

// OpenFile is the single live object per api_path inside the file
// manager (spec.md §3 invariant). It is safe for concurrent use: all
// exported methods take the internal lock.
type OpenFile struct {
	mu sync.Mutex

	kind       Kind
	apiPath    string
	sourcePath string
	chunkSize  int64
	prov       provider.Provider

	size      int64
	readState []bool // one entry per chunk; true = chunk present locally

	handles map[uint64]HandleData

	unlinked    bool
	allocated   bool
	modified    bool
	downloading int // count of in-flight chunk fetches

	// ring-buffer variant state (spec.md §4.6 "Variants"); zero value
	// for every other kind.
	ringWindow  int64 // chunks retained behind the read head; <=0 disables windowing
	ringHeadChk int64 // highest chunk id fetched so far; -1 before the first fetch

	cond *sync.Cond

	// srcFile is nil for the direct variant, which has no local cache
	// file (spec.md §4.6).
	srcFile *os.File

	// resume is optional; nil disables resume_entry persistence (e.g.
	// in tests that don't exercise warm-start resume).
	resume ResumeRecorder
}

// New constructs an OpenFile. For KindDirect, sourcePath/srcFile are
// unused; size is taken as authoritative from the provider.
// ringWindowChunks is only consulted for KindRingBuffer: it bounds how
// many chunks behind the read head stay resident before being evicted
// (spec.md §4.6); pass 0 for every other kind.
func New(kind Kind, apiPath, sourcePath string, size, chunkSize int64, prov provider.Provider, ringWindowChunks int64) (*OpenFile, error) {
	of := &OpenFile{
		kind:        kind,
		apiPath:     apiPath,
		sourcePath:  sourcePath,
		chunkSize:   chunkSize,
		prov:        prov,
		size:        size,
		handles:     map[uint64]HandleData{},
		ringWindow:  ringWindowChunks,
		ringHeadChk: -1,
	}
	of.cond = sync.NewCond(&of.mu)
	of.readState = make([]bool, numChunks(size, chunkSize))

	if kind != KindDirect {
		f, err := os.OpenFile(sourcePath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, apierror.IOError
		}
		of.srcFile = f
	}
	return of, nil
}

func numChunks(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// APIPath returns the api_path this object backs.
func (of *OpenFile) APIPath() string {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.apiPath
}

// SetAPIPath updates the api_path in place, used by rename (spec.md
// §4.7: "swaps the open-file's api_path under lock").
func (of *OpenFile) SetAPIPath(p string) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.apiPath = p
}

// SetResumeRecorder wires the resume_entry persistence of spec.md §4.7
// (store_resume/remove_resume) into this object. Call once, right
// after New, before any Read; nil (the default) disables it.
func (of *OpenFile) SetResumeRecorder(r ResumeRecorder) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.resume = r
}

// persistResumeLocked stores or clears apiPath's resume_entry after
// read_state changes (spec.md §3: "created on first partial read ...
// deleted on complete read of file or on file removal"). Must be
// called with of.mu held.
func (of *OpenFile) persistResumeLocked() {
	if of.resume == nil {
		return
	}
	complete := true
	for _, b := range of.readState {
		if !b {
			complete = false
			break
		}
	}
	if complete {
		of.resume.RemoveResume(of.apiPath, of.sourcePath)
		return
	}
	of.resume.StoreResume(of.apiPath, of.sourcePath, of.chunkSize, append([]bool(nil), of.readState...))
}

// SourcePath returns the backing local cache file path (empty for the
// direct variant).
func (of *OpenFile) SourcePath() string {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.sourcePath
}

// Size returns the size visible to readers, including pending local
// writes (spec.md §3 invariant).
func (of *OpenFile) Size() int64 {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.size
}

// IsModified reports whether the object holds at least one byte not
// yet observed by the provider.
func (of *OpenFile) IsModified() bool {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.modified
}

// AddHandle registers a new handle; GetOpenFileCount reports the
// resulting count.
func (of *OpenFile) AddHandle(handle uint64, hd HandleData) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.handles[handle] = hd
}

// RemoveHandle deregisters a handle.
func (of *OpenFile) RemoveHandle(handle uint64) {
	of.mu.Lock()
	defer of.mu.Unlock()
	delete(of.handles, handle)
}

// GetOpenFileCount returns the number of live handles.
func (of *OpenFile) GetOpenFileCount() int {
	of.mu.Lock()
	defer of.mu.Unlock()
	return len(of.handles)
}

// CanClose reports whether closure may proceed: no handles, no
// background download active (spec.md §3/§4.6). It does not consider
// modified state — callers (file manager) decide whether to flush an
// upload first.
func (of *OpenFile) CanClose() bool {
	of.mu.Lock()
	defer of.mu.Unlock()
	return len(of.handles) == 0 && of.downloading == 0
}

// Close releases the local source file handle. Must only be called
// once the caller has verified CanClose() and handled any pending
// upload.
func (of *OpenFile) Close() error {
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.srcFile != nil {
		return of.srcFile.Close()
	}
	return nil
}

// chunkRange returns the inclusive [first,last] chunk ids covering
// [offset, offset+size).
func (of *OpenFile) chunkRange(offset, size int64) (int64, int64) {
	if size <= 0 {
		return offset / of.chunkSize, offset / of.chunkSize
	}
	first := offset / of.chunkSize
	last := (offset + size - 1) / of.chunkSize
	return first, last
}

// ensureRange makes sure every chunk covering [offset, offset+size) is
// resident, dispatching to the variant-specific materialization
// strategy (spec.md §4.6). Must be called with of.mu held.
func (of *OpenFile) ensureRange(offset, size int64) error {
	if of.kind == KindDirect {
		return nil // direct variant never caches; reads go straight to the provider.
	}
	if size <= 0 {
		return nil
	}
	if of.kind == KindRingBuffer && !of.modified {
		// Once a ring-buffer file has a write pending, eviction would
		// risk destroying unflushed data (spec.md §3: the cache file is
		// the source of truth while modified), so a dirty file falls
		// back to normal unrestricted caching for the rest of its life.
		return of.ensureRangeRing(offset, size)
	}
	return of.ensureRangeNormal(offset, size)
}

// ensureRangeNormal downloads missing chunks as one coalesced request
// per contiguous run and never evicts (spec.md §4.6 normal open file).
func (of *OpenFile) ensureRangeNormal(offset, size int64) error {
	first, last := of.chunkRange(offset, size)
	if last >= int64(len(of.readState)) {
		last = int64(len(of.readState)) - 1
	}

	for i := first; i <= last; {
		if of.readState[i] {
			i++
			continue
		}
		// Find the run of contiguous missing chunks starting at i.
		runEnd := i
		for runEnd+1 <= last && !of.readState[runEnd+1] {
			runEnd++
		}

		// If another goroutine is already downloading (we mark
		// of.downloading > 0 globally, a conservative but correct
		// serialization per spec.md's "wait on the condition variable
		// rather than issuing a duplicate request"), wait for it and
		// re-check rather than issuing a duplicate fetch.
		for of.downloading > 0 && !of.readState[i] {
			of.cond.Wait()
		}
		if of.readState[i] {
			i++
			continue
		}

		of.downloading++
		start := i * of.chunkSize
		end := runEnd*of.chunkSize + of.chunkSize
		if end > of.size {
			end = of.size
		}
		fetchLen := end - start

		of.mu.Unlock()
		data, err := of.prov.ReadFileBytes(context.Background(), of.apiPath, fetchLen, start, nil)
		of.mu.Lock()

		of.downloading--
		if err != nil {
			of.cond.Broadcast()
			return apierror.CommError
		}
		if _, werr := of.srcFile.WriteAt(data, start); werr != nil {
			of.cond.Broadcast()
			return apierror.IOError
		}
		for c := i; c <= runEnd; c++ {
			of.readState[c] = true
		}
		of.persistResumeLocked()
		of.cond.Broadcast()
		i = runEnd + 1
	}
	return nil
}

// ensureRangeRing is the ring-buffer variant's materialization
// strategy (spec.md §4.6, glossary "ring-buffer open file"): it keeps
// at most ringWindow chunks behind the read head resident, zeroing and
// clearing the read_state bit of whichever chunk falls out of the
// window as the head advances. A request outside the current window —
// not an extension of it by at most one chunk — is treated as a random
// read and restarts the window from scratch rather than patching the
// gap.
func (of *OpenFile) ensureRangeRing(offset, size int64) error {
	first, last := of.chunkRange(offset, size)
	if last >= int64(len(of.readState)) {
		last = int64(len(of.readState)) - 1
	}
	if last < first {
		return nil
	}

	if of.ringHeadChk >= 0 {
		windowStart := of.ringHeadChk - of.ringWindow + 1
		if first < windowStart || first > of.ringHeadChk+1 {
			of.resetRingWindowLocked()
		}
	}

	for i := first; i <= last; i++ {
		for of.downloading > 0 && !of.readState[i] {
			of.cond.Wait()
		}
		if of.readState[i] {
			if i > of.ringHeadChk {
				of.ringHeadChk = i
			}
			continue
		}

		of.downloading++
		start := i * of.chunkSize
		end := start + of.chunkSize
		if end > of.size {
			end = of.size
		}
		fetchLen := end - start

		of.mu.Unlock()
		data, err := of.prov.ReadFileBytes(context.Background(), of.apiPath, fetchLen, start, nil)
		of.mu.Lock()

		of.downloading--
		if err != nil {
			of.cond.Broadcast()
			return apierror.CommError
		}
		if _, werr := of.srcFile.WriteAt(data, start); werr != nil {
			of.cond.Broadcast()
			return apierror.IOError
		}
		of.readState[i] = true
		of.cond.Broadcast()

		if i > of.ringHeadChk {
			of.ringHeadChk = i
		}
		if of.ringWindow > 0 {
			of.evictRingChunkLocked(of.ringHeadChk - of.ringWindow)
		}
	}
	return nil
}

// evictRingChunkLocked clears chunk c's read_state bit and zeroes its
// backing bytes, reclaiming it from the window. A no-op for chunks
// already absent or out of range. Must be called with of.mu held.
func (of *OpenFile) evictRingChunkLocked(c int64) {
	if c < 0 || c >= int64(len(of.readState)) || !of.readState[c] {
		return
	}
	start := c * of.chunkSize
	end := start + of.chunkSize
	if end > of.size {
		end = of.size
	}
	if end > start {
		of.srcFile.WriteAt(make([]byte, end-start), start)
	}
	of.readState[c] = false
}

// resetRingWindowLocked discards the entire current window, used when
// a read jumps outside it (spec.md §4.6: "random reads outside the
// window force a restart of the window").
func (of *OpenFile) resetRingWindowLocked() {
	for c := range of.readState {
		of.evictRingChunkLocked(int64(c))
	}
	of.ringHeadChk = -1
}

// Read clamps to size, ensures coverage, then reads the slice from the
// local source file (or, for the direct variant, straight from the
// provider).
func (of *OpenFile) Read(offset int64, data []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()

	if offset >= of.size {
		return 0, nil
	}
	size := int64(len(data))
	if offset+size > of.size {
		size = of.size - offset
	}

	if of.kind == KindDirect {
		buf, err := of.prov.ReadFileBytes(context.Background(), of.apiPath, size, offset, nil)
		if err != nil {
			return 0, apierror.CommError
		}
		n := copy(data, buf)
		return n, nil
	}

	if err := of.ensureRange(offset, size); err != nil {
		return 0, err
	}
	n, err := of.srcFile.ReadAt(data[:size], offset)
	if err != nil && n == 0 {
		return 0, apierror.IOError
	}
	return n, nil
}

// Write fails with PermissionDenied for the direct variant. Otherwise
// it ensures affected chunks are resident, writes through to the
// source file, grows size/read_state as needed, and marks modified.
func (of *OpenFile) Write(offset int64, data []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()

	if of.kind == KindDirect {
		return 0, apierror.PermissionDenied
	}

	// Only the portion that overlaps the current size needs to be
	// resident before overwrite; bytes past the current end are a pure
	// extension with nothing to fetch.
	overlap := of.size - offset
	if overlap > int64(len(data)) {
		overlap = int64(len(data))
	}
	if overlap > 0 {
		if err := of.ensureRange(offset, overlap); err != nil {
			return 0, err
		}
	}

	n, err := of.srcFile.WriteAt(data, offset)
	if err != nil {
		of.modified = true // dirty data must be retried even on I/O failure (spec.md §4.6).
		return n, apierror.IOError
	}

	newSize := offset + int64(n)
	if newSize > of.size {
		of.growLocked(newSize)
	}
	// The written range is now authoritatively present locally.
	first, last := of.chunkRange(offset, int64(n))
	for c := first; c <= last && c < int64(len(of.readState)); c++ {
		of.readState[c] = true
	}
	of.modified = true
	return n, nil
}

// growLocked extends size and the read_state bitset. Must be called
// with of.mu held.
func (of *OpenFile) growLocked(newSize int64) {
	of.size = newSize
	want := numChunks(newSize, of.chunkSize)
	for int64(len(of.readState)) < want {
		of.readState = append(of.readState, false)
	}
}

// Resize truncates or extends the source file and read_state,
// marking modified.
func (of *OpenFile) Resize(newSize int64) error {
	of.mu.Lock()
	defer of.mu.Unlock()

	if of.kind == KindDirect {
		return apierror.PermissionDenied
	}
	if newSize < of.size {
		if err := of.srcFile.Truncate(newSize); err != nil {
			return apierror.IOError
		}
		of.size = newSize
		want := numChunks(newSize, of.chunkSize)
		if int64(len(of.readState)) > want {
			of.readState = of.readState[:want]
		}
	} else if newSize > of.size {
		of.growLocked(newSize)
	}
	of.modified = true
	return nil
}

// NativeOperation hands the caller the raw *os.File for in-place
// mutation (spec.md §4.6). If newSize >= 0, size/read_state are
// reconciled after cb returns.
func (of *OpenFile) NativeOperation(newSize int64, cb func(*os.File) error) error {
	of.mu.Lock()
	f := of.srcFile
	of.mu.Unlock()

	if f == nil {
		return apierror.NotSupported
	}
	if err := cb(f); err != nil {
		return err
	}
	if newSize >= 0 {
		return of.Resize(newSize)
	}
	return nil
}

// ForceDownload transitions to eager sequential fetch of every
// remaining chunk. Runs synchronously here; callers wanting background
// behavior should invoke it from their own goroutine.
func (of *OpenFile) ForceDownload() error {
	of.mu.Lock()
	size := of.size
	of.mu.Unlock()
	return of.ensureRangeLocking(0, size)
}

func (of *OpenFile) ensureRangeLocking(offset, size int64) error {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.ensureRange(offset, size)
}

// Unlink marks the object as removed; the file manager deletes the
// source file separately once handle count reaches zero.
func (of *OpenFile) Unlink() {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.unlinked = true
}

func (of *OpenFile) IsUnlinked() bool {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.unlinked
}

// ReadStateBits returns a copy of the current read_state bitset, used
// to persist a resume_entry.
func (of *OpenFile) ReadStateBits() []bool {
	of.mu.Lock()
	defer of.mu.Unlock()
	return append([]bool(nil), of.readState...)
}

// Evict deletes and recreates an empty source file and clears
// read_state, reclaiming local disk space while keeping the object
// addressable (spec.md §4.8 evict_file: "delete source_path and reset
// read_state to empty"). Callers must have already verified CanClose()
// and !IsModified() and that no upload is pending.
func (of *OpenFile) Evict() error {
	of.mu.Lock()
	defer of.mu.Unlock()

	if of.kind == KindDirect {
		return nil
	}
	if of.srcFile != nil {
		of.srcFile.Close()
	}
	if err := os.Remove(of.sourcePath); err != nil && !os.IsNotExist(err) {
		return apierror.IOError
	}
	f, err := os.OpenFile(of.sourcePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return apierror.IOError
	}
	of.srcFile = f
	for i := range of.readState {
		of.readState[i] = false
	}
	if of.resume != nil {
		// The cached bytes are gone: a stale resume row would claim
		// chunks are present that no longer are.
		of.resume.RemoveResume(of.apiPath, of.sourcePath)
	}
	return nil
}
