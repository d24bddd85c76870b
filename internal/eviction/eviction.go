// Package eviction implements spec.md §4.9's background sweep: walk
// the cache directory, exclude pinned and currently-open files, order
// the rest by the configured policy, and reclaim space one
// file_manager.evict_file call at a time until the cache directory is
// back under budget. Grounded on
// backend/cache/storage_persistent.go's CleanChunksBySize/
// CleanChunksByAge (walk, filter, sort, reclaim-until-under-budget)
// and spec.md §4.9 directly.
package eviction

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blockstorage1/repertory/internal/config"
	"github.com/blockstorage1/repertory/internal/events"
	"github.com/blockstorage1/repertory/internal/metadb"
	"github.com/blockstorage1/repertory/internal/openfile"
)

// FileManager is the subset of internal/filemanager.Manager eviction
// depends on, kept narrow so tests can fake it.
type FileManager interface {
	EvictFile(apiPath string) bool
	GetOpenFile(apiPath string) (*openfile.OpenFile, bool)
}

type candidate struct {
	apiPath string
	size    int64
	modTime time.Time
}

// Sweeper runs the periodic eviction loop.
type Sweeper struct {
	cfg   *config.Config
	meta  *metadb.DB
	fm    FileManager
	bus   *events.Bus

	stopCh      chan struct{}
	stoppedOnce sync.Once
	wg          sync.WaitGroup
}

// New constructs a Sweeper. Call Start to launch the background loop.
func New(cfg *config.Config, meta *metadb.DB, fm FileManager, bus *events.Bus) *Sweeper {
	return &Sweeper{cfg: cfg, meta: meta, fm: fm, bus: bus, stopCh: make(chan struct{})}
}

// Start launches the background sweep goroutine.
func (s *Sweeper) Start() {
	if s.bus != nil {
		s.bus.Publish(events.ServiceStartBegin{Service: "eviction"})
	}
	s.wg.Add(1)
	go s.run()
	if s.bus != nil {
		s.bus.Publish(events.ServiceStartEnd{Service: "eviction"})
	}
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	if s.bus != nil {
		s.bus.Publish(events.ServiceStopBegin{Service: "eviction"})
	}
	s.stoppedOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.bus != nil {
		s.bus.Publish(events.ServiceStopEnd{Service: "eviction"})
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.EvictionDelay):
		}
		s.RunOnce(context.Background())
	}
}

// RunOnce performs a single sweep pass: walk, filter, sort, reclaim
// until the directory is back under budget or candidates run out
// (spec.md §4.9 steps 1-5). Exported so tests and a manual "evict now"
// trigger can drive one pass synchronously.
func (s *Sweeper) RunOnce(ctx context.Context) {
	candidates, totalSize := s.filteredCachedFiles()
	s.sortCandidates(candidates)

	for _, c := range candidates {
		if totalSize <= s.cfg.MaxCacheSizeBytes {
			return
		}
		if !s.fm.EvictFile(c.apiPath) {
			continue
		}
		totalSize -= c.size
	}
}

// filteredCachedFiles walks the cache directory and drops entries that
// are pinned or currently open (spec.md §4.9 step 2).
func (s *Sweeper) filteredCachedFiles() ([]candidate, int64) {
	pinned, _ := s.meta.GetPinnedFiles()
	pinnedSet := make(map[string]bool, len(pinned))
	for _, p := range pinned {
		pinnedSet[p] = true
	}

	var out []candidate
	var total int64

	_ = filepath.Walk(s.cfg.CacheDirectory, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()

		apiPath, lookupErr := s.meta.GetAPIPathFromSource(path)
		if lookupErr != nil {
			return nil // not a tracked cache file (e.g. a metadata db); leave untouched.
		}
		if pinnedSet[apiPath] {
			return nil
		}
		if of, ok := s.fm.GetOpenFile(apiPath); ok && of.GetOpenFileCount() > 0 {
			return nil
		}
		out = append(out, candidate{apiPath: apiPath, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	return out, total
}

func (s *Sweeper) sortCandidates(c []candidate) {
	switch s.cfg.EvictionPolicy {
	case config.EvictionLargestFile:
		sort.Slice(c, func(i, j int) bool { return c[i].size > c[j].size })
	default: // EvictionOldestAccess
		sort.Slice(c, func(i, j int) bool { return c[i].modTime.Before(c[j].modTime) })
	}
}
