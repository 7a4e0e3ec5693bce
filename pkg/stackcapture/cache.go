package stackcapture

import (
	"fmt"
	"os"
	"sync"

	"github.com/BMGburger/sawbuck/pkg/logflags"
)

// DefaultMaxNumFrames is the default maximum stack depth of a capture.
const DefaultMaxNumFrames = 62

// compressionReportingPeriod is the number of save operations between
// reports of the cache compression ratio. Zero disables the reports. It is
// expected to be set once at startup, or not at all, and is read without
// synchronization afterwards.
var compressionReportingPeriod uint64

// SetCompressionReportingPeriod sets a new global compression reporting
// period. Not safe to call concurrently with active cache operations.
func SetCompressionReportingPeriod(period uint64) {
	compressionReportingPeriod = period
}

// CompressionReportingPeriod returns the global compression reporting
// period.
func CompressionReportingPeriod() uint64 {
	return compressionReportingPeriod
}

// Statistics is a snapshot of the aggregate state of a Cache.
type Statistics struct {
	// Cached is the number of stacks currently in the cache.
	Cached uint64
	// Size is the total arena size of the cached stacks, in bytes.
	Size uint64
	// Saturated is the number of reference saturated captures. These can
	// never be removed from the cache.
	Saturated uint64
	// Unreferenced is the number of captures that dropped to zero
	// references without their arena bytes being reclaimable. The bytes
	// are returned when the whole cache is torn down.
	Unreferenced uint64

	// The lifetime counters are 64 bit because they can overflow a 32 bit
	// value in long running processes.

	// Requested is the total number of stacks saved over the lifetime of
	// the cache.
	Requested uint64
	// Allocated is the total number of stacks that needed new storage.
	Allocated uint64
	// References is the current total number of active references to
	// captures.
	References uint64
}

// Cache is a thread safe cache of unique stack traces, keyed by id and
// frame content. One coarse lock guards the dedup set, the current page
// and the statistics, so every operation costs a hash lookup plus, on a
// miss, one bump allocation.
type Cache struct {
	logger logflags.Logger

	mu sync.Mutex

	// maxNumFrames is the stack depth of captures allocated from now on.
	// Existing captures keep their original depth.
	maxNumFrames int

	// pageSize is the arena size of every page of this cache.
	pageSize int

	// knownStacks maps hashStack values to the captures with that hash.
	// Buckets resolve hash collisions by full id and frame comparison.
	knownStacks map[uint64][]*StackCapture

	// currentPage is the page new captures are allocated from. Earlier
	// pages are reachable through its link for teardown.
	currentPage *CachePage

	statistics Statistics
}

// NewCache returns a cache with the default maximum stack depth and page
// size.
func NewCache(logger logflags.Logger) *Cache {
	c, err := NewCacheWithOptions(logger, DefaultMaxNumFrames, DefaultCachePageSize)
	if err != nil {
		// The defaults are always valid.
		panic(err)
	}
	return c
}

// NewCacheWithOptions returns a cache using the given maximum stack depth
// and page size. pageSize must be a multiple of the system page size and
// large enough for at least one capture.
func NewCacheWithOptions(logger logflags.Logger, maxNumFrames, pageSize int) (*Cache, error) {
	if maxNumFrames <= 0 || maxNumFrames > int(^uint16(0)) {
		return nil, fmt.Errorf("stackcapture: invalid maximum stack depth %d", maxNumFrames)
	}
	if pgsz := os.Getpagesize(); pageSize <= 0 || pageSize%pgsz != 0 {
		return nil, fmt.Errorf("stackcapture: page size %d is not a multiple of the system page size %d", pageSize, pgsz)
	}
	if uintptr(pageSize) < captureSize(maxNumFrames) {
		return nil, fmt.Errorf("stackcapture: page size %d cannot hold a single %d frame capture", pageSize, maxNumFrames)
	}
	if logger == nil {
		logger = logflags.StackCacheLogger()
	}
	return &Cache{
		logger:       logger,
		maxNumFrames: maxNumFrames,
		pageSize:     pageSize,
		knownStacks:  make(map[uint64][]*StackCapture),
		currentPage:  newCachePage(nil, pageSize),
	}, nil
}

// MaxNumFrames returns the current maximum stack depth of new captures.
func (c *Cache) MaxNumFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxNumFrames
}

// SetMaxNumFrames changes the maximum stack depth. Only captures created
// afterwards are affected.
func (c *Cache) SetMaxNumFrames(maxNumFrames int) error {
	if maxNumFrames <= 0 || maxNumFrames > int(^uint16(0)) {
		return fmt.Errorf("stackcapture: invalid maximum stack depth %d", maxNumFrames)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if uintptr(c.pageSize) < captureSize(maxNumFrames) {
		return fmt.Errorf("stackcapture: page size %d cannot hold a single %d frame capture", c.pageSize, maxNumFrames)
	}
	c.maxNumFrames = maxNumFrames
	return nil
}

// SaveStackTrace saves (or retrieves) the stack described by id and frames
// and returns its stable capture. Frames beyond the cache's maximum stack
// depth are discarded. The returned capture holds one additional reference
// which the caller must eventually hand back through ReleaseStackTrace.
func (c *Cache) SaveStackTrace(id StackID, frames []uintptr) *StackCapture {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statistics.Requested++
	if len(frames) > c.maxNumFrames {
		frames = frames[:c.maxNumFrames]
	}

	key := hashStack(id, frames)
	capture := c.lookupLocked(key, id, frames)
	if capture == nil {
		capture = c.currentPage.GetNextStackCapture(c.maxNumFrames)
		if capture == nil {
			// Page full; chain a fresh one. Growth is bounded only by
			// available memory, true exhaustion aborts inside make.
			c.currentPage = newCachePage(c.currentPage, c.pageSize)
			capture = c.currentPage.GetNextStackCapture(c.maxNumFrames)
		}
		capture.initFromStack(id, frames)
		c.knownStacks[key] = append(c.knownStacks[key], capture)
		c.statistics.Allocated++
		c.statistics.Cached++
		c.statistics.Size += uint64(capture.Size())
	}
	c.addRefLocked(capture)

	if period := compressionReportingPeriod; period != 0 && c.statistics.Requested%period == 0 {
		c.logCompressionRatioLocked()
	}
	return capture
}

// SaveCapture re-saves an already cached capture's content, returning the
// canonical capture for it.
func (c *Cache) SaveCapture(capture *StackCapture) *StackCapture {
	return c.SaveStackTrace(capture.StackID(), capture.Frames())
}

// ReleaseStackTrace releases one reference to a previously saved capture.
// When the last reference is gone the capture is removed from the cache;
// its arena bytes are returned to the page only if it was the most recent
// allocation, otherwise they are reclaimed at teardown. Saturated captures
// are permanently retained. Releasing an untracked capture, or more often
// than it was saved, is a caller bug and panics.
func (c *Cache) ReleaseStackTrace(capture *StackCapture) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if capture.Saturated() {
		return
	}
	capture.removeRef()
	c.statistics.References--
	if capture.RefCount() > 0 {
		return
	}

	key := hashStack(capture.StackID(), capture.Frames())
	bucket := c.knownStacks[key]
	found := false
	for i, sc := range bucket {
		if sc == capture {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			found = true
			break
		}
	}
	if !found {
		panic("stackcapture: ReleaseStackTrace of an untracked capture")
	}
	if len(bucket) == 0 {
		delete(c.knownStacks, key)
	} else {
		c.knownStacks[key] = bucket
	}
	c.statistics.Cached--
	c.statistics.Size -= uint64(capture.Size())

	if c.currentPage.isLastAllocated(capture) {
		c.currentPage.ReleaseStackCapture(capture)
	} else {
		c.statistics.Unreferenced++
	}
}

// Statistics returns a snapshot of the cache statistics.
func (c *Cache) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statistics
}

// LogStatistics logs the current cache statistics.
func (c *Cache) LogStatistics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statistics
	c.logger.Infof("cache: %d stacks cached using %d bytes, %d saturated, %d unreferenced; lifetime: %d requested, %d allocated, %d active references",
		s.Cached, s.Size, s.Saturated, s.Unreferenced, s.Requested, s.Allocated, s.References)
}

// Close tears the cache down, returning every page at once. The cache and
// all captures obtained from it must not be used afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownStacks = nil
	c.currentPage = nil
}

func (c *Cache) lookupLocked(key uint64, id StackID, frames []uintptr) *StackCapture {
	for _, sc := range c.knownStacks[key] {
		if sc.matches(id, frames) {
			return sc
		}
	}
	return nil
}

func (c *Cache) addRefLocked(capture *StackCapture) {
	before := capture.RefCount()
	capture.addRef()
	after := capture.RefCount()
	if after != before {
		c.statistics.References++
	}
	if after == maxRefCount && before != maxRefCount {
		c.statistics.Saturated++
	}
}

func (c *Cache) logCompressionRatioLocked() {
	s := c.statistics
	ratio := 100.0 * (1.0 - float64(s.Allocated)/float64(s.Requested))
	c.logger.Infof("cache: compression ratio %.2f%% (%d requested, %d allocated)", ratio, s.Requested, s.Allocated)
}
