package cache

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/datacache/fileid"
	"github.com/IvanBrykalov/datacache/future"
	"github.com/IvanBrykalov/datacache/internal/util"
	"github.com/IvanBrykalov/datacache/memory"
)

// Arbitration constants for MakeSpace.
const (
	// kMinEvictPages floors the eviction batch: evict at least 1MB even for
	// small allocations to avoid constantly re-entering the mutex-protected
	// evict loop.
	kMinEvictPages = 256
	// kSmallSizePages: below this ask, the eviction batch multiplier doubles
	// on every failed attempt while it is below 4 (1.2, 2.4, then 4.8).
	kSmallSizePages = 2048 // 8MB
	// kMinSavePages: accumulate at least 16MB of saveable data before
	// starting an SSD write batch.
	kMinSavePages = 4096
)

// AsyncDataCache is an in-process cache of immutable byte ranges of named
// files, partitioned into power-of-two shards. Entries are populated on
// demand by the caller holding an exclusive pin, shared by concurrent
// readers afterwards, and evicted by a sampled-CLOCK policy when MakeSpace
// arbitrates allocation pressure.
type AsyncDataCache struct {
	allocator  memory.Allocator
	ssdCache   SsdCache // nil if no SSD tier
	fileIDs    *fileid.Interner
	verifyHook VerifyHook
	log        *slog.Logger
	clock      Clock
	epochNanos int64

	shards    []*CacheShard
	shardMask uint64

	// cachedPages is the page total attached to entries; the difference
	// from the allocator's NumAllocated is non-cache use.
	cachedPages   atomic.Int64
	prefetchPages atomic.Int64

	// SSD admission pacing.
	newBytes         atomic.Uint64
	nextSsdScoreSize atomic.Uint64
	ssdSaveableBytes atomic.Uint64
	numSkippedSaves  atomic.Int64

	// Arbitration state shared by contending MakeSpace callers.
	shardCounter         atomic.Uint64
	numThreadsInAllocate atomic.Int32
	backoffCounter       util.PaddedAtomicUint64

	backoffLog util.LogLimiter
	largerLog  util.LogLimiter

	failureMu      sync.Mutex
	failureMessage string
}

// New constructs a cache with the provided Options and registers it with
// the allocator. Panics if Options.Allocator is nil.
func New(opt Options) *AsyncDataCache {
	if opt.Allocator == nil {
		panic("Allocator must be set")
	}
	if opt.FileIDs == nil {
		opt.FileIDs = fileid.Default()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Clock == nil {
		opt.Clock = realClock{}
	}
	numShards := opt.NumShards
	if numShards <= 0 {
		numShards = 16
	}
	if !util.IsPowerOfTwo(uint64(numShards)) {
		numShards = int(util.NextPow2(uint64(numShards)))
	}

	c := &AsyncDataCache{
		allocator:  opt.Allocator,
		ssdCache:   opt.SsdCache,
		fileIDs:    opt.FileIDs,
		verifyHook: opt.VerifyHook,
		log:        opt.Logger,
		clock:      opt.Clock,
		shardMask:  uint64(numShards - 1),
	}
	c.epochNanos = c.clock.NowUnixNano()
	c.shards = make([]*CacheShard, numShards)
	for i := range c.shards {
		c.shards[i] = newShard(c)
	}
	opt.Allocator.RegisterCache(c)
	return c
}

// accessTime is the entry timestamp domain: whole seconds since this cache
// was created. 32 bits outlast any process.
func (c *AsyncDataCache) accessTime() uint32 {
	return uint32((c.clock.NowUnixNano() - c.epochNanos) / int64(time.Second))
}

// FindOrCreate returns a pin on the entry for key, creating it with the
// given size on miss. See CacheShard.findOrCreate for the three outcomes.
// Returns ErrNoCacheSpace (retriable) if storage for a new entry could not
// be allocated.
func (c *AsyncDataCache) FindOrCreate(key RawFileCacheKey, size uint64, wait *future.Future) (CachePin, error) {
	return c.shards[key.hash()&c.shardMask].findOrCreate(key, size, wait)
}

// Exists reports whether key is resident, touching its access stats on hit.
func (c *AsyncDataCache) Exists(key RawFileCacheKey) bool {
	return c.shards[key.hash()&c.shardMask].exists(key)
}

// Allocator returns the backing allocator.
func (c *AsyncDataCache) Allocator() memory.Allocator { return c.allocator }

// SsdCache returns the SSD tier, or nil.
func (c *AsyncDataCache) SsdCache() SsdCache { return c.ssdCache }

// MakeSpace evicts until the allocate callback succeeds or the retry budget
// (4x shard count) is spent, then returns false with a diagnostic in
// FailureMessage.
//
// The loop first tries to allocate, and on failure evicts the desired
// amount from the next shard round-robin, moving harvested pages into
// acquired so they are reused rather than released to a competitor. This is
// deliberately unsynchronized: another thread may take what this one
// evicted, but it usually settles within a couple of iterations. If it does
// not settle within half the budget, contending threads are counted and
// ranked by arrival, and higher ranks back off randomly with their acquired
// pages returned, so the first comer is likelier to get the memory. A mutex
// cannot serve here because memory arbitration must not run inside any
// global lock.
//
// acquired is always freed and the thread count always decremented on exit,
// on every path.
func (c *AsyncDataCache) MakeSpace(numPages int64, allocate func(acquired *memory.Allocation) bool) bool {
	maxAttempts := 4 * len(c.shards)
	sizeMultiplier := 1.2
	// True once this thread is counted in numThreadsInAllocate.
	isCounted := false
	// If more than half the allowed retries are needed, rank in arrival
	// order of this thread among contenders.
	var rank int32
	// Allocation into which evicted pages are moved.
	var acquired memory.Allocation
	defer func() {
		c.allocator.FreeNonContiguous(&acquired)
		if isCounted {
			c.numThreadsInAllocate.Add(-1)
		}
	}()
	if n := c.numThreadsInAllocate.Load(); n < 0 || n >= 10000 {
		panic(fmt.Sprintf("cache: leak in numThreadsInAllocate: %d", n))
	}
	if c.numThreadsInAllocate.Load() > 0 {
		rank = c.numThreadsInAllocate.Add(1)
		isCounted = true
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.canTryAllocate(numPages, &acquired) && allocate(&acquired) {
			return true
		}

		if attempt > 2 && c.ssdCache != nil && c.ssdCache.WriteInProgress() {
			c.log.Info("pausing after failed eviction, waiting for SSD write to unpin memory")
			c.sleep(500 * time.Millisecond)
		}
		if attempt > maxAttempts/2 && !isCounted {
			rank = c.numThreadsInAllocate.Add(1)
			isCounted = true
		}
		if rank > 0 {
			// Free the grabbed allocation before sleeping so a contender
			// can make progress. Only on heavy contention.
			c.allocator.FreeNonContiguous(&acquired)
			c.backoff(int32(attempt) + rank)
			// If some competing threads finished, take a better rank.
			if n := c.numThreadsInAllocate.Load(); n < rank {
				rank = n
			}
		}
		numPagesToAcquire := numPages - acquired.NumPages()
		if numPagesToAcquire < 0 {
			numPagesToAcquire = 0
		}
		evictPages := numPages
		if evictPages < kMinEvictPages {
			evictPages = kMinEvictPages
		}
		// Evict from the next shard. Past one full round of shards without
		// the allocation settling, go to desperate mode with
		// evictAllUnpinned set.
		shard := c.shards[c.shardCounter.Add(1)&c.shardMask]
		shard.evict(
			uint64(float64(memory.PageBytes(evictPages))*sizeMultiplier),
			attempt >= len(c.shards),
			numPagesToAcquire,
			&acquired)
		if numPages < kSmallSizePages && sizeMultiplier < 4 {
			sizeMultiplier *= 2
		}
	}
	c.setFailureMessage(fmt.Sprintf(
		"After failing to evict from cache state: %s", c.Describe(false)))
	return false
}

func (c *AsyncDataCache) canTryAllocate(numPages int64, acquired *memory.Allocation) bool {
	if numPages <= acquired.NumPages() {
		return true
	}
	return numPages-acquired.NumPages() <=
		memory.NumPages(c.allocator.Capacity())-c.allocator.NumAllocated()
}

// backoff sleeps a randomized interval derived from a shared counter, so
// contenders spread out instead of thundering. The product can be zero,
// letting non-contending threads retry immediately.
func (c *AsyncDataCache) backoff(counter int32) {
	seed := util.Fnv64a(c.backoffCounter.Add(1))
	usec := (seed & 0xfff) * uint64(counter&0x1f)
	if c.backoffLog.Allow(time.Second) {
		c.log.Info("backoff in allocation contention",
			"sleep", util.SuccinctMicros(usec))
	}
	c.sleep(time.Duration(usec) * time.Microsecond)
}

func (c *AsyncDataCache) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// incrementNew accounts bytes of newly created entries and periodically
// refreshes the SSD admission filter: after every turnover of roughly the
// cache's current size (at least 256MB), the filter is retargeted at 90% of
// the SSD capacity.
func (c *AsyncDataCache) incrementNew(size uint64) {
	newBytes := c.newBytes.Add(size)
	if c.ssdCache == nil {
		return
	}
	if newBytes > c.nextSsdScoreSize.Load() {
		c.nextSsdScoreSize.Store(newBytes +
			maxUint64(memory.PageBytes(c.cachedPages.Load()), 1<<28))
		c.ssdCache.GroupStats().UpdateSsdFilter(c.ssdCache.MaxBytes() / 10 * 9)
	}
}

// possibleSsdSave accounts bytes that became saveable; once enough
// accumulates (16MB, or an eighth of the cache if larger) and the SSD
// accepts a new write, a save batch is collected.
func (c *AsyncDataCache) possibleSsdSave(bytes uint64) {
	if c.ssdCache == nil {
		return
	}
	saveable := c.ssdSaveableBytes.Add(bytes)
	threshold := int64(kMinSavePages)
	if eighth := c.cachedPages.Load() / 8; eighth > threshold {
		threshold = eighth
	}
	if memory.NumPages(saveable) > threshold {
		// Do not start a new save if another one is in progress.
		if !c.ssdCache.StartWrite() {
			return
		}
		c.SaveToSsd()
	}
}

// SaveToSsd collects pinned saveable entries from every shard and hands the
// batch to the SSD tier. The caller must have claimed the write via
// StartWrite (possibleSsdSave and the eviction retry path do).
func (c *AsyncDataCache) SaveToSsd() {
	if !c.ssdCache.WriteInProgress() {
		panic("cache: SaveToSsd without claimed write")
	}
	c.ssdSaveableBytes.Store(0)
	var pins []CachePin
	for _, shard := range c.shards {
		shard.appendSsdSaveable(&pins)
	}
	c.ssdCache.Write(pins)
}

// NumSkippedSaves returns how many eviction passes skipped saveable entries
// while no new SSD write could be started.
func (c *AsyncDataCache) NumSkippedSaves() int64 { return c.numSkippedSaves.Load() }

// Clear evicts everything unpinned from every shard. Pinned entries stay.
func (c *AsyncDataCache) Clear() {
	for _, shard := range c.shards {
		var acquired memory.Allocation
		shard.evict(math.MaxUint64, true, 0, &acquired)
		if !acquired.Empty() {
			panic("cache: clear acquired pages")
		}
	}
}

// Shutdown drops all shard state. The cache must be quiescent: no pins, no
// loads in flight.
func (c *AsyncDataCache) Shutdown() {
	for _, shard := range c.shards {
		shard.shutdown()
	}
}

// RefreshStats aggregates a stats snapshot over all shards, taking shard
// mutexes one at a time.
func (c *AsyncDataCache) RefreshStats() CacheStats {
	var stats CacheStats
	for _, shard := range c.shards {
		shard.updateStats(&stats)
	}
	if c.ssdCache != nil {
		ssd := c.ssdCache.Stats()
		stats.SsdStats = &ssd
	}
	return stats
}

// CachedPages returns the pages currently attached to entries.
func (c *AsyncDataCache) CachedPages() int64 { return c.cachedPages.Load() }

// PrefetchPages returns the pages held by not-yet-consumed prefetch entries.
func (c *AsyncDataCache) PrefetchPages() int64 { return c.prefetchPages.Load() }

// FailureMessage returns the diagnostic recorded by the last failed
// MakeSpace, if any.
func (c *AsyncDataCache) FailureMessage() string {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	return c.failureMessage
}

func (c *AsyncDataCache) setFailureMessage(msg string) {
	c.failureMu.Lock()
	c.failureMessage = msg
	c.failureMu.Unlock()
}

// Describe renders the cache state; details adds allocator counters.
func (c *AsyncDataCache) Describe(details bool) string {
	stats := c.RefreshStats()
	var out strings.Builder
	fmt.Fprintf(&out, "AsyncDataCache:\n%s\nAllocated pages: %d cached pages: %d\n",
		stats.String(), c.allocator.NumAllocated(), c.cachedPages.Load())
	if details {
		fmt.Fprintf(&out, "Backing: capacity %s allocated %s",
			util.SuccinctBytes(c.allocator.Capacity()),
			util.SuccinctBytes(memory.PageBytes(c.allocator.NumAllocated())))
	}
	return out.String()
}

func (c *AsyncDataCache) String() string { return c.Describe(false) }

func (c *AsyncDataCache) incrementCachedPages(delta int64) int64 {
	return c.cachedPages.Add(delta)
}

func (c *AsyncDataCache) incrementPrefetchPages(delta int64) int64 {
	return c.prefetchPages.Add(delta)
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

var _ memory.Evictor = (*AsyncDataCache)(nil)
