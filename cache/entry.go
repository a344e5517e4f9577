package cache

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/datacache/future"
	"github.com/IvanBrykalov/datacache/memory"
)

// TinyDataSize is the threshold below which an entry's bytes are stored
// inline instead of in a page allocation.
const TinyDataSize = 2048

// kExclusive is the pin count sentinel for an entry owned by a single
// writer. Any positive pin count is a number of readers.
const kExclusive = math.MinInt32

// accessStats tracks recency and frequency of one entry. Times are seconds
// since the owning cache was created; 32 bits outlast any process.
type accessStats struct {
	lastUse uint32
	numUses uint32
}

// score rates the entry for eviction: higher is a better candidate. Recency
// in seconds, halved for every recorded use.
func (a *accessStats) score(now uint32) int32 {
	if now <= a.lastUse {
		return 0
	}
	age := uint64(now - a.lastUse)
	if a.numUses >= 63 {
		return 0
	}
	s := age >> a.numUses
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(s)
}

func (a *accessStats) touch(now uint32) {
	a.lastUse = now
	if a.numUses < math.MaxUint32 {
		a.numUses++
	}
}

func (a *accessStats) reset() {
	a.lastUse = 0
	a.numUses = 0
}

// CacheEntry is the addressable unit of the cache: a byte range of a file,
// stored inline below TinyDataSize and in a page allocation otherwise.
// Entries are owned by their shard's slot arena; CachePins count references.
//
// Field discipline: key, storage, promise, and the flag fields are written
// under the shard mutex or while the writer holds the entry exclusively;
// numPins is atomic so release and addReference stay off the mutex.
type CacheEntry struct {
	shard *CacheShard

	key  FileCacheKey
	size uint64

	// Exactly one of data/tinyData is in use; the other is empty.
	data     memory.Allocation
	tinyData []byte

	numPins atomic.Int32

	// promise, lazily created for waiters, is guarded by the shard mutex
	// and always fulfilled outside it.
	promise *future.SharedPromise

	accessStats accessStats

	// isPrefetch is set when the entry was produced by readahead and not
	// yet used by a real reader. The first real use clears it and sets
	// isFirstUse; that use is not added to the hit counters.
	isPrefetch bool
	isFirstUse bool

	// SSD state. ssdSaveable marks an admission-filter candidate not yet
	// written; ssdFile/ssdOffset record where a written copy lives.
	ssdSaveable bool
	ssdFile     SsdFile
	ssdOffset   uint64

	// Ids consulted by the SSD admission filter.
	groupID    uint64
	trackingID uint64
}

func newEntry(shard *CacheShard) *CacheEntry {
	return &CacheEntry{shard: shard}
}

// Key returns the entry's key. The file number lease is owned by the entry.
func (e *CacheEntry) Key() *FileCacheKey { return &e.key }

// Offset returns the entry's starting file offset.
func (e *CacheEntry) Offset() uint64 { return e.key.Offset }

// Size returns the logical byte size requested at creation.
func (e *CacheEntry) Size() uint64 { return e.size }

// Data returns the page allocation; empty for tiny entries.
func (e *CacheEntry) Data() *memory.Allocation { return &e.data }

// TinyData returns the inline storage; nil for page-backed entries.
func (e *CacheEntry) TinyData() []byte { return e.tinyData }

// IsExclusive reports whether a single writer owns the entry.
func (e *CacheEntry) IsExclusive() bool { return e.numPins.Load() == kExclusive }

// IsShared reports whether the entry has reader pins.
func (e *CacheEntry) IsShared() bool { return e.numPins.Load() > 0 }

// IsPrefetch reports whether the entry came from readahead and has not been
// used by a real reader yet. Read under a pin; racing readers may observe
// either value around the first use.
func (e *CacheEntry) IsPrefetch() bool {
	e.shard.mu.Lock()
	defer e.shard.mu.Unlock()
	return e.isPrefetch
}


// SetPrefetch marks or unmarks the entry as produced by readahead and
// adjusts the cache-wide prefetch page gauge. Returns the new gauge value.
// Call only while holding a pin.
func (e *CacheEntry) SetPrefetch(flag bool) int64 {
	e.shard.mu.Lock()
	e.isPrefetch = flag
	e.shard.mu.Unlock()
	pages := memory.NumPages(e.size)
	if !flag {
		pages = -pages
	}
	return e.shard.cache.incrementPrefetchPages(pages)
}

// MakeEvictable resets access stats so the next eviction sweep selects the
// entry regardless of its history. Call only while holding a pin.
func (e *CacheEntry) MakeEvictable() {
	e.shard.mu.Lock()
	e.accessStats.reset()
	e.shard.mu.Unlock()
}

// SetGroupID sets the load-group id consulted by the SSD admission filter.
// Set while the entry is exclusive, before SetExclusiveToShared.
func (e *CacheEntry) SetGroupID(id uint64) { e.groupID = id }

// SetTrackingID sets the access-tracking id consulted by the SSD admission
// filter. Set while the entry is exclusive, before SetExclusiveToShared.
func (e *CacheEntry) SetTrackingID(id uint64) { e.trackingID = id }

// SsdFile returns where the entry has been persisted, or nil.
func (e *CacheEntry) SsdFile() SsdFile { return e.ssdFile }

// SsdOffset returns the persisted offset; meaningful only with a non-nil
// SsdFile.
func (e *CacheEntry) SsdOffset() uint64 { return e.ssdOffset }

// SetSsdFile records the persisted location and drops the saveable mark.
func (e *CacheEntry) SetSsdFile(file SsdFile, offset uint64) {
	e.shard.mu.Lock()
	e.ssdFile = file
	e.ssdOffset = offset
	e.ssdSaveable = false
	e.shard.mu.Unlock()
}

// initialize attaches storage sized at creation time. The page allocation
// happens outside the shard mutex; the result is attached under it so
// concurrent stats sweeps see either no storage or all of it. On allocation
// failure the exclusive pin is released, which removes the entry, and
// ErrNoCacheSpace is returned.
func (e *CacheEntry) initialize() error {
	cache := e.shard.cache
	start := time.Now()
	if e.size < TinyDataSize {
		buf := make([]byte, e.size)
		e.shard.mu.Lock()
		e.tinyData = buf
		e.shard.mu.Unlock()
		e.shard.allocClocks.Add(time.Since(start).Nanoseconds())
		return nil
	}
	var data memory.Allocation
	sizePages := memory.NumPages(e.size)
	ok := cache.allocator.AllocateNonContiguous(sizePages, &data)
	e.shard.allocClocks.Add(time.Since(start).Nanoseconds())
	if !ok {
		// No memory to cover this entry.
		e.release()
		return fmt.Errorf("%w: failed to allocate %d bytes for cache", ErrNoCacheSpace, e.size)
	}
	cache.incrementCachedPages(data.NumPages())
	e.shard.mu.Lock()
	e.tinyData = nil
	e.data.AppendMove(&data)
	e.shard.mu.Unlock()
	return nil
}

// SetExclusiveToShared publishes a freshly loaded entry: the single writer
// becomes the first reader, waiters are woken, and the entry is offered to
// the SSD admission filter. The promise is moved out under the shard mutex
// and fulfilled outside it so a resumed waiter never re-enters a mutex the
// fulfilling thread still holds.
func (e *CacheEntry) SetExclusiveToShared() {
	if !e.IsExclusive() {
		panic("cache: SetExclusiveToShared on non-exclusive entry")
	}
	e.numPins.Store(1)
	e.shard.mu.Lock()
	promise := e.promise
	e.promise = nil
	e.shard.mu.Unlock()
	if promise != nil {
		promise.Set(true)
	}

	// The entry may now have other readers. Read-only work like integrity
	// checks and SSD candidacy is still safe.
	cache := e.shard.cache
	if cache.verifyHook != nil {
		cache.verifyHook(e)
	}

	if e.ssdFile == nil && cache.ssdCache != nil {
		if cache.ssdCache.GroupStats().ShouldSaveToSsd(e.groupID, e.trackingID) {
			e.shard.mu.Lock()
			e.ssdSaveable = true
			e.shard.mu.Unlock()
			cache.possibleSsdSave(e.size)
		}
	}
}

// release drops one reference. Releasing an exclusive entry means the load
// failed: the entry is removed from its shard and waiters are woken to
// retry.
func (e *CacheEntry) release() {
	pins := e.numPins.Load()
	if pins == 0 {
		panic("cache: release of unpinned entry")
	}
	if pins == kExclusive {
		promise := e.shard.removeEntry(e)
		// Realize the promise outside of the shard mutex.
		if promise != nil {
			promise.Set(true)
		}
		e.numPins.Store(0)
		return
	}
	if old := e.numPins.Add(-1) + 1; old < 1 {
		panic("cache: pin count goes negative")
	}
}

// addReference adds a reader pin. The entry must not be exclusive.
func (e *CacheEntry) addReference() {
	if e.IsExclusive() {
		panic("cache: addReference to exclusive entry")
	}
	e.numPins.Add(1)
}

// getFutureLocked returns a future on the entry's completion, creating the
// promise on first use. Caller must hold the shard mutex.
func (e *CacheEntry) getFutureLocked() future.Future {
	if e.promise == nil {
		e.promise = future.NewSharedPromise()
	}
	return e.promise.Future()
}

// movePromiseLocked detaches the promise, if any. Caller must hold the
// shard mutex and fulfill the promise after releasing it.
func (e *CacheEntry) movePromiseLocked() *future.SharedPromise {
	p := e.promise
	e.promise = nil
	return p
}

func (e *CacheEntry) String() string {
	return fmt.Sprintf("<entry key:%d:%d size %d pins %d>",
		e.key.FileNum.ID(), e.key.Offset, e.size, e.numPins.Load())
}
