package cache

import (
	"math"
	"sync"
	"time"

	"github.com/IvanBrykalov/datacache/future"
	"github.com/IvanBrykalov/datacache/internal/util"
	"github.com/IvanBrykalov/datacache/memory"
)

const (
	// kNoThreshold disables score filtering until the first calibration.
	kNoThreshold = int32(math.MaxInt32)

	// kMaxFreeEntries bounds the per-shard entry recycle pool; the pool is
	// halved when it fills up.
	kMaxFreeEntries = 1000
)

// CacheShard is one independent partition of the cache: a map from keys to
// entries, a slot arena holding the entries, a recycler of entry objects,
// and the CLOCK eviction state. All stateful operations take mu; work that
// may block or wake other goroutines (page allocation, promise fulfillment,
// freeing) is decided under mu and performed outside it.
type CacheShard struct {
	cache *AsyncDataCache

	// ---- guarded by mu ----
	mu       sync.Mutex
	entryMap map[RawFileCacheKey]*CacheEntry
	// entries is a slot arena: nil slots are recorded in emptySlots and
	// reused before the arena grows. The eviction clock hand sweeps the
	// arena by index.
	entries     []*CacheEntry
	emptySlots  []int32
	freeEntries []*CacheEntry

	clockHand         int
	eventCounter      int
	evictionThreshold int32

	numHit           uint64
	hitBytes         uint64
	numNew           uint64
	numEvict         uint64
	numEvictChecks   uint64
	numWaitExclusive uint64
	sumEvictScore    uint64

	// ---- hot counter, off-mutex (separate cache line) ----
	_           util.CacheLinePad
	allocClocks util.PaddedAtomicInt64 // nanoseconds spent allocating
}

func newShard(cache *AsyncDataCache) *CacheShard {
	return &CacheShard{
		cache:             cache,
		entryMap:          make(map[RawFileCacheKey]*CacheEntry),
		evictionThreshold: kNoThreshold,
	}
}

// getFreeEntryLocked returns a recycled or new entry object.
func (s *CacheShard) getFreeEntryLocked() *CacheEntry {
	if n := len(s.freeEntries); n > 0 {
		e := s.freeEntries[n-1]
		s.freeEntries = s.freeEntries[:n-1]
		e.accessStats.reset()
		return e
	}
	return newEntry(s)
}

// findOrCreate returns a pin on the entry for key.
//
//   - Hit on a complete entry of sufficient size: shared pin.
//   - Key being loaded by another caller: empty pin; if wait is non-nil it
//     is set to a future resolving when the load settles.
//   - Miss, or hit on an entry smaller than size (which is superseded):
//     a new exclusive entry the caller must fill or release.
//
// key.FileNum must be a live interned id; the new entry takes its own lease.
func (s *CacheShard) findOrCreate(key RawFileCacheKey, size uint64, wait *future.Future) (CachePin, error) {
	now := s.cache.accessTime()
	var entryToInit *CacheEntry
	var prefetchPages int64
	s.mu.Lock()
	s.eventCounter++
	if found, ok := s.entryMap[key]; ok {
		if found.numPins.Load() == kExclusive {
			s.numWaitExclusive++
			if wait != nil {
				*wait = found.getFutureLocked()
			}
			s.mu.Unlock()
			return CachePin{}, nil
		}
		if found.size >= size {
			found.accessStats.touch(now)
			// The entry is in a readable state. Add a pin.
			if found.isPrefetch {
				found.isFirstUse = true
				found.isPrefetch = false
				prefetchPages = -memory.NumPages(found.size)
			} else {
				s.numHit++
				s.hitBytes += found.size
			}
			found.numPins.Add(1)
			s.mu.Unlock()
			if prefetchPages != 0 {
				s.cache.incrementPrefetchPages(prefetchPages)
			}
			return CachePin{entry: found}, nil
		}

		// This can happen if different load quanta apply to access via
		// different readers. Not an error but still worth logging.
		if s.cache.largerLog.Allow(time.Second) {
			s.cache.log.Warn("requested larger entry",
				"foundSize", found.size, "requestedSize", size)
		}
		// The old entry is superseded. Possible readers of the old entry
		// still retain a valid read pin; the map slot is taken over below.
		found.key.FileNum.Clear()
	}

	entry := s.getFreeEntryLocked()
	// Members that must be set inside mu.
	entry.numPins.Store(kExclusive)
	entry.promise = nil
	if entry.size != 0 {
		panic("cache: recycled entry with storage attached")
	}
	entry.size = size
	entry.isFirstUse = true
	entry.key = FileCacheKey{FileNum: s.cache.fileIDs.Lease(key.FileNum), Offset: key.Offset}
	s.entryMap[key] = entry
	if n := len(s.emptySlots); n > 0 {
		idx := s.emptySlots[n-1]
		s.emptySlots = s.emptySlots[:n-1]
		s.entries[idx] = entry
	} else {
		s.entries = append(s.entries, entry)
	}
	s.numNew++
	entryToInit = entry
	s.mu.Unlock()
	return s.initEntry(entryToInit)
}

// initEntry attaches storage to a new exclusive entry. The entry is already
// in the map; other threads may find it and wait on its promise, but its
// storage is only interpretable by this thread until the exclusive→shared
// transition. The page allocation must not run under mu.
func (s *CacheShard) initEntry(entry *CacheEntry) (CachePin, error) {
	if err := entry.initialize(); err != nil {
		return CachePin{}, err
	}
	s.cache.incrementNew(entry.size)
	return CachePin{entry: entry}, nil
}

// exists reports whether key is resident and touches its access stats.
func (s *CacheShard) exists(key RawFileCacheKey) bool {
	now := s.cache.accessTime()
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, ok := s.entryMap[key]; ok {
		found.accessStats.touch(now)
		return true
	}
	return false
}

// removeEntry unmaps the entry and detaches its promise. The caller must
// fulfill the returned promise outside the shard mutex; after the entry
// leaves the map no new waiter can attach.
func (s *CacheShard) removeEntry(entry *CacheEntry) *future.SharedPromise {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEntryLocked(entry)
	return entry.movePromiseLocked()
}

func (s *CacheShard) removeEntryLocked(entry *CacheEntry) {
	if !entry.key.FileNum.Valid() {
		return
	}
	raw := entry.key.raw()
	if s.entryMap[raw] != entry {
		panic("cache: entry map out of sync with entry key")
	}
	delete(s.entryMap, raw)
	entry.key.FileNum.Clear()
	entry.ssdFile = nil
	entry.ssdOffset = 0
	entry.ssdSaveable = false
	// The admission-filter ids belong to the departing key; a recycled
	// entry must not present them for its next occupant.
	entry.groupID = 0
	entry.trackingID = 0
	if entry.isPrefetch {
		entry.isPrefetch = false
		s.cache.incrementPrefetchPages(-memory.NumPages(entry.size))
	}
	// An entry can have data allocated if it is removed after a failed
	// fill. Free the data and account for the difference. In eviction the
	// data of evicted entries is moved away first, so freeing while
	// holding mu is exceptional.
	if pages := entry.data.NumPages(); pages > 0 {
		s.cache.incrementCachedPages(-pages)
		s.cache.allocator.FreeNonContiguous(&entry.data)
	}
}

// evict sweeps the arena from the clock hand, removing unpinned entries
// whose score passes the calibrated threshold, until bytesToFree bytes are
// freed or every slot was visited once. With evictAllUnpinned ("desperate
// mode") the threshold and the SSD-save protection are bypassed. If
// pagesToAcquire > 0, evicted page allocations are moved whole into acquired
// instead of freed until at least that many pages have been moved; the last
// moved allocation may overshoot the count.
func (s *CacheShard) evict(bytesToFree uint64, evictAllUnpinned bool, pagesToAcquire int64, acquired *memory.Allocation) {
	var tinyFreed, largeFreed uint64
	evictSaveableSkipped := 0
	ssdCache := s.cache.ssdCache
	skipSsdSaveable := ssdCache != nil && ssdCache.WriteInProgress()
	now := s.cache.accessTime()
	var toFree []memory.Allocation

	s.mu.Lock()
	size := len(s.entries)
	if size == 0 {
		s.mu.Unlock()
		return
	}
	numChecked := 0
	entryIndex := s.clockHand % size
	for counter := 1; counter <= size; counter++ {
		entryIndex++
		if entryIndex >= size {
			entryIndex = 0
		}
		s.numEvictChecks++
		candidate := s.entries[entryIndex]
		if candidate == nil {
			continue
		}
		numChecked++
		s.clockHand++
		if s.evictionThreshold == kNoThreshold ||
			s.eventCounter > size/4 || numChecked > size/8 {
			now = s.cache.accessTime()
			s.calibrateThresholdLocked(now)
			numChecked = 0
			s.eventCounter = 0
		}
		var score int32
		if candidate.numPins.Load() != 0 {
			continue
		}
		if candidate.key.FileNum.Valid() && !evictAllUnpinned {
			score = candidate.accessStats.score(now)
			if score < s.evictionThreshold {
				continue
			}
		}
		if skipSsdSaveable && candidate.ssdSaveable && !evictAllUnpinned {
			evictSaveableSkipped++
			continue
		}
		largeFreed += candidate.data.ByteSize()
		if pagesToAcquire > 0 {
			candidatePages := candidate.data.NumPages()
			if candidatePages > pagesToAcquire {
				pagesToAcquire = 0
			} else {
				pagesToAcquire -= candidatePages
			}
			acquired.AppendMove(&candidate.data)
		} else if !candidate.data.Empty() {
			var moved memory.Allocation
			moved.AppendMove(&candidate.data)
			toFree = append(toFree, moved)
		}
		s.removeEntryLocked(candidate)
		s.entries[entryIndex] = nil
		s.emptySlots = append(s.emptySlots, int32(entryIndex))
		tinyFreed += uint64(len(candidate.tinyData))
		candidate.tinyData = nil
		candidate.size = 0
		s.tryAddFreeEntryLocked(candidate)
		s.numEvict++
		if score > 0 {
			s.sumEvictScore += uint64(score)
		}
		if largeFreed+tinyFreed > bytesToFree {
			break
		}
	}
	s.mu.Unlock()

	start := time.Now()
	for i := range toFree {
		s.cache.allocator.FreeNonContiguous(&toFree[i])
	}
	s.allocClocks.Add(time.Since(start).Nanoseconds())
	s.cache.incrementCachedPages(-int64(largeFreed / memory.PageSize))

	if evictSaveableSkipped > 0 {
		if ssdCache.StartWrite() {
			// Rare. May occur if SSD is unusually slow. Useful for diagnostics.
			s.cache.log.Info("starting save for old saveable entries",
				"skippedSaves", s.cache.numSkippedSaves.Load())
			s.cache.numSkippedSaves.Store(0)
			s.cache.SaveToSsd()
		} else {
			s.cache.numSkippedSaves.Add(1)
		}
	}
}

// tryAddFreeEntryLocked recycles an evicted entry object. If the pool is
// full, half of it is dropped to save space.
func (s *CacheShard) tryAddFreeEntryLocked(entry *CacheEntry) {
	s.freeEntries = append(s.freeEntries, entry)
	if len(s.freeEntries) >= kMaxFreeEntries {
		s.freeEntries = s.freeEntries[:kMaxFreeEntries>>1]
	}
}

// calibrateThresholdLocked samples 10 evenly spaced entries and sets the
// eviction threshold to the 80th percentile of their scores, so a sweep
// takes roughly the coldest fifth of the population.
func (s *CacheShard) calibrateThresholdLocked(now uint32) {
	numSamples := 10
	if len(s.entries) < numSamples {
		numSamples = len(s.entries)
	}
	if numSamples == 0 {
		return
	}
	step := len(s.entries) / numSamples
	entryIndex := s.clockHand % len(s.entries)
	s.evictionThreshold = util.Percentile(func() int32 {
		var score int32
		if e := s.entries[entryIndex]; e != nil {
			score = e.accessStats.score(now)
		}
		entryIndex = (entryIndex + step) % len(s.entries)
		return score
	}, numSamples, 80)
}

// updateStats adds this shard's population and counters to stats.
func (s *CacheShard) updateStats(stats *CacheStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry == nil || !entry.key.FileNum.Valid() {
			stats.NumEmptyEntries++
			continue
		}
		pinnedBytes := entry.data.ByteSize() + uint64(cap(entry.tinyData))
		switch {
		case entry.IsExclusive():
			stats.ExclusivePinnedBytes += pinnedBytes
			stats.NumExclusive++
		case entry.IsShared():
			stats.SharedPinnedBytes += pinnedBytes
			stats.NumShared++
		}
		if entry.isPrefetch {
			stats.NumPrefetch++
			stats.PrefetchBytes += entry.size
		}
		stats.NumEntries++
		if len(entry.tinyData) > 0 || entry.size < TinyDataSize {
			stats.TinySize += uint64(len(entry.tinyData))
			stats.TinyPadding += uint64(cap(entry.tinyData) - len(entry.tinyData))
		} else {
			stats.LargeSize += entry.size
			stats.LargePadding += entry.data.ByteSize() - entry.size
		}
	}
	stats.NumHit += s.numHit
	stats.HitBytes += s.hitBytes
	stats.NumNew += s.numNew
	stats.NumEvict += s.numEvict
	stats.NumEvictChecks += s.numEvictChecks
	stats.NumWaitExclusive += s.numWaitExclusive
	stats.SumEvictScore += s.sumEvictScore
	stats.AllocClocks += s.allocClocks.Load()
}

// appendSsdSaveable pins saveable entries for an SSD write batch. At most
// 70% of the shard's entries are added: if SSD save is slower than storage
// read, the save must not pin everything and stop reading.
func (s *CacheShard) appendSsdSaveable(pins *[]CachePin) {
	if !s.cache.ssdCache.WriteInProgress() {
		panic("cache: appendSsdSaveable without claimed write")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := len(s.entries) * 70 / 100
	if limit < 1 {
		limit = 1
	}
	added := 0
	for _, entry := range s.entries {
		if entry != nil && entry.ssdFile == nil && !entry.IsExclusive() &&
			entry.ssdSaveable {
			entry.numPins.Add(1)
			*pins = append(*pins, CachePin{entry: entry})
			added++
			if added >= limit {
				s.cache.log.Info("limiting SSD save batch", "limit", limit)
				break
			}
		}
	}
}

// shutdown drops all entries and pools without eviction accounting. Only
// valid when no pins are outstanding.
func (s *CacheShard) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.emptySlots = nil
	s.freeEntries = nil
	s.entryMap = make(map[RawFileCacheKey]*CacheEntry)
}
