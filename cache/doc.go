// Package cache provides an in-process, sharded data cache for immutable
// byte ranges of named files, built for analytic query engines that
// repeatedly scan large columnar files through coalesced I/O. It guarantees
// at-most-one concurrent loader per key while allowing many concurrent
// readers of a completed entry, and optionally feeds an SSD tier so hot
// data survives RAM evictions.
//
// # Design
//
//   - Addressing: a key is (fileNum, offset), where fileNum is an interned
//     file id (package fileid). Hashing the key picks one of a power-of-two
//     number of shards, each with its own mutex, entry arena, and CLOCK
//     eviction hand.
//
//   - Lifecycle: FindOrCreate returns a shared pin on a hit, an exclusive
//     pin when the caller must load the bytes, or an empty pin plus a
//     future when another thread's load is in flight. The loader fills the
//     entry and calls SetExclusiveToShared, which wakes waiters; promises
//     are always fulfilled outside shard mutexes. Releasing an exclusive
//     pin without the transition means the load failed and removes the
//     entry.
//
//   - Storage: entries below TinyDataSize are stored inline; larger ones in
//     non-contiguous page runs from a memory.Allocator, so the cache never
//     needs large contiguous regions.
//
//   - Eviction: an approximate CLOCK sweep per shard. The sweep samples ten
//     evenly spaced entries and takes the 80th percentile of their
//     recency/frequency scores as the eviction threshold, so each pass
//     removes roughly the coldest fifth. Pinned entries are never evicted.
//
//   - Memory arbitration: MakeSpace resolves contention between concurrent
//     allocators under the allocator's fixed budget. Evicted pages are
//     harvested into a private allocation and reused; under heavy
//     contention threads are ranked by arrival and back off randomly, the
//     first comer keeping the best odds.
//
//   - Coalesced loads: CoalescedLoad lets one producer fill N entries that
//     will be read together while every other interested thread waits on a
//     single completion. ReadPins batches pinned entries into scatter reads
//     bounded by a maximum gap and a maximum range count per I/O.
//
//   - SSD tier: external. The cache marks entries saveable per the tier's
//     admission filter, batches them into write sets (never pinning more
//     than 70% of a shard), and avoids evicting saveable data while a save
//     is in flight, except under desperate memory pressure.
//
// # Basic usage
//
//	alloc := memory.NewMallocAllocator(1 << 30)
//	c := cache.New(cache.Options{Allocator: alloc})
//	lease := fileid.Default().Intern("/data/users.orc")
//	defer lease.Clear()
//
//	key := cache.RawFileCacheKey{FileNum: lease.ID(), Offset: 0}
//	var wait future.Future
//	pin, err := c.FindOrCreate(key, 1<<20, &wait)
//	switch {
//	case err != nil:
//	    // retriable: no memory for the entry
//	case wait.Valid():
//	    // another thread is loading; wait and retry FindOrCreate
//	    _, _ = wait.Wait(ctx)
//	case pin.Entry().IsExclusive():
//	    // fill the entry's storage, then publish
//	    pin.Entry().SetExclusiveToShared()
//	    pin.Release()
//	default:
//	    // shared hit: read and release
//	    pin.Release()
//	}
//
// All methods are safe for concurrent use. Cross-shard operations take
// shard mutexes one at a time; no two shard mutexes are ever held at once.
package cache
