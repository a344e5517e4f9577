package cache

import (
	"testing"
	"time"

	"github.com/IvanBrykalov/datacache/fileid"
	"github.com/IvanBrykalov/datacache/memory"
)

// With a mixed-age population, the calibrated threshold takes the cold
// entries first and leaves recently used ones alone.
func TestShard_EvictionPrefersColdEntries(t *testing.T) {
	t.Parallel()

	tc := newTestCache(t, 64<<20, 1)

	// Ten tiny entries; slots follow creation order in a fresh shard.
	for i := 0; i < 10; i++ {
		pin, err := tc.cache.FindOrCreate(tc.key(uint64(i)*1024), 1024, nil)
		if err != nil {
			t.Fatal(err)
		}
		load(t, pin)
	}
	tc.clock.add(100 * time.Second)
	// Touch everything except slots 1 and 2; those stay cold (score 100).
	for i := 0; i < 10; i++ {
		if i == 1 || i == 2 {
			continue
		}
		tc.cache.Exists(tc.key(uint64(i) * 1024))
	}

	// A tiny byte target stops the sweep after the first eviction. The
	// clock hand starts ahead of slot 0, so slot 1 is checked first.
	var acquired memory.Allocation
	tc.cache.shards[0].evict(1, false, 0, &acquired)

	if tc.cache.Exists(tc.key(1 * 1024)) {
		t.Fatal("cold entry must be evicted first")
	}
	for _, i := range []int{0, 3, 4, 5, 6, 7, 8, 9} {
		if !tc.cache.Exists(tc.key(uint64(i) * 1024)) {
			t.Fatalf("hot entry %d evicted", i)
		}
	}
	stats := tc.cache.RefreshStats()
	if stats.NumEvict != 1 {
		t.Fatalf("numEvict = %d, want 1", stats.NumEvict)
	}
	// The evicted entry's score was at the calibrated 80th percentile.
	if stats.SumEvictScore != 100 {
		t.Fatalf("sumEvictScore = %d, want 100", stats.SumEvictScore)
	}
}

// MakeEvictable zeroes the access stats so the entry scores like the
// coldest possible candidate.
func TestShard_MakeEvictable(t *testing.T) {
	t.Parallel()

	tc := newTestCache(t, 64<<20, 1)
	pin, err := tc.cache.FindOrCreate(tc.key(0), 1024, nil)
	if err != nil {
		t.Fatal(err)
	}
	fillEntry(pin.Entry())
	pin.Entry().SetExclusiveToShared()

	tc.clock.add(50 * time.Second)
	tc.cache.Exists(tc.key(0)) // touch: lastUse=50, one use
	entry := pin.Entry()
	entry.MakeEvictable()
	pin.Release()

	tc.clock.add(10 * time.Second)
	if score := entry.accessStats.score(tc.cache.accessTime()); score != 60 {
		t.Fatalf("score = %d after MakeEvictable, want full age", score)
	}
}

// Evicted entry objects are recycled, and the pool stays bounded.
func TestShard_FreeEntryPoolBounded(t *testing.T) {
	t.Parallel()

	tc := newTestCache(t, 64<<20, 1)
	const n = 1200 // over kMaxFreeEntries, exercising the halving
	for i := 0; i < n; i++ {
		pin, err := tc.cache.FindOrCreate(tc.key(uint64(i)*1024), 16, nil)
		if err != nil {
			t.Fatal(err)
		}
		pin.Entry().SetExclusiveToShared()
		pin.Release()
	}
	tc.cache.Clear()

	shard := tc.cache.shards[0]
	shard.mu.Lock()
	pool := len(shard.freeEntries)
	shard.mu.Unlock()
	if pool == 0 || pool > kMaxFreeEntries {
		t.Fatalf("free pool = %d, want within (0, %d]", pool, kMaxFreeEntries)
	}

	// A new entry comes from the pool, not a fresh object.
	pin, err := tc.cache.FindOrCreate(tc.key(0), 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	shard.mu.Lock()
	poolAfter := len(shard.freeEntries)
	shard.mu.Unlock()
	if poolAfter != pool-1 {
		t.Fatalf("pool %d -> %d, want recycle", pool, poolAfter)
	}
	pin.Entry().SetExclusiveToShared()
	pin.Release()
}

// The verify hook runs on every exclusive→shared transition, after the
// entry has its first reader pin.
func TestShard_VerifyHook(t *testing.T) {
	t.Parallel()

	var hookCalls int
	alloc := memory.NewMallocAllocator(64 << 20)
	ids := fileid.NewInterner()
	c := New(Options{
		Allocator: alloc,
		NumShards: 1,
		FileIDs:   ids,
		VerifyHook: func(entry *CacheEntry) {
			hookCalls++
			if !entry.IsShared() {
				t.Error("hook must see a shared entry")
			}
		},
	})
	lease := ids.Intern("verify-file")
	defer lease.Clear()

	for i := 0; i < 3; i++ {
		pin, err := c.FindOrCreate(RawFileCacheKey{FileNum: lease.ID(), Offset: uint64(i) * 4096}, 4096, nil)
		if err != nil {
			t.Fatal(err)
		}
		pin.Entry().SetExclusiveToShared()
		pin.Release()
	}
	if hookCalls != 3 {
		t.Fatalf("hook ran %d times, want 3", hookCalls)
	}
}
