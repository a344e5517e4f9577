package cache

import (
	"fmt"
	"strings"

	"github.com/IvanBrykalov/datacache/internal/util"
)

// CacheStats is a snapshot aggregated over all shards by RefreshStats.
type CacheStats struct {
	// Sizes of resident data. Padding is allocated-but-unrequested bytes:
	// slack in tiny buffers and page round-up in large ones.
	TinySize     uint64
	LargeSize    uint64
	TinyPadding  uint64
	LargePadding uint64

	// Entry population by state.
	NumEntries      uint64
	NumEmptyEntries uint64
	NumShared       uint64
	NumExclusive    uint64
	NumPrefetch     uint64

	SharedPinnedBytes    uint64
	ExclusivePinnedBytes uint64
	PrefetchBytes        uint64

	// Access counters, cumulative since creation.
	NumHit           uint64
	HitBytes         uint64
	NumNew           uint64
	NumEvict         uint64
	NumEvictChecks   uint64
	NumWaitExclusive uint64
	SumEvictScore    uint64

	// AllocClocks is nanoseconds spent in storage allocation.
	AllocClocks int64

	// SsdStats is present when an SSD tier is attached.
	SsdStats *SsdCacheStats
}

func (s CacheStats) String() string {
	var out strings.Builder
	fmt.Fprintf(&out, "Cache size: %s tinySize: %s large size: %s\n",
		util.SuccinctBytes(s.TinySize+s.LargeSize+s.TinyPadding+s.LargePadding),
		util.SuccinctBytes(s.TinySize+s.TinyPadding),
		util.SuccinctBytes(s.LargeSize+s.LargePadding))
	fmt.Fprintf(&out, "Cache entries: %d read pins: %d write pins: %d pinned shared: %s pinned exclusive: %s\n",
		s.NumEntries, s.NumShared, s.NumExclusive,
		util.SuccinctBytes(s.SharedPinnedBytes),
		util.SuccinctBytes(s.ExclusivePinnedBytes))
	fmt.Fprintf(&out, " num write wait: %d empty entries: %d\n",
		s.NumWaitExclusive, s.NumEmptyEntries)
	fmt.Fprintf(&out, "Cache access miss: %d hit: %d hit bytes: %s eviction: %d eviction checks: %d\n",
		s.NumNew, s.NumHit, util.SuccinctBytes(s.HitBytes), s.NumEvict, s.NumEvictChecks)
	fmt.Fprintf(&out, "Prefetch entries: %d bytes: %s\n",
		s.NumPrefetch, util.SuccinctBytes(s.PrefetchBytes))
	fmt.Fprintf(&out, "Alloc Megaclocks %d", s.AllocClocks>>20)
	return out.String()
}
