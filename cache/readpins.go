package cache

import (
	"github.com/IvanBrykalov/datacache/coalesceio"
)

// ReadFunc issues one batched scatter read for pins[begin:end) starting at
// file offset, filling buffers in order. Gap buffers (IsGap) cover bytes
// between entries that must be read and discarded.
type ReadFunc func(pins []CachePin, begin, end int, offset uint64, buffers []coalesceio.Range)

// ReadPins groups pinned entries, sorted by file offset, into batched
// scatter reads. Entries whose gap exceeds maxGap bytes, or whose ranges
// would exceed rangesPerIO per read, start a new batch. A tiny entry
// contributes one range; a page-backed entry contributes one range per run
// of its allocation. offsetFunc returns the file offset of pin i.
func ReadPins(pins []CachePin, maxGap int32, rangesPerIO int32,
	offsetFunc func(i int) uint64, readFunc ReadFunc) coalesceio.Stats {
	return coalesceio.Coalesce(
		pins,
		maxGap,
		rangesPerIO,
		offsetFunc,
		func(i int) uint64 { return pins[i].checkedEntry().Size() },
		func(i int) int32 {
			if n := pins[i].checkedEntry().Data().NumRuns(); n > 1 {
				return int32(n)
			}
			return 1
		},
		func(i int, ranges *[]coalesceio.Range) {
			entry := pins[i].checkedEntry()
			data := entry.Data()
			size := entry.Size()
			var offsetInRuns uint64
			if data.NumPages() == 0 {
				*ranges = append(*ranges, coalesceio.Range{
					Data: entry.TinyData(), Size: size})
				offsetInRuns = size
			} else {
				for r := 0; r < data.NumRuns(); r++ {
					run := data.RunAt(r)
					readSize := run.NumBytes()
					if readSize > size-offsetInRuns {
						readSize = size - offsetInRuns
					}
					*ranges = append(*ranges, coalesceio.Range{
						Data: run.Data()[:readSize], Size: readSize})
					offsetInRuns += readSize
				}
			}
			if offsetInRuns != size {
				panic("cache: entry storage does not cover its size")
			}
		},
		coalesceio.IoFunc[CachePin](readFunc),
	)
}
