// Package coalesceio groups adjacent reads of a file into batched scatter
// I/Os bounded by a maximum inter-read gap and a maximum range count per I/O.
package coalesceio

// Range is one scatter target of a batched read. A nil Data marks a gap:
// Size bytes of the file window that no caller wants, read into nowhere
// (the reader skips or discards them). Gaps let a batch cover a contiguous
// file region with a single system call.
type Range struct {
	Data []byte
	Size uint64
}

// IsGap reports whether the range is padding between payload ranges.
func (r Range) IsGap() bool { return r.Data == nil }

// Stats describes the I/O produced by one Coalesce call.
type Stats struct {
	// PayloadBytes is the total of bytes the caller asked for.
	PayloadBytes int64
	// ExtraBytes is the total of gap bytes read only to merge neighbors.
	ExtraBytes int64
	// NumIOs is the number of batched reads issued.
	NumIOs int32
}

// IoFunc issues one batched read: items[begin:end) starting at file offset,
// with ranges covering the whole window including gaps.
type IoFunc[T any] func(items []T, begin, end int, offset uint64, ranges []Range)

// Coalesce walks items, which must be sorted by offset, and greedily packs
// consecutive ones into batches. A batch is flushed when the gap to the next
// item exceeds maxGap, when adding the next item would exceed rangesPerIO
// ranges, or at the end of input.
//
// offset/size/numRanges describe item i; makeRanges appends the item's
// payload ranges. Gap ranges are synthesized between neighbors.
func Coalesce[T any](
	items []T,
	maxGap int32,
	rangesPerIO int32,
	offset func(i int) uint64,
	size func(i int) uint64,
	numRanges func(i int) int32,
	makeRanges func(i int, ranges *[]Range),
	ioFunc IoFunc[T],
) Stats {
	var stats Stats
	if len(items) == 0 {
		return stats
	}

	var ranges []Range
	begin := 0
	batchOffset := offset(0)
	batchRanges := int32(0)
	// end of the last item placed into the current batch
	lastEnd := batchOffset

	flush := func(end int) {
		if len(ranges) == 0 {
			return
		}
		ioFunc(items, begin, end, batchOffset, ranges)
		stats.NumIOs++
		ranges = nil
	}

	for i := 0; i < len(items); i++ {
		itemOffset := offset(i)
		itemSize := size(i)
		itemRanges := numRanges(i)
		gap := int64(itemOffset) - int64(lastEnd)

		if i > begin {
			if gap < 0 {
				panic("coalesceio: items not sorted by offset")
			}
			gapRanges := int32(0)
			if gap > 0 {
				gapRanges = 1
			}
			if gap > int64(maxGap) || batchRanges+itemRanges+gapRanges > rangesPerIO {
				flush(i)
				begin = i
				batchOffset = itemOffset
				batchRanges = 0
			} else if gap > 0 {
				ranges = append(ranges, Range{Size: uint64(gap)})
				stats.ExtraBytes += gap
				batchRanges++
			}
		}

		makeRanges(i, &ranges)
		batchRanges += itemRanges
		stats.PayloadBytes += int64(itemSize)
		lastEnd = itemOffset + itemSize
	}
	flush(len(items))
	return stats
}
