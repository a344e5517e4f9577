package cache

import (
	"testing"

	"github.com/IvanBrykalov/datacache/coalesceio"
	"github.com/IvanBrykalov/datacache/memory"
)

type recordedRead struct {
	begin, end int
	offset     uint64
	ranges     []coalesceio.Range
}

// pinAt creates, publishes, and re-pins an entry at offset with size bytes.
func pinAt(t *testing.T, tc *testCache, offset, size uint64) CachePin {
	t.Helper()
	pin, err := tc.cache.FindOrCreate(tc.key(offset), size, nil)
	if err != nil {
		t.Fatal(err)
	}
	fillEntry(pin.Entry())
	pin.Entry().SetExclusiveToShared()
	return pin
}

// Close entries merge into one scatter read with a gap range between them;
// a far entry starts a new read.
func TestReadPins_GapMerging(t *testing.T) {
	t.Parallel()

	tc := newTestCache(t, 64<<20, 1)
	pins := []CachePin{
		pinAt(t, tc, 0, 1000),      // tiny
		pinAt(t, tc, 1200, 8192),   // page-backed, 200-byte gap
		pinAt(t, tc, 100_000, 500), // far away: own read
	}
	defer func() {
		for i := range pins {
			pins[i].Release()
		}
	}()

	var reads []recordedRead
	stats := ReadPins(pins, 4096, 16,
		func(i int) uint64 { return pins[i].Entry().Offset() },
		func(pins []CachePin, begin, end int, offset uint64, buffers []coalesceio.Range) {
			cp := make([]coalesceio.Range, len(buffers))
			copy(cp, buffers)
			reads = append(reads, recordedRead{begin: begin, end: end, offset: offset, ranges: cp})
		})

	if stats.NumIOs != 2 {
		t.Fatalf("NumIOs = %d, want 2", stats.NumIOs)
	}
	if stats.PayloadBytes != 1000+8192+500 {
		t.Fatalf("PayloadBytes = %d", stats.PayloadBytes)
	}
	if stats.ExtraBytes != 200 {
		t.Fatalf("ExtraBytes = %d, want the 200-byte gap", stats.ExtraBytes)
	}
	if len(reads) != 2 || reads[0].begin != 0 || reads[0].end != 2 || reads[1].begin != 2 {
		t.Fatalf("unexpected batching: %+v", reads)
	}
	if reads[0].offset != 0 || reads[1].offset != 100_000 {
		t.Fatalf("batch offsets: %d, %d", reads[0].offset, reads[1].offset)
	}

	// First batch: tiny payload, gap sentinel, page payload.
	r := reads[0].ranges
	if len(r) != 3 || r[0].IsGap() || !r[1].IsGap() || r[1].Size != 200 || r[2].IsGap() {
		t.Fatalf("first batch ranges: %+v", r)
	}
	var covered uint64
	for _, rg := range r {
		covered += rg.Size
	}
	if covered != 8192+1200 {
		t.Fatalf("first batch covers %d bytes of the file window", covered)
	}
}

// The range budget per I/O forces a flush even with no gap.
func TestReadPins_RangesPerIo(t *testing.T) {
	t.Parallel()

	tc := newTestCache(t, 64<<20, 1)
	var pins []CachePin
	for i := 0; i < 4; i++ {
		pins = append(pins, pinAt(t, tc, uint64(i)*1024, 1024))
	}
	defer func() {
		for i := range pins {
			pins[i].Release()
		}
	}()

	stats := ReadPins(pins, 1<<20, 2,
		func(i int) uint64 { return pins[i].Entry().Offset() },
		func([]CachePin, int, int, uint64, []coalesceio.Range) {})

	if stats.NumIOs != 2 {
		t.Fatalf("NumIOs = %d, want 2 with a 2-range budget", stats.NumIOs)
	}
	if stats.ExtraBytes != 0 {
		t.Fatalf("ExtraBytes = %d for adjacent entries", stats.ExtraBytes)
	}
}

// A multi-run allocation contributes one range per run, covering exactly
// the entry's logical size.
func TestReadPins_MultiRunEntry(t *testing.T) {
	t.Parallel()

	tc := newTestCache(t, 1<<30, 1)
	// 100 pages: above the allocator's max run, so at least two runs.
	size := uint64(100*memory.PageSize - 300)
	pin := pinAt(t, tc, 0, size)
	defer pin.Release()
	if pin.Entry().Data().NumRuns() < 2 {
		t.Fatalf("want a multi-run allocation, got %d runs", pin.Entry().Data().NumRuns())
	}

	var got []coalesceio.Range
	ReadPins([]CachePin{pin}, 0, 16,
		func(int) uint64 { return 0 },
		func(_ []CachePin, _, _ int, _ uint64, buffers []coalesceio.Range) {
			got = append(got, buffers...)
		})

	var covered uint64
	for _, r := range got {
		if r.IsGap() {
			t.Fatal("single entry must not produce gaps")
		}
		covered += uint64(len(r.Data))
	}
	if covered != size {
		t.Fatalf("ranges cover %d bytes, want %d", covered, size)
	}
}
