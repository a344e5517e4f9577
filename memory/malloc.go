package memory

import (
	"sync/atomic"
)

// maxRunPages bounds a single run so large allocations exercise the
// multi-run paths of the cache (scatter reads, page-run accounting).
const maxRunPages = 64

// MallocAllocator is an Allocator backed by the Go heap. It enforces only
// the page budget; the runs themselves are ordinary byte slices. Suitable
// for tests, benchmarks, and deployments without a custom memory arbiter.
type MallocAllocator struct {
	capacity     uint64
	numAllocated atomic.Int64 // pages
	evictor      atomic.Pointer[evictorBox]
}

type evictorBox struct{ e Evictor }

// NewMallocAllocator returns an allocator with the given byte capacity,
// rounded down to whole pages.
func NewMallocAllocator(capacity uint64) *MallocAllocator {
	return &MallocAllocator{capacity: capacity / PageSize * PageSize}
}

// AllocateNonContiguous implements Allocator. Existing pages in out are
// collateral: they are counted against the new request, so an eviction loop
// can pass harvested pages back in and only the deficit is charged.
func (m *MallocAllocator) AllocateNonContiguous(numPages int64, out *Allocation) bool {
	collateral := out.NumPages()
	m.freeRuns(out)

	delta := numPages - collateral
	for {
		cur := m.numAllocated.Load()
		if PageBytes(cur+delta) > m.capacity {
			// Over budget even after collateral. The collateral pages were
			// already released above.
			m.numAllocated.Add(-collateral)
			return false
		}
		if m.numAllocated.CompareAndSwap(cur, cur+delta) {
			break
		}
	}

	for remaining := numPages; remaining > 0; {
		run := remaining
		if run > maxRunPages {
			run = maxRunPages
		}
		out.Append(make([]byte, PageBytes(run)))
		remaining -= run
	}
	return true
}

// FreeNonContiguous implements Allocator.
func (m *MallocAllocator) FreeNonContiguous(a *Allocation) {
	pages := a.NumPages()
	m.freeRuns(a)
	if pages > 0 {
		m.numAllocated.Add(-pages)
	}
}

// freeRuns drops the run list without touching the page counter.
func (m *MallocAllocator) freeRuns(a *Allocation) {
	a.Clear()
}

// NumAllocated implements Allocator.
func (m *MallocAllocator) NumAllocated() int64 { return m.numAllocated.Load() }

// Capacity implements Allocator.
func (m *MallocAllocator) Capacity() uint64 { return m.capacity }

// RegisterCache implements Allocator.
func (m *MallocAllocator) RegisterCache(e Evictor) {
	m.evictor.Store(&evictorBox{e: e})
}

// Evictor returns the registered cache, or nil.
func (m *MallocAllocator) Evictor() Evictor {
	if b := m.evictor.Load(); b != nil {
		return b.e
	}
	return nil
}

var _ Allocator = (*MallocAllocator)(nil)
