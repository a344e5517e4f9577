// Package memory defines the page-granular allocation contract the cache
// consumes: non-contiguous allocations made of page runs, and an Allocator
// that supplies them under a fixed capacity.
package memory

// PageSize is the allocation granule in bytes.
const PageSize = 4096

// NumPages returns the number of pages needed to hold bytes.
func NumPages(bytes uint64) int64 {
	return int64((bytes + PageSize - 1) / PageSize)
}

// PageBytes converts a page count to bytes.
func PageBytes(pages int64) uint64 {
	return uint64(pages) * PageSize
}

// PageRun is one contiguous chunk of whole pages inside an Allocation.
type PageRun struct {
	data []byte // len is a multiple of PageSize
}

// Data returns the run's bytes.
func (r PageRun) Data() []byte { return r.data }

// NumPages returns the number of pages in the run.
func (r PageRun) NumPages() int64 { return int64(len(r.data)) / PageSize }

// NumBytes returns the run's size in bytes.
func (r PageRun) NumBytes() uint64 { return uint64(len(r.data)) }

// Allocation is a possibly non-contiguous set of page runs. The zero value
// is an empty allocation. An Allocation must be returned to its Allocator
// with FreeNonContiguous; dropping a non-empty Allocation leaks accounting.
type Allocation struct {
	runs     []PageRun
	numPages int64
}

// NumPages returns the total pages across all runs.
func (a *Allocation) NumPages() int64 { return a.numPages }

// NumRuns returns the number of runs.
func (a *Allocation) NumRuns() int { return len(a.runs) }

// RunAt returns run i.
func (a *Allocation) RunAt(i int) PageRun { return a.runs[i] }

// ByteSize returns the allocated size in bytes.
func (a *Allocation) ByteSize() uint64 { return PageBytes(a.numPages) }

// Empty reports whether the allocation holds no pages.
func (a *Allocation) Empty() bool { return a.numPages == 0 }

// Append adds a run of pages.
func (a *Allocation) Append(data []byte) {
	if len(data)%PageSize != 0 {
		panic("memory: run size not page aligned")
	}
	a.runs = append(a.runs, PageRun{data: data})
	a.numPages += int64(len(data)) / PageSize
}

// AppendMove transfers all runs from other into a, leaving other empty.
// Used by eviction to hand harvested pages to a contending allocator
// without releasing them in between.
func (a *Allocation) AppendMove(other *Allocation) {
	a.runs = append(a.runs, other.runs...)
	a.numPages += other.numPages
	other.Clear()
}

// Clear drops the run list without freeing. Callers other than the owning
// Allocator must use AppendMove or FreeNonContiguous instead.
func (a *Allocation) Clear() {
	a.runs = nil
	a.numPages = 0
}
