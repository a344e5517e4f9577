package cache

import (
	"sync"

	"github.com/IvanBrykalov/datacache/future"
)

// LoadState is the lifecycle of a CoalescedLoad.
type LoadState int32

const (
	// LoadPlanned: created, nobody has started loading.
	LoadPlanned LoadState = iota
	// LoadLoading: one producer is filling the entries.
	LoadLoading
	// LoadLoaded: all entries were filled and published.
	LoadLoaded
	// LoadCancelled: the load failed or was abandoned.
	LoadCancelled
)

// LoadFunc produces the filled entries of a coalesced load: it creates or
// finds the entries, reads their bytes from backing storage, and returns
// the exclusive pins it filled. Pins for entries some other thread is
// already loading are simply omitted. prefetch is true when no caller is
// waiting on the result.
type LoadFunc func(prefetch bool) ([]CachePin, error)

// CoalescedLoad coordinates a multi-entry load so one producer fills N
// entries that will be read together while other interested threads share a
// single completion. Threads race LoadOrFuture: the winner runs the load,
// the rest get a future.
type CoalescedLoad struct {
	mu       sync.Mutex
	state    LoadState
	promise  *future.SharedPromise
	loadData LoadFunc
}

// NewCoalescedLoad returns a load in the planned state.
func NewCoalescedLoad(loadData LoadFunc) *CoalescedLoad {
	return &CoalescedLoad{state: LoadPlanned, loadData: loadData}
}

// State returns the current state.
func (l *CoalescedLoad) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LoadOrFuture runs the load if this caller is first, returning true once
// the load has settled (loaded or cancelled). If another thread is already
// loading, returns false immediately; with a non-nil wait the caller also
// receives a future that resolves when the load settles. Waiters must
// re-check cache state after resuming: resolution does not imply success.
//
// On producer failure the load transitions to cancelled, waiters are woken,
// and false is returned with the original error.
func (l *CoalescedLoad) LoadOrFuture(wait *future.Future) (bool, error) {
	l.mu.Lock()
	switch l.state {
	case LoadCancelled, LoadLoaded:
		l.mu.Unlock()
		return true, nil
	case LoadLoading:
		if wait != nil {
			if l.promise == nil {
				l.promise = future.NewSharedPromise()
			}
			*wait = l.promise.Future()
		}
		l.mu.Unlock()
		return false, nil
	}
	l.state = LoadLoading
	l.mu.Unlock()

	// Outside of mu.
	pins, err := l.loadData(wait == nil)
	if err != nil {
		l.setEndState(LoadCancelled)
		return false, err
	}
	for i := range pins {
		entry := pins[i].checkedEntry()
		if !entry.key.FileNum.Valid() {
			panic("cache: loaded entry with cleared key")
		}
		if !entry.IsExclusive() {
			panic("cache: loaded entry not exclusive")
		}
		entry.SetExclusiveToShared()
		pins[i].Release()
	}
	l.setEndState(LoadLoaded)
	return true, nil
}

// Cancel settles the load as cancelled and wakes any waiters. Call when
// abandoning a planned or in-flight load; waiters re-check the cache and
// reload what is missing.
func (l *CoalescedLoad) Cancel() {
	l.setEndState(LoadCancelled)
}

func (l *CoalescedLoad) setEndState(endState LoadState) {
	l.mu.Lock()
	l.state = endState
	promise := l.promise
	l.promise = nil
	l.mu.Unlock()
	if promise != nil {
		promise.Set(true)
	}
}
