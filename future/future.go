// Package future provides a one-shot broadcast promise used to coalesce
// waiters on in-flight cache loads.
package future

import (
	"context"
	"sync"
)

// SharedPromise publishes a single bool to any number of Future holders.
//
// Concurrency notes:
//   - Set publishes the value and then closes the done channel, so reads
//     after <-Done() observe the final value (happens-before via close).
//   - Set is idempotent; only the first call wins. This matters because a
//     cancelled load and a concurrent completion may both try to fulfill.
//   - Futures obtained before or after Set behave identically.
type SharedPromise struct {
	once sync.Once
	done chan struct{} // closed when val is published
	val  bool
}

// NewSharedPromise returns an unfulfilled promise.
func NewSharedPromise() *SharedPromise {
	return &SharedPromise{done: make(chan struct{})}
}

// Set publishes v and wakes all waiters. Subsequent calls are no-ops.
func (p *SharedPromise) Set(v bool) {
	p.once.Do(func() {
		p.val = v
		close(p.done)
	})
}

// Future returns a waitable handle on the promise. A promise may hand out
// any number of futures.
func (p *SharedPromise) Future() Future { return Future{p: p} }

// Future is a read-only handle on a SharedPromise. The zero value is
// invalid; check Valid before waiting on a future received through an
// out-parameter.
type Future struct {
	p *SharedPromise
}

// Valid reports whether the future is bound to a promise.
func (f Future) Valid() bool { return f.p != nil }

// Done returns a channel closed when the value is published.
func (f Future) Done() <-chan struct{} { return f.p.done }

// Wait blocks until the value is published or ctx is cancelled.
func (f Future) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.p.done:
		return f.p.val, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
