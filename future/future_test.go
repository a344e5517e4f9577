package future

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSharedPromise_Broadcast(t *testing.T) {
	t.Parallel()

	p := NewSharedPromise()
	const waiters = 8
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		f := p.Future()
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.Wait(context.Background())
			if err != nil || !v {
				t.Errorf("Wait: v=%v err=%v", v, err)
			}
		}()
	}
	p.Set(true)
	wg.Wait()

	// Futures taken after Set resolve immediately.
	if v, err := p.Future().Wait(context.Background()); err != nil || !v {
		t.Fatalf("late future: v=%v err=%v", v, err)
	}
}

func TestSharedPromise_SetIdempotent(t *testing.T) {
	t.Parallel()

	p := NewSharedPromise()
	p.Set(true)
	p.Set(false) // loses
	if v, _ := p.Future().Wait(context.Background()); !v {
		t.Fatal("first Set must win")
	}
}

func TestFuture_ContextCancel(t *testing.T) {
	t.Parallel()

	p := NewSharedPromise()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Future().Wait(ctx); err == nil {
		t.Fatal("Wait must fail when the context expires first")
	}
}

func TestFuture_Valid(t *testing.T) {
	t.Parallel()

	var zero Future
	if zero.Valid() {
		t.Fatal("zero future must be invalid")
	}
	if !NewSharedPromise().Future().Valid() {
		t.Fatal("bound future must be valid")
	}
}
