package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		if _, err := New(capacity); err == nil {
			t.Fatalf("expected error for capacity %d", capacity)
		}
	}
}

func TestPoolBoundsConcurrentHolders(t *testing.T) {
	const capacity = 4
	const workers = 64
	pool, err := New(capacity)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var running atomic.Int64
	var maxSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer permit.Release()
			n := running.Add(1)
			for {
				prev := maxSeen.Load()
				if n <= prev || maxSeen.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	if got := maxSeen.Load(); got > capacity {
		t.Fatalf("observed %d concurrent holders, capacity %d", got, capacity)
	}
	stats := pool.Stats()
	if stats.Acquired != workers || stats.Released != workers {
		t.Fatalf("expected %d acquire/release pairs, got %+v", workers, stats)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected no permits in flight, got %d", stats.InFlight)
	}
	if stats.Peak > capacity || stats.Peak == 0 {
		t.Fatalf("unexpected peak %d", stats.Peak)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool, err := New(1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	permit, ok := pool.TryAcquire()
	if !ok {
		t.Fatal("expected permit")
	}
	permit.Release()
	permit.Release()
	if pool.InFlight() != 0 {
		t.Fatalf("expected 0 in flight, got %d", pool.InFlight())
	}
	if got := pool.Stats().Released; got != 1 {
		t.Fatalf("expected exactly one release, got %d", got)
	}
	first, ok := pool.TryAcquire()
	if !ok {
		t.Fatal("expected permit after release")
	}
	if _, ok := pool.TryAcquire(); ok {
		t.Fatal("double release must not inflate capacity")
	}
	first.Release()
	var nilPermit *Permit
	nilPermit.Release()
}

func TestPermitReleasedAfterPanic(t *testing.T) {
	pool, err := New(1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	permit, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		defer permit.Release()
		panic("injected fault")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("permit leaked after panic: %v", err)
	}
	again.Release()
}

func TestAcquireHonoursContext(t *testing.T) {
	pool, err := New(1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	held, _ := pool.TryAcquire()
	defer held.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pool.InFlight() != 1 {
		t.Fatalf("expected only the held permit, got %d", pool.InFlight())
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	pool, err := New(1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	held, _ := pool.TryAcquire()
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	pool.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	held.Release()
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if _, ok := pool.TryAcquire(); ok {
		t.Fatal("expected TryAcquire to fail on closed pool")
	}
}
