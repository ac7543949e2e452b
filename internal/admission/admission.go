// Package admission bounds the number of connection handlers running at once.
//
// A Pool hands out Permits. Each Permit must be released exactly once; the
// Release method is idempotent so a handler can defer it unconditionally and
// still call it early on a fast path without double counting.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire after the pool was closed.
var ErrClosed = errors.New("admission: pool closed")

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Capacity int64
	InFlight int64
	Peak     int64
	Acquired uint64
	Released uint64
}

// Pool is a counting permit pool with a fixed capacity.
type Pool struct {
	capacity int64
	sem      *semaphore.Weighted

	inFlight atomic.Int64
	peak     atomic.Int64
	acquired atomic.Uint64
	released atomic.Uint64

	done  context.Context
	close context.CancelFunc
}

// New returns a pool admitting at most capacity concurrent holders.
func New(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("admission: capacity must be > 0 (got %d)", capacity)
	}
	done, cancel := context.WithCancel(context.Background())
	return &Pool{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		done:     done,
		close:    cancel,
	}, nil
}

// Acquire blocks until a permit is available, ctx ends, or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	if p.done.Err() != nil {
		return nil, ErrClosed
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.done, cancel)
	defer stop()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.done.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return p.issue(), nil
}

// TryAcquire returns a permit only when one is immediately available.
func (p *Pool) TryAcquire() (*Permit, bool) {
	if p.done.Err() != nil {
		return nil, false
	}
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return p.issue(), true
}

func (p *Pool) issue() *Permit {
	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	p.acquired.Add(1)
	return &Permit{pool: p}
}

func (p *Pool) release() {
	p.inFlight.Add(-1)
	p.released.Add(1)
	p.sem.Release(1)
}

// Close wakes blocked Acquire calls with ErrClosed. Outstanding permits
// remain valid and may still be released.
func (p *Pool) Close() {
	p.close()
}

// Capacity returns the configured bound.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// InFlight returns the number of permits currently held.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Stats returns usage counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity: p.capacity,
		InFlight: p.inFlight.Load(),
		Peak:     p.peak.Load(),
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
	}
}

// Permit is one unit of admission. The zero value is not usable.
type Permit struct {
	pool *Pool
	once sync.Once
}

// Release returns the permit to its pool. Calls after the first are no-ops.
func (p *Permit) Release() {
	if p == nil || p.pool == nil {
		return
	}
	p.once.Do(p.pool.release)
}
