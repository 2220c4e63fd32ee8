// Package idpool allocates MQTT packet identifiers for one connection's
// outbound QoS>=1 flow: scan-forward-skip-zero allocation gated by a
// semaphore so the in-flight count never exceeds the 16-bit id space.
package idpool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxInFlight is 2^16 - 1: every nonzero uint16 value.
const maxInFlight = 1<<16 - 1

// Pool tracks which packet ids are currently in flight for one connection.
// Safe for concurrent use: a Sink may be published to from any number of
// goroutines at once. The semaphore already handles concurrent blocking
// acquires; mu only ever guards the brief map/cursor bookkeeping in
// allocateLocked and Release, never a blocking wait.
type Pool struct {
	mu       sync.Mutex
	inFlight map[uint16]struct{}
	last     uint16
	sem      *semaphore.Weighted
}

// New returns an empty id pool.
func New() *Pool {
	return &Pool{
		inFlight: make(map[uint16]struct{}),
		sem:      semaphore.NewWeighted(maxInFlight),
	}
}

// Acquire blocks until a packet id slot is free (i.e. fewer than 2^16-1
// ids are currently in flight), then allocates and returns the next free
// id by scanning forward from the last issued id.
func (p *Pool) Acquire(ctx context.Context) (uint16, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	return p.allocateLocked(), nil
}

// TryAcquire allocates an id without blocking. ok is false if the pool is
// full (all 2^16-1 ids in flight).
func (p *Pool) TryAcquire() (id uint16, ok bool) {
	if !p.sem.TryAcquire(1) {
		return 0, false
	}
	return p.allocateLocked(), true
}

// allocateLocked assumes the semaphore slot has already been acquired; it
// only needs mu, briefly, for the map and cursor update.
func (p *Pool) allocateLocked() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.last
	for {
		id++
		if id == 0 {
			id = 1
		}
		if _, taken := p.inFlight[id]; !taken {
			break
		}
	}
	p.inFlight[id] = struct{}{}
	p.last = id
	return id
}

// Release frees id back to the pool. Release is idempotent: releasing an
// id that is not currently held is a no-op, because both the PUBACK path
// and the force-close path may race to release the same id and only one
// of them should count against the semaphore.
func (p *Pool) Release(id uint16) {
	p.mu.Lock()
	_, held := p.inFlight[id]
	if held {
		delete(p.inFlight, id)
	}
	p.mu.Unlock()
	if held {
		p.sem.Release(1)
	}
}

// Held reports whether id is currently allocated (in flight).
func (p *Pool) Held(id uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Len returns the number of ids currently in flight.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Ids returns the currently in-flight ids, in ascending order.
func (p *Pool) Ids() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint16, 0, len(p.inFlight))
	for id := range p.inFlight {
		ids = append(ids, id)
	}
	// simple insertion sort: the set is always small relative to typical
	// in-flight counts and this avoids pulling in sort for one call site.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// ErrBackpressureFull is a descriptive sentinel callers may wrap when
// TryAcquire reports the pool is full.
var ErrBackpressureFull = fmt.Errorf("idpool: backpressure full (%d ids in flight)", maxInFlight)
