// Package correlator tracks outstanding probes and matches inbound replies
// to them.
//
// Correlation ids come from a bounded Pool; an id stays held from the moment
// a probe is registered until the probe reaches a terminal state, so a late
// reply can never be attributed to a newer probe that reused its id. The
// Table is not safe for concurrent use: it belongs to the scheduler's owner
// goroutine, and other goroutines reach it through that owner.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// MaxPoolSize is the size of the 16-bit correlation id space.
const MaxPoolSize = 1 << 16

var (
	// ErrIDInUse is returned when inserting a probe whose id or ARP target
	// is already outstanding.
	ErrIDInUse = errors.New("correlation id already in use")
	// ErrNotHeld is returned when releasing an id that is not held.
	ErrNotHeld = errors.New("correlation id not held")
)

// Pool hands out correlation ids in [0, size). Acquire blocks while every
// id is held. Released ids queue behind the ones that have been free longest,
// which keeps reuse of a recently retired id as late as possible.
type Pool struct {
	free  chan uint16
	held  []atomic.Bool
	inUse atomic.Int64
}

// NewPool returns a pool of size ids. size is clamped to [1, MaxPoolSize].
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	if size > MaxPoolSize {
		size = MaxPoolSize
	}
	p := &Pool{
		free: make(chan uint16, size),
		held: make([]atomic.Bool, size),
	}
	for i := 0; i < size; i++ {
		p.free <- uint16(i)
	}
	return p
}

// Acquire takes a free id, blocking until one is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (uint16, error) {
	select {
	case id := <-p.free:
		p.take(id)
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TryAcquire takes a free id without blocking.
func (p *Pool) TryAcquire() (uint16, bool) {
	select {
	case id := <-p.free:
		p.take(id)
		return id, true
	default:
		return 0, false
	}
}

func (p *Pool) take(id uint16) {
	p.held[id].Store(true)
	p.inUse.Add(1)
}

// Release returns id to the pool.
func (p *Pool) Release(id uint16) error {
	if int(id) >= len(p.held) {
		return fmt.Errorf("release %d: %w", id, ErrNotHeld)
	}
	if !p.held[id].CompareAndSwap(true, false) {
		return fmt.Errorf("release %d: %w", id, ErrNotHeld)
	}
	p.inUse.Add(-1)
	p.free <- id
	return nil
}

// Held reports whether id is currently handed out.
func (p *Pool) Held(id uint16) bool {
	return int(id) < len(p.held) && p.held[id].Load()
}

// Cap returns the pool size.
func (p *Pool) Cap() int { return len(p.held) }

// InUse returns the number of ids currently held.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }
