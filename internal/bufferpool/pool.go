// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bufferpool implements a size-classed cache of reusable direct
// byte buffers for overlapped file I/O. Acquire/Release are wait-free on
// the uncontended path (a CAS loop reserves capacity) and block (or fail
// immediately, per configuration) under exhaustion using a Mutex+Cond
// waiter list.
package bufferpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// classLadder lists the supported capacity classes, mirroring the "round up to a supported
// capacity class" requirement: 1KiB, 4KiB, 16KiB, 64KiB, 256KiB, 1MiB,
// 4MiB, 16MiB.
var classLadder = []int64{
	1 << 10, 4 << 10, 16 << 10, 64 << 10,
	256 << 10, 1 << 20, 4 << 20, 16 << 20,
}

// Buffer is an owned, exclusive handle to a pooled []byte. It must be
// released back to the same Pool it was acquired from exactly once.
type Buffer struct {
	Bytes []byte

	pool     *Pool
	class    int64
	released atomic.Bool
}

// Release returns the buffer to the pool recorded in its handle.
// Double-release is reported as a contracts.KindInvalidArgument error.
// Cross-pool release is not detected: a handle whose pool differs from
// the one it was acquired from is released into that other pool.
func (b *Buffer) Release() error {
	if b == nil {
		return contracts.NewError(contracts.KindInvalidArgument, "bufferpool.Release", "", nil)
	}
	if !b.released.CompareAndSwap(false, true) {
		return contracts.NewError(contracts.KindInvalidArgument, "bufferpool.Release", "", errDoubleRelease)
	}
	b.pool.release(b)
	return nil
}

var errDoubleRelease = &releaseError{"buffer already released"}

type releaseError struct{ msg string }

func (e *releaseError) Error() string { return e.msg }

// classFreeList holds the free buffers for one capacity class.
type classFreeList struct {
	mu    sync.Mutex
	cond  *sync.Cond
	free  [][]byte
	inUse int64
}

// Pool is a size-classed, bounded cache of reusable buffers.
type Pool struct {
	maxClassBytes int64
	maxTotalBytes int64
	blocking      bool
	waitDeadline  time.Duration

	classes map[int64]*classFreeList

	totalBytes atomic.Int64 // bytes currently allocated (free+inUse)
	hits       atomic.Int64
	misses     atomic.Int64
	closed     atomic.Bool

	mu sync.Mutex // not locked by any method: growth is a CAS on totalBytes and closed is atomic
}

// Options configures a Pool.
type Options struct {
	// MaxClassBytes is the largest supported capacity class; acquiring a
	// size above it fails with KindInvalidArgument.
	MaxClassBytes int64
	// MaxTotalBytes bounds the sum of all buffers the pool will allocate.
	MaxTotalBytes int64
	// Blocking selects whether Acquire waits on exhaustion (true) or fails
	// immediately with KindResourceExhausted (false).
	Blocking bool
	// WaitDeadline bounds how long a blocking Acquire waits; zero means
	// wait indefinitely for a release.
	WaitDeadline time.Duration
}

// New builds a Pool. MaxClassBytes defaults to the largest class ladder
// entry (16MiB) and MaxTotalBytes defaults to 256MiB when left zero.
func New(opts Options) *Pool {
	if opts.MaxClassBytes <= 0 {
		opts.MaxClassBytes = classLadder[len(classLadder)-1]
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = 256 << 20
	}
	p := &Pool{
		maxClassBytes: opts.MaxClassBytes,
		maxTotalBytes: opts.MaxTotalBytes,
		blocking:      opts.Blocking,
		waitDeadline:  opts.WaitDeadline,
		classes:       make(map[int64]*classFreeList),
	}
	for _, c := range classLadder {
		if c > p.maxClassBytes {
			break
		}
		cl := &classFreeList{}
		cl.cond = sync.NewCond(&cl.mu)
		p.classes[c] = cl
	}
	return p
}

func classFor(size int64, maxClass int64) (int64, bool) {
	for _, c := range classLadder {
		if c >= size {
			if c > maxClass {
				return 0, false
			}
			return c, true
		}
	}
	return 0, false
}

// Acquire returns a buffer with capacity >= size. Fails with
// KindInvalidArgument for size<=0, KindClosed once Clear has run, and
// KindResourceExhausted when the pool's ceiling is reached and no buffer
// is free (non-blocking mode) or the wait deadline elapses.
func (p *Pool) Acquire(size int64) (*Buffer, error) {
	if size <= 0 {
		return nil, contracts.NewError(contracts.KindInvalidArgument, "bufferpool.Acquire", "", nil)
	}
	if p.closed.Load() {
		return nil, contracts.NewError(contracts.KindClosed, "bufferpool.Acquire", "", nil)
	}
	class, ok := classFor(size, p.maxClassBytes)
	if !ok {
		return nil, contracts.NewError(contracts.KindInvalidArgument, "bufferpool.Acquire", "", nil)
	}
	cl := p.classes[class]

	for {
		// Fast, uncontended path: pop a free buffer without blocking.
		cl.mu.Lock()
		if n := len(cl.free); n > 0 {
			buf := cl.free[n-1]
			cl.free = cl.free[:n-1]
			cl.inUse++
			cl.mu.Unlock()
			p.hits.Add(1)
			return &Buffer{Bytes: buf[:0][:size], pool: p, class: class}, nil
		}
		cl.mu.Unlock()

		// No free buffer. Try to grow total allocation via CAS.
		for {
			cur := p.totalBytes.Load()
			if cur+class > p.maxTotalBytes {
				break // no room to grow; fall through to wait/fail
			}
			if p.totalBytes.CompareAndSwap(cur, cur+class) {
				cl.mu.Lock()
				cl.inUse++
				cl.mu.Unlock()
				p.misses.Add(1)
				return &Buffer{Bytes: make([]byte, size, class), pool: p, class: class}, nil
			}
		}

		if !p.blocking {
			return nil, contracts.NewError(contracts.KindResourceExhausted, "bufferpool.Acquire", "", nil)
		}

		if p.closed.Load() {
			return nil, contracts.NewError(contracts.KindClosed, "bufferpool.Acquire", "", nil)
		}

		if !p.waitForRelease(cl, p.waitDeadline) {
			return nil, contracts.NewError(contracts.KindResourceExhausted, "bufferpool.Acquire", "", nil)
		}
		// loop back and retry the fast path
	}
}

// waitForRelease blocks on cl.cond until a release signals or deadline
// elapses (deadline==0 waits indefinitely). Returns false on timeout.
func (p *Pool) waitForRelease(cl *classFreeList, deadline time.Duration) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if deadline <= 0 {
		for len(cl.free) == 0 && !p.closed.Load() {
			cl.cond.Wait()
		}
		return true
	}

	done := make(chan struct{})
	timer := time.AfterFunc(deadline, func() {
		cl.mu.Lock()
		close(done)
		cl.cond.Broadcast()
		cl.mu.Unlock()
	})
	defer timer.Stop()

	for len(cl.free) == 0 && !p.closed.Load() {
		select {
		case <-done:
			return len(cl.free) > 0
		default:
		}
		cl.cond.Wait()
	}
	return true
}

// release returns b to its class free list and wakes one waiter.
func (p *Pool) release(b *Buffer) {
	cl, ok := p.classes[b.class]
	if !ok {
		return
	}
	cl.mu.Lock()
	cl.inUse--
	cl.free = append(cl.free, b.Bytes[:0])
	cl.cond.Signal()
	cl.mu.Unlock()
}

// Clear drops all pooled buffers and marks the pool closed; subsequent
// Acquire calls fail with KindClosed.
func (p *Pool) Clear() {
	p.closed.Store(true)
	for _, cl := range p.classes {
		cl.mu.Lock()
		cl.free = nil
		cl.cond.Broadcast()
		cl.mu.Unlock()
	}
}

// Stats returns a point-in-time snapshot across all classes.
func (p *Pool) Stats() contracts.PoolStats {
	var available, inUse int64
	for _, cl := range p.classes {
		cl.mu.Lock()
		available += int64(len(cl.free))
		inUse += cl.inUse
		cl.mu.Unlock()
	}
	return contracts.PoolStats{
		Total:     available + inUse,
		Available: available,
		InUse:     inUse,
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
	}
}
