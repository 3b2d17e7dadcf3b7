// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package workerpool owns the five named worker pools (IO, CPU,
// COMPLETION, BATCH, WATCH) plus a small MANAGEMENT pool, and exposes a
// single Future-returning submission API, adaptive resizing, and
// backpressure. Modelled as a process-scope handle created once and
// passed explicitly — no package-level singleton.
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// baseOpsPerSec is the admission rate assumed at zero backpressure; it is
// scaled down as ApplyBackpressure raises its factor, the same token-
// bucket-scaling idea as ThrottledWriter's bytes/sec limiter.
const baseOpsPerSec = 50_000

// Config sizes the manager's pools. Zero fields default from CPU count
// (New takes DefaultConfig's size for them), matching the teacher's
// CPU-count-derived pool sizing.
type Config struct {
	Backend ExecutorBackend

	IOWorkers         int32
	CPUWorkers        int32
	CompletionWorkers int32
	BatchWorkers      int32
	WatchWorkers      int32
	ManagementWorkers int32
}

// DefaultConfig derives pool sizes from the logical CPU count: IO pools
// are wider (I/O-bound work overlaps), CPU pools are capped near
// NumCPU, matching spec.md §4.2's sizing guidance.
func DefaultConfig() Config {
	n := int32(runtime.NumCPU())
	if n < 1 {
		n = 1
	}
	return Config{
		Backend:           GoroutineBackend{},
		IOWorkers:         n * 4,
		CPUWorkers:        n,
		CompletionWorkers: n * 2,
		BatchWorkers:      n * 2,
		WatchWorkers:      2,
		ManagementWorkers: 1,
	}
}

// Manager owns all named pools and the process-wide backpressure limiter.
type Manager struct {
	pools map[contracts.PoolName]*workerPool

	limiterMu sync.RWMutex
	limiter   *rate.Limiter
	factor    atomic.Value // float64

	monitor *SystemMonitor
	closed  atomic.Bool
}

// New builds a Manager. Callers pass the returned handle explicitly to
// every package that needs to submit work; there is no global instance.
func New(cfg Config) *Manager {
	if cfg.Backend == nil {
		cfg.Backend = GoroutineBackend{}
	}
	def := DefaultConfig()
	sizes := []*int32{&cfg.IOWorkers, &cfg.CPUWorkers, &cfg.CompletionWorkers, &cfg.BatchWorkers, &cfg.WatchWorkers, &cfg.ManagementWorkers}
	defaults := []int32{def.IOWorkers, def.CPUWorkers, def.CompletionWorkers, def.BatchWorkers, def.WatchWorkers, def.ManagementWorkers}
	for i, v := range sizes {
		if *v <= 0 {
			*v = defaults[i]
		}
	}
	m := &Manager{
		pools:   make(map[contracts.PoolName]*workerPool),
		limiter: rate.NewLimiter(rate.Limit(baseOpsPerSec), baseOpsPerSec/10+1),
	}
	m.factor.Store(float64(0))

	minMax := func(n int32) (int32, int32) {
		min := n / 4
		if min < 1 {
			min = 1
		}
		max := n * 2
		if max < n {
			max = n
		}
		return min, max
	}

	ioMin, ioMax := minMax(cfg.IOWorkers)
	cpuMin, cpuMax := minMax(cfg.CPUWorkers)
	compMin, compMax := minMax(cfg.CompletionWorkers)
	batchMin, batchMax := minMax(cfg.BatchWorkers)
	watchMin, watchMax := minMax(cfg.WatchWorkers)
	mgmtMin, mgmtMax := minMax(cfg.ManagementWorkers)

	m.pools[contracts.PoolIO] = newWorkerPool(contracts.PoolIO, cfg.Backend, cfg.IOWorkers, ioMin, ioMax)
	m.pools[contracts.PoolCPU] = newWorkerPool(contracts.PoolCPU, cfg.Backend, cfg.CPUWorkers, cpuMin, cpuMax)
	m.pools[contracts.PoolCompletion] = newWorkerPool(contracts.PoolCompletion, cfg.Backend, cfg.CompletionWorkers, compMin, compMax)
	m.pools[contracts.PoolBatch] = newWorkerPool(contracts.PoolBatch, cfg.Backend, cfg.BatchWorkers, batchMin, batchMax)
	m.pools[contracts.PoolWatch] = newWorkerPool(contracts.PoolWatch, cfg.Backend, cfg.WatchWorkers, watchMin, watchMax)
	m.pools[contracts.PoolManagement] = newWorkerPool(contracts.PoolManagement, cfg.Backend, cfg.ManagementWorkers, mgmtMin, mgmtMax)

	return m
}

// AttachMonitor wires a SystemMonitor into the manager so that Shutdown
// stops it. The manager does not read its readings; TriggerAdaptiveResize
// works from pool utilization alone.
func (m *Manager) AttachMonitor(mon *SystemMonitor) { m.monitor = mon }

// Submit schedules fn on the named pool with the given priority and
// returns a Future for its result. Go methods cannot carry their own type
// parameters, so Submit is a package-level generic function taking the
// manager as its first argument.
func Submit[T any](m *Manager, poolName contracts.PoolName, priority contracts.TaskPriority, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	if m.closed.Load() {
		var zero T
		f.complete(zero, contracts.NewError(contracts.KindClosed, "workerpool.Submit", "", nil))
		return f
	}

	m.limiterMu.RLock()
	limiter := m.limiter
	m.limiterMu.RUnlock()
	if limiter != nil {
		_ = limiter.Wait(context.Background())
	}

	p, ok := m.pools[poolName]
	if !ok {
		var zero T
		f.complete(zero, contracts.NewError(contracts.KindInvalidArgument, "workerpool.Submit", "", nil))
		return f
	}

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.complete(zero, contracts.NewError(contracts.KindInternal, "workerpool.Submit", "", panicError{r}))
			}
		}()
		if f.Canceled() {
			var zero T
			f.complete(zero, contracts.NewError(contracts.KindCanceled, "workerpool.Submit", "", nil))
			return
		}
		v, err := fn(context.Background())
		f.complete(v, err)
	}

	if err := p.submit(priority, task); err != nil {
		var zero T
		f.complete(zero, err)
	}
	return f
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in worker task" }

// ApplyBackpressure scales the manager's admission rate down by
// (1-factor); factor must be in [0,1]. Zero is equivalent to
// ReleaseBackpressure.
func (m *Manager) ApplyBackpressure(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	m.factor.Store(factor)
	rateLimit := baseOpsPerSec * (1 - factor)
	if rateLimit < 1 {
		rateLimit = 1
	}
	m.limiterMu.Lock()
	m.limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)/10+1)
	m.limiterMu.Unlock()
}

// ReleaseBackpressure restores full admission capacity.
func (m *Manager) ReleaseBackpressure() { m.ApplyBackpressure(0) }

// BackpressureFactor returns the currently applied factor.
func (m *Manager) BackpressureFactor() float64 {
	return m.factor.Load().(float64)
}

// Stats returns a snapshot per named pool.
func (m *Manager) Stats() map[contracts.PoolName]contracts.PoolStatsSnapshot {
	out := make(map[contracts.PoolName]contracts.PoolStatsSnapshot, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.snapshot()
	}
	return out
}

// PoolStats returns the snapshot for a single named pool.
func (m *Manager) PoolStats(name contracts.PoolName) (contracts.PoolStatsSnapshot, bool) {
	p, ok := m.pools[name]
	if !ok {
		return contracts.PoolStatsSnapshot{}, false
	}
	return p.snapshot(), true
}

// Shutdown drains in-flight work on every pool, then rejects further
// submissions with KindClosed.
func (m *Manager) Shutdown() {
	m.closed.Store(true)
	for _, p := range m.pools {
		p.shutdown()
	}
	if m.monitor != nil {
		m.monitor.Stop()
	}
}
