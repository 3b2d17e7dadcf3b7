// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package workerpool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is a snapshot of host resource usage. batch.Scheduler copies
// CPUPercent into BatchResult's CPU % metric; TriggerAdaptiveResize does
// not read these stats.
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
}

// SystemMonitor polls host metrics on a ticker. Adapted directly from the
// teacher's agent.SystemMonitor; disk usage is dropped here since this
// module has no fixed destination volume to poll.
type SystemMonitor struct {
	logger   *slog.Logger
	interval time.Duration

	close chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	stats SystemStats

	running atomic.Bool
}

// NewSystemMonitor builds a SystemMonitor. interval defaults to 15s.
func NewSystemMonitor(logger *slog.Logger, interval time.Duration) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemMonitor{
		logger:   logger.With("component", "system_monitor"),
		interval: interval,
		close:    make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	if !sm.running.CompareAndSwap(false, true) {
		return
	}
	sm.wg.Add(1)
	go sm.run()
}

// Stop halts collection and waits for the loop to exit.
func (sm *SystemMonitor) Stop() {
	if !sm.running.CompareAndSwap(true, false) {
		return
	}
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.collect()
	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	var stats SystemStats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
