// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package workerpool

import "github.com/carabistouflette/chunkflow/internal/contracts"

// adaptiveHysteresis is the number of consecutive evaluations an
// over/under-utilization signal must persist before the pool resizes,
// mirroring the teacher autoscaler's default hysteresis window.
const adaptiveHysteresis = 3

const (
	scaleUpUtilThreshold   = 0.85
	scaleDownUtilThreshold = 0.30
)

// TriggerAdaptiveResize evaluates per-pool utilization and grows each
// pool's worker count up to maxWorkers, requiring adaptiveHysteresis
// consecutive evaluations in the same direction before acting — the same
// consecutive-windows hysteresis counter the teacher's AutoScaler keeps
// for scale-up/scale-down. A scale-down signal calls resize with a lower
// target, but resize does not stop live worker loops, so the worker count
// does not shrink.
func (m *Manager) TriggerAdaptiveResize() {
	for _, p := range m.pools {
		snap := p.snapshot()
		switch {
		case snap.Utilization >= scaleUpUtilThreshold:
			p.scaleDownCount = 0
			p.scaleUpCount++
			if p.scaleUpCount >= adaptiveHysteresis {
				p.resize(p.liveWorkers.Load() + 1)
				p.scaleUpCount = 0
			}
		case snap.Utilization <= scaleDownUtilThreshold:
			p.scaleUpCount = 0
			p.scaleDownCount++
			if p.scaleDownCount >= adaptiveHysteresis {
				p.resize(p.liveWorkers.Load() - 1)
				p.scaleDownCount = 0
			}
		default:
			p.scaleUpCount = 0
			p.scaleDownCount = 0
		}
	}
}

// PoolName re-exported for callers that only need the enum, avoiding an
// extra import of internal/contracts in simple call sites.
type PoolName = contracts.PoolName
