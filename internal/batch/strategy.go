// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package batch implements the Batch Scheduler/Processor (C6): it groups
// files into priority-ordered, concurrency-bounded batches, applies
// adaptive sizing and backpressure, enforces dependency barriers, and
// collects per-batch metrics.
package batch

import (
	"sort"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// strategyParams is the parameter table a Strategy dispatches through,
// replacing what would otherwise be a polymorphic strategy hierarchy.
type strategyParams struct {
	// groupByLocation groups files under the same parent directory into
	// one batch before applying the size target.
	groupByLocation bool
	// concurrencyMultiplier scales max_concurrent_batches for this
	// strategy (NVMe can run wider, HDD narrower).
	concurrencyMultiplier float64
	// serializePerDevice keeps each location bucket in a single batch,
	// however large, instead of splitting it by size (HDD: one batch reads
	// a directory's files sequentially).
	serializePerDevice bool
}

var strategyTable = map[contracts.Strategy]strategyParams{
	contracts.StrategySizeBased:      {concurrencyMultiplier: 1.0},
	contracts.StrategyLocationBased:  {groupByLocation: true, concurrencyMultiplier: 1.0},
	contracts.StrategyPriorityBased:  {concurrencyMultiplier: 1.0},
	contracts.StrategyResourceAware:  {concurrencyMultiplier: 1.0},
	contracts.StrategyBalanced:       {groupByLocation: true, concurrencyMultiplier: 1.0},
	contracts.StrategyNVMeOptimized:  {concurrencyMultiplier: 2.0},
	contracts.StrategyHDDOptimized:   {groupByLocation: true, serializePerDevice: true, concurrencyMultiplier: 0.5},
}

// paramsFor returns the parameter row for a strategy, defaulting to
// SizeBased's neutral row for an unrecognized value.
func paramsFor(s contracts.Strategy) strategyParams {
	if p, ok := strategyTable[s]; ok {
		return p
	}
	return strategyTable[contracts.StrategySizeBased]
}

// PlanGroups splits files into byte-balanced groups clamped to
// [minBatchSize, maxBatchSize], per spec.md §4.6's adaptive sizing
// policy: target roughly equal total bytes per batch; small files are
// grouped, large files may go alone. Exported so callers (the CLI, a
// recurring scanner) can turn a flat file list into the per-batch Files
// slices ProcessBatch/ScheduleBatch expect.
func PlanGroups(files []contracts.FileRecord, strategy contracts.Strategy, minBatchSize, maxBatchSize int64) [][]contracts.FileRecord {
	return planGroups(files, strategy, minBatchSize, maxBatchSize)
}

func planGroups(files []contracts.FileRecord, strategy contracts.Strategy, minBatchSize, maxBatchSize int64) [][]contracts.FileRecord {
	if len(files) == 0 {
		return nil
	}
	params := paramsFor(strategy)

	buckets := map[string][]contracts.FileRecord{"": files}
	if params.groupByLocation {
		buckets = groupByDir(files)
	}

	var groups [][]contracts.FileRecord
	var dirs []string
	for d := range buckets {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	for _, d := range dirs {
		if params.serializePerDevice {
			// One batch per location, however large: splitting a device's
			// files across several size-balanced batches would let the
			// scheduler's admission permits dispatch them concurrently,
			// defeating the point of serializing reads to that device.
			groups = append(groups, buckets[d])
			continue
		}
		groups = append(groups, balanceBySize(buckets[d], minBatchSize, maxBatchSize)...)
	}
	return groups
}

func groupByDir(files []contracts.FileRecord) map[string][]contracts.FileRecord {
	out := make(map[string][]contracts.FileRecord)
	for _, f := range files {
		dir := parentDir(f.Path)
		out[dir] = append(out[dir], f)
	}
	return out
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

func balanceBySize(files []contracts.FileRecord, minBatchSize, maxBatchSize int64) [][]contracts.FileRecord {
	if maxBatchSize <= 0 {
		maxBatchSize = 1 << 30 // 1GiB default ceiling
	}

	var groups [][]contracts.FileRecord
	var current []contracts.FileRecord
	var currentBytes int64

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, f := range files {
		if f.Size >= maxBatchSize {
			flush()
			groups = append(groups, []contracts.FileRecord{f}) // large file goes alone
			continue
		}
		if currentBytes+f.Size > maxBatchSize && len(current) > 0 {
			flush()
		}
		current = append(current, f)
		currentBytes += f.Size
		if minBatchSize > 0 && currentBytes >= minBatchSize {
			flush()
		}
	}
	flush()
	return groups
}
