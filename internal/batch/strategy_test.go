// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package batch

import (
	"testing"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

func TestPlanGroups_SizeBasedBalancesBySize(t *testing.T) {
	files := []contracts.FileRecord{
		{Path: "a/1.bin", Size: 40},
		{Path: "b/2.bin", Size: 40},
		{Path: "c/3.bin", Size: 40},
	}
	groups := PlanGroups(files, contracts.StrategySizeBased, 0, 50)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups at a 50-byte ceiling with 40-byte files, got %d", len(groups))
	}
}

func TestPlanGroups_LocationBasedGroupsByDir(t *testing.T) {
	files := []contracts.FileRecord{
		{Path: "dir1/a.bin", Size: 10},
		{Path: "dir1/b.bin", Size: 10},
		{Path: "dir2/c.bin", Size: 10},
	}
	groups := PlanGroups(files, contracts.StrategyLocationBased, 0, 1<<20)
	if len(groups) != 2 {
		t.Fatalf("expected one group per directory (2), got %d", len(groups))
	}
}

func TestPlanGroups_HDDOptimizedSerializesPerDevice(t *testing.T) {
	files := []contracts.FileRecord{
		{Path: "dir1/a.bin", Size: 10},
		{Path: "dir1/b.bin", Size: 10},
		{Path: "dir1/c.bin", Size: 10},
		{Path: "dir2/d.bin", Size: 10},
	}
	// A tiny maxBatchSize would normally force balanceBySize to split
	// dir1's three files into separate batches; serializePerDevice must
	// override that and keep each directory as exactly one batch so the
	// scheduler never dispatches two batches against the same device
	// concurrently.
	groups := PlanGroups(files, contracts.StrategyHDDOptimized, 0, 1)
	if len(groups) != 2 {
		t.Fatalf("expected one batch per directory (2), got %d", len(groups))
	}
	for _, g := range groups {
		if len(g) == 0 {
			t.Fatal("unexpected empty group")
		}
	}
}

func TestPlanGroups_NVMeOptimizedWidensConcurrency(t *testing.T) {
	if paramsFor(contracts.StrategyNVMeOptimized).concurrencyMultiplier <= 1.0 {
		t.Fatal("expected NVMe-optimized to widen concurrency above baseline")
	}
	if paramsFor(contracts.StrategyHDDOptimized).concurrencyMultiplier >= 1.0 {
		t.Fatal("expected HDD-optimized to narrow concurrency below baseline")
	}
}

func TestPlanGroups_EmptyInput(t *testing.T) {
	if groups := PlanGroups(nil, contracts.StrategyBalanced, 0, 0); groups != nil {
		t.Fatalf("expected nil groups for empty input, got %v", groups)
	}
}
