// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for a scan
// run: pool sizing, buffer pool limits, scanner filters and batch
// scheduling policy. Environment variables override the parsed file,
// applied before Validate fills in defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// LoggingInfo configures the process-wide logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// PoolsInfo sizes the worker-pool manager's named pools. Zero fields
// default from CPU count at Validate time.
type PoolsInfo struct {
	IOWorkers         int32 `yaml:"io_workers"`
	CPUWorkers        int32 `yaml:"cpu_workers"`
	CompletionWorkers int32 `yaml:"completion_workers"`
	BatchWorkers      int32 `yaml:"batch_workers"`
	WatchWorkers      int32 `yaml:"watch_workers"`
	ManagementWorkers int32 `yaml:"management_workers"`
}

// BufferInfo sizes the buffer pool.
type BufferInfo struct {
	MaxClassSize string `yaml:"max_class_size"` // e.g. "16mb"
	MaxTotal     string `yaml:"max_total"`       // e.g. "256mb"
	Blocking     bool   `yaml:"blocking"`

	MaxClassSizeRaw int64 `yaml:"-"`
	MaxTotalRaw     int64 `yaml:"-"`
}

// ScanFilters mirrors scanner.Options in YAML form. MaxDepth is a pointer
// so that an explicit 0 (root-only) survives Validate's default-filling —
// a plain int field could not distinguish "unset" from "set to zero".
type ScanFilters struct {
	MaxDepth      *int     `yaml:"max_depth"`
	IncludeHidden bool     `yaml:"include_hidden"`
	MinSize       string   `yaml:"min_size"`
	MaxSize       string   `yaml:"max_size"`
	IncludeGlob   []string `yaml:"include"`
	ExcludeGlob   []string `yaml:"exclude"`
	Symlinks      string   `yaml:"symlinks"` // skip|record|follow

	MinSizeRaw int64 `yaml:"-"`
	MaxSizeRaw int64 `yaml:"-"`
}

// ChunkingInfo mirrors contracts.ChunkingOptions in YAML form.
type ChunkingInfo struct {
	ChunkSize           string `yaml:"chunk_size"` // e.g. "4mb"
	MaxConcurrentChunks int    `yaml:"max_concurrent_chunks"`
	UseAsyncIO          bool   `yaml:"async_io"`

	ChunkSizeRaw int64 `yaml:"-"`
}

// BatchInfo mirrors batch.Config in YAML form.
type BatchInfo struct {
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches"`
	AdaptiveSizing       bool   `yaml:"adaptive_sizing"`
	MinBatchSize         string `yaml:"min_batch_size"`
	MaxBatchSize         string `yaml:"max_batch_size"`
	Strategy             string `yaml:"strategy"`

	MinBatchSizeRaw int64              `yaml:"-"`
	MaxBatchSizeRaw int64              `yaml:"-"`
	StrategyParsed  contracts.Strategy `yaml:"-"`
}

// ScanConfig is the full, validated configuration for one chunkscan run.
type ScanConfig struct {
	Logging  LoggingInfo  `yaml:"logging"`
	Pools    PoolsInfo    `yaml:"pools"`
	Buffer   BufferInfo   `yaml:"buffer"`
	Filters  ScanFilters  `yaml:"filters"`
	Chunking ChunkingInfo `yaml:"chunking"`
	Batch    BatchInfo    `yaml:"batch"`
}

// LoadScanConfig reads, applies environment overrides to, and validates
// the YAML configuration at path.
func LoadScanConfig(path string) (*ScanConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scan config: %w", err)
	}

	var cfg ScanConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing scan config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating scan config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnvOverrides lets operators override pool/buffer sizing without
// editing the file, matching the teacher's env-var escape hatch for
// container deployments. Exported so a config built directly from CLI
// flags (no YAML file) can still honor the same environment variables.
func (c *ScanConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUP_THREADS_IO"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pools.IOWorkers = int32(n)
		}
	}
	if v := os.Getenv("BACKUP_THREADS_CPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pools.CPUWorkers = int32(n)
		}
	}
	if v := os.Getenv("BACKUP_BUFFER_MAX_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Buffer.MaxTotal = fmt.Sprintf("%dmb", n)
		}
	}
	if v := os.Getenv("BACKUP_BUFFER_CAP_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Buffer.MaxClassSize = fmt.Sprintf("%dkb", n)
		}
	}
}

// Validate fills in defaults and parses every byte-size/enum field,
// populating the derived *Raw/*Parsed fields. Mutates c in place.
func (c *ScanConfig) Validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	n := int32(runtime.NumCPU())
	if n < 1 {
		n = 1
	}
	if c.Pools.IOWorkers <= 0 {
		c.Pools.IOWorkers = n * 4
	}
	if c.Pools.CPUWorkers <= 0 {
		c.Pools.CPUWorkers = n
	}
	if c.Pools.CompletionWorkers <= 0 {
		c.Pools.CompletionWorkers = n * 2
	}
	if c.Pools.BatchWorkers <= 0 {
		c.Pools.BatchWorkers = n * 2
	}
	if c.Pools.WatchWorkers <= 0 {
		c.Pools.WatchWorkers = 2
	}
	if c.Pools.ManagementWorkers <= 0 {
		c.Pools.ManagementWorkers = 1
	}

	if c.Buffer.MaxClassSize == "" {
		c.Buffer.MaxClassSize = "16mb"
	}
	parsed, err := ParseByteSize(c.Buffer.MaxClassSize)
	if err != nil {
		return fmt.Errorf("buffer.max_class_size: %w", err)
	}
	c.Buffer.MaxClassSizeRaw = parsed

	if c.Buffer.MaxTotal == "" {
		c.Buffer.MaxTotal = "256mb"
	}
	parsed, err = ParseByteSize(c.Buffer.MaxTotal)
	if err != nil {
		return fmt.Errorf("buffer.max_total: %w", err)
	}
	c.Buffer.MaxTotalRaw = parsed

	if c.Filters.MaxDepth == nil {
		unlimited := -1
		c.Filters.MaxDepth = &unlimited
	}
	if c.Filters.MinSize != "" {
		parsed, err = ParseByteSize(c.Filters.MinSize)
		if err != nil {
			return fmt.Errorf("filters.min_size: %w", err)
		}
		c.Filters.MinSizeRaw = parsed
	}
	if c.Filters.MaxSize != "" {
		parsed, err = ParseByteSize(c.Filters.MaxSize)
		if err != nil {
			return fmt.Errorf("filters.max_size: %w", err)
		}
		c.Filters.MaxSizeRaw = parsed
	}
	if c.Filters.Symlinks == "" {
		c.Filters.Symlinks = "skip"
	}
	if _, err := contracts.ParseSymlinkPolicy(c.Filters.Symlinks); err != nil {
		return fmt.Errorf("filters.symlinks: %w", err)
	}

	if c.Chunking.ChunkSize == "" {
		c.Chunking.ChunkSize = "4mb"
	}
	parsed, err = ParseByteSize(c.Chunking.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunking.chunk_size: %w", err)
	}
	if parsed < 64_000 {
		return fmt.Errorf("chunking.chunk_size must be at least 64kb, got %s", c.Chunking.ChunkSize)
	}
	if parsed > 64_000_000 {
		return fmt.Errorf("chunking.chunk_size must be at most 64mb, got %s", c.Chunking.ChunkSize)
	}
	c.Chunking.ChunkSizeRaw = parsed
	if c.Chunking.MaxConcurrentChunks <= 0 {
		c.Chunking.MaxConcurrentChunks = 4
	}

	if c.Batch.MaxConcurrentBatches <= 0 {
		c.Batch.MaxConcurrentBatches = 4
	}
	if c.Batch.MinBatchSize == "" {
		c.Batch.MinBatchSize = "4mb"
	}
	parsed, err = ParseByteSize(c.Batch.MinBatchSize)
	if err != nil {
		return fmt.Errorf("batch.min_batch_size: %w", err)
	}
	c.Batch.MinBatchSizeRaw = parsed
	if c.Batch.MaxBatchSize == "" {
		c.Batch.MaxBatchSize = "64mb"
	}
	parsed, err = ParseByteSize(c.Batch.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("batch.max_batch_size: %w", err)
	}
	c.Batch.MaxBatchSizeRaw = parsed
	if c.Batch.MinBatchSizeRaw > c.Batch.MaxBatchSizeRaw {
		return fmt.Errorf("batch.min_batch_size must be <= batch.max_batch_size")
	}

	if c.Batch.Strategy == "" {
		c.Batch.Strategy = "balanced"
	}
	strategy, err := parseStrategy(c.Batch.Strategy)
	if err != nil {
		return fmt.Errorf("batch.strategy: %w", err)
	}
	c.Batch.StrategyParsed = strategy

	return nil
}

func parseStrategy(s string) (contracts.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "size_based", "size-based":
		return contracts.StrategySizeBased, nil
	case "location_based", "location-based":
		return contracts.StrategyLocationBased, nil
	case "priority_based", "priority-based":
		return contracts.StrategyPriorityBased, nil
	case "resource_aware", "resource-aware":
		return contracts.StrategyResourceAware, nil
	case "balanced":
		return contracts.StrategyBalanced, nil
	case "nvme_optimized", "nvme-optimized":
		return contracts.StrategyNVMeOptimized, nil
	case "hdd_optimized", "hdd-optimized":
		return contracts.StrategyHDDOptimized, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// ParseByteSize converts a human-readable size like "256mb" or "1gb" into
// bytes. Longest suffix wins so "mb" is never matched as "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gib", 1 << 30}, {"mib", 1 << 20}, {"kib", 1 << 10},
		{"gb", 1_000_000_000}, {"mb", 1_000_000}, {"kb", 1_000},
		{"g", 1 << 30}, {"m", 1 << 20}, {"k", 1 << 10},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
