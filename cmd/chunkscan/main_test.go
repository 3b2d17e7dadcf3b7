// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/carabistouflette/chunkflow/internal/contracts"
	"github.com/carabistouflette/chunkflow/internal/manifest"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]contracts.Priority{
		"CRITICAL":   contracts.PriorityCritical,
		"high":       contracts.PriorityHigh,
		" Normal ":   contracts.PriorityNormal,
		"LOW":        contracts.PriorityLow,
		"background": contracts.PriorityBackground,
	}
	for in, want := range cases {
		got, err := parsePriority(in)
		if err != nil {
			t.Fatalf("parsePriority(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("parsePriority(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parsePriority("urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestBuildConfig_FromFlags(t *testing.T) {
	cfg, err := buildConfig("", scanFlags{
		maxDepth:             2,
		chunkSize:            "1mb",
		asyncIO:              "on",
		batchSize:            "8mb",
		maxConcurrentBatches: 3,
		strategy:             "nvme_optimized",
		logLevel:             "debug",
		logFormat:            "json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Filters.MaxDepth == nil || *cfg.Filters.MaxDepth != 2 {
		t.Errorf("expected max_depth 2, got %v", cfg.Filters.MaxDepth)
	}
	if cfg.Chunking.ChunkSizeRaw != 1_000_000 {
		t.Errorf("expected chunk size 1mb parsed, got %d", cfg.Chunking.ChunkSizeRaw)
	}
	if !cfg.Chunking.UseAsyncIO {
		t.Error("expected async io enabled")
	}
	if cfg.Batch.StrategyParsed != contracts.StrategyNVMeOptimized {
		t.Errorf("expected nvme_optimized strategy, got %v", cfg.Batch.StrategyParsed)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("expected debug/json logging, got %+v", cfg.Logging)
	}
}

func TestBuildConfig_FromFlags_MaxDepthZeroMeansRootOnly(t *testing.T) {
	cfg, err := buildConfig("", scanFlags{maxDepth: 0, chunkSize: "4mb", batchSize: "64mb"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Filters.MaxDepth == nil || *cfg.Filters.MaxDepth != 0 {
		t.Errorf("expected explicit max_depth 0 to survive, got %v", cfg.Filters.MaxDepth)
	}
}

func TestBuildConfig_InvalidStrategy(t *testing.T) {
	_, err := buildConfig("", scanFlags{maxDepth: -1, chunkSize: "4mb", batchSize: "64mb", strategy: "fastest"})
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestBuildConfig_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scan.yaml")
	if err := os.WriteFile(cfgPath, []byte("chunking:\n  chunk_size: \"2mb\"\n"), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	cfg, err := buildConfig(cfgPath, scanFlags{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chunking.ChunkSizeRaw != 2_000_000 {
		t.Errorf("expected chunk size 2mb from YAML, got %d", cfg.Chunking.ChunkSizeRaw)
	}
}

func TestWriteOutputs_SuccessAndPartial(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	manifestPath := filepath.Join(dir, "manifest.jsonl")
	okOutcome := scanOutcome{
		entries:    []manifest.Entry{{Path: "a.txt"}},
		successful: 1,
		kindCounts: map[contracts.ErrorKind]int{},
	}
	if code := writeOutputs(okOutcome, "text", manifest.CompressionNone, manifestPath, "", logger); code != exitSuccess {
		t.Errorf("expected exitSuccess, got %d", code)
	}
	if _, err := os.Stat(manifestPath); err != nil {
		t.Errorf("expected manifest file to be written: %v", err)
	}

	failOutcome := scanOutcome{
		entries:    []manifest.Entry{{Path: "b.txt", Err: "boom"}},
		successful: 0,
		failed:     1,
		kindCounts: map[contracts.ErrorKind]int{contracts.KindIoFailure: 1},
	}
	errorsPath := filepath.Join(dir, "errors.txt")
	if code := writeOutputs(failOutcome, "text", manifest.CompressionNone, manifestPath, errorsPath, logger); code != exitPartialSuccess {
		t.Errorf("expected exitPartialSuccess, got %d", code)
	}
	data, err := os.ReadFile(errorsPath)
	if err != nil {
		t.Fatalf("expected errors file to be written: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty errors file")
	}
}

func TestRun_RootNotFound(t *testing.T) {
	code := run([]string{"scan", "/nonexistent/definitely/not/here"})
	if code != exitRootNotFound {
		t.Errorf("expected exitRootNotFound, got %d", code)
	}
}

func TestRun_NoSubcommand(t *testing.T) {
	if code := run(nil); code != exitInvalidArgs {
		t.Errorf("expected exitInvalidArgs for empty args, got %d", code)
	}
	if code := run([]string{"bogus"}); code != exitInvalidArgs {
		t.Errorf("expected exitInvalidArgs for unknown subcommand, got %d", code)
	}
}

func TestRun_EndToEnd_ScanSessionLog(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	outDir := t.TempDir()
	manifestPath := filepath.Join(outDir, "manifest.jsonl")
	scanLogDir := t.TempDir()

	code := run([]string{
		"scan", root,
		"--manifest", manifestPath,
		"--chunk-size", "64kb",
		"--batch-size", "1mb",
		"--max-concurrent-batches", "1",
		"--log-level", "error",
		"--scan-log-dir", scanLogDir,
	})
	if code != exitSuccess {
		t.Fatalf("expected exitSuccess, got %d", code)
	}

	entries, err := os.ReadDir(filepath.Join(scanLogDir, "chunkscan"))
	if err != nil {
		t.Fatalf("reading scan log dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected the session log to be removed after a successful scan, found %v", entries)
	}
}

func TestRun_EndToEnd_CompressedBinaryManifest(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	outDir := t.TempDir()
	manifestPath := filepath.Join(outDir, "manifest.bin")

	code := run([]string{
		"scan", root,
		"--manifest", manifestPath,
		"--manifest-format", "binary",
		"--manifest-compression", "zstd",
		"--chunk-size", "64kb",
		"--batch-size", "1mb",
		"--max-concurrent-batches", "1",
		"--log-level", "error",
	})
	if code != exitSuccess {
		t.Fatalf("expected exitSuccess, got %d", code)
	}

	entries, err := manifest.ReadBinaryCompressed(manifestPath)
	if err != nil {
		t.Fatalf("reading back compressed binary manifest: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected at least one manifest entry")
	}
}

func TestParseManifestCompression(t *testing.T) {
	cases := map[string]manifest.Compression{
		"":      manifest.CompressionNone,
		"none":  manifest.CompressionNone,
		"gzip":  manifest.CompressionGzip,
		"zstd":  manifest.CompressionZstd,
		"ZSTD":  manifest.CompressionZstd,
	}
	for in, want := range cases {
		got, err := parseManifestCompression(in)
		if err != nil {
			t.Fatalf("parseManifestCompression(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("parseManifestCompression(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseManifestCompression("lz4"); err == nil {
		t.Fatal("expected error for unknown compression")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}
	outDir := t.TempDir()
	manifestPath := filepath.Join(outDir, "manifest.jsonl")

	code := run([]string{
		"scan", root,
		"--manifest", manifestPath,
		"--chunk-size", "64kb",
		"--batch-size", "1mb",
		"--max-concurrent-batches", "1",
		"--log-level", "error",
	})
	if code != exitSuccess {
		t.Fatalf("expected exitSuccess, got %d", code)
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("expected manifest to be written: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty manifest")
	}
}
