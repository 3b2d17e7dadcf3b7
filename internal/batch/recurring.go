// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunResult summarizes one scan-and-batch run triggered by a
// RecurringScanner, for logging and for ScanResult.LastResult.
type RunResult struct {
	FilesScanned   int
	BytesProcessed int64
	Failed         int
}

// ScanResult is the outcome recorded for the most recently triggered run,
// whether it completed, failed, or was skipped because the previous run
// was still in flight.
type ScanResult struct {
	Status    string // "completed", "failed", "skipped"
	Result    RunResult
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// RecurringScanner re-triggers a scan-and-batch run on a cron schedule,
// guarding against overlapping runs the same way the teacher's agent
// scheduler guards a backup job: a single mutex-held running flag, skip
// (not queue) a tick that arrives mid-run.
type RecurringScanner struct {
	cron   *cron.Cron
	logger *slog.Logger
	runFn  func(ctx context.Context) (RunResult, error)

	mu         sync.Mutex
	running    bool
	lastResult *ScanResult
}

// NewRecurringScanner parses schedule (standard five-field cron syntax,
// plus robfig's "@every 1h"/"@daily" descriptors) and registers runFn to
// fire on it. runFn should perform one full scan-chunk-batch cycle
// (typically the same code path the scan subcommand runs) and report how
// much it processed.
func NewRecurringScanner(schedule string, logger *slog.Logger, runFn func(ctx context.Context) (RunResult, error)) (*RecurringScanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rs := &RecurringScanner{
		logger: logger,
		runFn:  runFn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, rs.executeRun); err != nil {
		return nil, fmt.Errorf("batch.NewRecurringScanner: invalid schedule %q: %w", schedule, err)
	}
	rs.cron = c
	return rs, nil
}

// Start begins firing runFn on the configured schedule.
func (rs *RecurringScanner) Start() {
	rs.logger.Info("recurring scanner started")
	rs.cron.Start()
}

// Stop halts future ticks and waits for an in-flight run to finish, up to
// ctx's deadline.
func (rs *RecurringScanner) Stop(ctx context.Context) {
	rs.logger.Info("recurring scanner stopping")
	stopCtx := rs.cron.Stop()
	select {
	case <-stopCtx.Done():
		rs.logger.Info("recurring scanner stopped gracefully")
	case <-ctx.Done():
		rs.logger.Warn("recurring scanner stop timed out with a run still in flight")
	}
}

// LastResult returns the outcome of the most recently triggered run, or
// nil if none has fired yet.
func (rs *RecurringScanner) LastResult() *ScanResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastResult
}

func (rs *RecurringScanner) executeRun() {
	rs.mu.Lock()
	if rs.running {
		rs.mu.Unlock()
		rs.logger.Warn("recurring scan already running, skipping this tick")
		rs.mu.Lock()
		rs.lastResult = &ScanResult{Status: "skipped", StartedAt: time.Now()}
		rs.mu.Unlock()
		return
	}
	rs.running = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.running = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	result, err := rs.runFn(context.Background())
	duration := time.Since(start)

	sr := &ScanResult{Result: result, Err: err, StartedAt: start, Duration: duration}
	if err != nil {
		sr.Status = "failed"
		rs.logger.Error("recurring scan failed", "error", err, "duration", duration)
	} else {
		sr.Status = "completed"
		rs.logger.Info("recurring scan completed",
			"duration", duration,
			"files_scanned", result.FilesScanned,
			"bytes_processed", result.BytesProcessed,
			"failed", result.Failed,
		)
	}

	rs.mu.Lock()
	rs.lastResult = sr
	rs.mu.Unlock()
}
