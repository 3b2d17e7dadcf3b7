// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers: the process-wide handler and a per-scan file handler.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write error on the scan-session file must never block the
	// process-wide log stream.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewScanSessionLogger builds a logger scoped to one scan run: every
// record it emits, on both the base (process-wide) handler and a
// dedicated per-run file, carries a "scan_id" attribute equal to scanID,
// so log lines from concurrent or back-to-back scans can be told apart
// in a shared process-wide stream. The file sink lives at:
//
//	{scanLogDir}/{component}/{scanID}.log
//
// It returns the scan_id-tagged logger, an io.Closer for the session
// file, and the file's path (joined onto scanLogDir as given). The closer must be deferred by the
// caller. An empty scanLogDir skips the file sink but still returns a
// logger tagged with scan_id, so the ID survives in the process-wide
// stream even when file capture is disabled.
func NewScanSessionLogger(baseLogger *slog.Logger, scanLogDir, component, scanID string) (*slog.Logger, io.Closer, string, error) {
	if scanLogDir == "" {
		return baseLogger.With(scanIDKey, scanID), io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(scanLogDir, component)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating scan log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, scanID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening scan log file %s: %w", logPath, err)
	}

	// The per-scan file always uses JSON at DEBUG for maximum capture,
	// independent of the base logger's configured level.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined).With(scanIDKey, scanID), f, logPath, nil
}

// scanIDKey is the slog attribute key NewScanSessionLogger tags every
// record with.
const scanIDKey = "scan_id"

// RemoveScanSessionLog deletes the log file for a scan run that finished
// successfully. No-op if scanLogDir is empty or the file does not exist.
func RemoveScanSessionLog(scanLogDir, component, scanID string) {
	if scanLogDir == "" {
		return
	}
	logPath := filepath.Join(scanLogDir, component, scanID+".log")
	os.Remove(logPath)
}
