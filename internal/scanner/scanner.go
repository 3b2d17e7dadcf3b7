// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scanner walks a root directory under filters and emits a stream
// of file records, adapted from the teacher agent's include/exclude-glob
// directory walker and extended per spec.md §4.5 with depth limits, size
// range, symlink policy and visitor hooks.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// Visitor receives scan lifecycle events. Every method is optional; a nil
// Visitor runs the scan with no hooks.
type Visitor interface {
	OnScanStarted()
	OnFileProcessed(path string, processed, totalEstimate int)
	OnScanCompleted(result Result)
	OnScanError(path string, err error)
	// OnVisit is consulted for every entry before filtering; it may
	// override the walk by returning ScanSkipSubtree/ScanTerminate.
	OnVisit(path string, isDir bool) contracts.ScanVisitorDecision
}

// NopVisitor implements Visitor with no-ops; embed it to implement only
// the hooks a caller cares about.
type NopVisitor struct{}

func (NopVisitor) OnScanStarted()                                      {}
func (NopVisitor) OnFileProcessed(path string, processed, total int)   {}
func (NopVisitor) OnScanCompleted(result Result)                       {}
func (NopVisitor) OnScanError(path string, err error)                  {}
func (NopVisitor) OnVisit(path string, isDir bool) contracts.ScanVisitorDecision {
	return contracts.ScanContinue
}

// Options configures one Scan call.
type Options struct {
	MaxDepth      int // -1 means unlimited
	IncludeHidden bool
	MinSize       int64 // 0 means no lower bound
	MaxSize       int64 // 0 means no upper bound
	IncludeGlob   []string
	ExcludeGlob   []string
	SymlinkPolicy contracts.SymlinkPolicy
}

// DefaultOptions returns the permissive default: unlimited depth, hidden
// files excluded, symlinks skipped, no size/glob filters.
func DefaultOptions() Options {
	return Options{MaxDepth: -1, SymlinkPolicy: contracts.SymlinkSkip}
}

// Result summarizes a completed scan.
type Result struct {
	Emitted int
	Errors  []PathError
}

// PathError pairs a path with the error encountered visiting it; captured
// rather than aborting the walk, per spec.md §4.5.
type PathError struct {
	Path string
	Err  error
}

// Scanner walks one or more root directories under Options.
type Scanner struct {
	opts Options
}

// New builds a Scanner.
func New(opts Options) *Scanner {
	return &Scanner{opts: opts}
}

// Scan walks root and invokes fn for every emitted FileRecord. Errors
// returned by fn abort the walk (propagated to the caller); per-entry
// filesystem errors are captured into the returned Result instead.
func (s *Scanner) Scan(root string, visitor Visitor, fn func(contracts.FileRecord) error) (Result, error) {
	if visitor == nil {
		visitor = NopVisitor{}
	}

	rootInfo, err := os.Stat(root)
	if err != nil {
		return Result{}, contracts.NewError(contracts.KindInvalidArgument, "scanner.Scan", root, err)
	}
	if !rootInfo.IsDir() {
		return Result{}, contracts.NewError(contracts.KindInvalidArgument, "scanner.Scan", root, nil)
	}

	visitor.OnScanStarted()

	result := Result{}
	root = filepath.Clean(root)
	rootDepth := strings.Count(root, string(os.PathSeparator))

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			result.Errors = append(result.Errors, PathError{Path: path, Err: walkErr})
			visitor.OnScanError(path, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != root && s.opts.MaxDepth >= 0 {
			depth := strings.Count(path, string(os.PathSeparator)) - rootDepth
			if depth > s.opts.MaxDepth {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		decision := visitor.OnVisit(path, d.IsDir())
		switch decision {
		case contracts.ScanTerminate:
			return errScanTerminated
		case contracts.ScanSkipSubtree:
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == root {
			return nil // the root directory itself is never emitted
		}

		if !s.opts.IncludeHidden && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, PathError{Path: path, Err: err})
			visitor.OnScanError(path, err)
			return nil
		}

		isSymlink := info.Mode()&os.ModeSymlink != 0
		if isSymlink {
			switch s.opts.SymlinkPolicy {
			case contracts.SymlinkSkip:
				return nil
			case contracts.SymlinkFollow:
				target, statErr := os.Stat(path)
				if statErr != nil {
					result.Errors = append(result.Errors, PathError{Path: path, Err: statErr})
					visitor.OnScanError(path, statErr)
					return nil
				}
				info = target
			case contracts.SymlinkRecord:
				// fall through and emit a record carrying the link target
			}
		}

		if d.IsDir() {
			return nil
		}

		relPath := strings.TrimPrefix(strings.TrimPrefix(path, root), string(os.PathSeparator))

		if !matchesGlobs(relPath, s.opts.IncludeGlob, true) {
			return nil
		}
		if matchesGlobs(relPath, s.opts.ExcludeGlob, false) {
			return nil
		}

		if !info.IsDir() {
			if s.opts.MinSize > 0 && info.Size() < s.opts.MinSize {
				return nil
			}
			if s.opts.MaxSize > 0 && info.Size() > s.opts.MaxSize {
				return nil
			}
		}

		var linkTarget string
		if isSymlink && s.opts.SymlinkPolicy == contracts.SymlinkRecord {
			linkTarget, _ = os.Readlink(path)
		}

		rec := contracts.FileRecord{
			Path:       path,
			Size:       info.Size(),
			IsSymlink:  isSymlink,
			LinkTarget: linkTarget,
			Mode:       info.Mode(),
			ModTime:    info.ModTime(),
		}

		if err := fn(rec); err != nil {
			return err
		}

		result.Emitted++
		visitor.OnFileProcessed(path, result.Emitted, -1)
		return nil
	})

	if walkErr == errScanTerminated {
		walkErr = nil
	}

	visitor.OnScanCompleted(result)
	if walkErr != nil {
		return result, contracts.NewError(contracts.KindIoFailure, "scanner.Scan", root, walkErr)
	}
	return result, nil
}

var errScanTerminated = &terminatedError{}

type terminatedError struct{}

func (e *terminatedError) Error() string { return "scan terminated by visitor" }

func isHidden(basename string) bool {
	return strings.HasPrefix(basename, ".") && basename != "." && basename != ".."
}

// matchesGlobs reports whether relPath (or its basename) matches any
// pattern in globs. When globs is empty, include-matching defaults to
// true (no include filter configured) and exclude-matching defaults to
// false, selected by defaultWhenEmpty.
func matchesGlobs(relPath string, globs []string, defaultWhenEmpty bool) bool {
	if len(globs) == 0 {
		return defaultWhenEmpty
	}
	base := filepath.Base(relPath)
	for _, pattern := range globs {
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
