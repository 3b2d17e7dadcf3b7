// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

func writeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	must := func(err error) {
		if err != nil {
			t.Fatalf("setup error: %v", err)
		}
	}
	must(os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	must(os.WriteFile(filepath.Join(dir, "b.log"), []byte("world"), 0o644))
	must(os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	must(os.WriteFile(filepath.Join(dir, "sub", "c.txt"), []byte("hello"), 0o644))
	return dir
}

func TestScan_IncludeGlob(t *testing.T) {
	dir := writeTree(t)
	s := New(Options{MaxDepth: -1, IncludeGlob: []string{"*.txt"}, SymlinkPolicy: contracts.SymlinkSkip})

	var got []string
	_, err := s.Scan(dir, nil, func(rec contracts.FileRecord) error {
		got = append(got, rec.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(got), got)
	}
}

func TestScan_MissingRootFails(t *testing.T) {
	s := New(DefaultOptions())
	_, err := s.Scan(filepath.Join(t.TempDir(), "nope"), nil, func(contracts.FileRecord) error { return nil })
	if !contracts.IsKind(err, contracts.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestScan_NotADirectoryFails(t *testing.T) {
	dir := writeTree(t)
	s := New(DefaultOptions())
	_, err := s.Scan(filepath.Join(dir, "a.txt"), nil, func(contracts.FileRecord) error { return nil })
	if !contracts.IsKind(err, contracts.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestScan_HiddenFilesExcludedByDefault(t *testing.T) {
	dir := writeTree(t)
	if err := os.WriteFile(filepath.Join(dir, ".secret"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup error: %v", err)
	}
	s := New(DefaultOptions())

	var got []string
	_, err := s.Scan(dir, nil, func(rec contracts.FileRecord) error {
		got = append(got, filepath.Base(rec.Path))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	for _, name := range got {
		if name == ".secret" {
			t.Fatalf("hidden file should be excluded by default, got %v", got)
		}
	}
}

func TestScan_MaxDepth(t *testing.T) {
	dir := writeTree(t)
	s := New(Options{MaxDepth: 0, SymlinkPolicy: contracts.SymlinkSkip})

	var got []string
	_, err := s.Scan(dir, nil, func(rec contracts.FileRecord) error {
		got = append(got, rec.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	for _, p := range got {
		if filepath.Dir(p) != dir {
			t.Fatalf("expected max-depth=0 to exclude nested files, got %v", got)
		}
	}
}

func TestScan_SizeRange(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "small.bin"), []byte("ab"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(Options{MaxDepth: -1, MinSize: 10, SymlinkPolicy: contracts.SymlinkSkip})

	var got []string
	_, err := s.Scan(dir, nil, func(rec contracts.FileRecord) error {
		got = append(got, filepath.Base(rec.Path))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(got) != 1 || got[0] != "big.bin" {
		t.Fatalf("expected only big.bin, got %v", got)
	}
}

type recordingVisitor struct {
	NopVisitor
	started   bool
	completed bool
	processed int
}

func (r *recordingVisitor) OnScanStarted()           { r.started = true }
func (r *recordingVisitor) OnScanCompleted(Result)   { r.completed = true }
func (r *recordingVisitor) OnFileProcessed(path string, n, total int) { r.processed = n }

func TestScan_VisitorHooksFire(t *testing.T) {
	dir := writeTree(t)
	s := New(DefaultOptions())
	v := &recordingVisitor{}

	_, err := s.Scan(dir, v, func(contracts.FileRecord) error { return nil })
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !v.started || !v.completed {
		t.Fatalf("expected start/complete hooks to fire, got started=%v completed=%v", v.started, v.completed)
	}
	if v.processed == 0 {
		t.Fatal("expected at least one OnFileProcessed call")
	}
}

type terminateVisitor struct{ NopVisitor }

func (terminateVisitor) OnVisit(path string, isDir bool) contracts.ScanVisitorDecision {
	return contracts.ScanTerminate
}

func TestScan_VisitorCanTerminate(t *testing.T) {
	dir := writeTree(t)
	s := New(DefaultOptions())

	result, err := s.Scan(dir, terminateVisitor{}, func(contracts.FileRecord) error { return nil })
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if result.Emitted != 0 {
		t.Fatalf("expected 0 emitted after immediate terminate, got %d", result.Emitted)
	}
}
