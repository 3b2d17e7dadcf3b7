// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

func sampleEntries() []Entry {
	now := time.Unix(1_700_000_000, 123456000).UTC()
	return []Entry{
		{
			Path:         "/data/a.bin",
			Size:         4096,
			SparseSize:   4096,
			FileDigest:   contracts.Digest{0xde, 0xad, 0xbe, 0xef},
			ChunkDigests: []contracts.Digest{{0x01, 0x02}, {0x03, 0x04}},
			RecordedAt:   now,
		},
		{
			Path:       "/data/b.bin",
			Size:       0,
			SparseSize: 0,
			Err:        "permission denied",
			RecordedAt: now.Add(time.Second),
		},
	}
}

func TestFromChunkingResult_Success(t *testing.T) {
	r := contracts.NewChunkingSuccess("/data/c.bin", 8192, 8192, contracts.Digest{0xaa}, []contracts.Digest{{0xbb}})
	ts := time.Unix(1700000100, 0).UTC()
	e := FromChunkingResult(r, ts)
	if e.Path != "/data/c.bin" || e.Size != 8192 || e.Err != "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !e.RecordedAt.Equal(ts) {
		t.Errorf("expected recorded time %v, got %v", ts, e.RecordedAt)
	}
}

func TestFromChunkingResult_Failure(t *testing.T) {
	r := contracts.ChunkingResult{Path: "/data/d.bin", Err: errors.New("boom")}
	e := FromChunkingResult(r, time.Unix(0, 0))
	if e.Err != "boom" {
		t.Errorf("expected error text preserved, got %q", e.Err)
	}
}

func TestWriteReadJSONLines_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.jsonl")
	want := sampleEntries()

	if err := WriteJSONLines(path, want); err != nil {
		t.Fatalf("WriteJSONLines: %v", err)
	}
	got, err := ReadJSONLines(path)
	if err != nil {
		t.Fatalf("ReadJSONLines: %v", err)
	}
	assertEntriesEqual(t, want, got)
}

func TestWriteReadBinary_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.bin")
	want := sampleEntries()

	if err := WriteBinary(path, want); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	got, err := ReadBinary(path)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	assertEntriesEqual(t, want, got)
}

func TestWriteBinary_IsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.bin")

	if err := WriteBinary(path, sampleEntries()); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly the final manifest file, no leftover temp files, got %d entries", len(entries))
	}
	if entries[0].Name() != "manifest.bin" {
		t.Errorf("expected manifest.bin, got %s", entries[0].Name())
	}
}

func TestReadBinary_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(path, []byte("not a manifest file at all"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadBinary(path); err == nil {
		t.Fatal("expected error reading file with invalid magic bytes")
	}
}

func TestReadBinary_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "futuristic.bin")
	payload := append([]byte{}, magic[:]...)
	payload = append(payload, 0xff) // unsupported version
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadBinary(path); err == nil {
		t.Fatal("expected error reading file with unsupported format version")
	}
}

func TestWriteJSONLines_EmptyEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl")
	if err := WriteJSONLines(path, nil); err != nil {
		t.Fatalf("WriteJSONLines: %v", err)
	}
	got, err := ReadJSONLines(path)
	if err != nil {
		t.Fatalf("ReadJSONLines: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestReadJSONLines_MissingFile(t *testing.T) {
	if _, err := ReadJSONLines("/nonexistent/manifest.jsonl"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func assertEntriesEqual(t *testing.T, want, got []Entry) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("entry count mismatch: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.Path != g.Path || w.Size != g.Size || w.SparseSize != g.SparseSize || w.Err != g.Err {
			t.Errorf("entry %d mismatch: want %+v, got %+v", i, w, g)
		}
		if w.FileDigest.Hex() != g.FileDigest.Hex() {
			t.Errorf("entry %d file digest mismatch: want %s, got %s", i, w.FileDigest.Hex(), g.FileDigest.Hex())
		}
		if len(w.ChunkDigests) != len(g.ChunkDigests) {
			t.Fatalf("entry %d chunk digest count mismatch: want %d, got %d", i, len(w.ChunkDigests), len(g.ChunkDigests))
		}
		for j := range w.ChunkDigests {
			if w.ChunkDigests[j].Hex() != g.ChunkDigests[j].Hex() {
				t.Errorf("entry %d chunk %d digest mismatch: want %s, got %s", i, j, w.ChunkDigests[j].Hex(), g.ChunkDigests[j].Hex())
			}
		}
		if !w.RecordedAt.Equal(g.RecordedAt) {
			t.Errorf("entry %d recorded time mismatch: want %v, got %v", i, w.RecordedAt, g.RecordedAt)
		}
	}
}
