// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carabistouflette/chunkflow/internal/bufferpool"
	"github.com/carabistouflette/chunkflow/internal/contracts"
	"github.com/carabistouflette/chunkflow/internal/workerpool"
)

func sha256Digest(b []byte) contracts.Digest {
	sum := sha256.Sum256(b)
	return contracts.Digest(sum[:])
}

type incrementalSHA256 struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	}
}

func (s *incrementalSHA256) Update(b []byte)          { s.h.Write(b) }
func (s *incrementalSHA256) Finalize() contracts.Digest { return contracts.Digest(s.h.Sum(nil)) }
func (s *incrementalSHA256) Reset()                   { s.h.Reset() }

func newIncrementalSHA256() contracts.IncrementalHash {
	return &incrementalSHA256{h: sha256.New()}
}

func testManager() *workerpool.Manager {
	return workerpool.New(workerpool.Config{
		Backend:           workerpool.GoroutineBackend{},
		IOWorkers:         4,
		CPUWorkers:        4,
		CompletionWorkers: 2,
		BatchWorkers:      2,
		WatchWorkers:      1,
		ManagementWorkers: 1,
	})
}

func newTestChunker(t *testing.T) (*FileChunker, *workerpool.Manager, *bufferpool.Pool) {
	t.Helper()
	pool := bufferpool.New(bufferpool.Options{MaxTotalBytes: 64 << 20})
	mgr := testManager()
	handler := NewChunkHandler(mgr, sha256Digest, 4)
	fc := New(pool, handler, mgr, newIncrementalSHA256)
	return fc, mgr, pool
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestChunkFile_ZeroLength(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	path := writeTempFile(t, nil)
	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: 64 * 1024, MaxConcurrentChunks: 4})

	if !result.Success() {
		t.Fatalf("expected success, got error: %v", result.Err)
	}
	if result.ChunkCount != 0 {
		t.Fatalf("expected 0 chunks, got %d", result.ChunkCount)
	}
	want := sha256Digest(nil)
	if !bytes.Equal(result.FileDigest, want) {
		t.Fatalf("expected empty-input digest, got %x", result.FileDigest)
	}
}

func TestChunkFile_BoundarySizes(t *testing.T) {
	const chunkSize = 64 * 1024
	cases := []struct {
		name           string
		size           int
		wantCount      int
		wantLastLength int
	}{
		{"exactly-one-chunk", chunkSize, 1, chunkSize},
		{"one-byte-under", chunkSize - 1, 1, chunkSize - 1},
		{"one-byte-over", chunkSize + 1, 2, 1},
		{"exactly-two-chunks", chunkSize * 2, 2, chunkSize},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc, mgr, pool := newTestChunker(t)
			defer mgr.Shutdown()
			defer pool.Clear()

			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i)
			}
			path := writeTempFile(t, data)

			result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: chunkSize, MaxConcurrentChunks: 4})
			if !result.Success() {
				t.Fatalf("expected success, got error: %v", result.Err)
			}
			if result.ChunkCount != tc.wantCount {
				t.Fatalf("expected %d chunks, got %d", tc.wantCount, result.ChunkCount)
			}
			if len(result.ChunkDigests) != tc.wantCount {
				t.Fatalf("expected %d chunk digests, got %d", tc.wantCount, len(result.ChunkDigests))
			}

			lastChunkStart := (tc.wantCount - 1) * chunkSize
			wantLastDigest := sha256Digest(data[lastChunkStart:])
			if !bytes.Equal(result.ChunkDigests[tc.wantCount-1], wantLastDigest) {
				t.Fatalf("last chunk digest mismatch")
			}
			if got := tc.size - lastChunkStart; got != tc.wantLastLength {
				t.Fatalf("expected last chunk length %d, got %d", tc.wantLastLength, got)
			}

			wantFileDigest := sha256Digest(data)
			if !bytes.Equal(result.FileDigest, wantFileDigest) {
				t.Fatalf("file digest mismatch")
			}
		})
	}
}

// TestChunkFile_IndexOrderSurvivesDelayedFirstChunk checks the ordering
// invariant from spec.md §9's open question: chunk_digests[0] must be the
// digest of bytes [0, chunkSize) even when chunk 0's hash is slowed down.
// ChunkFile hashes one chunk at a time in read-completion order, so the
// delay holds up the later chunks rather than letting them finish first.
func TestChunkFile_IndexOrderSurvivesDelayedFirstChunk(t *testing.T) {
	const chunkSize = 64 * 1024
	const numChunks = 20

	data := make([]byte, chunkSize*numChunks)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeTempFile(t, data)

	pool := bufferpool.New(bufferpool.Options{MaxTotalBytes: 64 << 20})
	defer pool.Clear()
	mgr := testManager()
	defer mgr.Shutdown()

	// Wrap the hash function so chunk 0 sleeps briefly before returning
	// its digest.
	delayedHash := func(b []byte) contracts.Digest {
		digest := sha256Digest(b)
		firstChunk := bytes.Equal(b, data[:chunkSize])
		if firstChunk {
			time.Sleep(50 * time.Millisecond)
		}
		return digest
	}
	handler := NewChunkHandler(mgr, delayedHash, 8)
	fc := New(pool, handler, mgr, newIncrementalSHA256)

	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: chunkSize, MaxConcurrentChunks: 8})
	if !result.Success() {
		t.Fatalf("expected success, got error: %v", result.Err)
	}
	if result.ChunkCount != numChunks {
		t.Fatalf("expected %d chunks, got %d", numChunks, result.ChunkCount)
	}

	for i := 0; i < numChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		want := sha256Digest(data[start:end])
		if !bytes.Equal(result.ChunkDigests[i], want) {
			t.Fatalf("chunk %d digest mismatch: delayed completion broke index ordering", i)
		}
	}

	wantFileDigest := sha256Digest(data)
	if !bytes.Equal(result.FileDigest, wantFileDigest) {
		t.Fatalf("file digest mismatch: out-of-order folding corrupted the whole-file hash")
	}
}

func TestChunkFile_ConcatenationReproducesOriginalBytes(t *testing.T) {
	const chunkSize = 16 * 1024
	data := make([]byte, chunkSize*5+37)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := writeTempFile(t, data)

	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	// Re-read the chunk ranges as the spec's round-trip property
	// describes: concatenating chunk byte ranges in index order must
	// reproduce the file, independent of what ChunkFile itself returns.
	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: chunkSize, MaxConcurrentChunks: 4})
	if !result.Success() {
		t.Fatalf("expected success, got error: %v", result.Err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var reassembled []byte
	for i := 0; i < result.ChunkCount; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if remaining := len(data) - int(offset); length > remaining {
			length = remaining
		}
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, offset); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		reassembled = append(reassembled, buf...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("concatenated chunks do not reproduce the original file")
	}
}

func TestChunkFile_ChunkSizeOne(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	data := []byte("hello")
	path := writeTempFile(t, data)

	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: 1, MaxConcurrentChunks: 2})
	if !result.Success() {
		t.Fatalf("expected success, got error: %v", result.Err)
	}
	if result.ChunkCount != len(data) {
		t.Fatalf("expected %d chunks, got %d", len(data), result.ChunkCount)
	}
	for i, b := range data {
		want := sha256Digest([]byte{b})
		if !bytes.Equal(result.ChunkDigests[i], want) {
			t.Fatalf("chunk %d digest mismatch", i)
		}
	}
}

func TestChunkFile_InvalidChunkSize(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	path := writeTempFile(t, []byte("data"))
	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: 0})
	if result.Success() {
		t.Fatal("expected failure for chunk_size=0")
	}
	if !contracts.IsKind(result.Err, contracts.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", result.Err)
	}
}

func TestChunkFile_MissingPath(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	result := fc.ChunkFile(context.Background(), filepath.Join(t.TempDir(), "nope.bin"), contracts.ChunkingOptions{ChunkSize: 4096, MaxConcurrentChunks: 2})
	if result.Success() {
		t.Fatal("expected failure for a missing path")
	}
	if !contracts.IsKind(result.Err, contracts.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", result.Err)
	}
}

func TestChunkFile_BuffersReleasedAfterCompletion(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()

	data := make([]byte, 16*1024*10)
	path := writeTempFile(t, data)

	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: 16 * 1024, MaxConcurrentChunks: 4})
	if !result.Success() {
		t.Fatalf("expected success, got error: %v", result.Err)
	}

	stats := pool.Stats()
	if stats.InUse != 0 {
		t.Fatalf("expected all buffers released (InUse=0), got %d", stats.InUse)
	}
}

func TestChunkFile_ClosedChunkerRejects(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	fc.Close()

	path := writeTempFile(t, []byte("data"))
	result := fc.ChunkFile(context.Background(), path, contracts.ChunkingOptions{ChunkSize: 4096, MaxConcurrentChunks: 2})
	if !contracts.IsKind(result.Err, contracts.KindClosed) {
		t.Fatalf("expected Closed, got %v", result.Err)
	}
}

func TestChunkFile_CanceledContext(t *testing.T) {
	fc, mgr, pool := newTestChunker(t)
	defer mgr.Shutdown()
	defer pool.Clear()

	data := make([]byte, 16*1024*50)
	path := writeTempFile(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := fc.ChunkFile(ctx, path, contracts.ChunkingOptions{ChunkSize: 16 * 1024, MaxConcurrentChunks: 4})
	if result.Success() {
		t.Fatal("expected cancellation to fail the chunking operation")
	}
	if !contracts.IsKind(result.Err, contracts.KindCanceled) {
		t.Fatalf("expected Canceled, got %v", result.Err)
	}

	stats := pool.Stats()
	if stats.InUse != 0 {
		t.Fatalf("expected all buffers released after cancellation, got InUse=%d", stats.InUse)
	}
}
