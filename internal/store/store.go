// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store persists chunk payloads keyed by their content digest.
// A ChunkStore is the deduplication boundary: Put is a no-op for a digest
// already Has, so re-scanning unchanged data never re-uploads it.
package store

import (
	"context"
	"io"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// ChunkStore persists and retrieves chunk payloads by content digest.
type ChunkStore interface {
	// Has reports whether a chunk for digest is already stored.
	Has(ctx context.Context, digest contracts.Digest) (bool, error)
	// Put stores data under digest. Implementations should treat a
	// duplicate Put as a cheap success rather than an error.
	Put(ctx context.Context, digest contracts.Digest, data []byte) error
	// Get retrieves the chunk payload for digest. Returns an error with
	// contracts.KindNotFound if the digest is not stored.
	Get(ctx context.Context, digest contracts.Digest) ([]byte, error)
}

// ReaderChunkStore is implemented by stores that can stream a chunk
// without buffering it entirely in memory, useful for large chunk sizes.
type ReaderChunkStore interface {
	ChunkStore
	GetReader(ctx context.Context, digest contracts.Digest) (io.ReadCloser, error)
}
