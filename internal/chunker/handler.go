// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunker implements the Chunk Handler (C3) and File Chunker (C4):
// per-chunk hashing and whole-file overlapped chunking, with strict
// index-ordered delivery of chunk digests regardless of hash completion
// order.
package chunker

import (
	"context"
	"sync/atomic"

	"github.com/carabistouflette/chunkflow/internal/contracts"
	"github.com/carabistouflette/chunkflow/internal/workerpool"
)

// ChunkHandler computes per-chunk digests on the manager's CPU pool.
type ChunkHandler struct {
	mgr        *workerpool.Manager
	hashFn     contracts.HashFunc
	maxInFlight atomic.Int32
}

// NewChunkHandler builds a ChunkHandler bound to mgr and hashFn.
// maxConcurrentChunks bounds how many chunk hashes ProcessChunks runs at
// once (ProcessChunk does not consult it); it is settable at runtime via
// SetMaxConcurrentChunks.
func NewChunkHandler(mgr *workerpool.Manager, hashFn contracts.HashFunc, maxConcurrentChunks int) *ChunkHandler {
	if maxConcurrentChunks < 1 {
		maxConcurrentChunks = 1
	}
	h := &ChunkHandler{mgr: mgr, hashFn: hashFn}
	h.maxInFlight.Store(int32(maxConcurrentChunks))
	return h
}

// SetMaxConcurrentChunks adjusts the in-flight hash bound at runtime.
func (h *ChunkHandler) SetMaxConcurrentChunks(n int) {
	if n < 1 {
		n = 1
	}
	h.maxInFlight.Store(int32(n))
}

// MaxConcurrentChunks returns the current bound.
func (h *ChunkHandler) MaxConcurrentChunks() int {
	return int(h.maxInFlight.Load())
}

// ProcessChunk hashes one chunk's bytes on the CPU pool and returns its
// digest. index/total/file are carried only for error context.
func (h *ChunkHandler) ProcessChunk(ctx context.Context, data []byte, index, total int, file string) (contracts.Digest, error) {
	f := workerpool.Submit(h.mgr, contracts.PoolCPU, contracts.TaskNormal, func(ctx context.Context) (contracts.Digest, error) {
		return h.hashFn(data), nil
	})
	d, err := f.Wait(ctx)
	if err != nil {
		return nil, contracts.NewError(contracts.KindInternal, "chunker.ProcessChunk", file, err)
	}
	return d, nil
}

// ProcessChunks hashes every chunk in parallel, bounded by
// MaxConcurrentChunks, and returns digests aligned index-for-index with
// the input. A single chunk's hash error aborts the whole call; callers
// that need per-file isolation treat that as a failed ChunkingResult, not
// a batch-level failure.
func (h *ChunkHandler) ProcessChunks(ctx context.Context, chunks [][]byte, file string) ([]contracts.Digest, error) {
	n := len(chunks)
	digests := make([]contracts.Digest, n)
	errs := make([]error, n)

	sem := make(chan struct{}, h.MaxConcurrentChunks())
	futures := make([]*workerpool.Future[contracts.Digest], n)

	for i, data := range chunks {
		i, data := i, data
		sem <- struct{}{}
		futures[i] = workerpool.Submit(h.mgr, contracts.PoolCPU, contracts.TaskNormal, func(ctx context.Context) (contracts.Digest, error) {
			defer func() { <-sem }()
			return h.hashFn(data), nil
		})
	}

	for i, f := range futures {
		d, err := f.Wait(ctx)
		digests[i] = d
		errs[i] = err
	}

	for _, err := range errs {
		if err != nil {
			return nil, contracts.NewError(contracts.KindInternal, "chunker.ProcessChunks", file, err)
		}
	}
	return digests, nil
}
