// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunker

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/carabistouflette/chunkflow/internal/bufferpool"
	"github.com/carabistouflette/chunkflow/internal/contracts"
	"github.com/carabistouflette/chunkflow/internal/workerpool"
)

// asyncIOThreshold is the file size above which overlapped reads are used
// when UseAsyncIO is set; smaller files take the sequential path.
const asyncIOThreshold = 1 << 20 // 1 MiB

// state names the File Chunker's per-operation lifecycle stages, matching
// spec.md §4.4: NEW -> OPENED -> READING <-> HASHING -> FINALIZED|FAILED|CANCELED.
// ChunkFile does not record or expose these stages; only Close's closed
// flag is tracked.
type state int32

const (
	stateNew state = iota
	stateOpened
	stateReading
	stateHashing
	stateFinalized
	stateFailed
	stateCanceled
	stateClosed
)

// FileChunker drives whole-file chunking: it acquires buffers from a
// bufferpool.Pool, issues overlapped reads, dispatches chunk hashing to a
// ChunkHandler, and folds completed chunks into a whole-file digest
// strictly in index order, regardless of the order in which reads
// complete. Reads may overlap (UseAsyncIO); chunk hashes do not: ChunkFile
// waits for each chunk's hash before hashing the next, in read-completion
// order.
type FileChunker struct {
	pool    *bufferpool.Pool
	handler *ChunkHandler
	mgr     *workerpool.Manager
	newHash contracts.IncrementalHashFactory
	store   contracts.ChunkStore

	closed atomic.Bool
}

// Option customizes a FileChunker at construction time. Modelled as a
// constructor input rather than a post-construction setter, per
// spec.md §9's "setter-based dependency wiring" redesign note.
type Option func(*FileChunker)

// WithChunkStore wires the external chunk store collaborator: once set,
// every chunk's bytes are handed to store.Put alongside its digest,
// immediately after hashing and before the buffer is released. A nil (or
// omitted) store disables delivery entirely — ChunkFile still computes
// and returns every digest, matching spec.md §1's "chunk store is a
// pluggable, external collaborator" framing.
func WithChunkStore(store contracts.ChunkStore) Option {
	return func(fc *FileChunker) { fc.store = store }
}

// New builds a FileChunker. newHash must produce a fresh
// IncrementalHash per call — a single instance is not reused across
// concurrent files.
func New(pool *bufferpool.Pool, handler *ChunkHandler, mgr *workerpool.Manager, newHash contracts.IncrementalHashFactory, opts ...Option) *FileChunker {
	fc := &FileChunker{pool: pool, handler: handler, mgr: mgr, newHash: newHash}
	for _, opt := range opts {
		opt(fc)
	}
	return fc
}

// Close transitions the chunker to CLOSED; subsequent ChunkFile calls fail
// with KindClosed.
func (fc *FileChunker) Close() { fc.closed.Store(true) }

// pendingChunk holds a chunk whose hash completed out of order, waiting
// for every lower index to be folded first.
type pendingChunk struct {
	data   []byte
	digest contracts.Digest
}

// ChunkFile chunks one file end-to-end per spec.md §4.4's algorithm.
func (fc *FileChunker) ChunkFile(ctx context.Context, path string, opts contracts.ChunkingOptions) contracts.ChunkingResult {
	if fc.closed.Load() {
		return contracts.NewChunkingFailure(path, contracts.NewError(contracts.KindClosed, "chunker.ChunkFile", path, nil))
	}
	if opts.ChunkSize < 1 {
		return contracts.NewChunkingFailure(path, contracts.NewError(contracts.KindInvalidArgument, "chunker.ChunkFile", path, nil))
	}

	f, err := os.Open(path)
	if err != nil {
		return contracts.NewChunkingFailure(path, classifyOpenError(path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return contracts.NewChunkingFailure(path, contracts.NewError(contracts.KindIoFailure, "chunker.ChunkFile", path, err))
	}
	if !info.Mode().IsRegular() {
		return contracts.NewChunkingFailure(path, contracts.NewError(contracts.KindInvalidArgument, "chunker.ChunkFile", path, nil))
	}

	size := info.Size()
	whole := fc.newHash()

	if size == 0 {
		return contracts.NewChunkingSuccess(path, 0, 0, whole.Finalize(), nil)
	}

	count := int((size + opts.ChunkSize - 1) / opts.ChunkSize)
	maxInFlight := opts.MaxConcurrentChunks
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	type readOutcome struct {
		index int
		data  []byte
		buf   *bufferpool.Buffer
		err   error
	}

	results := make(chan readOutcome, count)
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	var firstErr atomic.Value // error

	useAsync := opts.UseAsyncIO && size >= asyncIOThreshold

	issueRead := func(index int) readOutcome {
		offset := int64(index) * opts.ChunkSize
		length := opts.ChunkSize
		if remaining := size - offset; length > remaining {
			length = remaining
		}

		buf, acqErr := fc.pool.Acquire(length)
		if acqErr != nil {
			return readOutcome{index: index, err: acqErr}
		}

		n, readErr := f.ReadAt(buf.Bytes[:length], offset)
		if readErr != nil && readErr != io.EOF {
			buf.Release()
			return readOutcome{index: index, err: contracts.NewError(contracts.KindIoFailure, "chunker.ChunkFile", path, readErr)}
		}
		if int64(n) != length {
			buf.Release()
			return readOutcome{index: index, err: contracts.NewError(contracts.KindIoFailure, "chunker.ChunkFile", path, io.ErrUnexpectedEOF)}
		}

		return readOutcome{index: index, data: buf.Bytes[:length], buf: buf}
	}

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			firstErr.CompareAndSwap(nil, contracts.NewError(contracts.KindCanceled, "chunker.ChunkFile", path, ctx.Err()))
		default:
		}
		if v := firstErr.Load(); v != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		i := i
		if useAsync && fc.mgr != nil {
			// Overlapped reads run on the IO pool (C2) rather than raw
			// goroutines, so async chunking participates in the manager's
			// backpressure and concurrency accounting.
			rf := workerpool.Submit(fc.mgr, contracts.PoolIO, contracts.TaskNormal, func(_ context.Context) (readOutcome, error) {
				return issueRead(i), nil
			})
			rf.OnComplete(func(ro readOutcome, _ error) {
				defer wg.Done()
				defer func() { <-sem }()
				results <- ro
			})
		} else {
			ro := issueRead(i)
			results <- ro
			<-sem
			wg.Done()
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	digests := make([]contracts.Digest, count)
	pending := make(map[int]pendingChunk)
	nextToFold := 0
	var sparseSize int64
	var chunkingErr error

	for outcome := range results {
		if outcome.err != nil {
			if chunkingErr == nil {
				chunkingErr = outcome.err
			}
			continue
		}

		digest, hashErr := fc.handler.ProcessChunk(ctx, outcome.data, outcome.index, count, path)
		if hashErr != nil {
			outcome.buf.Release()
			if chunkingErr == nil {
				chunkingErr = hashErr
			}
			continue
		}

		if isAllZero(outcome.data) {
			sparseSize += int64(len(outcome.data))
		}

		if fc.store != nil {
			if putErr := fc.store.Put(ctx, digest, outcome.data); putErr != nil {
				outcome.buf.Release()
				if chunkingErr == nil {
					chunkingErr = contracts.NewError(contracts.KindIoFailure, "chunker.ChunkFile", path, putErr)
				}
				continue
			}
		}

		digests[outcome.index] = digest

		if outcome.index == nextToFold {
			whole.Update(outcome.data)
			outcome.buf.Release()
			nextToFold++
			for {
				p, ok := pending[nextToFold]
				if !ok {
					break
				}
				whole.Update(p.data)
				delete(pending, nextToFold)
				nextToFold++
			}
		} else {
			// Out-of-order completion: copy the bytes (the buffer must
			// be released promptly) and hold them until contiguity
			// catches up.
			owned := make([]byte, len(outcome.data))
			copy(owned, outcome.data)
			pending[outcome.index] = pendingChunk{data: owned, digest: digest}
			outcome.buf.Release()
		}
	}

	if chunkingErr != nil {
		return contracts.NewChunkingFailure(path, chunkingErr)
	}
	if v := firstErr.Load(); v != nil {
		return contracts.NewChunkingFailure(path, v.(error))
	}

	fileDigest := whole.Finalize()
	return contracts.NewChunkingSuccess(path, size, sparseSize, fileDigest, digests)
}

func classifyOpenError(path string, err error) error {
	if os.IsNotExist(err) {
		return contracts.NewError(contracts.KindNotFound, "chunker.ChunkFile", path, err)
	}
	if os.IsPermission(err) {
		return contracts.NewError(contracts.KindPermissionDenied, "chunker.ChunkFile", path, err)
	}
	return contracts.NewError(contracts.KindIoFailure, "chunker.ChunkFile", path, err)
}

func isAllZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b) && len(b) > 0
}
