// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"sync"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// MemoryStore is an in-process ChunkStore backed by a map, used in tests
// and for small scans where S3 round trips aren't worth it.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string][]byte)}
}

func (m *MemoryStore) Has(_ context.Context, digest contracts.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chunks[digest.Hex()]
	return ok, nil
}

func (m *MemoryStore) Put(_ context.Context, digest contracts.Digest, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := digest.Hex()
	if _, ok := m.chunks[key]; ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.chunks[key] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, digest contracts.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.chunks[digest.Hex()]
	if !ok {
		return nil, contracts.NewError(contracts.KindNotFound, "store.Get", digest.Hex(), nil)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports how many distinct chunks are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}
