// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package workerpool

import (
	"container/heap"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

type queuedTask struct {
	priority contracts.TaskPriority
	seq      int64
	fn       func()
}

// taskHeap orders by priority (high first), then by enqueue sequence
// (FIFO within the same priority) — container/heap.Interface.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ = heap.Interface(&taskHeap{})
