package queue

import (
	"container/heap"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

type entry struct {
	job *model.JobRun
	seq uint64
}

// jobHeap is a container/heap of entries ordered by less.
type jobHeap struct {
	items []*entry
	less  func(a, b *entry) bool
}

func (h *jobHeap) Len() int           { return len(h.items) }
func (h *jobHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *jobHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *jobHeap) Push(x any)         { h.items = append(h.items, x.(*entry)) }
func (h *jobHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return e
}

func (h *jobHeap) push(e *entry) { heap.Push(h, e) }

func (h *jobHeap) pop() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(*entry)
}

func (h *jobHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// readyOrder runs lower priority numbers first, then earlier RunAt, then
// enqueue order.
func readyOrder(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

// dueOrder orders delayed jobs by RunAt, then enqueue order.
func dueOrder(a, b *entry) bool {
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func newReadyHeap() *jobHeap { return &jobHeap{less: readyOrder} }
func newDueHeap() *jobHeap   { return &jobHeap{less: dueOrder} }
