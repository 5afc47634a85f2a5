package queue

import "github.com/BTreeMap/LeadPipe/internal/store"

// itemHeap orders queue items by next attempt, then by enqueue sequence.
type itemHeap []*store.QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if !h[i].NextAttempt.Equal(h[j].NextAttempt) {
		return h[i].NextAttempt.Before(h[j].NextAttempt)
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*store.QueueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
