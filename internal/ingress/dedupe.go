package ingress

import (
	"container/heap"
	"sync"
)

const DefaultDedupeCapacity = 10000

// DedupeWindow remembers recently admitted update ids. Over capacity it
// forgets the numerically smallest ids first, so an old retry may slip
// through but a recent one never does.
type DedupeWindow struct {
	mu       sync.Mutex
	capacity int
	seen     map[int64]struct{}
	ids      idHeap
}

func NewDedupeWindow(capacity int) *DedupeWindow {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &DedupeWindow{capacity: capacity, seen: make(map[int64]struct{}, capacity)}
}

// Observe records id and reports whether it was already in the window.
func (d *DedupeWindow) Observe(id int64) (duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	heap.Push(&d.ids, id)
	for d.ids.Len() > d.capacity {
		delete(d.seen, heap.Pop(&d.ids).(int64))
	}
	return false
}

// Len reports how many ids the window holds.
func (d *DedupeWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type idHeap []int64

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
