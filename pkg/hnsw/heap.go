package hnsw

import "container/heap"

type heapItem struct {
	id   string
	dist float32
}

// distHeap is a min-heap over dist, used as the candidate frontier during
// beam search (closest unexplored candidate first).
type distHeap []heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *distHeap) push(it heapItem) { heap.Push(h, it) }
func (h *distHeap) pop() heapItem    { return heap.Pop(h).(heapItem) }
func (h *distHeap) peek() heapItem   { return (*h)[0] }

// maxDistHeap is a max-heap over dist, used to track the best-ef-so-far
// result set (worst of the kept set at the top, for cheap eviction).
type maxDistHeap []heapItem

func (h maxDistHeap) Len() int            { return len(h) }
func (h maxDistHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxDistHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *maxDistHeap) push(it heapItem) { heap.Push(h, it) }
func (h *maxDistHeap) pop() heapItem    { return heap.Pop(h).(heapItem) }
func (h *maxDistHeap) peek() heapItem   { return (*h)[0] }

// drainSortedAscending empties the heap and returns ids sorted by
// ascending distance (closest first).
func (h *maxDistHeap) drainSortedAscending() []string {
	items := make([]heapItem, len(*h))
	copy(items, *h)
	*h = (*h)[:0]
	// items is in arbitrary heap order; sort ascending by distance.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].dist < items[j-1].dist; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}
