// Package queue provides distance-ordered priority queues for graph
// traversal. Queues are reusable via Reset so they can be pooled.
package queue

import "container/heap"

// Item pairs a node slot with its distance to the query.
type Item struct {
	Slot     uint32
	Distance float32
}

// PriorityQueue is a binary heap of Items. Min-queues surface the
// closest item first, max-queues the farthest. Ties break on slot,
// deterministically: a min-queue pops the smaller slot first, a
// max-queue the larger, so eviction and worst-first drains always
// treat the larger slot as the worse of two equal distances.
type PriorityQueue struct {
	items []Item
	max   bool
}

// NewMin creates a min-queue with the given capacity hint.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

// NewMax creates a max-queue with the given capacity hint.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity), max: true}
}

func (q *PriorityQueue) Len() int { return len(q.items) }

func (q *PriorityQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Distance == b.Distance {
		if q.max {
			return a.Slot > b.Slot
		}
		return a.Slot < b.Slot
	}
	if q.max {
		return a.Distance > b.Distance
	}
	return a.Distance < b.Distance
}

func (q *PriorityQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

// Push implements heap.Interface. Use PushItem instead.
func (q *PriorityQueue) Push(x any) { q.items = append(q.items, x.(Item)) }

// Pop implements heap.Interface. Use PopItem instead.
func (q *PriorityQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}

// PushItem adds an item to the queue.
func (q *PriorityQueue) PushItem(it Item) { heap.Push(q, it) }

// PopItem removes and returns the root item.
func (q *PriorityQueue) PopItem() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(q).(Item), true
}

// TopItem returns the root item without removing it.
func (q *PriorityQueue) TopItem() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Reset empties the queue, retaining capacity.
func (q *PriorityQueue) Reset() { q.items = q.items[:0] }
