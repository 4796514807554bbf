// Package queue provides the distance-ordered priority queue used by
// graph traversal during vector search.
package queue

import "container/heap"

var _ heap.Interface = (*PriorityQueue)(nil)

// PriorityQueueItem is one graph node with its distance to the query.
type PriorityQueueItem struct {
	Node     uint32
	Distance float32
	Index    int
}

// PriorityQueue orders items by distance. With Order false the closest
// item sits on top (min-heap); with Order true the farthest does, which
// search uses to evict the worst candidate in O(log n).
type PriorityQueue struct {
	Order bool
	Items []*PriorityQueueItem
}

func (pq *PriorityQueue) Len() int { return len(pq.Items) }

func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.Order {
		return pq.Items[i].Distance > pq.Items[j].Distance
	}
	return pq.Items[i].Distance < pq.Items[j].Distance
}

func (pq *PriorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
	pq.Items[i].Index = i
	pq.Items[j].Index = j
}

// Push appends x; use heap.Push, never call this directly.
func (pq *PriorityQueue) Push(x any) {
	item, _ := x.(*PriorityQueueItem)
	item.Index = len(pq.Items)
	pq.Items = append(pq.Items, item)
}

// Pop removes the last element; use heap.Pop, never call this directly.
func (pq *PriorityQueue) Pop() any {
	if len(pq.Items) == 0 {
		return nil
	}

	n := len(pq.Items)
	item := pq.Items[n-1]
	pq.Items[n-1] = nil
	item.Index = -1
	pq.Items = pq.Items[:n-1]

	return item
}

// Top returns the root element without removing it.
func (pq *PriorityQueue) Top() any {
	return pq.Items[0]
}
