// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search over frame embeddings.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/aetherhq/capsule/metric"
	"github.com/aetherhq/capsule/queue"
)

// ErrDimensionMismatch is a named error type for dimension mismatch
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

// Error returns the error message for dimension mismatch
func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// DistanceFunc represents a function for calculating the distance between two vectors
type DistanceFunc func(v1, v2 []float32) (float32, error)

// Node represents a node in the HNSW graph
type Node struct {
	Connections [][]uint32 // Links to other nodes
	Vector      []float32  // Vector (X dimensions)
	Layer       int        // Layer the node exists in the HNSW tree
	ID          uint32     // Unique identifier
}

// Options represents the options for configuring the graph.
type Options struct {
	// M specifies the number of established connections for every new element
	// during construction. The range M=8-48 works for most use cases; higher
	// M suits high-dimensional embeddings at the cost of memory.
	M int

	// EF specifies the size of the dynamic candidate list. Larger EF values
	// improve recall at the cost of search time.
	EF int

	// Heuristic selects the neighbour-selection heuristic (true) over the
	// naive closest-M rule (false).
	Heuristic bool

	// DistanceFunc calculates the distance between vectors.
	DistanceFunc DistanceFunc
}

// DefaultOptions are reasonable defaults for text-embedding workloads.
var DefaultOptions = Options{
	M:            8,
	EF:           200,
	Heuristic:    true,
	DistanceFunc: metric.SquaredL2,
}

// Graph represents the Hierarchical Navigable Small World graph
type Graph struct {
	dimension int
	mmax      int     // Max number of connections per element/per layer
	mmax0     int     // Max for the 0 layer
	ml        float64 // Normalization factor for level generation
	ep        uint32  // Entry point into the top layer
	maxLevel  int     // Track the current max level used

	nodes      []*Node
	tombstones *bitset.BitSet

	rng *rand.Rand

	opts Options

	mutex sync.Mutex
}

// New creates a new graph with the given dimension and options
func New(dimension int, optFns ...func(o *Options)) *Graph {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.M < 2 {
		// M == 1 would make the level multiplier divide by zero
		opts.M = 2
	}
	if opts.DistanceFunc == nil {
		opts.DistanceFunc = metric.SquaredL2
	}

	return &Graph{
		dimension:  dimension,
		mmax:       opts.M,
		mmax0:      2 * opts.M,
		ep:         0,
		maxLevel:   0,
		ml:         1 / math.Log(1.0*float64(opts.M)),
		nodes:      []*Node{{ID: 0, Layer: 0, Vector: make([]float32, dimension), Connections: make([][]uint32, 2*opts.M+1)}},
		tombstones: bitset.New(64),
		rng:        rand.New(rand.NewSource(rand.Int63())),
		opts:       opts,
	}
}

// Len returns the number of inserted nodes, excluding the sentinel.
func (h *Graph) Len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.nodes) - 1
}

// Dimension returns the configured vector width.
func (h *Graph) Dimension() int { return h.dimension }

// Tombstone marks a node as deleted. The node keeps participating in
// graph traversal but is never returned from a search.
func (h *Graph) Tombstone(id uint32) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.tombstones.Set(uint(id))
}

// IsTombstoned reports whether a node has been deleted.
func (h *Graph) IsTombstoned(id uint32) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.tombstones.Test(uint(id))
}

// Insert inserts a new element into the graph and returns its node id.
func (h *Graph) Insert(v []float32) (uint32, error) {
	if len(v) != h.dimension {
		return 0, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}

	// Copy so later caller mutations don't reach into the graph
	vectorCopy := make([]float32, len(v))
	copy(vectorCopy, v)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	id := uint32(len(h.nodes))

	node := &Node{
		ID:          id,
		Vector:      vectorCopy,
		Layer:       int(math.Floor(-math.Log(h.rng.Float64()) * h.ml)),
		Connections: make([][]uint32, h.mmax+1),
	}

	// Greedy descent through the layers above the node's own level
	currObj, currDist, err := h.findShortestPath(node)
	if err != nil {
		return 0, err
	}

	topCandidates := &queue.PriorityQueue{
		Order: false,
	}

	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		err = h.searchLayer(vectorCopy, &queue.PriorityQueueItem{Distance: currDist, Node: currObj.ID}, topCandidates, h.opts.EF, level)
		if err != nil {
			return 0, err
		}

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, h.opts.M, false)
		} else {
			h.selectNeighboursSimple(topCandidates, h.opts.M)
		}

		node.Connections[level] = make([]uint32, topCandidates.Len())

		for i := topCandidates.Len() - 1; i >= 0; i-- {
			candidate, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
			node.Connections[level][i] = candidate.Node
		}
	}

	h.nodes = append(h.nodes, node)

	// Link the neighbour nodes back to the new node, making it visible
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		for _, neighbourNode := range node.Connections[level] {
			if err := h.link(neighbourNode, node.ID, level); err != nil {
				return 0, err
			}
		}
	}

	if node.Layer > h.maxLevel {
		h.ep = node.ID
		h.maxLevel = node.Layer
	}

	return node.ID, nil
}

func (h *Graph) findShortestPath(node *Node) (*Node, float32, error) {
	currObj := h.nodes[h.ep]

	currDist, err := h.opts.DistanceFunc(currObj.Vector, node.Vector)
	if err != nil {
		return nil, 0, err
	}

	for level := currObj.Layer; level > node.Layer; level-- {
		changed := true
		for changed {
			changed = false

			for _, nodeID := range currObj.Connections[level] {
				newObj := h.nodes[nodeID]

				newDist, err := h.opts.DistanceFunc(newObj.Vector, node.Vector)
				if err != nil {
					return nil, 0, err
				}

				if newDist < currDist {
					currObj = newObj
					currDist = newDist
					changed = true
				}
			}
		}
	}

	return currObj, currDist, nil
}

// KNNSearch performs a k-nearest neighbor search and returns node/distance
// pairs in ascending distance order. Tombstoned nodes and the sentinel are
// excluded; filter, when non-nil, additionally masks results.
func (h *Graph) KNNSearch(q []float32, k int, efSearch int, filter func(id uint32) bool) ([]queue.PriorityQueueItem, error) {
	if len(q) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.nodes) <= 1 {
		return nil, nil
	}

	if efSearch < k {
		efSearch = k
	}

	topCandidates := &queue.PriorityQueue{
		Order: true,
	}
	heap.Init(topCandidates)

	currObj := h.nodes[h.ep]

	match, currDist, err := h.findEp(q, currObj)
	if err != nil {
		return nil, err
	}

	node := currObj.ID
	if match != nil {
		node = match.ID
	}

	if err := h.searchLayer(q, &queue.PriorityQueueItem{Distance: currDist, Node: node}, topCandidates, efSearch, 0); err != nil {
		return nil, err
	}

	// Pop max-heap into ascending distance order, screening as we go.
	ordered := make([]queue.PriorityQueueItem, 0, topCandidates.Len())
	for topCandidates.Len() > 0 {
		item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
		ordered = append(ordered, *item)
	}
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}

	out := make([]queue.PriorityQueueItem, 0, k)
	for _, item := range ordered {
		if item.Node == 0 {
			continue
		}
		if h.tombstones.Test(uint(item.Node)) {
			continue
		}
		if filter != nil && !filter(item.Node) {
			continue
		}
		out = append(out, item)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// link adds a bidirectional connection, pruning the neighbour's links when
// they exceed the per-layer cap.
func (h *Graph) link(first uint32, second uint32, level int) error {
	maxConnections := h.mmax
	// Layer 0 allows double the connections
	if level == 0 {
		maxConnections = h.mmax0
	}

	node := h.nodes[first]
	node.Connections[level] = append(node.Connections[level], second)

	if len(node.Connections[level]) > maxConnections {
		topCandidates := &queue.PriorityQueue{
			Order: false,
		}

		heap.Init(topCandidates)

		for _, id := range node.Connections[level] {
			distance, err := h.opts.DistanceFunc(node.Vector, h.nodes[id].Vector)
			if err != nil {
				return err
			}

			heap.Push(topCandidates, &queue.PriorityQueueItem{Node: id, Distance: distance})
		}

		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, maxConnections, true)
		} else {
			h.selectNeighboursSimple(topCandidates, maxConnections)
		}

		node.Connections[level] = make([]uint32, maxConnections)

		// Order by best performing match (index 0) .. lowest
		for i := maxConnections - 1; i >= 0; i-- {
			item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
			node.Connections[level][i] = item.Node
		}
	}

	return nil
}

// searchLayer performs a search in a specified layer of the graph
func (h *Graph) searchLayer(q []float32, ep *queue.PriorityQueueItem, topCandidates *queue.PriorityQueue, ef int, level int) error {
	var visited bitset.BitSet

	visited.Set(uint(ep.Node))

	candidates := &queue.PriorityQueue{
		Order: false,
	}
	heap.Init(candidates)
	heap.Push(candidates, ep)

	topCandidates.Order = true // max-heap
	heap.Init(topCandidates)
	heap.Push(topCandidates, ep)

	for candidates.Len() > 0 {
		lowerBound := topCandidates.Top().(*queue.PriorityQueueItem).Distance

		candidate, _ := heap.Pop(candidates).(*queue.PriorityQueueItem)
		if candidate.Distance > lowerBound {
			break
		}

		node := h.nodes[candidate.Node]

		if len(node.Connections) > level {
			conns := node.Connections[level]

			for _, n := range conns {
				if !visited.Test(uint(n)) {
					visited.Set(uint(n))

					distance, err := h.opts.DistanceFunc(q, h.nodes[n].Vector)
					if err != nil {
						return err
					}

					topDistance := topCandidates.Top().(*queue.PriorityQueueItem).Distance

					item := &queue.PriorityQueueItem{
						Distance: distance,
						Node:     n,
					}

					if topCandidates.Len() < ef {
						heap.Push(topCandidates, item)
						heap.Push(candidates, item)
					} else if topDistance > distance {
						heap.Pop(topCandidates)
						heap.Push(topCandidates, item)
						heap.Push(candidates, item)
					}
				}
			}
		}
	}

	return nil
}

// selectNeighboursSimple keeps the closest M candidates.
func (h *Graph) selectNeighboursSimple(topCandidates *queue.PriorityQueue, M int) {
	for topCandidates.Len() > M {
		_ = heap.Pop(topCandidates)
	}
}

// selectNeighboursHeuristic keeps candidates that are closer to the base
// node than to any already-kept candidate, improving graph connectivity.
func (h *Graph) selectNeighboursHeuristic(topCandidates *queue.PriorityQueue, M int, order bool) {
	if topCandidates.Len() < M {
		return
	}

	newCandidates := &queue.PriorityQueue{}

	tmpCandidates := &queue.PriorityQueue{Order: order}
	heap.Init(tmpCandidates)

	items := make([]*queue.PriorityQueueItem, 0, M)

	if !order {
		newCandidates.Order = order
		heap.Init(newCandidates)

		for topCandidates.Len() > 0 {
			item, _ := heap.Pop(topCandidates).(*queue.PriorityQueueItem)
			heap.Push(newCandidates, item)
		}
	} else {
		newCandidates = topCandidates
	}

	for newCandidates.Len() > 0 {
		if len(items) >= M {
			break
		}

		item, _ := heap.Pop(newCandidates).(*queue.PriorityQueueItem)
		hit := true

		for _, v := range items {
			distance, _ := h.opts.DistanceFunc(h.nodes[v.Node].Vector, h.nodes[item.Node].Vector)
			if distance < item.Distance {
				hit = false
				break
			}
		}

		if hit {
			items = append(items, item)
		} else {
			heap.Push(tmpCandidates, item)
		}
	}

	for len(items) < M && tmpCandidates.Len() > 0 {
		item, _ := heap.Pop(tmpCandidates).(*queue.PriorityQueueItem)
		items = append(items, item)
	}

	for _, item := range items {
		heap.Push(topCandidates, item)
	}
}

// findEp finds the entry-point into layer 0 for the given query.
func (h *Graph) findEp(q []float32, currObj *Node) (*Node, float32, error) {
	currDist, err := h.opts.DistanceFunc(q, currObj.Vector)
	if err != nil {
		return nil, 0, err
	}

	var match *Node

	for level := h.maxLevel; level > 0; level-- {
		scan := true

		for scan {
			scan = false

			for _, nodeID := range currObj.Connections[level] {
				nodeDist, err := h.opts.DistanceFunc(h.nodes[nodeID].Vector, q)
				if err != nil {
					return nil, 0, err
				}

				if nodeDist < currDist {
					match = h.nodes[nodeID]
					currObj = match
					currDist = nodeDist
					scan = true
				}
			}
		}
	}

	return match, currDist, nil
}
