package btrack

// candidate is a scored (tracklet, object) pair of one frame
type candidate struct {
	row    int
	col    int
	weight float64
}

// Copied from container/heap - https://golang.org/pkg/container/heap/
// Avoids the interface{} conversions of the standard implementation.
// Highest weight on top, ties broken by row then column so that the greedy
// assignment is deterministic.

type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	if h[i].row != h[j].row {
		return h[i].row < h[j].row
	}
	return h[i].col < h[j].col
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Init establishes the heap invariants.
// The complexity is O(n) where n = h.Len().
func (h candidateHeap) Init() {
	n := h.Len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// Pop removes and returns the top element from the heap.
// The complexity is O(log n) where n = h.Len().
func (h *candidateHeap) Pop() candidate {
	n := h.Len() - 1
	h.Swap(0, n)
	h.down(0, n)
	heapSize := len(*h)
	lastNode := (*h)[heapSize-1]
	*h = (*h)[0 : heapSize-1]
	return lastNode
}

func (h candidateHeap) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.Less(j2, j1) {
			j = j2
		}
		if !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		i = j
	}
	return i > i0
}
