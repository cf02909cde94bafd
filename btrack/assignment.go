package btrack

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// UpdateMethod selects the frame-to-frame assignment algorithm
type UpdateMethod uint16

const (
	// UpdateExact solves the assignment optimally with the Hungarian algorithm (Kuhn-Munkres)
	UpdateExact UpdateMethod = iota
	// UpdateApproximate assigns greedily from the highest weight down, faster on crowded frames
	UpdateApproximate
)

func (m UpdateMethod) String() string {
	switch m {
	case UpdateExact:
		return "EXACT"
	case UpdateApproximate:
		return "APPROXIMATE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler
func (m UpdateMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *UpdateMethod) UnmarshalText(text []byte) error {
	switch string(text) {
	case "EXACT", "exact", "":
		*m = UpdateExact
	case "APPROXIMATE", "approximate":
		*m = UpdateApproximate
	default:
		return errors.Wrapf(ErrConfiguration, "unknown update method '%s'", string(text))
	}
	return nil
}

// assignmentMatrix holds the candidate weights of one frame: rows are
// tracklets, columns are objects. Zero means "not a candidate".
type assignmentMatrix [][]float64

// assign matches tracklets to objects.
// Returns a slice of [2]int, where each element is {row, column}, sorted by row.
func assign(weights assignmentMatrix, numObjects int, probNotAssign float64, method UpdateMethod) [][2]int {
	if len(weights) == 0 || numObjects == 0 {
		return [][2]int{}
	}
	switch method {
	case UpdateApproximate:
		return assignGreedy(weights, probNotAssign)
	default:
		return assignHungarian(weights, numObjects, probNotAssign)
	}
}

// assignHungarian maximises the product of assignment probabilities, where
// every unassigned tracklet or object contributes probNotAssign. In log space
// this is a maximum weight matching over log(w / probNotAssign), which is
// positive exactly for assignable pairs.
func assignHungarian(weights assignmentMatrix, numObjects int, probNotAssign float64) [][2]int {
	numTracks := len(weights)
	paddedSize := maxInt(numTracks, numObjects)
	// Padding is done with 0.0 values (no gain over not assigning)
	cost := make([][]float64, paddedSize)
	for i := 0; i < paddedSize; i++ {
		cost[i] = make([]float64, paddedSize)
	}
	logNotAssign := math.Log(probNotAssign)
	for i := 0; i < numTracks; i++ {
		for j := 0; j < numObjects && j < len(weights[i]); j++ {
			if w := weights[i][j]; w > probNotAssign {
				// minimising the negated gain maximises the gain
				cost[i][j] = -(math.Log(w) - logNotAssign)
			}
		}
	}
	rowAssign := kuhnMunkres(cost)
	matches := make([][2]int, 0, numTracks)
	for i := 0; i < numTracks; i++ {
		j := rowAssign[i]
		if j >= 0 && j < numObjects && cost[i][j] < 0 {
			matches = append(matches, [2]int{i, j})
		}
	}
	return matches
}

// kuhnMunkres solves the square assignment problem for minimum total cost in
// O(n³) with row and column potentials (Jonker-Volgenant variant).
// Returns rowAssign[i] = column of row i. Columns are scanned in index order
// and only a strictly smaller reduced cost replaces the current minimum, so
// equal inputs always give the same assignment.
func kuhnMunkres(cost [][]float64) []int {
	dim := len(cost)
	const inf = math.MaxFloat64 / 2

	// 1-indexed, column 0 is the virtual start of every augmenting path
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)   // p[j] = row assigned to column j
	way := make([]int, dim+1) // way[j] = previous column on the augmenting path
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		// Augment along the path
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	rowAssign := make([]int, dim)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if p[j] > 0 {
			rowAssign[p[j]-1] = j - 1
		}
	}
	return rowAssign
}

// assignGreedy repeatedly takes the highest weight pair whose tracklet and
// object are both still free.
func assignGreedy(weights assignmentMatrix, probNotAssign float64) [][2]int {
	h := make(candidateHeap, 0)
	for i, row := range weights {
		for j, w := range row {
			if w > probNotAssign {
				h = append(h, candidate{row: i, col: j, weight: w})
			}
		}
	}
	h.Init()
	matchedRows := make(map[int]struct{})
	matchedCols := make(map[int]struct{})
	matches := make([][2]int, 0)
	for h.Len() > 0 {
		c := h.Pop()
		if _, found := matchedRows[c.row]; found {
			continue
		}
		if _, found := matchedCols[c.col]; found {
			continue
		}
		matchedRows[c.row] = struct{}{}
		matchedCols[c.col] = struct{}{}
		matches = append(matches, [2]int{c.row, c.col})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i][0] < matches[j][0] })
	return matches
}
