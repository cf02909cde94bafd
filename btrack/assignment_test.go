package btrack

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignHungarian(t *testing.T) {
	weights := assignmentMatrix{
		{0.9, 0.8},
		{0.85, 0.0},
	}
	// taking (0, 0) alone is greedy, swapping gives the larger product
	matches := assign(weights, 2, 0.001, UpdateExact)
	assert.Equal(t, [][2]int{{0, 1}, {1, 0}}, matches)
}

// bestGain enumerates every one-to-one assignment of rows to columns (or to nothing)
func bestGain(gain [][]float64, row int, usedCols []bool) float64 {
	if row == len(gain) {
		return 0
	}
	best := bestGain(gain, row+1, usedCols)
	for j, g := range gain[row] {
		if usedCols[j] || g <= 0 {
			continue
		}
		usedCols[j] = true
		best = math.Max(best, g+bestGain(gain, row+1, usedCols))
		usedCols[j] = false
	}
	return best
}

func TestAssignHungarianOptimalAndStable(t *testing.T) {
	const pna = 0.01
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		rows, cols := 1+rng.Intn(5), 1+rng.Intn(5)
		weights := make(assignmentMatrix, rows)
		gain := make([][]float64, rows)
		for i := range weights {
			weights[i] = make([]float64, cols)
			gain[i] = make([]float64, cols)
			for j := range weights[i] {
				if rng.Float64() < 0.3 {
					continue
				}
				weights[i][j] = rng.Float64()
				if weights[i][j] > pna {
					gain[i][j] = math.Log(weights[i][j] / pna)
				}
			}
		}
		matches := assign(weights, cols, pna, UpdateExact)
		got := 0.0
		seenCols := make(map[int]bool)
		for k, m := range matches {
			if k > 0 {
				require.Less(t, matches[k-1][0], m[0], "trial %d: rows must be sorted and unique", trial)
			}
			require.False(t, seenCols[m[1]], "trial %d: column %d matched twice", trial, m[1])
			seenCols[m[1]] = true
			require.Greater(t, weights[m[0]][m[1]], pna)
			got += gain[m[0]][m[1]]
		}
		assert.InDelta(t, bestGain(gain, 0, make([]bool, cols)), got, 1e-9, "trial %d", trial)
		for rerun := 0; rerun < 5; rerun++ {
			require.Equal(t, matches, assign(weights, cols, pna, UpdateExact), "trial %d", trial)
		}
	}
}

func TestAssignGreedy(t *testing.T) {
	weights := assignmentMatrix{
		{0.9, 0.8},
		{0.85, 0.0},
	}
	matches := assign(weights, 2, 0.001, UpdateApproximate)
	assert.Equal(t, [][2]int{{0, 0}}, matches)
}

func TestAssignRespectsProbNotAssign(t *testing.T) {
	weights := assignmentMatrix{
		{0.0005, 0.0},
		{0.0, 0.3},
		{0.0, 0.0},
	}
	for _, method := range []UpdateMethod{UpdateExact, UpdateApproximate} {
		matches := assign(weights, 2, 0.001, method)
		assert.Equal(t, [][2]int{{1, 1}}, matches, method.String())
	}
}

func TestAssignRectangular(t *testing.T) {
	weights := assignmentMatrix{
		{0.1, 0.5, 0.2},
	}
	for _, method := range []UpdateMethod{UpdateExact, UpdateApproximate} {
		matches := assign(weights, 3, 0.01, method)
		assert.Equal(t, [][2]int{{0, 1}}, matches, method.String())
	}
	assert.Empty(t, assign(assignmentMatrix{}, 3, 0.01, UpdateExact))
	assert.Empty(t, assign(assignmentMatrix{{}}, 0, 0.01, UpdateExact))
}

func TestCandidateHeapOrder(t *testing.T) {
	h := candidateHeap{
		{row: 2, col: 0, weight: 0.5},
		{row: 0, col: 1, weight: 0.9},
		{row: 1, col: 1, weight: 0.5},
		{row: 1, col: 0, weight: 0.5},
		{row: 3, col: 3, weight: 0.7},
	}
	h.Init()
	got := make([]candidate, 0, 5)
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	want := []candidate{
		{row: 0, col: 1, weight: 0.9},
		{row: 3, col: 3, weight: 0.7},
		{row: 1, col: 0, weight: 0.5},
		{row: 1, col: 1, weight: 0.5},
		{row: 2, col: 0, weight: 0.5},
	}
	assert.Equal(t, want, got)
}

func TestUpdateMethodText(t *testing.T) {
	var m UpdateMethod
	require.NoError(t, m.UnmarshalText([]byte("APPROXIMATE")))
	assert.Equal(t, UpdateApproximate, m)
	require.NoError(t, m.UnmarshalText([]byte("")))
	assert.Equal(t, UpdateExact, m)
	assert.True(t, errors.Is(m.UnmarshalText([]byte("FAST")), ErrConfiguration))
	text, err := UpdateApproximate.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "APPROXIMATE", string(text))
}
