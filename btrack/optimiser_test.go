package btrack

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withGain returns the score that gives h the wanted gain at eta
func withGain(h Hypothesis, gain, eta float64) Hypothesis {
	h.Score = gain + float64(len(h.endpoints()))*math.Log(eta)
	return h
}

func numbered(hypotheses ...Hypothesis) []Hypothesis {
	for i := range hypotheses {
		hypotheses[i].ID = i
	}
	return hypotheses
}

func selectedIDs(result optimisationResult) []int {
	ids := make([]int, len(result.selected))
	for i, h := range result.selected {
		ids[i] = h.ID
	}
	return ids
}

func TestOptimiserPrefersHigherGain(t *testing.T) {
	const eta = 0.5
	hypotheses := numbered(
		withGain(Hypothesis{Type: HypothesisApoptosis, Tracklet: 1}, 0.2, eta),
		withGain(Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 2}, 0.4, eta),
		withGain(Hypothesis{Type: HypothesisTerminate, Tracklet: 2}, 0.3, eta),
	)
	opt := &optimiser{eta: eta, workers: 2}
	result, err := opt.optimise(context.Background(), hypotheses)
	require.NoError(t, err)
	assert.True(t, result.optimal)
	assert.Equal(t, []int{1, 2}, selectedIDs(result))
}

func TestOptimiserBeatsGreedy(t *testing.T) {
	const eta = 0.5
	hypotheses := numbered(
		withGain(Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 2}, 1.0, eta),
		withGain(Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 3}, 0.9, eta),
		withGain(Hypothesis{Type: HypothesisLink, Tracklet: 4, Link: 2}, 0.9, eta),
	)
	opt := &optimiser{eta: eta, workers: 1}
	result, err := opt.optimise(context.Background(), hypotheses)
	require.NoError(t, err)
	assert.True(t, result.optimal)
	assert.Equal(t, []int{1, 2}, selectedIDs(result))

	// out of budget the first feasible selection is kept
	opt.options.MaxNodes = 1
	result, err = opt.optimise(context.Background(), hypotheses)
	require.NoError(t, err)
	assert.False(t, result.optimal)
	assert.Equal(t, []int{0}, selectedIDs(result))
}

func TestOptimiserTieBreak(t *testing.T) {
	const eta = 0.5
	hypotheses := numbered(
		withGain(Hypothesis{Type: HypothesisTerminate, Tracklet: 7}, 0.5, eta),
		withGain(Hypothesis{Type: HypothesisApoptosis, Tracklet: 7}, 0.5, eta),
		withGain(Hypothesis{Type: HypothesisExtrude, Tracklet: 7}, 0.5, eta),
	)
	for i := 0; i < 5; i++ {
		opt := &optimiser{eta: eta, workers: 3}
		result, err := opt.optimise(context.Background(), hypotheses)
		require.NoError(t, err)
		assert.Equal(t, []int{0}, selectedIDs(result), "lowest index wins among equal optima")
	}
}

func TestOptimiserInfeasible(t *testing.T) {
	const eta = 0.5
	hypotheses := numbered(
		withGain(Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 2}, -1, eta),
		withGain(Hypothesis{Type: HypothesisFalsePositive, Tracklet: 3}, 0, eta),
	)
	opt := &optimiser{eta: eta, workers: 1}
	_, err := opt.optimise(context.Background(), hypotheses)
	assert.True(t, errors.Is(err, ErrOptimisationInfeasible), "got %v", err)

	_, err = opt.optimise(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrOptimisationInfeasible), "got %v", err)
}

func TestConnectedComponents(t *testing.T) {
	hypotheses := numbered(
		Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 2},
		Hypothesis{Type: HypothesisInitialize, Tracklet: 5},
		Hypothesis{Type: HypothesisTerminate, Tracklet: 1},
		Hypothesis{Type: HypothesisBranch, Tracklet: 3, ChildOne: 2, ChildTwo: 4},
		Hypothesis{Type: HypothesisFalsePositive, Tracklet: 5},
	)
	gains := []float64{1, 1, 1, 1, 1}
	components := connectedComponents(hypotheses, []int{0, 1, 2, 3, 4}, gains)
	require.Len(t, components, 2)
	assert.Equal(t, []int{0, 2, 3}, components[0].hypotheses)
	assert.Equal(t, []int{1, 4}, components[1].hypotheses)
	// Link shares the end of 1 with Terminate and the start of 2 with Branch
	assert.ElementsMatch(t, []int{1, 2}, components[0].conflicts[0])
	assert.Equal(t, []int{0}, components[0].conflicts[1])
}

func TestBranchAndBoundRelaxation(t *testing.T) {
	hypotheses := numbered(
		Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 2},
		Hypothesis{Type: HypothesisLink, Tracklet: 1, Link: 3},
		Hypothesis{Type: HypothesisLink, Tracklet: 4, Link: 2},
	)
	components := connectedComponents(hypotheses, []int{0, 1, 2}, []float64{1, 0.9, 0.9})
	require.Len(t, components, 1)
	bb := newBranchAndBound(context.Background(), components[0], 0, time.Time{})
	bound, err := bb.relaxation([]int{0, 1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 1.8, bound, 1e-6)
	assert.InDelta(t, 1.8, bb.bound(0), 1e-6)
}

// linkChain is one connected component: every tracklet i of 1..n-1 may link to
// i+1 or, with more gain, to i+2
func linkChain(n int, eta float64) []Hypothesis {
	hypotheses := make([]Hypothesis, 0, 2*n)
	for i := 1; i < n; i++ {
		hypotheses = append(hypotheses, withGain(Hypothesis{Type: HypothesisLink, Tracklet: i, Link: i + 1}, 1.0, eta))
		if i+2 <= n {
			hypotheses = append(hypotheses, withGain(Hypothesis{Type: HypothesisLink, Tracklet: i, Link: i + 2}, 1.5, eta))
		}
	}
	return numbered(hypotheses...)
}

func selectedGain(result optimisationResult, eta float64) float64 {
	total := 0.0
	for _, h := range result.selected {
		total += h.Score - float64(len(h.endpoints()))*math.Log(eta)
	}
	return total
}

func TestOptimiserBudgetOnLargeComponent(t *testing.T) {
	const eta = 0.5
	hypotheses := linkChain(16, eta)
	candidates := make([]int, len(hypotheses))
	gains := make([]float64, len(hypotheses))
	for i := range hypotheses {
		candidates[i] = i
		gains[i] = 1
	}
	require.Len(t, connectedComponents(hypotheses, candidates, gains), 1)

	// the first feasible selection takes every i -> i+1 link
	seed := make([]int, 0)
	for i, h := range hypotheses {
		if h.Link == h.Tracklet+1 {
			seed = append(seed, i)
		}
	}

	opt := &optimiser{eta: eta, workers: 1, options: OptimiserOptions{MaxNodes: 1}}
	result, err := opt.optimise(context.Background(), hypotheses)
	require.NoError(t, err)
	assert.False(t, result.optimal)
	assert.Equal(t, 1, result.nodes)
	assert.Equal(t, seed, selectedIDs(result))

	opt.options = OptimiserOptions{TimeLimit: Duration(10 * time.Second)}
	full, err := opt.optimise(context.Background(), hypotheses)
	require.NoError(t, err)
	assert.Greater(t, selectedGain(full, eta), selectedGain(result, eta))
}

func TestOptimiserCancelledKeepsIncumbent(t *testing.T) {
	const eta = 0.5
	hypotheses := linkChain(16, eta)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	components := connectedComponents(hypotheses, []int{0, 1, 2}, []float64{1, 1.5, 1})
	bb := newBranchAndBound(ctx, components[0], 0, time.Time{})
	assert.False(t, bb.outOfBudget(), "the context is only read every 64 nodes")
	bb.nodes = 64
	assert.True(t, bb.outOfBudget())
	assert.True(t, bb.exhausted)

	live := newBranchAndBound(context.Background(), components[0], 0, time.Time{})
	live.nodes = 64
	assert.False(t, live.outOfBudget())

	opt := &optimiser{eta: eta, workers: 2}
	result, err := opt.optimise(ctx, hypotheses)
	require.NoError(t, err)
	assert.NotEmpty(t, result.selected)
}
