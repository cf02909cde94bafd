package btrack

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// OptimiserOptions bound the search of the optimiser
type OptimiserOptions struct {
	// Wall time budget for the whole optimisation, 0 means unbounded
	TimeLimit Duration `json:"time_limit"`
	// Branch and bound nodes per connected component, 0 means unbounded
	MaxNodes int `json:"max_nodes"`
	// Components solved concurrently, 0 uses the engine's worker count
	Workers int `json:"workers"`
}

const (
	// gains at or below this are never worth selecting
	gainTolerance = 1e-9
	// two objective values closer than this are equal
	objectiveTolerance = 1e-9
	// LP bounds are only computed when at least this many hypotheses are still free
	minLPSize = 3
)

// optimiser selects a maximum-gain subset of hypotheses in which no tracklet
// endpoint is explained twice.
//
// Each hypothesis h gains score(h) - |endpoints(h)|*log(eta) over leaving its
// endpoints unexplained, which turns the total log-probability into a
// weighted set packing problem. The problem is split into the connected
// components of the conflict graph and every component is solved by branch
// and bound with LP relaxation bounds.
type optimiser struct {
	eta     float64
	options OptimiserOptions
	workers int
}

// optimisationResult carries the selection and whether every component was solved to optimality
type optimisationResult struct {
	selected []Hypothesis
	optimal  bool
	nodes    int
}

func (opt *optimiser) optimise(ctx context.Context, hypotheses []Hypothesis) (optimisationResult, error) {
	logEta := math.Log(opt.eta)
	gains := make([]float64, len(hypotheses))
	candidates := make([]int, 0, len(hypotheses))
	for i, h := range hypotheses {
		gains[i] = h.Score - float64(len(h.endpoints()))*logEta
		if gains[i] > gainTolerance {
			candidates = append(candidates, i)
		}
	}
	components := connectedComponents(hypotheses, candidates, gains)

	var deadline time.Time
	if opt.options.TimeLimit > 0 {
		deadline = time.Now().Add(time.Duration(opt.options.TimeLimit))
	}
	workers := opt.options.Workers
	if workers <= 0 {
		workers = opt.workers
	}
	solutions := make([]*branchAndBound, len(components))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(workers, 1))
	for i := range components {
		g.Go(func() error {
			solver := newBranchAndBound(gctx, components[i], opt.options.MaxNodes, deadline)
			solver.solve()
			solutions[i] = solver
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return optimisationResult{}, err
	}

	result := optimisationResult{optimal: true}
	selected := make([]int, 0)
	for i, solver := range solutions {
		for local, on := range solver.best {
			if on {
				selected = append(selected, components[i].hypotheses[local])
			}
		}
		result.optimal = result.optimal && !solver.exhausted
		result.nodes += solver.nodes
	}
	if len(selected) == 0 {
		return result, errors.Wrapf(ErrOptimisationInfeasible, "%d hypotheses, %d worth selecting", len(hypotheses), len(candidates))
	}
	sort.Ints(selected)
	result.selected = make([]Hypothesis, len(selected))
	for i, idx := range selected {
		result.selected[i] = hypotheses[idx]
	}
	return result, nil
}

// component is a connected part of the conflict graph.
// Hypotheses are kept in increasing global index order.
type component struct {
	hypotheses []int
	gains      []float64
	// Endpoint rows used by each hypothesis
	uses [][]int
	// Hypotheses sharing at least one endpoint
	conflicts [][]int
}

// connectedComponents groups candidates that share endpoints, using union-find.
// Components are ordered by their smallest hypothesis index.
func connectedComponents(hypotheses []Hypothesis, candidates []int, gains []float64) []*component {
	parent := make(map[int]int, len(candidates))
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// the smaller index becomes the representative
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}
	owner := make(map[endpoint]int)
	for _, idx := range candidates {
		parent[idx] = idx
	}
	for _, idx := range candidates {
		for _, e := range hypotheses[idx].endpoints() {
			if other, ok := owner[e]; ok {
				union(idx, other)
			} else {
				owner[e] = idx
			}
		}
	}

	byRoot := make(map[int]*component)
	order := make([]int, 0)
	for _, idx := range candidates {
		root := find(idx)
		comp, ok := byRoot[root]
		if !ok {
			comp = &component{}
			byRoot[root] = comp
			order = append(order, root)
		}
		comp.hypotheses = append(comp.hypotheses, idx)
		comp.gains = append(comp.gains, gains[idx])
	}
	sort.Ints(order)

	out := make([]*component, 0, len(order))
	for _, root := range order {
		comp := byRoot[root]
		rows := make(map[endpoint]int)
		users := make(map[int][]int)
		comp.uses = make([][]int, len(comp.hypotheses))
		for local, idx := range comp.hypotheses {
			for _, e := range hypotheses[idx].endpoints() {
				row, ok := rows[e]
				if !ok {
					row = len(rows)
					rows[e] = row
				}
				comp.uses[local] = append(comp.uses[local], row)
				users[row] = append(users[row], local)
			}
		}
		comp.conflicts = make([][]int, len(comp.hypotheses))
		for local := range comp.hypotheses {
			seen := make(map[int]struct{})
			for _, row := range comp.uses[local] {
				for _, other := range users[row] {
					if other == local {
						continue
					}
					if _, dup := seen[other]; !dup {
						seen[other] = struct{}{}
						comp.conflicts[local] = append(comp.conflicts[local], other)
					}
				}
			}
		}
		out = append(out, comp)
	}
	return out
}

// branchAndBound is a depth first search over include/exclude decisions in
// hypothesis order. Including is tried first and an incumbent is only replaced
// by a strictly better solution, so among equal optima the one selecting
// lower indexed hypotheses wins. A cancelled context ends the search like an
// exhausted budget.
type branchAndBound struct {
	ctx      context.Context
	comp     *component
	maxNodes int
	deadline time.Time

	current    []bool
	blocked    []int
	best       []bool
	bestValue  float64
	nodes      int
	exhausted  bool
	lpFailures int
	// node count at the last clock read
	clockNodes int
}

func newBranchAndBound(ctx context.Context, comp *component, maxNodes int, deadline time.Time) *branchAndBound {
	n := len(comp.hypotheses)
	return &branchAndBound{
		ctx:      ctx,
		comp:     comp,
		maxNodes: maxNodes,
		deadline: deadline,
		current:  make([]bool, n),
		blocked:  make([]int, n),
		best:     make([]bool, n),
	}
}

func (bb *branchAndBound) solve() {
	bb.seed()
	bb.search(0, 0)
}

// seed takes the first leaf of the search, every compatible hypothesis in
// index order, as the incumbent so that an exhausted budget still returns it.
func (bb *branchAndBound) seed() {
	blocked := make([]bool, len(bb.comp.hypotheses))
	value := 0.0
	for i := range bb.comp.hypotheses {
		if blocked[i] {
			continue
		}
		bb.best[i] = true
		value += bb.comp.gains[i]
		for _, other := range bb.comp.conflicts[i] {
			blocked[other] = true
		}
	}
	bb.bestValue = value
}

func (bb *branchAndBound) outOfBudget() bool {
	if bb.exhausted {
		return true
	}
	if bb.maxNodes > 0 && bb.nodes >= bb.maxNodes {
		bb.exhausted = true
		return true
	}
	// the clock and the context are read every 64 nodes
	if bb.nodes-bb.clockNodes < 64 {
		return false
	}
	bb.clockNodes = bb.nodes
	if bb.ctx.Err() != nil || (!bb.deadline.IsZero() && time.Now().After(bb.deadline)) {
		bb.exhausted = true
		return true
	}
	return false
}

func (bb *branchAndBound) search(pos int, value float64) {
	if bb.outOfBudget() {
		return
	}
	bb.nodes++
	n := len(bb.comp.hypotheses)
	if pos == n {
		if value > bb.bestValue+objectiveTolerance {
			bb.bestValue = value
			copy(bb.best, bb.current)
		}
		return
	}
	if value+bb.bound(pos) <= bb.bestValue+objectiveTolerance {
		return
	}
	if bb.blocked[pos] == 0 {
		bb.current[pos] = true
		for _, other := range bb.comp.conflicts[pos] {
			bb.blocked[other]++
		}
		bb.search(pos+1, value+bb.comp.gains[pos])
		for _, other := range bb.comp.conflicts[pos] {
			bb.blocked[other]--
		}
		bb.current[pos] = false
	}
	bb.search(pos+1, value)
}

// bound is an upper bound on the gain still obtainable from hypotheses pos..n-1
func (bb *branchAndBound) bound(pos int) float64 {
	free := make([]int, 0, len(bb.comp.hypotheses)-pos)
	total := 0.0
	for i := pos; i < len(bb.comp.hypotheses); i++ {
		if bb.blocked[i] == 0 {
			free = append(free, i)
			total += bb.comp.gains[i]
		}
	}
	if len(free) < minLPSize {
		return total
	}
	relaxed, err := bb.relaxation(free)
	if err != nil {
		bb.lpFailures++
		return total
	}
	return math.Min(total, relaxed)
}

// relaxation solves the LP relaxation of the packing problem restricted to
// the free hypotheses:
//
//	maximise   sum g_h x_h
//	subject to sum_{h uses e} x_h + s_e = 1   for every endpoint e
//	           x, s >= 0
//
// The slack variables give a feasible starting basis.
func (bb *branchAndBound) relaxation(free []int) (float64, error) {
	rowOf := make(map[int]int)
	for _, local := range free {
		for _, e := range bb.comp.uses[local] {
			if _, ok := rowOf[e]; !ok {
				rowOf[e] = len(rowOf)
			}
		}
	}
	m, k := len(rowOf), len(free)
	A := mat.NewDense(m, k+m, nil)
	c := make([]float64, k+m)
	b := make([]float64, m)
	basic := make([]int, m)
	for col, local := range free {
		c[col] = -bb.comp.gains[local]
		for _, e := range bb.comp.uses[local] {
			A.Set(rowOf[e], col, 1)
		}
	}
	for row := 0; row < m; row++ {
		A.Set(row, k+row, 1)
		b[row] = 1
		basic[row] = k + row
	}
	optF, _, err := lp.Simplex(c, A, b, 1e-10, basic)
	if err != nil {
		return 0, err
	}
	// rounding noise must not cut off the integer optimum
	return -optF + 1e-7, nil
}
