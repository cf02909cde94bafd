package btrack

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Hypothesis is a scored candidate lineage event.
//
// Link uses Tracklet -> Link. Branch uses Tracklet -> ChildOne, ChildTwo.
// Merge uses Tracklet, Partner -> Link. Every other type only names Tracklet.
type Hypothesis struct {
	ID       int
	Type     HypothesisType
	Score    float64
	Tracklet int
	Link     int
	ChildOne int
	ChildTwo int
	Partner  int
}

func (h Hypothesis) String() string {
	switch h.Type {
	case HypothesisLink:
		return fmt.Sprintf("%s(%d -> %d, %.3f)", h.Type, h.Tracklet, h.Link, h.Score)
	case HypothesisBranch:
		return fmt.Sprintf("%s(%d -> %d, %d, %.3f)", h.Type, h.Tracklet, h.ChildOne, h.ChildTwo, h.Score)
	case HypothesisMerge:
		return fmt.Sprintf("%s(%d, %d -> %d, %.3f)", h.Type, h.Tracklet, h.Partner, h.Link, h.Score)
	default:
		return fmt.Sprintf("%s(%d, %.3f)", h.Type, h.Tracklet, h.Score)
	}
}

// endpoint is the start or the end of a tracklet
type endpoint struct {
	tracklet int
	start    bool
}

// endpoints returns the tracklet endpoints the hypothesis explains
func (h Hypothesis) endpoints() []endpoint {
	switch h.Type {
	case HypothesisInitialize:
		return []endpoint{{h.Tracklet, true}}
	case HypothesisFalsePositive:
		return []endpoint{{h.Tracklet, true}, {h.Tracklet, false}}
	case HypothesisLink:
		return []endpoint{{h.Tracklet, false}, {h.Link, true}}
	case HypothesisBranch:
		return []endpoint{{h.Tracklet, false}, {h.ChildOne, true}, {h.ChildTwo, true}}
	case HypothesisMerge:
		return []endpoint{{h.Tracklet, false}, {h.Partner, false}, {h.Link, true}}
	default:
		return []endpoint{{h.Tracklet, false}}
	}
}

// trackletSummary is what the generator needs to know about a tracklet
type trackletSummary struct {
	id    int
	start int
	end   int
	first Point
	last  Point
	// Trailing real detections labelled with the apoptosis state
	apoptotic int
}

func (s trackletSummary) length() int {
	return s.end - s.start + 1
}

// linkCandidate is a possible successor of a tracklet
type linkCandidate struct {
	to   int
	dist float64
	gap  int
}

// hypothesisGenerator enumerates lineage hypotheses over a frame window
type hypothesisGenerator struct {
	model  HypothesisModel
	volume ImagingVolume
	// Window of frames, inclusive
	start int
	end   int
	// Relaxed thresholds
	distThresh float64
	timeThresh float64
	thetaDist  float64
	thetaTime  float64
	workers    int
}

func newHypothesisGenerator(model HypothesisModel, volume ImagingVolume, maxSearchRadius float64, start, end, workers int) *hypothesisGenerator {
	relax := model.relax()
	distThresh := model.DistThresh
	if distThresh == 0 {
		distThresh = maxSearchRadius
	}
	return &hypothesisGenerator{
		model:      model,
		volume:     volume,
		start:      start,
		end:        end,
		distThresh: distThresh * relax,
		timeThresh: model.TimeThresh * relax,
		thetaDist:  model.ThetaDist * relax,
		thetaTime:  model.ThetaTime * relax,
		workers:    workers,
	}
}

// generate returns the hypotheses sorted by (anchor frame, type, tracklets) with ID set to the position
func (gen *hypothesisGenerator) generate(ctx context.Context, tracklets []trackletSummary) ([]Hypothesis, error) {
	inWindow := make([]trackletSummary, 0, len(tracklets))
	for _, trk := range tracklets {
		if trk.end >= gen.start && trk.start <= gen.end && trk.length() > 0 {
			inWindow = append(inWindow, trk)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].id < inWindow[j].id })

	type perTracklet struct {
		hypotheses []Hypothesis
		successors []linkCandidate
	}
	results := make([]perTracklet, len(inWindow))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gen.workers)
	for i := range inWindow {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = perTracklet{
				hypotheses: gen.single(inWindow[i]),
				successors: gen.successors(inWindow, i),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hypotheses := make([]Hypothesis, 0)
	predecessors := make(map[int][]linkCandidate)
	for i, res := range results {
		hypotheses = append(hypotheses, res.hypotheses...)
		a := inWindow[i]
		for _, succ := range res.successors {
			b := inWindow[succ.to]
			if gen.model.allowed(HypothesisLink) {
				hypotheses = append(hypotheses, Hypothesis{
					Type:     HypothesisLink,
					Score:    safeLog(math.Exp(-succ.dist/gen.model.LambdaLink) * math.Exp(-float64(succ.gap)/gen.model.LambdaTime)),
					Tracklet: a.id,
					Link:     b.id,
				})
			}
			predecessors[succ.to] = append(predecessors[succ.to], linkCandidate{to: i, dist: succ.dist, gap: succ.gap})
		}
		if gen.model.allowed(HypothesisBranch) {
			hypotheses = append(hypotheses, gen.branches(inWindow, a, res.successors)...)
		}
	}
	if gen.model.allowed(HypothesisMerge) {
		for c := range inWindow {
			hypotheses = append(hypotheses, gen.merges(inWindow, inWindow[c], predecessors[c])...)
		}
	}

	anchors := make(map[int]trackletSummary, len(inWindow))
	for _, trk := range inWindow {
		anchors[trk.id] = trk
	}
	sort.SliceStable(hypotheses, func(i, j int) bool {
		fi, fj := hypotheses[i].anchor(anchors), hypotheses[j].anchor(anchors)
		if fi != fj {
			return fi < fj
		}
		if hypotheses[i].Type != hypotheses[j].Type {
			return hypotheses[i].Type < hypotheses[j].Type
		}
		ki, kj := hypotheses[i].key(), hypotheses[j].key()
		for k := range ki {
			if ki[k] != kj[k] {
				return ki[k] < kj[k]
			}
		}
		return false
	})
	for i := range hypotheses {
		hypotheses[i].ID = i
	}
	return hypotheses, nil
}

// anchor returns the frame at which the proposed event happens
func (h Hypothesis) anchor(tracklets map[int]trackletSummary) int {
	switch h.Type {
	case HypothesisInitialize, HypothesisFalsePositive:
		return tracklets[h.Tracklet].start
	case HypothesisMerge:
		return maxInt(tracklets[h.Tracklet].end, tracklets[h.Partner].end)
	default:
		return tracklets[h.Tracklet].end
	}
}

func (h Hypothesis) key() [5]int {
	return [5]int{h.Tracklet, h.Partner, h.Link, h.ChildOne, h.ChildTwo}
}

// single returns the hypotheses that involve only one tracklet
func (gen *hypothesisGenerator) single(trk trackletSummary) []Hypothesis {
	out := make([]Hypothesis, 0, 4)
	model := gen.model
	if model.allowed(HypothesisFalsePositive) {
		if model.FalsePositiveLength == 0 || float64(trk.length()) <= float64(model.FalsePositiveLength)*model.relax() {
			out = append(out, Hypothesis{
				Type:     HypothesisFalsePositive,
				Score:    float64(trk.length()) * safeLog(model.SegmentationMissRate),
				Tracklet: trk.id,
			})
		}
	}

	if model.allowed(HypothesisInitialize) {
		p := -1.0
		if dt := float64(trk.start - gen.start); dt <= gen.thetaTime {
			p = math.Exp(-dt / model.LambdaTime)
		}
		if d := gen.volume.DistanceToBorder(trk.first); d <= gen.thetaDist {
			p = math.Max(p, math.Exp(-d/model.LambdaDist))
		}
		if p >= 0 {
			out = append(out, Hypothesis{Type: HypothesisInitialize, Score: safeLog(p), Tracklet: trk.id})
		}
	}

	dtEnd := float64(gen.end - trk.end)
	dBorder := gen.volume.DistanceToBorder(trk.last)
	atWindowEnd := dtEnd <= gen.thetaTime
	atBorder := dBorder <= gen.thetaDist
	if atWindowEnd && model.allowed(HypothesisTerminate) {
		out = append(out, Hypothesis{
			Type:     HypothesisTerminate,
			Score:    safeLog(math.Exp(-dtEnd / model.LambdaTime)),
			Tracklet: trk.id,
		})
	}
	if atBorder && !atWindowEnd && model.allowed(HypothesisExtrude) {
		out = append(out, Hypothesis{
			Type:     HypothesisExtrude,
			Score:    safeLog(math.Exp(-dBorder / model.LambdaDist)),
			Tracklet: trk.id,
		})
	}
	if !atBorder && !atWindowEnd && model.allowed(HypothesisApoptosis) {
		p := model.ApoptosisRate
		if model.ApopThresh > 0 && trk.apoptotic >= model.ApopThresh {
			p = 1 - model.ApoptosisRate
		}
		out = append(out, Hypothesis{Type: HypothesisApoptosis, Score: safeLog(p), Tracklet: trk.id})
	}
	return out
}

// successors returns the tracklets that may continue tracklets[i], in identifier order
func (gen *hypothesisGenerator) successors(tracklets []trackletSummary, i int) []linkCandidate {
	a := tracklets[i]
	out := make([]linkCandidate, 0)
	for j, b := range tracklets {
		if j == i {
			continue
		}
		gap := b.start - a.end
		if gap < 1 || float64(gap) > gen.timeThresh {
			continue
		}
		d := euclideanDistance(a.last, b.first)
		if d > gen.distThresh {
			continue
		}
		out = append(out, linkCandidate{to: j, dist: d, gap: gap})
	}
	return out
}

// branches pairs up the successors of a
func (gen *hypothesisGenerator) branches(tracklets []trackletSummary, a trackletSummary, succ []linkCandidate) []Hypothesis {
	out := make([]Hypothesis, 0)
	for x := 0; x < len(succ); x++ {
		for y := x + 1; y < len(succ); y++ {
			gap := maxInt(succ[x].gap, succ[y].gap)
			p := math.Exp(-(succ[x].dist+succ[y].dist)/(2*gen.model.LambdaBranch)) * math.Exp(-float64(gap)/gen.model.LambdaTime)
			out = append(out, Hypothesis{
				Type:     HypothesisBranch,
				Score:    safeLog(p),
				Tracklet: a.id,
				ChildOne: tracklets[succ[x].to].id,
				ChildTwo: tracklets[succ[y].to].id,
			})
		}
	}
	return out
}

// merges pairs up the predecessors of c
func (gen *hypothesisGenerator) merges(tracklets []trackletSummary, c trackletSummary, pred []linkCandidate) []Hypothesis {
	out := make([]Hypothesis, 0)
	for x := 0; x < len(pred); x++ {
		for y := x + 1; y < len(pred); y++ {
			gap := maxInt(pred[x].gap, pred[y].gap)
			p := math.Exp(-(pred[x].dist+pred[y].dist)/(2*gen.model.LambdaLink)) * math.Exp(-float64(gap)/gen.model.LambdaTime)
			out = append(out, Hypothesis{
				Type:     HypothesisMerge,
				Score:    safeLog(p),
				Tracklet: tracklets[pred[x].to].id,
				Partner:  tracklets[pred[y].to].id,
				Link:     c.id,
			})
		}
	}
	return out
}
