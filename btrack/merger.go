package btrack

import (
	"log/slog"
	"sort"

	"github.com/pkg/errors"
)

// merger applies selected hypotheses to the lineage tree, one at a time and
// in the order given.
type merger struct {
	trk    *tracker
	logger *slog.Logger
}

// apply rewrites the lineage with the hypotheses and returns those that
// changed nothing because an earlier hypothesis made them inconsistent.
func (m *merger) apply(hypotheses []Hypothesis) ([]Hypothesis, error) {
	skipped := make([]Hypothesis, 0)
	for _, h := range hypotheses {
		err := m.applyOne(h)
		if errors.Is(err, ErrLineageCycle) || errors.Is(err, errInconsistentLink) {
			m.logger.Warn("hypothesis skipped", slog.String("hypothesis", h.String()), slog.String("reason", err.Error()))
			skipped = append(skipped, h)
			continue
		}
		if err != nil {
			return skipped, errors.Wrapf(err, "hypothesis %d", h.ID)
		}
	}
	m.trk.rebuildLive()
	return skipped, nil
}

var errInconsistentLink = errors.New("btrack: successor does not start after predecessor ends")

func (m *merger) applyOne(h Hypothesis) error {
	tree := m.trk.tree
	a, err := tree.Get(tree.resolve(h.Tracklet))
	if err != nil {
		return err
	}
	switch h.Type {
	case HypothesisLink:
		b, err := tree.Get(tree.resolve(h.Link))
		if err != nil {
			return err
		}
		return m.link(a, b)
	case HypothesisBranch:
		for _, id := range []int{h.ChildOne, h.ChildTwo} {
			if err := tree.setParent(tree.resolve(id), a.ID); err != nil {
				return err
			}
		}
		a.Fate = FateDivide
	case HypothesisMerge:
		partner, err := tree.Get(tree.resolve(h.Partner))
		if err != nil {
			return err
		}
		if err := tree.setParent(tree.resolve(h.Link), a.ID); err != nil {
			return err
		}
		a.Fate = FateMerge
		partner.Fate = FateMergedAway
	case HypothesisFalsePositive:
		a.Fate = FateFalsePositive
	case HypothesisApoptosis:
		a.Fate = FateApoptosis
	case HypothesisExtrude:
		a.Fate = FateExtrude
	case HypothesisTerminate:
		a.Fate = FateTerminate
	case HypothesisInitialize:
	}
	return nil
}

// link makes b the continuation of a: a takes over b's objects and filter
// state, the gap between them is bridged with interpolated dummies and b is
// marked as merged away.
func (m *merger) link(a, b *Tracklet) error {
	if a.ID == b.ID {
		return nil
	}
	if b.Start <= a.End() || len(a.refs) == 0 || len(b.refs) == 0 {
		return errors.Wrapf(errInconsistentLink, "%d ends at %d, %d starts at %d", a.ID, a.End(), b.ID, b.Start)
	}
	tree := m.trk.tree
	if err := tree.setParent(b.ID, a.ID); err != nil {
		return err
	}
	if err := tree.moveChildren(b.ID, a.ID); err != nil {
		return err
	}

	from, _ := m.trk.position(a.refs[len(a.refs)-1])
	to, _ := m.trk.position(b.refs[0])
	end := a.End()
	span := float64(b.Start - end)
	for f := end + 1; f < b.Start; f++ {
		a.refs = append(a.refs, m.trk.addDummy(f, lerp(from, to, float64(f-end)/span)))
		if m.trk.returnKalman {
			// no filter ran over the bridged frames
			a.kalman = append(a.kalman, KalmanStep{})
		}
	}
	a.refs = append(a.refs, b.refs...)
	a.kalman = append(a.kalman, b.kalman...)
	a.Fate = b.Fate
	a.state, a.misses, a.kf = b.state, b.misses, b.kf
	a.class, a.predicted = b.class, b.predicted
	a.trail, a.trailKalman = b.trail, b.trailKalman

	b.refs = nil
	b.kalman = nil
	b.kf = nil
	b.trail, b.trailKalman = nil, nil
	b.state = StateTerminated
	b.Fate = FateMergedAway
	tree.alias[b.ID] = a.ID
	return nil
}

// rebuildLive recomputes the live list after merges moved filter state between tracklets
func (trk *tracker) rebuildLive() {
	live := make([]int, 0, len(trk.live))
	for _, t := range trk.tree.tracklets {
		if t.state != StateTerminated && t.kf != nil {
			live = append(live, t.ID)
		}
	}
	sort.Ints(live)
	trk.live = live
}

// position returns the coordinates behind a reference
func (trk *tracker) position(ref Ref) (Point, bool) {
	if ref.IsDummy() {
		obj, ok := trk.dummy(ref)
		return obj.Position(), ok
	}
	obj, ok := trk.store.Get(ref.Index)
	return obj.Position(), ok
}
