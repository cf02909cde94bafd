package btrack

import (
	"github.com/pkg/errors"
)

// LBEPRow is one line of the lineage table: label, begin, end, parent, root, generation
type LBEPRow struct {
	Label      int
	Begin      int
	End        int
	Parent     int
	Root       int
	Generation int
}

// LineageTree owns every tracklet and the parent/child relations between them.
// Tracklet identifiers start at 1 and are never reused or renumbered.
type LineageTree struct {
	tracklets []*Tracklet
	// Tracklets absorbed by a link resolve to the absorbing tracklet
	alias map[int]int
}

func newLineageTree() *LineageTree {
	return &LineageTree{
		tracklets: make([]*Tracklet, 0),
		alias:     make(map[int]int),
	}
}

// add creates a new root tracklet starting at frame start
func (tree *LineageTree) add(start int) *Tracklet {
	trk := newTracklet(len(tree.tracklets)+1, start)
	tree.tracklets = append(tree.tracklets, trk)
	return trk
}

// Len returns the number of tracklets ever created
func (tree *LineageTree) Len() int {
	return len(tree.tracklets)
}

// Get returns the tracklet with the given identifier
func (tree *LineageTree) Get(id int) (*Tracklet, error) {
	if id < 1 || id > len(tree.tracklets) {
		return nil, errors.Wrapf(ErrUnknownTracklet, "id %d", id)
	}
	return tree.tracklets[id-1], nil
}

// resolve follows link aliases to the tracklet that currently owns id's objects
func (tree *LineageTree) resolve(id int) int {
	for {
		next, ok := tree.alias[id]
		if !ok {
			return id
		}
		id = next
	}
}

// Ancestors returns the parent chain of id, nearest first
func (tree *LineageTree) Ancestors(id int) ([]int, error) {
	trk, err := tree.Get(id)
	if err != nil {
		return nil, err
	}
	ancestors := make([]int, 0, trk.Generation)
	for trk.Parent != 0 {
		ancestors = append(ancestors, trk.Parent)
		if trk, err = tree.Get(trk.Parent); err != nil {
			return nil, err
		}
	}
	return ancestors, nil
}

// Root returns the topmost ancestor of id (id itself for a root)
func (tree *LineageTree) Root(id int) (int, error) {
	trk, err := tree.Get(id)
	if err != nil {
		return 0, err
	}
	return trk.Root, nil
}

// Generation returns the number of parent steps between id and its root
func (tree *LineageTree) Generation(id int) (int, error) {
	trk, err := tree.Get(id)
	if err != nil {
		return 0, err
	}
	return trk.Generation, nil
}

// Fate returns the fate of id
func (tree *LineageTree) Fate(id int) (Fate, error) {
	trk, err := tree.Get(id)
	if err != nil {
		return FateOngoing, err
	}
	return trk.Fate, nil
}

// Children returns the direct children of id
func (tree *LineageTree) Children(id int) ([]int, error) {
	trk, err := tree.Get(id)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), trk.Children...), nil
}

// isAncestor reports whether candidate is id or one of its ancestors
func (tree *LineageTree) isAncestor(candidate, id int) bool {
	for id != 0 {
		if id == candidate {
			return true
		}
		trk, err := tree.Get(id)
		if err != nil {
			return false
		}
		id = trk.Parent
	}
	return false
}

// setParent makes parent the parent of child and refreshes root and
// generation over child's subtree.
func (tree *LineageTree) setParent(child, parent int) error {
	c, err := tree.Get(child)
	if err != nil {
		return err
	}
	p, err := tree.Get(parent)
	if err != nil {
		return err
	}
	if tree.isAncestor(child, parent) {
		return errors.Wrapf(ErrLineageCycle, "%d can't be the parent of its ancestor %d", parent, child)
	}
	if c.Parent != 0 && c.Parent != parent {
		if old, err := tree.Get(c.Parent); err == nil {
			old.removeChild(child)
		}
	}
	c.Parent = parent
	p.addChild(child)
	tree.refreshSubtree(c)
	return nil
}

// moveChildren hands every child of from over to to
func (tree *LineageTree) moveChildren(from, to int) error {
	f, err := tree.Get(from)
	if err != nil {
		return err
	}
	children := append([]int(nil), f.Children...)
	for _, child := range children {
		if err := tree.setParent(child, to); err != nil {
			return err
		}
	}
	return nil
}

// refreshSubtree recomputes root and generation for trk and all its descendants
func (tree *LineageTree) refreshSubtree(trk *Tracklet) {
	queue := []*Tracklet{trk}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.Parent == 0 {
			current.Root = current.ID
			current.Generation = 0
		} else if parent, err := tree.Get(current.Parent); err == nil {
			current.Root = parent.Root
			current.Generation = parent.Generation + 1
		}
		for _, childID := range current.Children {
			if child, err := tree.Get(childID); err == nil {
				queue = append(queue, child)
			}
		}
	}
}

// visible returns the tracklets that still own objects, in identifier order.
// Tracklets absorbed by a link own nothing and are only reachable through
// lineage queries.
func (tree *LineageTree) visible() []*Tracklet {
	out := make([]*Tracklet, 0, len(tree.tracklets))
	for _, trk := range tree.tracklets {
		if len(trk.refs) > 0 {
			out = append(out, trk)
		}
	}
	return out
}

// nTracks returns the number of visible tracklets
func (tree *LineageTree) nTracks() int {
	count := 0
	for _, trk := range tree.tracklets {
		if len(trk.refs) > 0 {
			count++
		}
	}
	return count
}

// LBEP returns one row per visible tracklet, in identifier order
func (tree *LineageTree) LBEP() []LBEPRow {
	visible := tree.visible()
	rows := make([]LBEPRow, 0, len(visible))
	for _, trk := range visible {
		rows = append(rows, LBEPRow{
			Label:      trk.ID,
			Begin:      trk.Start,
			End:        trk.End(),
			Parent:     trk.Parent,
			Root:       trk.Root,
			Generation: trk.Generation,
		})
	}
	return rows
}

// clone returns a deep copy of the tree without the filter state
func (tree *LineageTree) clone() *LineageTree {
	out := &LineageTree{
		tracklets: make([]*Tracklet, len(tree.tracklets)),
		alias:     make(map[int]int, len(tree.alias)),
	}
	for i, trk := range tree.tracklets {
		cp := *trk
		cp.refs = append([]Ref(nil), trk.refs...)
		cp.Children = append([]int(nil), trk.Children...)
		cp.class = append([]float64(nil), trk.class...)
		cp.kalman = append([]KalmanStep(nil), trk.kalman...)
		cp.kf = nil
		out.tracklets[i] = &cp
	}
	for k, v := range tree.alias {
		out.alias[k] = v
	}
	return out
}
