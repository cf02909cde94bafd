package btrack

import "fmt"

// Fate is the terminal classification of a tracklet
type Fate uint16

const (
	// FateOngoing is a tracklet that is still growing or reached the end of the data
	FateOngoing Fate = iota
	// FateLost is a tracklet that went unmatched for too long away from the border
	FateLost
	// FateApoptosis is a tracklet whose object died
	FateApoptosis
	// FateExtrude is a tracklet that left the imaging volume
	FateExtrude
	// FateFalsePositive is a tracklet made of spurious detections
	FateFalsePositive
	// FateMergedAway is a tracklet absorbed into another one by the optimiser
	FateMergedAway
	// FateDivide is the parent of a branch
	FateDivide
	// FateMerge is the surviving predecessor of a merge
	FateMerge
	// FateTerminate is a tracklet that ends at the window boundary
	FateTerminate
)

var fateNames = map[Fate]string{
	FateOngoing:       "ONGOING",
	FateLost:          "LOST",
	FateApoptosis:     "APOPTOSIS",
	FateExtrude:       "EXTRUDE",
	FateFalsePositive: "FALSE_POSITIVE",
	FateMergedAway:    "MERGED_AWAY",
	FateDivide:        "DIVIDE",
	FateMerge:         "MERGE",
	FateTerminate:     "TERMINATE",
}

func (f Fate) String() string {
	if name, ok := fateNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Fate(%d)", uint16(f))
}

// TrackState is the lifecycle state of a tracklet in the core loop
type TrackState uint8

const (
	// StateActive tracklets were matched in the last frame
	StateActive TrackState = iota
	// StateLost tracklets missed at least one frame but may still be matched
	StateLost
	// StateTerminated tracklets are finished
	StateTerminated
)

func (s TrackState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateLost:
		return "LOST"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("TrackState(%d)", uint8(s))
	}
}

// Tracklet is a contiguous, branch-free segment of trajectory.
type Tracklet struct {
	ID int
	// One reference per frame starting at Start
	refs  []Ref
	Start int
	// Lineage
	Parent     int
	Children   []int
	Root       int
	Generation int
	Fate       Fate
	// Core loop state
	state  TrackState
	misses int
	kf     *kalmanFilter
	// Class posterior from the object model, nil without one
	class []float64
	// Kalman history, only recorded when requested
	kalman []KalmanStep
	// Last predicted position, used to decide the fate at termination
	predicted Point
	// Dummies trimmed at the end of the data, restored if tracking resumes
	trail       []TrackObject
	trailKalman []KalmanStep
}

func newTracklet(id int, start int) *Tracklet {
	return &Tracklet{
		ID:       id,
		refs:     make([]Ref, 0, 16),
		Start:    start,
		Children: make([]int, 0),
		Root:     id,
		Fate:     FateOngoing,
		state:    StateActive,
	}
}

// Len returns the number of frames covered by the tracklet, dummies included
func (trk *Tracklet) Len() int {
	return len(trk.refs)
}

// End returns the last frame covered by the tracklet
func (trk *Tracklet) End() int {
	return trk.Start + len(trk.refs) - 1
}

// Refs returns a copy of the tracklet's references
func (trk *Tracklet) Refs() []Ref {
	return append([]Ref(nil), trk.refs...)
}

// trimTrailingDummies drops dummies after the last real object and returns
// them along with their Kalman history
func (trk *Tracklet) trimTrailingDummies() ([]Ref, []KalmanStep) {
	last := len(trk.refs) - 1
	for last >= 0 && trk.refs[last].IsDummy() {
		last--
	}
	trimmed := append([]Ref(nil), trk.refs[last+1:]...)
	trk.refs = trk.refs[:last+1]
	var steps []KalmanStep
	if len(trk.kalman) > len(trk.refs) {
		steps = append(steps, trk.kalman[len(trk.refs):]...)
		trk.kalman = trk.kalman[:len(trk.refs)]
	}
	return trimmed, steps
}

func (trk *Tracklet) addChild(id int) {
	for _, c := range trk.Children {
		if c == id {
			return
		}
	}
	trk.Children = append(trk.Children, id)
}

func (trk *Tracklet) removeChild(id int) {
	for i, c := range trk.Children {
		if c == id {
			trk.Children = append(trk.Children[:i], trk.Children[i+1:]...)
			return
		}
	}
}

func (trk *Tracklet) String() string {
	return fmt.Sprintf("Tracklet{ID: %d, frames: [%d, %d], parent: %d, root: %d, generation: %d, fate: %s}",
		trk.ID, trk.Start, trk.End(), trk.Parent, trk.Root, trk.Generation, trk.Fate)
}
