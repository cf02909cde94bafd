package btrack

import "fmt"

// TrackObject is a single detection. ID is assigned by Append and the object
// is never mutated afterwards.
type TrackObject struct {
	ID int
	// Frame index
	T int
	X float64
	Y float64
	Z float64
	// Class label, -1 if unknown
	Label int
	// Optional class probabilities from the detector
	Probability []float64
	// Optional feature vector, carried through untouched
	Features []float64
	// Dummy objects bridge gaps in a tracklet
	Dummy bool
}

// NewTrackObject creates an unlabelled object at frame t
func NewTrackObject(t int, x, y, z float64) TrackObject {
	return TrackObject{
		T:     t,
		X:     x,
		Y:     y,
		Z:     z,
		Label: -1,
	}
}

// Position returns the object position
func (obj TrackObject) Position() Point {
	return Point{X: obj.X, Y: obj.Y, Z: obj.Z}
}

func (obj TrackObject) String() string {
	if obj.Dummy {
		return fmt.Sprintf("Dummy{ID: %d, t: %d, (%.2f, %.2f, %.2f)}", obj.ID, obj.T, obj.X, obj.Y, obj.Z)
	}
	return fmt.Sprintf("Object{ID: %d, t: %d, (%.2f, %.2f, %.2f), label: %d}", obj.ID, obj.T, obj.X, obj.Y, obj.Z, obj.Label)
}

// RefKind tags a Ref as pointing at a real or a dummy object
type RefKind uint8

const (
	// RefReal points into the ObjectStore
	RefReal RefKind = iota
	// RefDummy points into the dummy table
	RefDummy
)

// Ref is a reference from a tracklet to one of its objects.
type Ref struct {
	Kind  RefKind
	Index int
}

// Real creates a reference to an appended object
func Real(index int) Ref {
	return Ref{Kind: RefReal, Index: index}
}

// Dummy creates a reference to a dummy object
func Dummy(index int) Ref {
	return Ref{Kind: RefDummy, Index: index}
}

// IsDummy reports whether the reference points at a dummy
func (r Ref) IsDummy() bool {
	return r.Kind == RefDummy
}

// Signed returns the external encoding: object id for real objects and
// -(index+1) for dummies.
func (r Ref) Signed() int {
	if r.Kind == RefDummy {
		return -(r.Index + 1)
	}
	return r.Index
}

// RefFromSigned is the inverse of Ref.Signed
func RefFromSigned(v int) Ref {
	if v < 0 {
		return Dummy(-v - 1)
	}
	return Real(v)
}
