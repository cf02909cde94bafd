package btrack

import (
	"sort"

	"github.com/pkg/errors"
)

// ObjectStore holds appended detections in append order and indexes them by frame.
type ObjectStore struct {
	objects []TrackObject
	byFrame map[int][]int
	// max frame index seen so far
	lastFrame int
}

// NewObjectStore creates an empty store
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make([]TrackObject, 0),
		byFrame: make(map[int][]int),
	}
}

// Append assigns sequential identifiers to objects and stores them.
// Frames within the batch may be in any order.
func (store *ObjectStore) Append(objects []TrackObject) ([]TrackObject, error) {
	for i := range objects {
		if objects[i].T < 0 {
			return nil, errors.Wrapf(ErrConfiguration, "object %d has negative frame index %d", i, objects[i].T)
		}
	}
	added := make([]TrackObject, len(objects))
	for i, obj := range objects {
		obj.ID = len(store.objects)
		obj.Dummy = false
		if obj.Probability != nil {
			obj.Probability = append([]float64(nil), obj.Probability...)
		}
		if obj.Features != nil {
			obj.Features = append([]float64(nil), obj.Features...)
		}
		store.objects = append(store.objects, obj)
		store.byFrame[obj.T] = append(store.byFrame[obj.T], obj.ID)
		store.lastFrame = maxInt(store.lastFrame, obj.T)
		added[i] = obj
	}
	return added, nil
}

// Len returns the number of stored objects
func (store *ObjectStore) Len() int {
	return len(store.objects)
}

// Get returns the object with the given identifier
func (store *ObjectStore) Get(id int) (TrackObject, bool) {
	if id < 0 || id >= len(store.objects) {
		return TrackObject{}, false
	}
	return store.objects[id], true
}

// Frame returns the objects observed at frame t, ordered by identifier
func (store *ObjectStore) Frame(t int) []TrackObject {
	ids := store.byFrame[t]
	out := make([]TrackObject, len(ids))
	for i, id := range ids {
		out[i] = store.objects[id]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FrameRange returns [0, max t] over all appended objects
func (store *ObjectStore) FrameRange() (int, int) {
	return 0, store.lastFrame
}

// Objects returns all stored objects in append order
func (store *ObjectStore) Objects() []TrackObject {
	return store.objects
}

// positions returns the positions of all stored objects
func (store *ObjectStore) positions() []Point {
	points := make([]Point, len(store.objects))
	for i, obj := range store.objects {
		points[i] = obj.Position()
	}
	return points
}
