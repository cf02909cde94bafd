package btrack

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefSigned(t *testing.T) {
	for _, ref := range []Ref{Real(0), Real(17), Dummy(0), Dummy(4)} {
		assert.Equal(t, ref, RefFromSigned(ref.Signed()), "round trip of %+v", ref)
	}
	assert.Equal(t, -1, Dummy(0).Signed())
	assert.Equal(t, 5, Real(5).Signed())
	assert.True(t, RefFromSigned(-3).IsDummy())
	assert.False(t, RefFromSigned(0).IsDummy())
}

func TestObjectStoreAppend(t *testing.T) {
	store := NewObjectStore()
	added, err := store.Append([]TrackObject{
		NewTrackObject(2, 1, 1, 0),
		NewTrackObject(0, 2, 2, 0),
		NewTrackObject(2, 3, 3, 0),
	})
	require.NoError(t, err)
	require.Len(t, added, 3)
	for i, obj := range added {
		assert.Equal(t, i, obj.ID)
		assert.Equal(t, -1, obj.Label)
	}

	more, err := store.Append([]TrackObject{{T: 1, X: 4, Dummy: true}})
	require.NoError(t, err)
	assert.Equal(t, 3, more[0].ID)
	assert.False(t, more[0].Dummy, "appended objects are always real")

	frame := store.Frame(2)
	require.Len(t, frame, 2)
	assert.Equal(t, 0, frame[0].ID)
	assert.Equal(t, 2, frame[1].ID)
	assert.Empty(t, store.Frame(7))
	assert.Equal(t, 4, store.Len())

	_, err = store.Append([]TrackObject{NewTrackObject(-1, 0, 0, 0)})
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Equal(t, 4, store.Len(), "rejected batch must not be stored")
}

func TestObjectStoreFrameRangeOrderInvariance(t *testing.T) {
	objects := []TrackObject{
		NewTrackObject(4, 0, 0, 0),
		NewTrackObject(0, 0, 0, 0),
		NewTrackObject(9, 0, 0, 0),
		NewTrackObject(3, 0, 0, 0),
	}
	forward := NewObjectStore()
	_, err := forward.Append(objects)
	require.NoError(t, err)

	backward := NewObjectStore()
	for i := len(objects) - 1; i >= 0; i-- {
		_, err := backward.Append(objects[i : i+1])
		require.NoError(t, err)
	}

	first, last := forward.FrameRange()
	assert.Equal(t, 0, first)
	assert.Equal(t, 9, last)
	bFirst, bLast := backward.FrameRange()
	assert.Equal(t, first, bFirst)
	assert.Equal(t, last, bLast)
}

func TestObjectStoreCopiesSlices(t *testing.T) {
	store := NewObjectStore()
	probability := []float64{0.2, 0.8}
	obj := NewTrackObject(0, 0, 0, 0)
	obj.Probability = probability
	_, err := store.Append([]TrackObject{obj})
	require.NoError(t, err)
	probability[0] = 1
	stored, ok := store.Get(0)
	require.True(t, ok)
	assert.Equal(t, 0.2, stored.Probability[0])
	_, ok = store.Get(1)
	assert.False(t, ok)
}
