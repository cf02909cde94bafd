package btrack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mergeObjects are two cells at (20, 50) and (40, 50) for frames 0..4, a
// single cell between them for frames 5..9 and a spurious detection at frame 7
func mergeObjects() []TrackObject {
	objects := make([]TrackObject, 0)
	for frame := 0; frame < 5; frame++ {
		objects = append(objects, NewTrackObject(frame, 20, 50, 0))
		objects = append(objects, NewTrackObject(frame, 40, 50, 0))
	}
	for frame := 5; frame < 10; frame++ {
		objects = append(objects, NewTrackObject(frame, 30, 50, 0))
		if frame == 7 {
			objects = append(objects, NewTrackObject(frame, 80, 80, 0))
		}
	}
	return objects
}

func TestMergerAppliesMergeAndFalsePositive(t *testing.T) {
	e := newTestEngine(t, divisionConfig(), mergeObjects())
	_, err := e.Track(context.Background())
	require.NoError(t, err)
	rows := e.LBEP()
	require.Len(t, rows, 4)
	assert.Equal(t, []int{0, 0, 5, 7}, []int{rows[0].Begin, rows[1].Begin, rows[2].Begin, rows[3].Begin})
	before := e.NTracks()

	m := &merger{trk: e.trk, logger: e.logger}
	skipped, err := m.apply([]Hypothesis{
		{ID: 0, Type: HypothesisMerge, Tracklet: 1, Partner: 2, Link: 3},
		{ID: 1, Type: HypothesisFalsePositive, Tracklet: 4},
	})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	tree := e.Lineage()
	merged, err := tree.Get(3)
	require.NoError(t, err)
	assert.Equal(t, 1, merged.Parent)
	assert.Equal(t, 1, merged.Root)
	assert.Equal(t, 1, merged.Generation)
	children, err := tree.Children(1)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, children)

	for id, want := range map[int]Fate{1: FateMerge, 2: FateMergedAway, 3: FateOngoing, 4: FateFalsePositive} {
		fate, err := tree.Fate(id)
		require.NoError(t, err)
		assert.Equal(t, want, fate, "tracklet %d", id)
	}
	// the partner and the false positive keep their objects
	assert.Equal(t, before, e.NTracks())
	assert.Len(t, e.Refs()[1], 5)
	checkPartition(t, e)
	checkLineage(t, e)
}
