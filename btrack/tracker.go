package btrack

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// StepStatus tells whether there are frames left to process
type StepStatus uint8

const (
	// StepContinue means more frames remain
	StepContinue StepStatus = iota
	// StepComplete means every appended frame has been processed
	StepComplete
)

func (s StepStatus) String() string {
	if s == StepComplete {
		return "COMPLETE"
	}
	return "CONTINUE"
}

// Statistics summarises the tracking run so far
type Statistics struct {
	// Frames processed since the start
	FramesProcessed int
	// Tracklets matched in the last processed frame
	Active int
	// Tracklets currently unmatched but not yet terminated
	Lost int
	// Tracklets created so far
	New int
	// Tracklets terminated so far
	Terminated int
	// Dummy objects currently referenced by tracklets
	Dummies int
	// Tracklets stopped because of a numerical failure
	NumericalErrors int
	// Wall time spent in the core loop
	Elapsed time.Duration
	Complete bool
}

// tracker is the frame by frame core loop: predict, score, assign, update, terminate.
type tracker struct {
	store           *ObjectStore
	motion          MotionModel
	matrices        *motionMatrices
	objectModel     *ObjectModel
	maxSearchRadius float64
	volume          ImagingVolume
	method          UpdateMethod
	returnKalman    bool
	workers         int
	logger          *slog.Logger

	tree *LineageTree
	// Dummy objects by index, see Ref
	dummies   map[int]TrackObject
	nextDummy int
	// Identifiers of tracklets that are not terminated, in increasing order
	live []int
	// Next frame to process
	frame     int
	finalized bool
	stats     Statistics
}

func newTracker(store *ObjectStore, cfg *Config, matrices *motionMatrices, volume ImagingVolume, workers int, logger *slog.Logger) *tracker {
	return &tracker{
		store:           store,
		motion:          *cfg.MotionModel,
		matrices:        matrices,
		objectModel:     cfg.ObjectModel,
		maxSearchRadius: cfg.MaxSearchRadius,
		volume:          volume,
		method:          cfg.UpdateMethod,
		returnKalman:    cfg.ReturnKalman,
		workers:         workers,
		logger:          logger,
		tree:            newLineageTree(),
		dummies:         make(map[int]TrackObject),
		live:            make([]int, 0),
	}
}

// done reports whether every appended frame has been processed
func (trk *tracker) done() bool {
	_, last := trk.store.FrameRange()
	return trk.frame > last
}

// step processes up to n frames. n <= 0 processes everything that is left.
func (trk *tracker) step(ctx context.Context, n int) (StepStatus, Statistics, error) {
	st := time.Now()
	defer func() {
		trk.stats.Elapsed += time.Since(st)
	}()
	if !trk.done() && trk.finalized {
		// new frames were appended after the previous run completed
		trk.restoreTrails()
	}
	for processed := 0; (n <= 0 || processed < n) && !trk.done(); processed++ {
		if err := ctx.Err(); err != nil {
			return StepContinue, trk.statistics(), errors.Wrapf(err, "stopped before frame %d", trk.frame)
		}
		if err := trk.processFrame(ctx, trk.frame); err != nil {
			return StepContinue, trk.statistics(), errors.Wrapf(err, "frame %d", trk.frame)
		}
		trk.frame++
		trk.stats.FramesProcessed++
	}
	if !trk.done() {
		return StepContinue, trk.statistics(), nil
	}
	if !trk.finalized {
		trk.finalize()
	}
	return StepComplete, trk.statistics(), nil
}

func (trk *tracker) statistics() Statistics {
	stats := trk.stats
	stats.Active, stats.Lost = 0, 0
	for _, id := range trk.live {
		tracklet, _ := trk.tree.Get(id)
		switch tracklet.state {
		case StateActive:
			stats.Active++
		case StateLost:
			stats.Lost++
		}
	}
	stats.Dummies = len(trk.dummies)
	stats.Complete = trk.done() && trk.finalized
	return stats
}

// processFrame runs one iteration of the core loop at frame t
func (trk *tracker) processFrame(ctx context.Context, t int) error {
	// 1. Predict next positions for all live tracklets via Kalman filter
	rows := make([]*Tracklet, 0, len(trk.live))
	for _, id := range trk.live {
		tracklet, _ := trk.tree.Get(id)
		if err := tracklet.kf.Predict(); err != nil {
			trk.numericalFailure(tracklet, err)
			continue
		}
		tracklet.predicted = tracklet.kf.PredictedPosition()
		rows = append(rows, tracklet)
	}

	// 2. Score every (tracklet, object) pair
	objects := trk.store.Frame(t)
	weights, err := trk.score(ctx, rows, objects)
	if err != nil {
		return err
	}

	// 3. Assign
	matches := assign(weights, len(objects), trk.motion.ProbNotAssign, trk.method)

	// 4. Update matched tracklets
	matchedRows := make(map[int]struct{}, len(matches))
	matchedObjects := make(map[int]struct{}, len(matches))
	for _, match := range matches {
		tracklet := rows[match[0]]
		obj := objects[match[1]]
		if err := tracklet.kf.Update(obj.Position()); err != nil {
			trk.numericalFailure(tracklet, err)
			continue
		}
		tracklet.refs = append(tracklet.refs, Real(obj.ID))
		tracklet.misses = 0
		tracklet.state = StateActive
		if trk.objectModel != nil {
			tracklet.class = trk.objectModel.forward(tracklet.class, obj)
		}
		trk.recordKalman(tracklet)
		matchedRows[match[0]] = struct{}{}
		matchedObjects[match[1]] = struct{}{}
	}

	// 5. Fill gaps of unmatched tracklets and terminate the ones lost for too long
	for i, tracklet := range rows {
		if _, found := matchedRows[i]; found || tracklet.state == StateTerminated {
			continue
		}
		tracklet.kf.Skip()
		tracklet.misses++
		if trk.objectModel != nil {
			tracklet.class = trk.objectModel.predict(tracklet.class)
		}
		if tracklet.misses > trk.motion.MaxLost {
			trk.terminate(tracklet, trk.fateOf(tracklet))
			continue
		}
		tracklet.refs = append(tracklet.refs, trk.addDummy(t, tracklet.predicted))
		tracklet.state = StateLost
		trk.recordKalman(tracklet)
	}

	// 6. Start new tracklets for unmatched objects
	for j, obj := range objects {
		if _, found := matchedObjects[j]; found {
			continue
		}
		trk.spawn(obj)
	}

	trk.compactLive()
	trk.logger.Debug("frame processed",
		slog.Int("frame", t),
		slog.Int("objects", len(objects)),
		slog.Int("matches", len(matchedObjects)),
		slog.Int("live", len(trk.live)),
	)
	return nil
}

// score computes the assignment weights of a frame in parallel over tracklets.
// Every worker writes only its own row.
func (trk *tracker) score(ctx context.Context, rows []*Tracklet, objects []TrackObject) (assignmentMatrix, error) {
	weights := make(assignmentMatrix, len(rows))
	if len(rows) == 0 || len(objects) == 0 {
		for i := range weights {
			weights[i] = make([]float64, len(objects))
		}
		return weights, nil
	}
	// log of the integration box volume that turns the density into a probability
	logBox := float64(trk.matrices.measurements) * math.Log(2*trk.motion.Accuracy)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(trk.workers)
	for i := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tracklet := rows[i]
			row := make([]float64, len(objects))
			for j, obj := range objects {
				position := obj.Position()
				if euclideanDistance(tracklet.predicted, position) > trk.maxSearchRadius {
					continue
				}
				if !trk.volume.Contains(position) {
					continue
				}
				pPos := math.Min(1, math.Exp(tracklet.kf.LogLikelihood(position)+logBox))
				pClass := 1.0
				if trk.objectModel != nil {
					pClass = trk.objectModel.Likelihood(tracklet.class, obj)
				}
				w := pPos * pClass
				if math.IsNaN(w) || math.IsInf(w, 0) {
					continue
				}
				row[j] = w
			}
			weights[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return weights, nil
}

// spawn starts a tracklet from an unmatched object
func (trk *tracker) spawn(obj TrackObject) {
	tracklet := trk.tree.add(obj.T)
	tracklet.refs = append(tracklet.refs, Real(obj.ID))
	tracklet.kf = newKalmanFilter(trk.matrices, obj.Position())
	tracklet.predicted = obj.Position()
	if trk.objectModel != nil {
		tracklet.class = trk.objectModel.initial(obj)
	}
	trk.recordKalman(tracklet)
	trk.live = append(trk.live, tracklet.ID)
	trk.stats.New++
}

// addDummy creates a dummy object at the predicted position and returns its reference
func (trk *tracker) addDummy(t int, position Point) Ref {
	ref := Dummy(trk.nextDummy)
	trk.nextDummy++
	dummy := NewTrackObject(t, position.X, position.Y, position.Z)
	dummy.ID = ref.Signed()
	dummy.Dummy = true
	if trk.objectModel != nil {
		dummy.Probability = make([]float64, trk.objectModel.States)
	}
	trk.dummies[ref.Index] = dummy
	return ref
}

// dummy returns the dummy object behind a reference
func (trk *tracker) dummy(ref Ref) (TrackObject, bool) {
	obj, ok := trk.dummies[ref.Index]
	return obj, ok
}

// fateOf decides why a tracklet stopped being matched
func (trk *tracker) fateOf(tracklet *Tracklet) Fate {
	if trk.volume.NearBorder(tracklet.predicted, trk.motion.Accuracy) {
		return FateExtrude
	}
	if trk.objectModel != nil {
		if apop := trk.objectModel.apoptosisState(); apop >= 0 && mostLikely(tracklet.class) == apop {
			return FateApoptosis
		}
	}
	return FateLost
}

// terminate stops a tracklet and drops its trailing dummies
func (trk *tracker) terminate(tracklet *Tracklet, fate Fate) {
	trimmed, _ := tracklet.trimTrailingDummies()
	for _, ref := range trimmed {
		delete(trk.dummies, ref.Index)
	}
	tracklet.state = StateTerminated
	tracklet.Fate = fate
	tracklet.kf = nil
	trk.stats.Terminated++
}

func (trk *tracker) numericalFailure(tracklet *Tracklet, err error) {
	trk.stats.NumericalErrors++
	trk.logger.Warn("tracklet stopped on numerical failure",
		slog.Int("tracklet", tracklet.ID),
		slog.String("error", err.Error()),
	)
	trk.terminate(tracklet, FateLost)
}

func (trk *tracker) recordKalman(tracklet *Tracklet) {
	if trk.returnKalman {
		tracklet.kalman = append(tracklet.kalman, tracklet.kf.Snapshot())
	}
}

// compactLive drops terminated tracklets from the live list
func (trk *tracker) compactLive() {
	live := trk.live[:0]
	for _, id := range trk.live {
		if tracklet, _ := trk.tree.Get(id); tracklet.state != StateTerminated {
			live = append(live, id)
		}
	}
	trk.live = live
}

// finalize trims the trailing dummies of tracklets still live at the end of
// the data. Their fate stays Ongoing. The trimmed dummies are kept aside so
// that tracking can resume if more frames are appended.
func (trk *tracker) finalize() {
	for _, id := range trk.live {
		tracklet, _ := trk.tree.Get(id)
		trail, steps := tracklet.trimTrailingDummies()
		tracklet.trail = tracklet.trail[:0]
		tracklet.trailKalman = steps
		for _, ref := range trail {
			if obj, ok := trk.dummy(ref); ok {
				tracklet.trail = append(tracklet.trail, obj)
			}
			delete(trk.dummies, ref.Index)
		}
	}
	trk.finalized = true
}

// restoreTrails puts back the dummies trimmed by finalize
func (trk *tracker) restoreTrails() {
	for _, id := range trk.live {
		tracklet, _ := trk.tree.Get(id)
		for _, obj := range tracklet.trail {
			tracklet.refs = append(tracklet.refs, trk.addDummy(obj.T, obj.Position()))
		}
		tracklet.kalman = append(tracklet.kalman, tracklet.trailKalman...)
		tracklet.trail = nil
		tracklet.trailKalman = nil
	}
	trk.finalized = false
}
