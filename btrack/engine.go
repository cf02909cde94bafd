package btrack

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Version of the tracking engine, compared against Config.Version
const Version = "0.6.5"

// Engine is the tracking engine: it owns the objects, the tracklets and the
// lineage tree. Every call holds the engine lock for its whole duration.
type Engine struct {
	mu      sync.Mutex
	session uuid.UUID
	logger  *slog.Logger
	workers int

	store    *ObjectStore
	cfg      *Config
	matrices *motionMatrices
	trk      *tracker
}

// Option configures an Engine at construction
type Option func(*Engine)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkers limits the goroutines used for scoring, hypothesis generation and optimisation
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an unconfigured engine
func New(options ...Option) *Engine {
	e := &Engine{
		session: uuid.New(),
		logger:  slog.New(slog.DiscardHandler),
		workers: runtime.GOMAXPROCS(0),
		store:   NewObjectStore(),
	}
	for _, option := range options {
		option(e)
	}
	e.logger = e.logger.With(slog.String("session", e.session.String()))
	return e
}

// Session returns the identifier attached to every log record of this engine
func (e *Engine) Session() uuid.UUID {
	return e.session
}

// Configure validates cfg and applies it. The motion model, object model,
// search radius and volume can only change before tracking starts.
func (e *Engine) Configure(cfg *Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg == nil {
		return errors.Wrap(ErrConfiguration, "nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Version != "" && cfg.Version != Version {
		e.logger.Warn("configuration was written for another engine version",
			slog.String("error", errors.Wrapf(ErrEngineVersionMismatch, "config %s, engine %s", cfg.Version, Version).Error()),
		)
	}
	if e.trk != nil && e.trk.frame > 0 {
		return errors.Wrap(ErrConfiguration, "tracking has started, only the hypothesis model and optimizer options can change")
	}
	return e.apply(cfg.clone())
}

// apply performs the engine side effects of a configuration
func (e *Engine) apply(cfg *Config) error {
	matrices, err := cfg.MotionModel.matrices()
	if err != nil {
		return err
	}
	e.cfg = cfg
	e.matrices = matrices
	// the tracker picks up the object model, search radius and volume when it starts
	e.trk = nil
	e.logger.Info("configured",
		slog.String("config", cfg.Name),
		slog.String("motion_model", cfg.MotionModel.Name),
		slog.Bool("object_model", cfg.ObjectModel != nil),
		slog.Bool("hypothesis_model", cfg.HypothesisModel != nil),
		slog.Float64("max_search_radius", cfg.MaxSearchRadius),
		slog.String("update_method", cfg.UpdateMethod.String()),
	)
	return nil
}

// SetHypothesisModel replaces the hypothesis model, also after tracking
func (e *Engine) SetHypothesisModel(model HypothesisModel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg == nil {
		return errors.Wrap(ErrNotInitialized, "configure the engine first")
	}
	if err := model.Validate(); err != nil {
		return err
	}
	model.Hypotheses = append([]HypothesisType(nil), model.Hypotheses...)
	e.cfg.HypothesisModel = &model
	return nil
}

// Append stores objects and returns them with their identifiers set.
// Objects may arrive in any frame order but not in frames already tracked.
func (e *Engine) Append(objects []TrackObject) ([]TrackObject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk != nil && e.trk.frame > 0 {
		for _, obj := range objects {
			if obj.T < e.trk.frame {
				return nil, errors.Wrapf(ErrFrameProcessed, "object at frame %d, tracked up to %d", obj.T, e.trk.frame-1)
			}
		}
	}
	added, err := e.store.Append(objects)
	if err != nil {
		return nil, err
	}
	if e.trk != nil && e.cfg != nil && e.cfg.Volume == nil {
		// the derived volume grows with the data, also when a finished run is resumed
		e.trk.volume = volumeFromPoints(e.store.positions())
	}
	e.logger.Debug("objects appended", slog.Int("count", len(added)), slog.Int("total", e.store.Len()))
	return added, nil
}

// ensureTracker starts the tracker on first use
func (e *Engine) ensureTracker() error {
	if e.cfg == nil {
		return errors.Wrap(ErrNotInitialized, "configure the engine before tracking")
	}
	if e.trk != nil {
		return nil
	}
	volume := volumeFromPoints(e.store.positions())
	if e.cfg.Volume != nil {
		volume = *e.cfg.Volume
	}
	e.trk = newTracker(e.store, e.cfg, e.matrices, volume, e.workers, e.logger)
	return nil
}

// Track processes every frame that is left
func (e *Engine) Track(ctx context.Context) (Statistics, error) {
	_, stats, err := e.Step(ctx, 0)
	return stats, err
}

// Step processes up to n frames (all remaining frames when n <= 0).
// Paging through the data with Step gives the same result as Track.
func (e *Engine) Step(ctx context.Context, n int) (StepStatus, Statistics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureTracker(); err != nil {
		return StepContinue, Statistics{}, err
	}
	status, stats, err := e.trk.step(ctx, n)
	if err != nil {
		return status, stats, err
	}
	e.logger.Info("step",
		slog.String("status", status.String()),
		slog.Int("frames", stats.FramesProcessed),
		slog.Int("active", stats.Active),
		slog.Int("lost", stats.Lost),
		slog.Int("new", stats.New),
		slog.Int("terminated", stats.Terminated),
		slog.Int("numerical_errors", stats.NumericalErrors),
	)
	return status, stats, nil
}

// Statistics returns the statistics of the tracking run so far
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return Statistics{}
	}
	return e.trk.statistics()
}

// Hypotheses returns the scored lineage hypotheses over the whole frame range
func (e *Engine) Hypotheses(ctx context.Context) ([]Hypothesis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hypotheses(ctx)
}

func (e *Engine) hypotheses(ctx context.Context) ([]Hypothesis, error) {
	if err := e.ensureTracker(); err != nil {
		return nil, err
	}
	if e.cfg.HypothesisModel == nil {
		return nil, errors.Wrap(ErrHypothesisModelMissing, "set a hypothesis model first")
	}
	start, end := e.store.FrameRange()
	gen := newHypothesisGenerator(*e.cfg.HypothesisModel, e.trk.volume, e.cfg.MaxSearchRadius, start, end, e.workers)
	return gen.generate(ctx, e.summaries())
}

// summaries describes the visible tracklets for the hypothesis generator
func (e *Engine) summaries() []trackletSummary {
	apoptosis := -1
	if e.cfg.ObjectModel != nil {
		apoptosis = e.cfg.ObjectModel.apoptosisState()
	}
	visible := e.trk.tree.visible()
	out := make([]trackletSummary, 0, len(visible))
	for _, t := range visible {
		first, _ := e.trk.position(t.refs[0])
		last, _ := e.trk.position(t.refs[len(t.refs)-1])
		summary := trackletSummary{
			id:    t.ID,
			start: t.Start,
			end:   t.End(),
			first: first,
			last:  last,
		}
		if apoptosis >= 0 {
			for i := len(t.refs) - 1; i >= 0; i-- {
				if t.refs[i].IsDummy() {
					continue
				}
				obj, _ := e.store.Get(t.refs[i].Index)
				if obj.Label != apoptosis {
					break
				}
				summary.apoptotic++
			}
		}
		out = append(out, summary)
	}
	return out
}

// Optimise generates hypotheses, selects the best consistent subset and
// merges it into the lineage tree. options overrides the configured
// optimizer options when not nil. The applied hypotheses are returned; an
// empty selection is logged and leaves the tracks unchanged.
func (e *Engine) Optimise(ctx context.Context, options *OptimiserOptions) ([]Hypothesis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hypotheses, err := e.hypotheses(ctx)
	if err != nil {
		return nil, err
	}
	opts := e.cfg.OptimiserOptions
	if options != nil {
		opts = *options
	}
	opt := &optimiser{eta: e.cfg.HypothesisModel.Eta, options: opts, workers: e.workers}
	result, err := opt.optimise(ctx, hypotheses)
	if errors.Is(err, ErrOptimisationInfeasible) {
		e.logger.Warn("optimisation selected nothing, tracks left unchanged", slog.String("error", err.Error()))
		return []Hypothesis{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !result.optimal {
		e.logger.Warn("optimiser budget exhausted, using the best solution found", slog.Int("nodes", result.nodes))
	}
	before := e.trk.tree.nTracks()
	m := &merger{trk: e.trk, logger: e.logger}
	skipped, err := m.apply(result.selected)
	if err != nil {
		return nil, err
	}
	applied := subtractHypotheses(result.selected, skipped)
	e.logSummary(hypotheses, applied)
	e.logger.Info("optimised",
		slog.Int("hypotheses", len(hypotheses)),
		slog.Int("selected", len(applied)),
		slog.Int("tracks_before", before),
		slog.Int("tracks_after", e.trk.tree.nTracks()),
	)
	return applied, nil
}

func subtractHypotheses(all, skipped []Hypothesis) []Hypothesis {
	drop := make(map[int]struct{}, len(skipped))
	for _, h := range skipped {
		drop[h.ID] = struct{}{}
	}
	out := make([]Hypothesis, 0, len(all))
	for _, h := range all {
		if _, found := drop[h.ID]; !found {
			out = append(out, h)
		}
	}
	return out
}

// logSummary logs how many hypotheses of each type were selected
func (e *Engine) logSummary(all, selected []Hypothesis) {
	total := make(map[HypothesisType]int)
	chosen := make(map[HypothesisType]int)
	for _, h := range all {
		total[h.Type]++
	}
	for _, h := range selected {
		chosen[h.Type]++
	}
	types := make([]HypothesisType, 0, len(total))
	for t := range total {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		e.logger.Info("optimisation summary",
			slog.String("type", t.String()),
			slog.Int("selected", chosen[t]),
			slog.Int("total", total[t]),
		)
	}
}

// Track is a read-only view of a tracklet
type Track struct {
	ID         int
	Start      int
	End        int
	Parent     int
	Root       int
	Generation int
	Children   []int
	Fate       Fate
	// Signed references: object ids, and -(i+1) for dummy i
	Refs []int
	// Objects behind Refs, dummies included
	Objects []TrackObject
	// Kalman history, only with Config.ReturnKalman
	Kalman []KalmanStep
}

// Len returns the number of frames covered by the track
func (t Track) Len() int {
	return len(t.Refs)
}

// Tracks returns every track in identifier order
func (e *Engine) Tracks() []Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return []Track{}
	}
	visible := e.trk.tree.visible()
	out := make([]Track, 0, len(visible))
	for _, t := range visible {
		track := Track{
			ID:         t.ID,
			Start:      t.Start,
			End:        t.End(),
			Parent:     t.Parent,
			Root:       t.Root,
			Generation: t.Generation,
			Children:   append([]int(nil), t.Children...),
			Fate:       t.Fate,
			Refs:       make([]int, len(t.refs)),
			Objects:    make([]TrackObject, len(t.refs)),
			Kalman:     append([]KalmanStep(nil), t.kalman...),
		}
		for i, ref := range t.refs {
			track.Refs[i] = ref.Signed()
			track.Objects[i] = e.object(ref)
		}
		out = append(out, track)
	}
	return out
}

func (e *Engine) object(ref Ref) TrackObject {
	if ref.IsDummy() {
		obj, _ := e.trk.dummy(ref)
		return obj
	}
	obj, _ := e.store.Get(ref.Index)
	return obj
}

// Refs returns the signed references of every track, in identifier order
func (e *Engine) Refs() [][]int {
	tracks := e.Tracks()
	out := make([][]int, len(tracks))
	for i, t := range tracks {
		out[i] = t.Refs
	}
	return out
}

// Dummies returns the dummy objects referenced by tracks, most recent last
func (e *Engine) Dummies() []TrackObject {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return []TrackObject{}
	}
	indices := make([]int, 0, len(e.trk.dummies))
	for idx := range e.trk.dummies {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	out := make([]TrackObject, len(indices))
	for i, idx := range indices {
		out[i] = e.trk.dummies[idx]
	}
	return out
}

// LBEP returns the lineage table of every track
func (e *Engine) LBEP() []LBEPRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return []LBEPRow{}
	}
	return e.trk.tree.LBEP()
}

// NTracks returns the number of tracks
func (e *Engine) NTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return 0
	}
	return e.trk.tree.nTracks()
}

// NDummies returns the number of dummy objects referenced by tracks
func (e *Engine) NDummies() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return 0
	}
	return len(e.trk.dummies)
}

// FrameRange returns [0, max t] over the appended objects
func (e *Engine) FrameRange() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.FrameRange()
}

// Objects returns the appended objects in append order
func (e *Engine) Objects() []TrackObject {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TrackObject(nil), e.store.Objects()...)
}

// Lineage returns a snapshot of the lineage tree
func (e *Engine) Lineage() *LineageTree {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk == nil {
		return newLineageTree()
	}
	return e.trk.tree.clone()
}

// FlatRow is one (track, frame) entry of the flattened track table
type FlatRow struct {
	TrackID int
	T       int
	X       float64
	Y       float64
	Z       float64
	Dummy   bool
}

// Flatten returns every track as (track id, frame, coordinates) rows,
// ordered by track then frame.
func (e *Engine) Flatten() []FlatRow {
	tracks := e.Tracks()
	rows := make([]FlatRow, 0)
	for _, t := range tracks {
		for _, obj := range t.Objects {
			rows = append(rows, FlatRow{
				TrackID: t.ID,
				T:       obj.T,
				X:       obj.X,
				Y:       obj.Y,
				Z:       obj.Z,
				Dummy:   obj.Dummy,
			})
		}
	}
	return rows
}

// Graph returns the lineage edges of the visible tracks as child id to
// parent id, for viewers that draw the tree next to the flattened tracks.
func (e *Engine) Graph() map[int]int {
	graph := make(map[int]int)
	for _, t := range e.Tracks() {
		if t.Parent != 0 {
			graph[t.ID] = t.Parent
		}
	}
	return graph
}

// Configuration returns a copy of the applied configuration, nil before Configure
func (e *Engine) Configuration() *Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg == nil {
		return nil
	}
	return e.cfg.clone()
}

// MotionModel returns the configured motion model
func (e *Engine) MotionModel() (MotionModel, error) {
	cfg := e.Configuration()
	if cfg == nil {
		return MotionModel{}, errors.Wrap(ErrNotInitialized, "motion model")
	}
	return *cfg.MotionModel, nil
}

// ObjectModel returns the configured object model, nil if there is none
func (e *Engine) ObjectModel() *ObjectModel {
	cfg := e.Configuration()
	if cfg == nil {
		return nil
	}
	return cfg.ObjectModel
}

// HypothesisModel returns the configured hypothesis model, nil if there is none
func (e *Engine) HypothesisModel() *HypothesisModel {
	cfg := e.Configuration()
	if cfg == nil {
		return nil
	}
	return cfg.HypothesisModel
}

// MaxSearchRadius returns the configured search radius
func (e *Engine) MaxSearchRadius() float64 {
	cfg := e.Configuration()
	if cfg == nil {
		return 0
	}
	return cfg.MaxSearchRadius
}

// Volume returns the imaging volume in use. Without a configured volume it is
// the bounding box of the appended objects.
func (e *Engine) Volume() ImagingVolume {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trk != nil {
		return e.trk.volume
	}
	if e.cfg != nil && e.cfg.Volume != nil {
		return *e.cfg.Volume
	}
	return volumeFromPoints(e.store.positions())
}
