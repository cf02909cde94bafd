package btrack

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ObjectModel is a discrete hidden Markov model over object classes.
// Emission[s*States+l] is the probability of observing label l in hidden state s.
type ObjectModel struct {
	Name       string    `json:"name"`
	States     int       `json:"states"`
	Emission   []float64 `json:"emission"`
	Transition []float64 `json:"transition"`
	Start      []float64 `json:"start"`
	// Hidden state that marks dying objects, nil if none
	ApoptosisState *int `json:"apoptosis_state,omitempty"`
}

// Validate checks the matrix sizes and that every distribution sums to one
func (model *ObjectModel) Validate() error {
	if model.States <= 0 {
		return errors.Wrapf(ErrConfiguration, "object model states must be positive, got %d", model.States)
	}
	n := model.States
	if err := checkLen("emission", model.Emission, n, n); err != nil {
		return err
	}
	if err := checkLen("transition", model.Transition, n, n); err != nil {
		return err
	}
	if err := checkLen("start", model.Start, 1, n); err != nil {
		return err
	}
	if s := model.apoptosisState(); model.ApoptosisState != nil && (s < 0 || s >= n) {
		return errors.Wrapf(ErrConfiguration, "apoptosis state %d out of range for %d states", s, n)
	}
	const tol = 1e-6
	if math.Abs(floats.Sum(model.Start)-1) > tol {
		return errors.Wrap(ErrConfiguration, "start distribution does not sum to 1")
	}
	for s := 0; s < n; s++ {
		if math.Abs(floats.Sum(model.Emission[s*n:(s+1)*n])-1) > tol {
			return errors.Wrapf(ErrConfiguration, "emission row %d does not sum to 1", s)
		}
		if math.Abs(floats.Sum(model.Transition[s*n:(s+1)*n])-1) > tol {
			return errors.Wrapf(ErrConfiguration, "transition row %d does not sum to 1", s)
		}
	}
	return nil
}

func (model *ObjectModel) apoptosisState() int {
	if model.ApoptosisState == nil {
		return -1
	}
	return *model.ApoptosisState
}

// observation returns the likelihood of obj under each hidden state.
// Detector probabilities are used when present, otherwise the label column of
// the emission matrix. Unlabelled objects are uninformative.
func (model *ObjectModel) observation(obj TrackObject) []float64 {
	n := model.States
	lik := make([]float64, n)
	switch {
	case len(obj.Probability) == n:
		for s := 0; s < n; s++ {
			for l := 0; l < n; l++ {
				lik[s] += model.Emission[s*n+l] * obj.Probability[l]
			}
		}
	case obj.Label >= 0 && obj.Label < n:
		for s := 0; s < n; s++ {
			lik[s] = model.Emission[s*n+obj.Label]
		}
	default:
		for s := range lik {
			lik[s] = 1.0
		}
	}
	return lik
}

// initial returns the class posterior of a tracklet started by obj
func (model *ObjectModel) initial(obj TrackObject) []float64 {
	posterior := make([]float64, model.States)
	floats.MulTo(posterior, model.Start, model.observation(obj))
	if !normalise(posterior) {
		copy(posterior, model.Start)
	}
	return posterior
}

// predict propagates a class posterior one step through the transition matrix
func (model *ObjectModel) predict(posterior []float64) []float64 {
	n := model.States
	prior := make([]float64, n)
	for prev := 0; prev < n; prev++ {
		for next := 0; next < n; next++ {
			prior[next] += posterior[prev] * model.Transition[prev*n+next]
		}
	}
	return prior
}

// Likelihood returns the probability of observing obj given the tracklet's
// current class posterior.
func (model *ObjectModel) Likelihood(posterior []float64, obj TrackObject) float64 {
	return floats.Dot(model.predict(posterior), model.observation(obj))
}

// forward performs one step of the forward algorithm, rescaled to sum to one.
func (model *ObjectModel) forward(posterior []float64, obj TrackObject) []float64 {
	next := model.predict(posterior)
	floats.Mul(next, model.observation(obj))
	if !normalise(next) {
		// the observation was impossible under the model, keep the prediction
		return model.predict(posterior)
	}
	return next
}

// mostLikely returns the index of the most probable state (lowest index on ties)
func mostLikely(posterior []float64) int {
	if len(posterior) == 0 {
		return -1
	}
	return floats.MaxIdx(posterior)
}

func normalise(p []float64) bool {
	total := floats.Sum(p)
	if total <= 0 || math.IsNaN(total) {
		return false
	}
	floats.Scale(1/total, p)
	return true
}
