package btrack

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MotionModel holds the parameters of a linear-Gaussian state space model.
// Matrices are flattened row-major so that they can be read from JSON directly.
type MotionModel struct {
	Name string `json:"name"`
	// Number of measured coordinates (1..3, taken from x, y, z in that order)
	Measurements int `json:"measurements"`
	// Number of state variables
	States int `json:"states"`
	// State transition matrix (States x States)
	A []float64 `json:"A"`
	// Observation matrix (Measurements x States)
	H []float64 `json:"H"`
	// Initial state covariance (States x States)
	P []float64 `json:"P"`
	// Process noise covariance (States x States)
	Q []float64 `json:"Q"`
	// Measurement noise covariance (Measurements x Measurements)
	R []float64 `json:"R"`
	// Time step between frames
	Dt float64 `json:"dt"`
	// Half width of the integration box used to turn densities into probabilities
	Accuracy float64 `json:"accuracy"`
	// Number of consecutive frames a tracklet may go unmatched
	MaxLost int `json:"max_lost"`
	// Probability of not assigning a tracklet (and of spawning a new one)
	ProbNotAssign float64 `json:"prob_not_assign"`
}

// motionMatrices are the validated gonum forms of a MotionModel
type motionMatrices struct {
	states       int
	measurements int
	A            *mat.Dense
	H            *mat.Dense
	P            *mat.SymDense
	Q            *mat.SymDense
	R            *mat.SymDense
}

// NewConstantVelocityModel returns the usual cell tracking model: position and
// velocity in 3D, position measured. sigmaP scales the initial covariance,
// sigmaG the process noise and sigmaR the measurement noise.
func NewConstantVelocityModel(dt, sigmaP, sigmaG, sigmaR float64) MotionModel {
	const states, measurements = 6, 3
	A := make([]float64, states*states)
	H := make([]float64, measurements*states)
	P := make([]float64, states*states)
	Q := make([]float64, states*states)
	R := make([]float64, measurements*measurements)
	// Process noise enters as a discrete white noise acceleration G*G^T
	G := []float64{0.5 * dt * dt, 0.5 * dt * dt, 0.5 * dt * dt, dt, dt, dt}
	for i := 0; i < states; i++ {
		A[i*states+i] = 1.0
		if i < measurements {
			A[i*states+i+measurements] = dt
			H[i*states+i] = 1.0
			R[i*measurements+i] = sigmaR
			P[i*states+i] = sigmaP * 0.1
		} else {
			P[i*states+i] = sigmaP
		}
		for j := 0; j < states; j++ {
			Q[i*states+j] = sigmaG * G[i] * G[j]
		}
	}
	return MotionModel{
		Name:          "constant_velocity",
		Measurements:  measurements,
		States:        states,
		A:             A,
		H:             H,
		P:             P,
		Q:             Q,
		R:             R,
		Dt:            dt,
		Accuracy:      7.5,
		MaxLost:       5,
		ProbNotAssign: 0.001,
	}
}

// Validate checks every matrix against the declared sizes
func (model *MotionModel) Validate() error {
	_, err := model.matrices()
	return err
}

func (model *MotionModel) matrices() (*motionMatrices, error) {
	if model.States <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "motion model states must be positive, got %d", model.States)
	}
	if model.Measurements <= 0 || model.Measurements > 3 {
		return nil, errors.Wrapf(ErrDimensionMismatch, "motion model measurements must be in [1, 3], got %d", model.Measurements)
	}
	if model.Measurements > model.States {
		return nil, errors.Wrapf(ErrDimensionMismatch, "measurements (%d) exceed states (%d)", model.Measurements, model.States)
	}
	if model.Accuracy <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "accuracy must be positive, got %f", model.Accuracy)
	}
	if model.MaxLost < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "max_lost must not be negative, got %d", model.MaxLost)
	}
	if model.ProbNotAssign <= 0 || model.ProbNotAssign >= 1 {
		return nil, errors.Wrapf(ErrConfiguration, "prob_not_assign must be in (0, 1), got %f", model.ProbNotAssign)
	}
	n, m := model.States, model.Measurements
	for _, check := range []struct {
		name       string
		data       []float64
		rows, cols int
	}{
		{"A", model.A, n, n},
		{"H", model.H, m, n},
		{"P", model.P, n, n},
		{"Q", model.Q, n, n},
		{"R", model.R, m, m},
	} {
		if err := checkLen(check.name, check.data, check.rows, check.cols); err != nil {
			return nil, err
		}
	}
	A := mat.NewDense(n, n, append([]float64(nil), model.A...))
	H := mat.NewDense(m, n, append([]float64(nil), model.H...))
	P, err := symmetric("P", mat.NewDense(n, n, append([]float64(nil), model.P...)))
	if err != nil {
		return nil, err
	}
	Q, err := symmetric("Q", mat.NewDense(n, n, append([]float64(nil), model.Q...)))
	if err != nil {
		return nil, err
	}
	R, err := symmetric("R", mat.NewDense(m, m, append([]float64(nil), model.R...)))
	if err != nil {
		return nil, err
	}
	if err := checkMatDims(A, P, "A", "P", rowsAndCols); err != nil {
		return nil, err
	}
	if err := checkMatDims(H, A, "H", "A", cols2rows); err != nil {
		return nil, err
	}
	if err := checkMatDims(H, R, "H", "R", rows2cols); err != nil {
		return nil, err
	}
	return &motionMatrices{
		states:       n,
		measurements: m,
		A:            A,
		H:            H,
		P:            P,
		Q:            Q,
		R:            R,
	}, nil
}

// symmetric converts a square dense matrix into a SymDense, rejecting
// matrices that are not symmetric within a small tolerance.
func symmetric(name string, m *mat.Dense) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.Wrapf(ErrDimensionMismatch, "%s must be square, got %dx%d", name, r, c)
	}
	const tol = 1e-9
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			a, b := m.At(i, j), m.At(j, i)
			if diff := a - b; diff > tol*maxFloat64(1, a) || -diff > tol*maxFloat64(1, a) {
				return nil, errors.Wrapf(ErrConfiguration, "%s is not symmetric at (%d, %d)", name, i, j)
			}
		}
	}
	return symmetrize(m), nil
}

// symmetrize averages a square matrix with its transpose
func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}
