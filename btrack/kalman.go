package btrack

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// kalmanFilter is the per-tracklet linear Kalman filter.
// The predicted moments are kept separately so that a frame without a
// measurement can commit the prediction as the new posterior.
type kalmanFilter struct {
	model *motionMatrices
	// posterior
	mu  *mat.VecDense
	cov *mat.SymDense
	// prior for the current frame
	predMu  *mat.VecDense
	predCov *mat.SymDense
	// innovation for the current frame
	predMeas  []float64
	innovChol *mat.Cholesky
}

// newKalmanFilter initialises the state with the measured coordinates and zeros elsewhere
func newKalmanFilter(model *motionMatrices, position Point) *kalmanFilter {
	mu := mat.NewVecDense(model.states, nil)
	for i, v := range position.Coords(model.measurements) {
		mu.SetVec(i, v)
	}
	cov := mat.NewSymDense(model.states, nil)
	cov.CopySym(model.P)
	return &kalmanFilter{
		model: model,
		mu:    mu,
		cov:   cov,
	}
}

// Predict propagates the posterior through the transition model and prepares
// the innovation covariance used to score measurements.
func (kf *kalmanFilter) Predict() error {
	// x_{k+1}^{-} = A x_k
	var predMu mat.VecDense
	predMu.MulVec(kf.model.A, kf.mu)

	// P_{k+1}^{-} = A P A' + Q
	var AP, APAt mat.Dense
	AP.Mul(kf.model.A, kf.cov)
	APAt.Mul(&AP, kf.model.A.T())
	APAt.Add(&APAt, kf.model.Q)

	kf.predMu = &predMu
	kf.predCov = symmetrize(&APAt)
	if !finite(predMu.RawVector().Data) || !finite(kf.predCov.RawSymmetric().Data) {
		return errors.Wrap(errNumerical, "non-finite prediction")
	}

	// S = H P^{-} H' + R
	var HP, HPHt mat.Dense
	HP.Mul(kf.model.H, kf.predCov)
	HPHt.Mul(&HP, kf.model.H.T())
	HPHt.Add(&HPHt, kf.model.R)
	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrize(&HPHt)); !ok {
		return errors.Wrap(errNumerical, "innovation covariance is not positive definite")
	}
	var predMeas mat.VecDense
	predMeas.MulVec(kf.model.H, &predMu)
	kf.predMeas = append([]float64(nil), predMeas.RawVector().Data...)
	kf.innovChol = &chol
	return nil
}

// PredictedPosition returns the position part of the predicted measurement
func (kf *kalmanFilter) PredictedPosition() Point {
	return pointFromCoords(kf.predMeas)
}

// Position returns the position part of the posterior
func (kf *kalmanFilter) Position() Point {
	var meas mat.VecDense
	meas.MulVec(kf.model.H, kf.mu)
	return pointFromCoords(meas.RawVector().Data)
}

// LogLikelihood returns log N(z; H x^{-}, S) for a measured position.
func (kf *kalmanFilter) LogLikelihood(position Point) float64 {
	z := position.Coords(kf.model.measurements)
	return distmv.NormalLogProb(z, kf.predMeas, kf.innovChol)
}

// Update folds a measurement into the prediction.
// The covariance uses the Joseph form to keep it symmetric positive definite.
func (kf *kalmanFilter) Update(position Point) error {
	z := mat.NewVecDense(kf.model.measurements, position.Coords(kf.model.measurements))
	innov := mat.NewVecDense(kf.model.measurements, nil)
	innov.SubVec(z, mat.NewVecDense(len(kf.predMeas), kf.predMeas))

	// K = P^{-} H' S^{-1}, computed as (S^{-1} H P^{-})'
	var HP mat.Dense
	HP.Mul(kf.model.H, kf.predCov)
	var SinvHP mat.Dense
	if err := kf.innovChol.SolveTo(&SinvHP, &HP); err != nil {
		return errors.Wrap(errNumerical, "can't solve for the Kalman gain")
	}
	K := mat.DenseCopyOf(SinvHP.T())

	var correction mat.VecDense
	correction.MulVec(K, innov)
	var mu mat.VecDense
	mu.AddVec(kf.predMu, &correction)

	// P = (I - KH) P^{-} (I - KH)' + K R K'
	var KH mat.Dense
	KH.Mul(K, kf.model.H)
	IKH := identity(kf.model.states)
	IKH.Sub(IKH, &KH)
	var left, joseph mat.Dense
	left.Mul(IKH, kf.predCov)
	joseph.Mul(&left, IKH.T())
	var KR, KRKt mat.Dense
	KR.Mul(K, kf.model.R)
	KRKt.Mul(&KR, K.T())
	joseph.Add(&joseph, &KRKt)

	cov := symmetrize(&joseph)
	if !finite(mu.RawVector().Data) || !finite(cov.RawSymmetric().Data) {
		return errors.Wrap(errNumerical, "non-finite update")
	}
	kf.mu = &mu
	kf.cov = cov
	return nil
}

// Skip commits the prediction as the posterior when no measurement was assigned
func (kf *kalmanFilter) Skip() {
	kf.mu = kf.predMu
	kf.cov = kf.predCov
}

// Snapshot returns copies of the filtered mean and covariance and the predicted mean
func (kf *kalmanFilter) Snapshot() KalmanStep {
	step := KalmanStep{
		Mu:         append([]float64(nil), kf.mu.RawVector().Data...),
		Covariance: make([]float64, 0, kf.model.states*kf.model.states),
	}
	for i := 0; i < kf.model.states; i++ {
		for j := 0; j < kf.model.states; j++ {
			step.Covariance = append(step.Covariance, kf.cov.At(i, j))
		}
	}
	if kf.predMu != nil {
		step.Predicted = append([]float64(nil), kf.predMu.RawVector().Data...)
	} else {
		step.Predicted = append([]float64(nil), step.Mu...)
	}
	return step
}

// KalmanStep is the filter state recorded for one frame of a tracklet
type KalmanStep struct {
	// Filtered state mean
	Mu []float64
	// Filtered state covariance, row-major
	Covariance []float64
	// Motion-predicted state mean
	Predicted []float64
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1.0)
	}
	return m
}

func pointFromCoords(coords []float64) Point {
	var p Point
	if len(coords) > 0 {
		p.X = coords[0]
	}
	if len(coords) > 1 {
		p.Y = coords[1]
	}
	if len(coords) > 2 {
		p.Z = coords[2]
	}
	return p
}
