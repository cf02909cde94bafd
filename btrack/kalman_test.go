package btrack

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// line1D is a constant velocity model along x only
func line1D() MotionModel {
	return MotionModel{
		Name:          "line",
		Measurements:  1,
		States:        2,
		A:             []float64{1, 1, 0, 1},
		H:             []float64{1, 0},
		P:             []float64{10, 0, 0, 10},
		Q:             []float64{0.01, 0, 0, 0.01},
		R:             []float64{1},
		Dt:            1,
		Accuracy:      2,
		MaxLost:       3,
		ProbNotAssign: 0.01,
	}
}

func TestKalmanPredictUpdate(t *testing.T) {
	model := line1D()
	matrices, err := model.matrices()
	require.NoError(t, err)

	kf := newKalmanFilter(matrices, Point{X: 5})
	require.NoError(t, kf.Predict())
	assert.InDelta(t, 5.0, kf.PredictedPosition().X, eps)

	// S = (P00 + 2*P01 + P11 + Q00) + R = 21.01
	s := 21.01
	assert.InDelta(t, -0.5*math.Log(2*math.Pi*s), kf.LogLikelihood(Point{X: 5}), 1e-9)
	assert.InDelta(t, -0.5*math.Log(2*math.Pi*s)-2/s, kf.LogLikelihood(Point{X: 7}), 1e-9)

	priorVariance := kf.predCov.At(0, 0)
	require.NoError(t, kf.Update(Point{X: 7}))
	x := kf.Position().X
	assert.Greater(t, x, 5.0)
	assert.Less(t, x, 7.0)
	assert.Less(t, kf.cov.At(0, 0), priorVariance)
	assert.Greater(t, kf.mu.AtVec(1), 0.0, "velocity should follow the measurement")

	step := kf.Snapshot()
	assert.Len(t, step.Mu, 2)
	assert.Len(t, step.Covariance, 4)
	assert.Len(t, step.Predicted, 2)
	assert.InDelta(t, step.Covariance[1], step.Covariance[2], 1e-12)
}

func TestKalmanSkip(t *testing.T) {
	model := line1D()
	matrices, err := model.matrices()
	require.NoError(t, err)
	kf := newKalmanFilter(matrices, Point{X: 0})
	require.NoError(t, kf.Predict())
	kf.Skip()
	assert.InDelta(t, 20.01, kf.cov.At(0, 0), 1e-9)
	require.NoError(t, kf.Predict())
	assert.Greater(t, kf.predCov.At(0, 0), 20.01, "uncertainty grows without measurements")
}

func TestKalmanNumericalFailure(t *testing.T) {
	model := line1D()
	model.A = []float64{math.NaN(), 1, 0, 1}
	matrices, err := model.matrices()
	require.NoError(t, err)
	kf := newKalmanFilter(matrices, Point{X: 1})
	err = kf.Predict()
	assert.True(t, errors.Is(err, errNumerical), "got %v", err)
}

func TestMotionModelValidate(t *testing.T) {
	cv := NewConstantVelocityModel(1, 150, 15, 5)
	require.NoError(t, cv.Validate())

	tests := []struct {
		name   string
		modify func(m *MotionModel)
		want   error
	}{
		{"short H", func(m *MotionModel) { m.H = m.H[:1] }, ErrDimensionMismatch},
		{"too many measurements", func(m *MotionModel) { m.Measurements = 4 }, ErrDimensionMismatch},
		{"measurements exceed states", func(m *MotionModel) { m.Measurements = 3 }, ErrDimensionMismatch},
		{"asymmetric P", func(m *MotionModel) { m.P = []float64{10, 1, 0, 10} }, ErrConfiguration},
		{"no states", func(m *MotionModel) { m.States = 0 }, ErrConfiguration},
		{"prob_not_assign out of range", func(m *MotionModel) { m.ProbNotAssign = 0 }, ErrConfiguration},
		{"negative max_lost", func(m *MotionModel) { m.MaxLost = -1 }, ErrConfiguration},
		{"zero accuracy", func(m *MotionModel) { m.Accuracy = 0 }, ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := line1D()
			tt.modify(&model)
			err := model.Validate()
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestConstantVelocityModel(t *testing.T) {
	cv := NewConstantVelocityModel(2, 150, 15, 5)
	matrices, err := cv.matrices()
	require.NoError(t, err)
	assert.Equal(t, 6, matrices.states)
	assert.Equal(t, 3, matrices.measurements)
	assert.Equal(t, 2.0, matrices.A.At(0, 3))
	assert.Equal(t, 0.0, matrices.A.At(3, 0))
	assert.Equal(t, 1.0, matrices.H.At(2, 2))
	assert.Equal(t, 5.0, matrices.R.At(1, 1))
}
