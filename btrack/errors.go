package btrack

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrConfiguration is returned when an operation needs a model that has not been set
	ErrConfiguration = errors.New("btrack: invalid or incomplete configuration")
	// ErrDimensionMismatch is returned when matrix shapes disagree with the declared model sizes
	ErrDimensionMismatch = errors.New("btrack: dimension mismatch")
	// ErrNotInitialized is returned when tracking is requested before Configure succeeded
	ErrNotInitialized = errors.New("btrack: tracker has not been configured")
	// ErrHypothesisModelMissing is returned when hypotheses are requested without a hypothesis model
	ErrHypothesisModelMissing = errors.New("btrack: hypothesis model has not been specified")
	// ErrOptimisationInfeasible is returned when the optimiser selects nothing
	ErrOptimisationInfeasible = errors.New("btrack: optimisation returned an empty selection")
	// ErrEngineVersionMismatch is only ever logged as a warning
	ErrEngineVersionMismatch = errors.New("btrack: engine version mismatch")
	// ErrUnknownTracklet is returned by lineage queries for an identifier that was never created
	ErrUnknownTracklet = errors.New("btrack: unknown tracklet")
	// ErrFrameProcessed is returned when objects are appended into frames that were already tracked
	ErrFrameProcessed = errors.New("btrack: frame has already been processed")
	// ErrLineageCycle is returned when a parent assignment would make a tracklet its own ancestor
	ErrLineageCycle = errors.New("btrack: lineage cycle")
)

// errNumerical marks per-frame numerical failures. It never leaves the package:
// the affected tracklet is forced to Lost and the failure is counted in Statistics.
var errNumerical = errors.New("btrack: numerical failure")

// dimensionAgreement defines how two matrices' dimensions should agree.
type dimensionAgreement uint8

const (
	rows2cols dimensionAgreement = iota + 1
	cols2rows
	rowsAndCols
)

// checkMatDims checks the matrix dimensions match provided a dimensionAgreement.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method dimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return errors.Wrapf(ErrDimensionMismatch, "%s(%dx...) %s(...x%d)", name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return errors.Wrapf(ErrDimensionMismatch, "%s(...x%d) %s(%dx...)", name1, c1, name2, r2)
		}
	case rowsAndCols:
		if r1 != r2 || c1 != c2 {
			return errors.Wrapf(ErrDimensionMismatch, "%s(%dx%d) %s(%dx%d)", name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}

// checkLen validates a flat row-major matrix before it is handed to mat.NewDense,
// which would otherwise panic.
func checkLen(name string, data []float64, rows, cols int) error {
	if len(data) != rows*cols {
		return errors.Wrapf(ErrDimensionMismatch, "%s has %d elements, expected %dx%d", name, len(data), rows, cols)
	}
	return nil
}
