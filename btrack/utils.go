package btrack

import "math"

// logZero is used instead of -Inf so that scores stay finite in the optimiser.
const logZero = -1e3

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// safeLog returns log(p) clamped to logZero for non-positive p
func safeLog(p float64) float64 {
	if p <= 0 || math.IsNaN(p) {
		return logZero
	}
	return maxFloat64(math.Log(p), logZero)
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
