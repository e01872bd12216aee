package icp

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// DefaultTolerance is the mean residual below which a run converges.
const DefaultTolerance = 1e-5

// ConvergenceMonitor decides when the driver stops. A run converges once the
// mean residual drops below Tolerance and otherwise ends after
// MaxIterations iterations.
type ConvergenceMonitor struct {
	Tolerance     float64
	MaxIterations int

	history []float64
}

// NewConvergenceMonitor creates a monitor; non-positive arguments select
// the defaults.
func NewConvergenceMonitor(tolerance float64, maxIterations int) *ConvergenceMonitor {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &ConvergenceMonitor{Tolerance: tolerance, MaxIterations: maxIterations}
}

// Evaluate records the residual of the 0-based iteration and returns the
// resulting status.
func (m *ConvergenceMonitor) Evaluate(iteration int, residual float64) Status {
	m.history = append(m.history, residual)
	if residual < m.Tolerance {
		return StatusConverged
	}
	if iteration+1 >= m.MaxIterations {
		return StatusMaxItersReached
	}
	return StatusRunning
}

// History returns a copy of every residual recorded so far.
func (m *ConvergenceMonitor) History() []float64 {
	return append([]float64(nil), m.history...)
}

// MeanResidual returns the mean Euclidean distance between each source point
// and its corresponding target point.
func MeanResidual(source, target []r3.Vec, corr Correspondence) float64 {
	if len(source) == 0 {
		return 0
	}
	d := make([]float64, len(source))
	for i, p := range source {
		d[i] = r3.Norm(r3.Sub(p, target[corr[i]]))
	}
	return stat.Mean(d, nil)
}

// PairRMS returns the root-mean-square pair error over corr. Without normals
// the error is the Euclidean distance; with target normals it is the offset
// along the normal of the matched target point.
func PairRMS(source, target, normals []r3.Vec, corr Correspondence) float64 {
	if len(source) == 0 {
		return 0
	}
	sum := 0.0
	for i, p := range source {
		d := r3.Sub(p, target[corr[i]])
		if normals != nil {
			e := r3.Dot(d, normals[corr[i]])
			sum += e * e
		} else {
			sum += r3.Norm2(d)
		}
	}
	return math.Sqrt(sum / float64(len(source)))
}
