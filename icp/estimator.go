package icp

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
)

// Algorithm selects the alignment estimator.
type Algorithm string

const (
	AlgorithmClosedForm      Algorithm = "closed_form"
	AlgorithmPointToPointLSQ Algorithm = "point_to_point_lsq"
	AlgorithmPointToPlaneLSQ Algorithm = "point_to_plane_lsq"
)

// Algorithms lists the accepted algorithm names.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmClosedForm, AlgorithmPointToPointLSQ, AlgorithmPointToPlaneLSQ}
}

// Valid reports whether a names a known estimator.
func (a Algorithm) Valid() bool {
	for _, known := range Algorithms() {
		if a == known {
			return true
		}
	}
	return false
}

// NeedsNormals reports whether the estimator reads target normals.
func (a Algorithm) NeedsNormals() bool {
	return a == AlgorithmPointToPlaneLSQ
}

// AlignmentEstimator computes the rigid transform that best maps source
// points onto their corresponding target points.
type AlignmentEstimator interface {
	Estimate(source, target *PointCloud, corr Correspondence) (RigidTransform, error)
	Name() string
}

// NewAlignmentEstimator builds the estimator for alg. rng seeds the
// nonlinear solvers and must not be shared with concurrent users.
func NewAlignmentEstimator(alg Algorithm, rng *rand.Rand, solver SolverConfig) (AlignmentEstimator, error) {
	switch alg {
	case AlgorithmClosedForm, "":
		return NewClosedFormSVD(), nil
	case AlgorithmPointToPointLSQ:
		return NewPointToPoint(rng, solver), nil
	case AlgorithmPointToPlaneLSQ:
		return NewPointToPlane(rng, solver), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, alg)
	}
}

// pairs gathers the source points and their corresponding target points.
func pairs(source, target *PointCloud, corr Correspondence) (src, tgt []r3.Vec, err error) {
	if source.Len() == 0 || target.Len() == 0 {
		return nil, nil, ErrEmptyPointCloud
	}
	if len(corr) != source.Len() {
		return nil, nil, fmt.Errorf("correspondence has %d entries for %d source points", len(corr), source.Len())
	}
	src = source.Points
	tgt = make([]r3.Vec, len(corr))
	for i, j := range corr {
		if j < 0 || j >= target.Len() {
			return nil, nil, fmt.Errorf("correspondence %d points at target %d of %d", i, j, target.Len())
		}
		tgt[i] = target.Points[j]
	}
	return src, tgt, nil
}
