package icp

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// properTolerance bounds |det(R) - 1| for an accepted rotation.
	properTolerance = 1e-6

	// rankTolerance is the smallest σ₂/σ₁ ratio treated as rank 2.
	rankTolerance = 1e-12
)

// ClosedFormSVD estimates rotation and translation in closed form from the
// SVD of the cross-covariance (Kabsch/Arun).
type ClosedFormSVD struct{}

// NewClosedFormSVD returns the closed-form estimator.
func NewClosedFormSVD() *ClosedFormSVD { return &ClosedFormSVD{} }

func (ClosedFormSVD) Name() string { return string(AlgorithmClosedForm) }

// Estimate demeans the source and the correspondence-selected targets,
// factors C = T′ᵀ·S′ = U·Σ·Vᵀ and returns R = U·Vᵀ, flipping the last column
// of U when that product is a reflection, and t = t̄ − R·s̄.
//
// A cross-covariance of rank < 2 (collinear or coincident pairs) leaves the
// rotation about the degenerate axis undetermined and returns a
// *DegenerateCovarianceError. Rank 2 (coplanar) is accepted.
func (ClosedFormSVD) Estimate(source, target *PointCloud, corr Correspondence) (RigidTransform, error) {
	src, tgt, err := pairs(source, target, corr)
	if err != nil {
		return RigidTransform{}, err
	}

	sc, tc := Centroid(src), Centroid(tgt)
	cov := mat.NewDense(3, 3, nil)
	for i := range src {
		s := comps(r3.Sub(src[i], sc))
		t := comps(r3.Sub(tgt[i], tc))
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+t[r]*s[c])
			}
		}
	}

	rot, err := kabschRotation(cov)
	if err != nil {
		return RigidTransform{}, err
	}

	tr := RigidTransform{Rotation: rot}
	tr.Translation = r3.Sub(tc, tr.Rotate(sc))
	return tr, nil
}

// kabschRotation returns the proper rotation maximising tr(Rᵀ·cov).
func kabschRotation(cov *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return nil, &DegenerateCovarianceError{Condition: math.Inf(1)}
	}
	sv := svd.Values(nil)
	if sv[0] == 0 || sv[1]/sv[0] < rankTolerance {
		return nil, &DegenerateCovarianceError{Condition: condition(sv), SingularValues: sv}
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if math.Abs(mat.Det(&r)-1) > properTolerance {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	if math.Abs(mat.Det(&r)-1) > properTolerance {
		return nil, &DegenerateCovarianceError{Condition: condition(sv), SingularValues: sv}
	}
	return &r, nil
}

func condition(sv []float64) float64 {
	last := sv[len(sv)-1]
	if last == 0 {
		return math.Inf(1)
	}
	return sv[0] / last
}

// IsDegenerate reports whether err came from a rank-deficient covariance.
func IsDegenerate(err error) bool {
	return errors.Is(err, ErrDegenerateCovariance)
}
