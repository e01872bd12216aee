package icp

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// SolverConfig tunes the nonlinear least-squares estimators.
type SolverConfig struct {
	MaxIterations int     `yaml:"max_iterations" json:"maxIterations"`
	Restarts      int     `yaml:"restarts" json:"restarts"`
	InitSpread    float64 `yaml:"init_spread" json:"initSpread"`
}

// DefaultSolverConfig returns the solver defaults.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxIterations: 200,
		Restarts:      3,
		InitSpread:    0.1,
	}
}

// paramCount is 4 quaternion components followed by 3 translation components.
const paramCount = 7

// residualModel fills dst with the residuals of the centred pairs under the
// rotation rot and translation t.
type residualModel interface {
	size(pairs int) int
	eval(dst []float64, rot *mat.Dense, t r3.Vec, src, tgt, normals []r3.Vec)
}

// lsqEstimator shares the seeding, solve and retry logic of both
// nonlinear estimators.
type lsqEstimator struct {
	name   string
	model  residualModel
	rng    *rand.Rand
	solver SolverConfig
}

func newLSQ(name string, model residualModel, rng *rand.Rand, solver SolverConfig) *lsqEstimator {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	def := DefaultSolverConfig()
	if solver.MaxIterations <= 0 {
		solver.MaxIterations = def.MaxIterations
	}
	if solver.Restarts < 0 {
		solver.Restarts = 0
	}
	if solver.InitSpread <= 0 {
		solver.InitSpread = def.InitSpread
	}
	return &lsqEstimator{name: name, model: model, rng: rng, solver: solver}
}

func (e *lsqEstimator) Name() string { return e.name }

// seed draws a pseudo-random parameter vector around the identity.
func (e *lsqEstimator) seed() []float64 {
	s := e.solver.InitSpread
	x := make([]float64, paramCount)
	for i := range x {
		x[i] = (2*e.rng.Float64() - 1) * s
	}
	x[0] += 1
	return x
}

func unpack(x []float64) (*mat.Dense, r3.Vec, bool) {
	rot, ok := QuaternionRotation(quat.Number{Real: x[0], Imag: x[1], Jmag: x[2], Kmag: x[3]})
	return rot, r3.Vec{X: x[4], Y: x[5], Z: x[6]}, ok
}

func normalizeQuaternion(x []float64) {
	n := floats.Norm(x[:4], 2)
	if n > 1e-12 {
		floats.Scale(1/n, x[:4])
	}
}

// solve fits the transform mapping src onto tgt. Both sets are demeaned
// first; the returned transform acts on the original coordinates.
func (e *lsqEstimator) solve(src, tgt, normals []r3.Vec) (RigidTransform, error) {
	sc, tc := Centroid(src), Centroid(tgt)
	srcC := subtract(src, sc)
	tgtC := subtract(tgt, tc)

	m := e.model.size(len(srcC))
	residual := func(dst, x []float64) {
		rot, t, ok := unpack(x)
		if !ok {
			for i := range dst {
				dst[i] = math.Inf(1)
			}
			return
		}
		e.model.eval(dst, rot, t, srcC, tgtC, normals)
	}

	settings := lmSettings{
		MaxIterations: e.solver.MaxIterations,
		Normalize:     normalizeQuaternion,
	}

	var last lmResult
	attempts := 0
	for attempts <= e.solver.Restarts {
		attempts++
		last = levenbergMarquardt(residual, m, e.seed(), settings)
		if !diverged(last) {
			// never finish worse than leaving the pairs where they are:
			// R = I, t = s̄ − t̄ in the centred parameters
			still := []float64{1, 0, 0, 0, sc.X - tc.X, sc.Y - tc.Y, sc.Z - tc.Z}
			if stillCost := costAt(residual, m, still); stillCost < last.Cost {
				last = levenbergMarquardt(residual, m, still, settings)
			}
			rot, t, _ := unpack(last.X)
			tr := RigidTransform{Rotation: rot}
			// x ↦ R(x − s̄) + t + t̄
			tr.Translation = r3.Add(r3.Sub(t, tr.Rotate(sc)), tc)
			return tr, nil
		}
	}
	return RigidTransform{}, &SolverDivergenceError{
		Attempts:    attempts,
		InitialCost: last.InitialCost,
		FinalCost:   last.Cost,
		Solver:      e.name,
	}
}

func costAt(residual func(dst, x []float64), m int, x []float64) float64 {
	r := make([]float64, m)
	residual(r, x)
	return 0.5 * floats.Dot(r, r)
}

// diverged reports a solve whose cost is not finite, or that failed to
// reduce a non-negligible starting cost.
func diverged(res lmResult) bool {
	if !finite(res.Cost) || !finite(res.InitialCost) {
		return true
	}
	if res.InitialCost <= 1e-24 {
		return false
	}
	return res.Cost >= res.InitialCost
}

// PointToPoint minimises the summed squared Euclidean distance between each
// transformed source point and its target.
type PointToPoint struct {
	*lsqEstimator
}

// NewPointToPoint creates a point-to-point estimator seeded from rng.
func NewPointToPoint(rng *rand.Rand, solver SolverConfig) *PointToPoint {
	return &PointToPoint{newLSQ(string(AlgorithmPointToPointLSQ), pointModel{}, rng, solver)}
}

// Estimate fits the transform over all correspondence pairs.
func (p *PointToPoint) Estimate(source, target *PointCloud, corr Correspondence) (RigidTransform, error) {
	src, tgt, err := pairs(source, target, corr)
	if err != nil {
		return RigidTransform{}, err
	}
	return p.solve(src, tgt, nil)
}

// pointModel emits the three components of R·s + t − q per pair, so the
// solver's cost is half the summed squared distance.
type pointModel struct{}

func (pointModel) size(n int) int { return 3 * n }

func (pointModel) eval(dst []float64, rot *mat.Dense, t r3.Vec, src, tgt, _ []r3.Vec) {
	for i := range src {
		d := r3.Sub(r3.Add(mulVec(rot, src[i]), t), tgt[i])
		dst[3*i], dst[3*i+1], dst[3*i+2] = d.X, d.Y, d.Z
	}
}

// PointToPlane minimises the signed distance of each transformed source
// point from the tangent plane of its target point.
type PointToPlane struct {
	*lsqEstimator
}

// NewPointToPlane creates a point-to-plane estimator seeded from rng.
func NewPointToPlane(rng *rand.Rand, solver SolverConfig) *PointToPlane {
	return &PointToPlane{newLSQ(string(AlgorithmPointToPlaneLSQ), planeModel{}, rng, solver)}
}

// Estimate selects the target normal of every pair and fits the transform.
func (p *PointToPlane) Estimate(source, target *PointCloud, corr Correspondence) (RigidTransform, error) {
	if !target.HasNormals() {
		return RigidTransform{}, ErrMissingNormals
	}
	src, tgt, err := pairs(source, target, corr)
	if err != nil {
		return RigidTransform{}, err
	}
	normals := make([]r3.Vec, len(corr))
	for i, j := range corr {
		normals[i] = target.Normals[j]
	}
	return p.solve(src, tgt, normals)
}

type planeModel struct{}

func (planeModel) size(n int) int { return n }

func (planeModel) eval(dst []float64, rot *mat.Dense, t r3.Vec, src, tgt, normals []r3.Vec) {
	for i := range src {
		d := r3.Sub(r3.Add(mulVec(rot, src[i]), t), tgt[i])
		dst[i] = r3.Dot(d, normals[i])
	}
}
