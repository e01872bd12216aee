package icp

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// lmSettings bounds one Levenberg-Marquardt solve. Zero values select
// double-precision defaults.
type lmSettings struct {
	MaxIterations int
	GradientTol   float64 // stop when ‖Jᵀr‖∞ falls below this
	StepTol       float64 // stop when the step is this small relative to x
	CostTol       float64 // stop when an accepted step reduces cost by less than this fraction

	// Normalize, when set, is applied to every accepted parameter vector.
	Normalize func(x []float64)
}

func (s lmSettings) withDefaults() lmSettings {
	if s.MaxIterations <= 0 {
		s.MaxIterations = 200
	}
	if s.GradientTol <= 0 {
		s.GradientTol = 1e-12
	}
	if s.StepTol <= 0 {
		s.StepTol = 1e-14
	}
	if s.CostTol <= 0 {
		s.CostTol = 1e-15
	}
	return s
}

type lmResult struct {
	X           []float64
	InitialCost float64
	Cost        float64 // ½‖r(X)‖²
	Iterations  int
	Converged   bool
}

// levenbergMarquardt minimises ½‖r(x)‖² for residual functions with m
// outputs, starting from x0. Jacobians come from central finite
// differences; the damped normal equations (JᵀJ + λ·D)·δ = −Jᵀr are solved
// by Cholesky with D the floored diagonal of JᵀJ.
func levenbergMarquardt(residual func(dst, x []float64), m int, x0 []float64, settings lmSettings) lmResult {
	settings = settings.withDefaults()
	n := len(x0)

	x := append([]float64(nil), x0...)
	r := make([]float64, m)
	residual(r, x)
	cost := 0.5 * floats.Dot(r, r)

	res := lmResult{InitialCost: cost, Cost: cost}
	if !finite(cost) {
		res.X = x
		return res
	}

	jac := mat.NewDense(m, n, nil)
	jtj := mat.NewSymDense(n, nil)
	var grad mat.VecDense
	linearise := func() {
		fd.Jacobian(jac, residual, x, &fd.JacobianSettings{Formula: fd.Central})
		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))
	}
	linearise()

	lambda := 1e-3 * maxDiag(jtj)
	if lambda == 0 {
		lambda = 1e-3
	}

	xNew := make([]float64, n)
	rNew := make([]float64, m)
	damped := mat.NewSymDense(n, nil)
	var chol mat.Cholesky
	var step mat.VecDense

	for iter := 0; iter < settings.MaxIterations; iter++ {
		res.Iterations = iter + 1

		if mat.Norm(&grad, math.Inf(1)) < settings.GradientTol || cost == 0 {
			res.Converged = true
			break
		}

		damped.CopySym(jtj)
		for i := 0; i < n; i++ {
			d := math.Max(jtj.At(i, i), 1e-12)
			damped.SetSym(i, i, jtj.At(i, i)+lambda*d)
		}
		if ok := chol.Factorize(damped); !ok {
			lambda *= 10
			if lambda > 1e16 {
				break
			}
			continue
		}
		if err := chol.SolveVecTo(&step, &grad); err != nil {
			lambda *= 10
			continue
		}

		for i := range xNew {
			xNew[i] = x[i] - step.AtVec(i)
		}
		if floats.Norm(step.RawVector().Data, 2) < settings.StepTol*(floats.Norm(x, 2)+settings.StepTol) {
			res.Converged = true
			break
		}

		residual(rNew, xNew)
		costNew := 0.5 * floats.Dot(rNew, rNew)
		if !finite(costNew) || costNew >= cost {
			lambda *= 10
			if lambda > 1e16 {
				break
			}
			continue
		}

		reduction := (cost - costNew) / cost
		copy(x, xNew)
		if settings.Normalize != nil {
			settings.Normalize(x)
			residual(rNew, x)
			costNew = 0.5 * floats.Dot(rNew, rNew)
		}
		copy(r, rNew)
		cost = costNew
		lambda = math.Max(lambda/10, 1e-12)

		if reduction < settings.CostTol {
			res.Converged = true
			break
		}
		linearise()
	}

	res.X = x
	res.Cost = cost
	return res
}

func maxDiag(s *mat.SymDense) float64 {
	n := s.SymmetricDim()
	best := 0.0
	for i := 0; i < n; i++ {
		best = math.Max(best, s.At(i, i))
	}
	return best
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
