package icp

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var quiet = WithLogger(log.New(io.Discard, "", 0))

// gridProblem builds the 10×10×10 unit grid with cube normals and a target
// moved by truth.
func gridProblem(truth RigidTransform) (*PointCloud, *PointCloud) {
	pts := Grid(10, 10, 10, 1)
	source := NewPointCloud(pts, CubeNormals(pts))
	return source, SynthesizeTarget(source, truth)
}

func testConfig(alg Algorithm, spatial bool) Config {
	cfg := DefaultConfig()
	cfg.Algorithm = alg
	cfg.UseSpatialIndex = spatial
	cfg.MaxIterations = 100
	return cfg
}

func TestRegister_SmallRotation(t *testing.T) {
	truth := RigidTransform{
		Rotation:    AxisAngle(r3.Vec{Z: 1}, 5*math.Pi/180),
		Translation: r3.Vec{X: 1, Y: 1, Z: 1},
	}
	source, target := gridProblem(truth)

	for _, spatial := range []bool{false, true} {
		res, err := Register(source, target, testConfig(AlgorithmClosedForm, spatial), quiet)
		require.NoError(t, err)

		assert.Equal(t, StatusConverged, res.Status, "spatial=%v", spatial)
		assert.Less(t, res.Residual, 1e-5)
		assert.LessOrEqual(t, res.Iterations, 100)
		assert.Less(t, res.Transform.RotationError(truth), 1e-6)
		assert.Less(t, res.Transform.TranslationError(truth), 1e-6)
		assert.True(t, res.Transform.IsProper(1e-6))
		assert.Len(t, res.Residuals, res.Iterations)
		assert.Greater(t, res.InitialResidual, res.Residual)
	}
}

func TestRegister_LargeRotation(t *testing.T) {
	truth := RigidTransform{Rotation: EulerXYZ(30, 0, 0), Translation: r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}}
	source, target := gridProblem(truth)

	// Nearest lattice points pull the closed-form fit into a local minimum:
	// the pairs stop changing, so every later step reproduces them.
	res, err := Register(source, target, testConfig(AlgorithmClosedForm, false), quiet)
	require.NoError(t, err)
	assert.Equal(t, StatusMaxItersReached, res.Status)
	assert.Equal(t, 100, res.Iterations)
	require.Len(t, res.Residuals, 100)
	assert.Greater(t, res.Residual, 0.1)
	assert.InDelta(t, res.Residuals[89], res.Residuals[99], 1e-6, "residual should plateau")
	assert.Greater(t, res.Transform.RotationError(truth), 0.1)
	assert.True(t, res.Transform.IsProper(1e-6))

	// Plane residuals let the pairs slide along the cube faces.
	res, err = Register(source, target, testConfig(AlgorithmPointToPlaneLSQ, false), quiet)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, res.Status)
	assert.LessOrEqual(t, res.Iterations, 10)
	assert.Less(t, res.Transform.RotationError(truth), 1e-6)
	assert.Less(t, res.Transform.TranslationError(truth), 1e-6)
}

func TestRegistration_PointToPlaneFitDecreases(t *testing.T) {
	truth := RigidTransform{
		Rotation:    AxisAngle(r3.Vec{Z: 1}, 30*math.Pi/180),
		Translation: r3.Vec{X: 1, Y: 1, Z: 1},
	}
	source, target := gridProblem(truth)

	reg, err := NewRegistration(source, target, testConfig(AlgorithmPointToPlaneLSQ, true), quiet)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		state, err := reg.Step()
		require.NoError(t, err)
		if i < 4 {
			require.False(t, state.Status.Terminal(), "finished early at iteration %d", i)
		}
		assert.LessOrEqual(t, state.FitAfter, state.FitBefore+1e-12, "plane fit rose at iteration %d", i)
	}

	res, err := reg.Run()
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, res.Status)
	assert.GreaterOrEqual(t, res.Iterations, 5)
	assert.Less(t, res.Transform.RotationError(truth), 1e-6)
}

func TestRegistration_FitNeverRises(t *testing.T) {
	truth := RigidTransform{
		Rotation:    AxisAngle(r3.Vec{Z: 1}, 30*math.Pi/180),
		Translation: r3.Vec{X: 1, Y: 1, Z: 1},
	}
	pts := Grid(6, 6, 6, 1)
	source := NewPointCloud(pts, CubeNormals(pts))
	target := SynthesizeTarget(source, truth)

	for _, alg := range []Algorithm{AlgorithmClosedForm, AlgorithmPointToPointLSQ, AlgorithmPointToPlaneLSQ} {
		t.Run(string(alg), func(t *testing.T) {
			cfg := testConfig(alg, true)
			cfg.MaxIterations = 10
			reg, err := NewRegistration(source, target, cfg, quiet)
			require.NoError(t, err)

			for !reg.State().Status.Terminal() {
				state, err := reg.Step()
				require.NoError(t, err)
				assert.LessOrEqual(t, state.FitAfter, state.FitBefore+1e-9, "iteration %d", state.Iteration)
			}
		})
	}
}

func TestRegister_SolverDivergence(t *testing.T) {
	source, target := gridProblem(RigidTransform{
		Rotation:    AxisAngle(r3.Vec{Z: 1}, 5*math.Pi/180),
		Translation: r3.Vec{X: 1},
	})
	cfg := testConfig(AlgorithmPointToPointLSQ, false)
	est := &PointToPoint{newLSQ("nan_lsq", nanModel{}, rand.New(rand.NewSource(1)), SolverConfig{Restarts: 2})}

	_, err := Register(source, target, cfg, quiet, WithEstimator(est))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSolverDivergence)

	var sde *SolverDivergenceError
	require.True(t, errors.As(err, &sde))
	assert.Equal(t, 3, sde.Attempts)
	assert.Equal(t, 0, sde.Iteration)
	assert.Equal(t, "nan_lsq", sde.Solver)
	assert.Contains(t, err.Error(), "iteration 0")
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestRegister_PointToPoint(t *testing.T) {
	truth := RigidTransform{
		Rotation:    AxisAngle(r3.Vec{X: 1}, 5*math.Pi/180),
		Translation: r3.Vec{X: 1, Y: 1, Z: 1},
	}
	pts := Grid(6, 6, 6, 1)
	source := NewPointCloud(pts, nil)

	res, err := Register(source, SynthesizeTarget(source, truth), testConfig(AlgorithmPointToPointLSQ, false), quiet)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, res.Status)
	assert.Less(t, res.Transform.RotationError(truth), 1e-6)
}

func TestRegistration_IdempotentNearConvergence(t *testing.T) {
	truth := RigidTransform{
		Rotation:    AxisAngle(r3.Vec{Z: 1}, 5*math.Pi/180),
		Translation: r3.Vec{X: 1, Y: 1, Z: 1},
	}
	source, target := gridProblem(truth)
	cfg := testConfig(AlgorithmClosedForm, false)

	res, err := Register(source, target, cfg, quiet)
	require.NoError(t, err)
	require.Less(t, res.Residual, cfg.Tolerance)

	again, err := NewRegistration(res.Aligned, target, cfg, quiet)
	require.NoError(t, err)
	state, err := again.Step()
	require.NoError(t, err)
	assert.Less(t, MaxDisplacement(res.Aligned, state.Cloud), cfg.Tolerance)
}

func TestRegistration_MaxIterations(t *testing.T) {
	truth := RigidTransform{Rotation: EulerXYZ(30, 0, 0), Translation: r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}}
	source, target := gridProblem(truth)
	cfg := testConfig(AlgorithmClosedForm, false)
	cfg.MaxIterations = 1

	reg, err := NewRegistration(source, target, cfg, quiet)
	require.NoError(t, err)
	assert.Equal(t, StatusInit, reg.State().Status)
	assert.Equal(t, -1, reg.State().Iteration)

	res, err := reg.Run()
	require.NoError(t, err)
	assert.Equal(t, StatusMaxItersReached, res.Status)
	assert.Equal(t, 1, res.Iterations)

	_, err = reg.Step()
	assert.ErrorIs(t, err, ErrRegistrationDone)
}

func TestRegistration_StepAdvances(t *testing.T) {
	truth := RigidTransform{Rotation: EulerXYZ(0, 0, 5), Translation: r3.Vec{Z: 1}}
	source, target := gridProblem(truth)

	reg, err := NewRegistration(source, target, testConfig(AlgorithmClosedForm, true), quiet)
	require.NoError(t, err)
	state, err := reg.Step()
	require.NoError(t, err)
	assert.Equal(t, 0, state.Iteration)
	assert.True(t, state.Status.Terminal() || state.Status == StatusRunning)
	assert.NotSame(t, source, state.Cloud)
	assert.Less(t, reg.Transform().RotationError(truth), 1e-6)
}

func TestNewRegistration_Rejects(t *testing.T) {
	grid := NewPointCloud(Grid(3, 3, 3, 1), nil)
	cfg := DefaultConfig()

	_, err := NewRegistration(&PointCloud{}, grid, cfg, quiet)
	assert.ErrorIs(t, err, ErrEmptyPointCloud)
	_, err = NewRegistration(grid, nil, cfg, quiet)
	assert.ErrorIs(t, err, ErrEmptyPointCloud)

	cfg.Algorithm = AlgorithmPointToPlaneLSQ
	_, err = NewRegistration(grid, grid, cfg, quiet)
	assert.ErrorIs(t, err, ErrMissingNormals)

	cfg.Algorithm = "simulated_annealing"
	_, err = NewRegistration(grid, grid, cfg, quiet)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegister_DegenerateReportsIteration(t *testing.T) {
	line := make([]r3.Vec, 20)
	for i := range line {
		line[i] = r3.Vec{X: float64(i)}
	}
	source := NewPointCloud(line, nil)
	target := source.Transform(RigidTransform{Translation: r3.Vec{Y: 2}})

	_, err := Register(source, target, DefaultConfig(), quiet)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerateCovariance)

	var dce *DegenerateCovarianceError
	require.True(t, errors.As(err, &dce))
	assert.Equal(t, 0, dce.Iteration)
	assert.Contains(t, err.Error(), "iteration 0")
}

func TestResult_CloudsAndJSON(t *testing.T) {
	truth := RigidTransform{Rotation: EulerXYZ(0, 0, 5), Translation: r3.Vec{X: 1, Y: 1, Z: 1}}
	source, target := gridProblem(truth)

	res, err := Register(source, target, testConfig(AlgorithmClosedForm, false), quiet)
	require.NoError(t, err)

	clouds := res.Clouds()
	require.Len(t, clouds, 3)
	assert.Equal(t, []string{LabelSource, LabelTarget, LabelPredicted},
		[]string{clouds[0].Label, clouds[1].Label, clouds[2].Label})
	assert.Same(t, source, clouds[0].Cloud)
	assert.Same(t, target, clouds[1].Cloud)
	assert.Same(t, res.Aligned, clouds[2].Cloud)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"CONVERGED"`)
	assert.Contains(t, string(data), `"algorithm":"closed_form"`)
	assert.Contains(t, string(data), `"correspondence":"brute_force"`)
}

func TestNewProblem(t *testing.T) {
	cfg := DefaultConfig()
	p, err := NewProblem(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1000, p.Source.Len())
	assert.True(t, p.Target.HasNormals())

	tt := p.Truth.Translation
	assert.Equal(t, tt.X, tt.Y)
	assert.Equal(t, tt.X, tt.Z)
	assert.Less(t, p.Truth.RotationError(RigidTransform{Rotation: EulerXYZ(30, 0, 0)}), 1e-15)

	// same seed, same target
	again, err := NewProblem(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, p.Target.Points, again.Target.Points)
}

func TestCubeNormals(t *testing.T) {
	pts := []r3.Vec{{X: -1}, {X: 1}, {Y: 2}, {Z: -3}, {Y: -2}, {Z: 3}}
	normals := CubeNormals(pts)
	assert.Equal(t, []r3.Vec{{X: -1}, {X: 1}, {Y: 1}, {Z: -1}, {Y: -1}, {Z: 1}}, normals)
}
