package icp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestConvergenceMonitor_Evaluate(t *testing.T) {
	tests := []struct {
		name      string
		iteration int
		residual  float64
		want      Status
	}{
		{"below tolerance", 0, 1e-6, StatusConverged},
		{"at tolerance", 3, 1e-5, StatusRunning},
		{"above tolerance", 3, 0.2, StatusRunning},
		{"last iteration", 9, 0.2, StatusMaxItersReached},
		{"converged on last iteration", 9, 1e-9, StatusConverged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewConvergenceMonitor(1e-5, 10)
			assert.Equal(t, tt.want, m.Evaluate(tt.iteration, tt.residual))
		})
	}
}

func TestConvergenceMonitor_Defaults(t *testing.T) {
	m := NewConvergenceMonitor(0, -1)
	assert.Equal(t, DefaultTolerance, m.Tolerance)
	assert.Equal(t, DefaultMaxIterations, m.MaxIterations)
}

func TestConvergenceMonitor_History(t *testing.T) {
	m := NewConvergenceMonitor(1e-5, 10)
	m.Evaluate(0, 3)
	m.Evaluate(1, 2)

	h := m.History()
	assert.Equal(t, []float64{3, 2}, h)
	h[0] = 100
	assert.Equal(t, []float64{3, 2}, m.History())
}

func TestMeanResidual(t *testing.T) {
	source := []r3.Vec{{}, {X: 1}}
	target := []r3.Vec{{Y: 3}, {X: 1, Z: 1}}
	assert.InDelta(t, 2, MeanResidual(source, target, Correspondence{0, 1}), 1e-15)
	assert.InDelta(t, (math.Sqrt2+1)/2, MeanResidual(source, target, Correspondence{1, 1}), 1e-15)
	assert.Zero(t, MeanResidual(nil, target, nil))
}

func TestStatus_Text(t *testing.T) {
	for _, s := range []Status{StatusInit, StatusRunning, StatusConverged, StatusMaxItersReached} {
		text, err := s.MarshalText()
		assert.NoError(t, err)

		var back Status
		assert.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "MAX_ITERS_REACHED", StatusMaxItersReached.String())
	assert.True(t, StatusConverged.Terminal())
	assert.False(t, StatusRunning.Terminal())

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("DONE")))
}

func TestPairRMS(t *testing.T) {
	source := []r3.Vec{{X: 3, Y: 4}, {X: 1, Y: 1}}
	target := []r3.Vec{{}, {X: 1, Y: 1}}
	corr := Correspondence{0, 1}

	assert.InDelta(t, math.Sqrt(25.0/2), PairRMS(source, target, nil, corr), 1e-12)

	// only the offset along the normal counts
	normals := []r3.Vec{{X: 1}, {Y: 1}}
	assert.InDelta(t, math.Sqrt(9.0/2), PairRMS(source, target, normals, corr), 1e-12)

	assert.Zero(t, PairRMS(nil, target, nil, nil))
}
