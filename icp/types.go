package icp

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// PointCloud is an ordered set of 3D points with optional index-aligned unit
// normals. Clouds are treated as immutable: transforming one returns a new
// cloud.
type PointCloud struct {
	Points  []r3.Vec `json:"points"`
	Normals []r3.Vec `json:"normals,omitempty"`
}

// NewPointCloud copies points (and normals, when non-nil) into a new cloud.
func NewPointCloud(points, normals []r3.Vec) *PointCloud {
	pc := &PointCloud{Points: append([]r3.Vec(nil), points...)}
	if normals != nil {
		pc.Normals = append([]r3.Vec(nil), normals...)
	}
	return pc
}

// Len returns the number of points in the cloud.
func (pc *PointCloud) Len() int {
	if pc == nil {
		return 0
	}
	return len(pc.Points)
}

// HasNormals reports whether every point carries a normal.
func (pc *PointCloud) HasNormals() bool {
	return pc != nil && len(pc.Normals) > 0 && len(pc.Normals) == len(pc.Points)
}

// Centroid returns the arithmetic mean of the points (zero for an empty cloud).
func (pc *PointCloud) Centroid() r3.Vec {
	return Centroid(pc.Points)
}

// Centered returns the points shifted so that their centroid is the origin.
func (pc *PointCloud) Centered() []r3.Vec {
	return subtract(pc.Points, pc.Centroid())
}

// Transform applies tr to every point and rotates (never translates) every
// normal, producing a new cloud.
func (pc *PointCloud) Transform(tr RigidTransform) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vec, len(pc.Points))}
	for i, p := range pc.Points {
		out.Points[i] = tr.Apply(p)
	}
	if pc.Normals != nil {
		out.Normals = make([]r3.Vec, len(pc.Normals))
		for i, n := range pc.Normals {
			out.Normals[i] = r3.Unit(tr.Rotate(n))
		}
	}
	return out
}

// Centroid returns the mean of pts.
func Centroid(pts []r3.Vec) r3.Vec {
	if len(pts) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range pts {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(pts)), sum)
}

func comps(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func subtract(pts []r3.Vec, c r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = r3.Sub(p, c)
	}
	return out
}

// Correspondence maps every source index to a target index. It is rebuilt
// each iteration and need not be injective.
type Correspondence []int

// Status is the driver's lifecycle state.
type Status int

const (
	StatusInit Status = iota
	StatusRunning
	StatusConverged
	StatusMaxItersReached
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusRunning:
		return "RUNNING"
	case StatusConverged:
		return "CONVERGED"
	case StatusMaxItersReached:
		return "MAX_ITERS_REACHED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets Status appear by name in JSON and YAML payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusInit, StatusRunning, StatusConverged, StatusMaxItersReached} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Terminal reports whether no further iterations will run.
func (s Status) Terminal() bool {
	return s == StatusConverged || s == StatusMaxItersReached
}

// IterationState is the driver's view after an iteration.
type IterationState struct {
	Cloud     *PointCloud
	Iteration int     // 0-based index of the last completed iteration, -1 before the first
	Residual  float64 // mean residual distance after that iteration
	// FitBefore and FitAfter are the RMS of the estimator's own error over
	// the pairs the iteration was given, before and after its transform.
	// Unlike Residual, FitAfter <= FitBefore holds for every estimator.
	FitBefore float64
	FitAfter  float64
	Status    Status
}
