package icp

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
)

// Grid returns nx·ny·nz points on a regular lattice starting at the origin.
func Grid(nx, ny, nz int, spacing float64) []r3.Vec {
	pts := make([]r3.Vec, 0, nx*ny*nz)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			for k := 0; k < nz; k++ {
				pts = append(pts, r3.Vec{
					X: float64(i) * spacing,
					Y: float64(j) * spacing,
					Z: float64(k) * spacing,
				})
			}
		}
	}
	return pts
}

// CubeNormals assigns each point the outward normal of the box face it is
// closest to in direction: the dominant axis of its offset from the
// centroid. Ties go to x, then y.
func CubeNormals(pts []r3.Vec) []r3.Vec {
	c := Centroid(pts)
	normals := make([]r3.Vec, len(pts))
	for i, p := range pts {
		d := r3.Sub(p, c)
		ax, ay, az := math.Abs(d.X), math.Abs(d.Y), math.Abs(d.Z)
		switch {
		case ax >= ay && ax >= az:
			normals[i] = r3.Vec{X: sign(d.X)}
		case ay >= az:
			normals[i] = r3.Vec{Y: sign(d.Y)}
		default:
			normals[i] = r3.Vec{Z: sign(d.Z)}
		}
	}
	return normals
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// RandomCloud draws n points uniformly from the cube [0, extent)³.
func RandomCloud(rng *rand.Rand, n int, extent float64) []r3.Vec {
	pts := make([]r3.Vec, n)
	for i := range pts {
		pts[i] = r3.Vec{
			X: rng.Float64() * extent,
			Y: rng.Float64() * extent,
			Z: rng.Float64() * extent,
		}
	}
	return pts
}

// Problem is a registration task with a known answer: the target is the
// source moved by Truth.
type Problem struct {
	Source *PointCloud
	Target *PointCloud
	Truth  RigidTransform
}

// NewProblem loads cfg.SourceFile (or, when empty, builds the 10×10×10 unit
// grid with cube normals) and synthesises the target from the ground truth.
func NewProblem(cfg Config, rng *rand.Rand) (*Problem, error) {
	var source *PointCloud
	if cfg.SourceFile == "" {
		pts := Grid(10, 10, 10, 1)
		source = NewPointCloud(pts, CubeNormals(pts))
	} else {
		pc, err := ParseCloudFile(cfg.SourceFile)
		if err != nil {
			return nil, err
		}
		source = pc
	}
	if source.Len() == 0 {
		return nil, ErrEmptyPointCloud
	}
	if cfg.Algorithm.NeedsNormals() && !source.HasNormals() {
		return nil, fmt.Errorf("%w: %s has no normal columns", ErrMissingNormals, cfg.SourceFile)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	truth := cfg.GroundTruth.Transform(rng)
	return &Problem{
		Source: source,
		Target: SynthesizeTarget(source, truth),
		Truth:  truth,
	}, nil
}

// SynthesizeTarget moves source by truth. Normals are rotated, not translated.
func SynthesizeTarget(source *PointCloud, truth RigidTransform) *PointCloud {
	return source.Transform(truth)
}
