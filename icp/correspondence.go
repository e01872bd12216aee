package icp

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// CorrespondenceFinder maps each source point to its nearest point in a
// target set fixed at construction.
type CorrespondenceFinder interface {
	Find(source []r3.Vec) (Correspondence, error)
	Name() string
}

// NewCorrespondenceFinder returns a k-d tree finder when useIndex is set,
// brute force otherwise. workers <= 0 means GOMAXPROCS.
func NewCorrespondenceFinder(target []r3.Vec, useIndex bool, workers int) CorrespondenceFinder {
	if useIndex {
		return NewSpatialIndex(target, workers)
	}
	return NewBruteForce(target, workers)
}

func workerCount(workers, n int) int {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// parallelRows runs fn over [0, n) split into contiguous chunks and returns
// the first error any chunk reports.
func parallelRows(n, workers int, fn func(lo, hi int) error) error {
	workers = workerCount(workers, n)
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

// BruteForce evaluates the full |S|×|T| distance matrix and takes the
// arg-min of every row; ties go to the lowest target index.
type BruteForce struct {
	target  []r3.Vec
	workers int
}

// NewBruteForce creates an exhaustive finder over target.
func NewBruteForce(target []r3.Vec, workers int) *BruteForce {
	return &BruteForce{target: append([]r3.Vec(nil), target...), workers: workers}
}

func (b *BruteForce) Name() string { return "brute_force" }

// Find returns, for every source point, the index of the closest target.
func (b *BruteForce) Find(source []r3.Vec) (Correspondence, error) {
	if len(source) == 0 || len(b.target) == 0 {
		return nil, ErrEmptyPointCloud
	}
	dist := mat.NewDense(len(source), len(b.target), nil)
	corr := make(Correspondence, len(source))

	err := parallelRows(len(source), b.workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			row := dist.RawRowView(i)
			for j, t := range b.target {
				row[j] = r3.Norm2(r3.Sub(source[i], t))
			}
			corr[i] = floats.MinIdx(row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return corr, nil
}

// SpatialIndex answers nearest-neighbour queries from a k-d tree built once
// over the target.
type SpatialIndex struct {
	tree    *kdtree.Tree
	size    int
	workers int
}

// NewSpatialIndex builds a balanced k-d tree over target.
func NewSpatialIndex(target []r3.Vec, workers int) *SpatialIndex {
	pts := make(indexedPoints, len(target))
	for i, p := range target {
		pts[i] = indexedPoint{Vec: p, Index: i}
	}
	return &SpatialIndex{
		tree:    kdtree.New(pts, false),
		size:    len(target),
		workers: workers,
	}
}

func (s *SpatialIndex) Name() string { return "kdtree" }

// Find queries the tree once per source point. Queries only read the tree,
// so they run concurrently.
func (s *SpatialIndex) Find(source []r3.Vec) (Correspondence, error) {
	if len(source) == 0 || s.size == 0 {
		return nil, ErrEmptyPointCloud
	}
	corr := make(Correspondence, len(source))
	err := parallelRows(len(source), s.workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			nearest, _ := s.tree.Nearest(indexedPoint{Vec: source[i], Index: -1})
			p, ok := nearest.(indexedPoint)
			if !ok {
				return fmt.Errorf("kd-tree query for source point %d returned %T", i, nearest)
			}
			corr[i] = p.Index
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return corr, nil
}

// indexedPoint is a kdtree.Comparable that remembers its target index.
type indexedPoint struct {
	r3.Vec
	Index int
}

func coord(v r3.Vec, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return coord(p.Vec, d) - coord(c.(indexedPoint).Vec, d)
}

func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, as kdtree expects.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(indexedPoint).Vec))
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return indexedPlane{Dim: d, indexedPoints: p}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type indexedPlane struct {
	kdtree.Dim
	indexedPoints
}

func (p indexedPlane) Less(i, j int) bool {
	return coord(p.indexedPoints[i].Vec, p.Dim) < coord(p.indexedPoints[j].Vec, p.Dim)
}
func (p indexedPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}
func (p indexedPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
