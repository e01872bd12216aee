package icp

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Registration runs ICP: it moves a copy of the source cloud towards a fixed
// target, one correspond-align-apply step at a time.
type Registration struct {
	source *PointCloud
	target *PointCloud

	finder    CorrespondenceFinder
	estimator AlignmentEstimator
	monitor   *ConvergenceMonitor
	logger    *log.Logger
	algorithm Algorithm

	state           IterationState
	corr            Correspondence // for state.Cloud
	total           RigidTransform
	initialResidual float64
}

// Option customises a Registration.
type Option func(*regOptions)

type regOptions struct {
	rng       *rand.Rand
	logger    *log.Logger
	estimator AlignmentEstimator
}

// WithRNG seeds the nonlinear estimators from rng instead of Config.Seed.
func WithRNG(rng *rand.Rand) Option {
	return func(o *regOptions) { o.rng = rng }
}

// WithLogger sends per-iteration diagnostics to logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *regOptions) { o.logger = logger }
}

// WithEstimator replaces the estimator Config.Algorithm would select.
// Config.Algorithm still decides whether target normals are required.
func WithEstimator(e AlignmentEstimator) Option {
	return func(o *regOptions) { o.estimator = e }
}

// NewRegistration validates the clouds against cfg, selects the strategies
// and builds the correspondence finder over the demeaned target once.
func NewRegistration(source, target *PointCloud, cfg Config, opts ...Option) (*Registration, error) {
	if source.Len() == 0 {
		return nil, fmt.Errorf("source: %w", ErrEmptyPointCloud)
	}
	if target.Len() == 0 {
		return nil, fmt.Errorf("target: %w", ErrEmptyPointCloud)
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmClosedForm
	}
	if cfg.Algorithm.NeedsNormals() && !target.HasNormals() {
		return nil, fmt.Errorf("%s: %w", cfg.Algorithm, ErrMissingNormals)
	}

	o := regOptions{logger: log.Default()}
	if cfg.Quiet {
		o.logger = log.New(io.Discard, "", 0)
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(cfg.Seed))
	}

	estimator := o.estimator
	if estimator == nil {
		var err error
		if estimator, err = NewAlignmentEstimator(cfg.Algorithm, o.rng, cfg.Solver); err != nil {
			return nil, err
		}
	}

	return &Registration{
		source:    source,
		target:    target,
		finder:    NewCorrespondenceFinder(target.Centered(), cfg.UseSpatialIndex, cfg.Workers),
		estimator: estimator,
		monitor:   NewConvergenceMonitor(cfg.Tolerance, cfg.MaxIterations),
		logger:    o.logger,
		algorithm: cfg.Algorithm,
		state:     IterationState{Cloud: source, Iteration: -1, Status: StatusInit},
		total:     IdentityTransform(),
	}, nil
}

// State returns the state after the last completed step.
func (r *Registration) State() IterationState { return r.state }

// Transform returns the composition of every step applied so far.
func (r *Registration) Transform() RigidTransform { return r.total }

// correspond matches cloud against the target in centred coordinates and
// returns the mapping with the resulting mean distance in raw coordinates.
func (r *Registration) correspond(cloud *PointCloud) (Correspondence, float64, error) {
	corr, err := r.finder.Find(cloud.Centered())
	if err != nil {
		return nil, 0, fmt.Errorf("finding correspondences: %w", err)
	}
	return corr, MeanResidual(cloud.Points, r.target.Points, corr), nil
}

// fit measures cloud against corr with the error the estimator minimises.
func (r *Registration) fit(cloud *PointCloud, corr Correspondence) float64 {
	var normals []r3.Vec
	if r.algorithm.NeedsNormals() {
		normals = r.target.Normals
	}
	return PairRMS(cloud.Points, r.target.Points, normals, corr)
}

// Step runs one iteration. After a terminal state it returns
// ErrRegistrationDone.
func (r *Registration) Step() (IterationState, error) {
	if r.state.Status.Terminal() {
		return r.state, ErrRegistrationDone
	}
	if r.corr == nil {
		corr, residual, err := r.correspond(r.state.Cloud)
		if err != nil {
			return r.state, err
		}
		r.corr = corr
		r.initialResidual = residual
		r.state.Residual = residual
	}

	iteration := r.state.Iteration + 1
	tr, err := r.estimator.Estimate(r.state.Cloud, r.target, r.corr)
	if err != nil {
		return r.state, fmt.Errorf("iteration %d: %w", iteration, stampIteration(err, iteration))
	}

	next := r.state.Cloud.Transform(tr)
	fitBefore, fitAfter := r.fit(r.state.Cloud, r.corr), r.fit(next, r.corr)
	corr, residual, err := r.correspond(next)
	if err != nil {
		return r.state, fmt.Errorf("iteration %d: %w", iteration, err)
	}

	r.total = r.total.Then(tr)
	r.corr = corr
	r.state = IterationState{
		Cloud:     next,
		Iteration: iteration,
		Residual:  residual,
		FitBefore: fitBefore,
		FitAfter:  fitAfter,
		Status:    r.monitor.Evaluate(iteration, residual),
	}
	r.logger.Printf("icp: iter=%d residual=%.6g fit=%.6g->%.6g status=%s",
		iteration, residual, fitBefore, fitAfter, r.state.Status)
	return r.state, nil
}

// Run steps until a terminal state and reports the outcome. Elapsed covers
// only the iteration loop.
func (r *Registration) Run() (*Result, error) {
	start := time.Now()
	for !r.state.Status.Terminal() {
		if _, err := r.Step(); err != nil {
			return nil, err
		}
	}
	elapsed := time.Since(start)

	return &Result{
		Source:          r.source,
		Target:          r.target,
		Aligned:         r.state.Cloud,
		Transform:       r.total,
		Iterations:      r.state.Iteration + 1,
		Status:          r.state.Status,
		Residual:        r.state.Residual,
		InitialResidual: r.initialResidual,
		Residuals:       r.monitor.History(),
		Elapsed:         elapsed,
		Algorithm:       r.algorithm,
		Correspondence:  r.finder.Name(),
	}, nil
}

// Register is NewRegistration followed by Run.
func Register(source, target *PointCloud, cfg Config, opts ...Option) (*Result, error) {
	reg, err := NewRegistration(source, target, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return reg.Run()
}

// Result is the outcome of a finished registration.
type Result struct {
	Source          *PointCloud    `json:"-"`
	Target          *PointCloud    `json:"-"`
	Aligned         *PointCloud    `json:"-"`
	Transform       RigidTransform `json:"transform"`
	Iterations      int            `json:"iterations"`
	Status          Status         `json:"status"`
	Residual        float64        `json:"residual"`
	InitialResidual float64        `json:"initialResidual"`
	Residuals       []float64      `json:"residuals"`
	Elapsed         time.Duration  `json:"elapsedNs"`
	Algorithm       Algorithm      `json:"algorithm"`
	Correspondence  string         `json:"correspondence"`
}

// Labels of the clouds returned by Result.Clouds.
const (
	LabelSource    = "source"
	LabelTarget    = "target"
	LabelPredicted = "predicted"
)

// LabeledCloud pairs a cloud with its display label.
type LabeledCloud struct {
	Label string      `json:"label"`
	Cloud *PointCloud `json:"cloud"`
}

// Clouds returns the source, target and aligned ("predicted") clouds.
func (res *Result) Clouds() []LabeledCloud {
	return []LabeledCloud{
		{Label: LabelSource, Cloud: res.Source},
		{Label: LabelTarget, Cloud: res.Target},
		{Label: LabelPredicted, Cloud: res.Aligned},
	}
}

// MaxDisplacement returns the largest distance between index-aligned points
// of a and b.
func MaxDisplacement(a, b *PointCloud) float64 {
	best := 0.0
	for i := range a.Points {
		best = max(best, r3.Norm(r3.Sub(a.Points[i], b.Points[i])))
	}
	return best
}
