package icp

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedInput reports a point file row with the wrong column count
	// or a non-numeric token.
	ErrMalformedInput = errors.New("malformed input file")

	// ErrEmptyPointCloud reports a cloud with zero points.
	ErrEmptyPointCloud = errors.New("empty point cloud")

	// ErrDegenerateCovariance reports a rank-deficient cross-covariance.
	ErrDegenerateCovariance = errors.New("degenerate cross-covariance")

	// ErrSolverDivergence reports a nonlinear solve that failed to reduce
	// its residual.
	ErrSolverDivergence = errors.New("solver divergence")

	// ErrMissingNormals reports a point-to-plane run without target normals.
	ErrMissingNormals = errors.New("target normals required")

	// ErrRegistrationDone reports a Step after the run reached a terminal state.
	ErrRegistrationDone = errors.New("registration already finished")

	// ErrInvalidConfig reports an unusable configuration value.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ParseError locates a malformed row in a point file.
type ParseError struct {
	Path    string
	Line    int
	Columns int
	Token   string
	Reason  string
}

func (e *ParseError) Error() string {
	loc := fmt.Sprintf("line %d", e.Line)
	if e.Path != "" {
		loc = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	if e.Token != "" {
		return fmt.Sprintf("%s: %s: %s %q", ErrMalformedInput, loc, e.Reason, e.Token)
	}
	return fmt.Sprintf("%s: %s: %s (got %d columns)", ErrMalformedInput, loc, e.Reason, e.Columns)
}

func (e *ParseError) Is(target error) bool { return target == ErrMalformedInput }

// DegenerateCovarianceError carries the singular values of the offending
// cross-covariance and the iteration that produced it.
type DegenerateCovarianceError struct {
	Iteration      int
	Condition      float64
	SingularValues []float64
}

func (e *DegenerateCovarianceError) Error() string {
	return fmt.Sprintf("%s at iteration %d: condition number %.3g, singular values %v",
		ErrDegenerateCovariance, e.Iteration, e.Condition, e.SingularValues)
}

func (e *DegenerateCovarianceError) Is(target error) bool { return target == ErrDegenerateCovariance }

// SolverDivergenceError describes the last failed nonlinear solve.
type SolverDivergenceError struct {
	Iteration   int
	Attempts    int
	InitialCost float64
	FinalCost   float64
	Solver      string
}

func (e *SolverDivergenceError) Error() string {
	return fmt.Sprintf("%s at iteration %d: %s cost %.6g -> %.6g after %d attempt(s)",
		ErrSolverDivergence, e.Iteration, e.Solver, e.InitialCost, e.FinalCost, e.Attempts)
}

func (e *SolverDivergenceError) Is(target error) bool { return target == ErrSolverDivergence }

// stampIteration records the driver iteration on errors that carry one.
func stampIteration(err error, iteration int) error {
	var dce *DegenerateCovarianceError
	if errors.As(err, &dce) {
		dce.Iteration = iteration
	}
	var sde *SolverDivergenceError
	if errors.As(err, &sde) {
		sde.Iteration = iteration
	}
	return err
}
