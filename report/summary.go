package report

import (
	"time"

	"github.com/kwv/tudoalign/icp"
)

// Summary is the JSON record of one registration run, shared by MQTT, HTTP
// and the history store.
type Summary struct {
	RunID            string              `json:"runId"`
	Algorithm        icp.Algorithm       `json:"algorithm"`
	Correspondence   string              `json:"correspondence"`
	Status           icp.Status          `json:"status"`
	Iterations       int                 `json:"iterations"`
	Residual         float64             `json:"residual"`
	InitialResidual  float64             `json:"initialResidual"`
	Residuals        []float64           `json:"residuals"`
	ElapsedMs        float64             `json:"elapsedMs"`
	Points           int                 `json:"points"`
	Transform        icp.RigidTransform  `json:"transform"`
	Truth            *icp.RigidTransform `json:"truth,omitempty"`
	RotationError    *float64            `json:"rotationError,omitempty"`
	TranslationError *float64            `json:"translationError,omitempty"`
	Timestamp        int64               `json:"timestamp"`
}

// NewSummary condenses res. truth, when known, adds the recovery errors.
func NewSummary(runID string, res *icp.Result, truth *icp.RigidTransform) Summary {
	s := Summary{
		RunID:           runID,
		Algorithm:       res.Algorithm,
		Correspondence:  res.Correspondence,
		Status:          res.Status,
		Iterations:      res.Iterations,
		Residual:        res.Residual,
		InitialResidual: res.InitialResidual,
		Residuals:       append([]float64(nil), res.Residuals...),
		ElapsedMs:       float64(res.Elapsed) / float64(time.Millisecond),
		Points:          res.Source.Len(),
		Transform:       res.Transform,
		Timestamp:       time.Now().Unix(),
	}
	if truth != nil {
		t := *truth
		rotErr := res.Transform.RotationError(t)
		transErr := res.Transform.TranslationError(t)
		s.Truth = &t
		s.RotationError = &rotErr
		s.TranslationError = &transErr
	}
	return s
}
