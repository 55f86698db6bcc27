package ml

import (
	"errors"
	"fmt"
)

// Pipeline stage names used in errors, logs and metrics labels.
const (
	StageScale    = "scale"
	StageSelect   = "select"
	StageClassify = "classify"
	StageDecode   = "decode"
)

var (
	// ErrShape matches every *ShapeError via errors.Is.
	ErrShape = errors.New("shape error")
	// ErrPrediction matches every *PredictionError via errors.Is.
	ErrPrediction = errors.New("prediction error")

	ErrUnknownClass = errors.New("class index out of range")
	ErrPanic        = errors.New("artifact panicked")
	ErrNotFinite    = errors.New("stage produced a non-finite value")
	ErrNoPipeline   = errors.New("no pipeline loaded")
)

// ShapeError reports a vector whose width differs from what a stage was fitted on.
type ShapeError struct {
	Stage string
	Want  int
	Got   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error: %s stage expects %d features, got %d", e.Stage, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// PredictionError wraps any failure inside a pipeline stage. Row is the zero-based batch
// row, or -1 for a single record.
type PredictionError struct {
	Stage string
	Row   int
	Err   error
}

func (e *PredictionError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("prediction failed at %s stage: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("prediction failed at %s stage for row %d: %v", e.Stage, e.Row, e.Err)
}

func (e *PredictionError) Unwrap() error { return e.Err }

func (e *PredictionError) Is(target error) bool { return target == ErrPrediction }
