package ml

import (
	"errors"
	"fmt"
	"math"

	"credit-rater/internal/features"
)

// Pipeline runs scale, select, classify and decode over normalized vectors. It holds no
// mutable state and is safe for concurrent use.
type Pipeline struct {
	scaler     Transform
	selector   Transform
	classifier Classifier
	labels     LabelDecoder
	set        *ArtifactSet
}

// NewPipeline builds a pipeline over a validated artifact set.
func NewPipeline(set *ArtifactSet) (*Pipeline, error) {
	if set == nil {
		return nil, ErrNoPipeline
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		scaler:     set.Scaler,
		selector:   set.Selector,
		classifier: set.Classifier,
		labels:     set.Labels,
		set:        set,
	}, nil
}

// Artifacts returns the set the pipeline was built from.
func (p *Pipeline) Artifacts() *ArtifactSet { return p.set }

// Trace carries the intermediate vectors of one prediction.
type Trace struct {
	Scaled   []float64
	Selected []float64
	Class    int
	Label    string
}

// Predict returns the rating label for one vector.
func (p *Pipeline) Predict(v features.Vector) (string, error) {
	tr, err := p.run(v, -1)
	if err != nil {
		return "", err
	}
	return tr.Label, nil
}

// PredictBatch returns one label per vector, in input order. The first failing row
// aborts the batch.
func (p *Pipeline) PredictBatch(vs []features.Vector) ([]string, error) {
	labels := make([]string, len(vs))
	for i, v := range vs {
		tr, err := p.run(v, i)
		if err != nil {
			return nil, err
		}
		labels[i] = tr.Label
	}
	return labels, nil
}

// Explain runs one vector and returns every intermediate value. row is used in errors.
func (p *Pipeline) Explain(v features.Vector, row int) (*Trace, error) {
	return p.run(v, row)
}

func (p *Pipeline) run(v features.Vector, row int) (tr *Trace, err error) {
	stage := StageScale
	defer func() {
		if r := recover(); r != nil {
			tr = nil
			err = &PredictionError{Stage: stage, Row: row, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()

	if err := v.Validate(); err != nil {
		return nil, &PredictionError{Stage: stage, Row: row, Err: err}
	}

	scaled, err := p.scaler.Apply(v.Slice())
	if err != nil {
		return nil, wrapStage(stage, row, err)
	}
	if err := checkFinite(scaled); err != nil {
		return nil, wrapStage(stage, row, err)
	}

	stage = StageSelect
	selected, err := p.selector.Apply(scaled)
	if err != nil {
		return nil, wrapStage(stage, row, err)
	}

	stage = StageClassify
	class, err := p.classifier.Classify(selected)
	if err != nil {
		return nil, wrapStage(stage, row, err)
	}

	stage = StageDecode
	label, err := p.labels.Decode(class)
	if err != nil {
		return nil, wrapStage(stage, row, err)
	}

	return &Trace{Scaled: scaled, Selected: selected, Class: class, Label: label}, nil
}

// wrapStage keeps a ShapeError visible to errors.As while attributing it to a stage.
func wrapStage(stage string, row int, err error) error {
	var pe *PredictionError
	if errors.As(err, &pe) {
		return err
	}
	return &PredictionError{Stage: stage, Row: row, Err: err}
}

func checkFinite(xs []float64) error {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ErrNotFinite
		}
	}
	return nil
}
