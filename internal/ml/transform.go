package ml

import (
	"encoding/json"
	"fmt"
)

// Transform is a fitted vector-to-vector stage. Scalers and selectors implement it.
type Transform interface {
	Name() string
	InputDim() int
	OutputDim() int
	Apply(x []float64) ([]float64, error)
}

// Classifier maps a selected feature vector to a class index.
type Classifier interface {
	InputDim() int
	NumClasses() int
	Classify(x []float64) (int, error)
}

// LabelDecoder maps a class index to its rating label.
type LabelDecoder interface {
	NumClasses() int
	Decode(idx int) (string, error)
}

// Scaler kinds.
const (
	ScalerStandard = "standard"
	ScalerMinMax   = "minmax"
	ScalerRobust   = "robust"
)

// Scaler is an affine per-feature transform. All three kinds reduce to
// y = (x - offset) * factor or y = x * factor + offset, fixed at load time.
type Scaler struct {
	Kind   string    `json:"kind"`
	Mean   []float64 `json:"mean,omitempty"`
	Min    []float64 `json:"min,omitempty"`
	Center []float64 `json:"center,omitempty"`
	Scale  []float64 `json:"scale"`
}

// ParseScaler decodes and validates a scaler artifact.
func ParseScaler(data []byte) (*Scaler, error) {
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scaler) offsets() []float64 {
	switch s.Kind {
	case ScalerStandard:
		return s.Mean
	case ScalerMinMax:
		return s.Min
	case ScalerRobust:
		return s.Center
	}
	return nil
}

func (s *Scaler) validate() error {
	switch s.Kind {
	case ScalerStandard, ScalerMinMax, ScalerRobust:
	default:
		return fmt.Errorf("unknown scaler kind %q", s.Kind)
	}
	if len(s.Scale) == 0 {
		return fmt.Errorf("%s scaler has no scale values", s.Kind)
	}
	if off := s.offsets(); len(off) != len(s.Scale) {
		return fmt.Errorf("%s scaler has %d offsets for %d scale values", s.Kind, len(off), len(s.Scale))
	}
	if s.Kind != ScalerMinMax {
		for i, v := range s.Scale {
			if v == 0 {
				return fmt.Errorf("%s scaler has zero scale at feature %d", s.Kind, i)
			}
		}
	}
	return nil
}

func (s *Scaler) Name() string   { return StageScale }
func (s *Scaler) InputDim() int  { return len(s.Scale) }
func (s *Scaler) OutputDim() int { return len(s.Scale) }

func (s *Scaler) Apply(x []float64) ([]float64, error) {
	if len(x) != len(s.Scale) {
		return nil, &ShapeError{Stage: StageScale, Want: len(s.Scale), Got: len(x)}
	}
	out := make([]float64, len(x))
	off := s.offsets()
	for i, v := range x {
		if s.Kind == ScalerMinMax {
			out[i] = v*s.Scale[i] + off[i]
		} else {
			out[i] = (v - off[i]) / s.Scale[i]
		}
	}
	return out, nil
}

// Selector kinds.
const (
	SelectorSupport = "support"
	SelectorIndices = "indices"
)

// Selector keeps a fixed subset of features in ascending index order.
type Selector struct {
	Kind        string `json:"kind"`
	Support     []bool `json:"support,omitempty"`
	NFeaturesIn int    `json:"n_features_in,omitempty"`
	Indices     []int  `json:"indices,omitempty"`

	keep []int
	in   int
}

// ParseSelector decodes and validates a selector artifact.
func ParseSelector(data []byte) (*Selector, error) {
	var s Selector
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode selector: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Selector) compile() error {
	s.keep = s.keep[:0]
	switch s.Kind {
	case SelectorSupport:
		s.in = len(s.Support)
		for i, keep := range s.Support {
			if keep {
				s.keep = append(s.keep, i)
			}
		}
	case SelectorIndices:
		s.in = s.NFeaturesIn
		last := -1
		for _, idx := range s.Indices {
			if idx < 0 || idx >= s.in {
				return fmt.Errorf("selector index %d out of range [0,%d)", idx, s.in)
			}
			if idx <= last {
				return fmt.Errorf("selector indices must be strictly ascending")
			}
			last = idx
		}
		s.keep = append([]int(nil), s.Indices...)
	default:
		return fmt.Errorf("unknown selector kind %q", s.Kind)
	}
	if len(s.keep) == 0 {
		return fmt.Errorf("selector keeps no features")
	}
	return nil
}

func (s *Selector) Name() string   { return StageSelect }
func (s *Selector) InputDim() int  { return s.in }
func (s *Selector) OutputDim() int { return len(s.keep) }

// Kept returns the input positions the selector retains.
func (s *Selector) Kept() []int { return append([]int(nil), s.keep...) }

func (s *Selector) Apply(x []float64) ([]float64, error) {
	if len(x) != s.in {
		return nil, &ShapeError{Stage: StageSelect, Want: s.in, Got: len(x)}
	}
	out := make([]float64, len(s.keep))
	for i, idx := range s.keep {
		out[i] = x[idx]
	}
	return out, nil
}
