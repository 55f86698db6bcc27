package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

// Classifier kinds.
const (
	ModelTreeEnsemble = "tree_ensemble"
	ModelLogistic     = "logistic"
)

// TreeNode is one node of a regression tree. Left == -1 marks a leaf.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Tree contributes its leaf value to the margin of Class.
type Tree struct {
	Class int        `json:"class"`
	Nodes []TreeNode `json:"nodes"`
}

// TreeEnsemble is a gradient-boosted tree classifier. Each class has its own additive
// margin; the predicted class is the one with the largest margin. With two classes and
// all trees on class 0 the ensemble is binary: margin > 0 selects class 1.
type TreeEnsemble struct {
	Kind      string  `json:"kind"`
	NFeatures int     `json:"n_features"`
	NClasses  int     `json:"n_classes"`
	BaseScore float64 `json:"base_score"`
	Trees     []Tree  `json:"trees"`

	binary bool
}

func (m *TreeEnsemble) compile() error {
	if m.NFeatures <= 0 {
		return fmt.Errorf("tree ensemble needs n_features > 0")
	}
	if m.NClasses < 2 {
		return fmt.Errorf("tree ensemble needs at least 2 classes, got %d", m.NClasses)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("tree ensemble has no trees")
	}
	m.binary = m.NClasses == 2
	for ti, t := range m.Trees {
		if t.Class < 0 || t.Class >= m.NClasses {
			return fmt.Errorf("tree %d targets class %d of %d", ti, t.Class, m.NClasses)
		}
		if t.Class != 0 {
			m.binary = false
		}
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left == -1 {
				continue
			}
			if n.Feature < 0 || n.Feature >= m.NFeatures {
				return fmt.Errorf("tree %d node %d splits on feature %d of %d", ti, ni, n.Feature, m.NFeatures)
			}
			// children must come later so traversal always terminates
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children %d/%d", ti, ni, n.Left, n.Right)
			}
		}
	}
	return nil
}

func (m *TreeEnsemble) InputDim() int   { return m.NFeatures }
func (m *TreeEnsemble) NumClasses() int { return m.NClasses }

// Margins returns the raw per-class scores for x.
func (m *TreeEnsemble) Margins(x []float64) ([]float64, error) {
	if len(x) != m.NFeatures {
		return nil, &ShapeError{Stage: StageClassify, Want: m.NFeatures, Got: len(x)}
	}
	margins := make([]float64, m.NClasses)
	for i := range margins {
		margins[i] = m.BaseScore
	}
	for _, t := range m.Trees {
		margins[t.Class] += t.leaf(x)
	}
	return margins, nil
}

func (t *Tree) leaf(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Left == -1 {
			return n.Value
		}
		// NaN compares false and follows the right branch
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (m *TreeEnsemble) Classify(x []float64) (int, error) {
	margins, err := m.Margins(x)
	if err != nil {
		return 0, err
	}
	if m.binary {
		if margins[0] > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return argmax(margins)
}

// Logistic is a multinomial (or one-vs-rest) linear classifier. A single coefficient row
// is treated as binary: a positive decision value selects class 1.
type Logistic struct {
	Kind      string      `json:"kind"`
	NFeatures int         `json:"n_features"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
}

func (m *Logistic) compile() error {
	if m.NFeatures <= 0 {
		return fmt.Errorf("logistic model needs n_features > 0")
	}
	if len(m.Coef) == 0 {
		return fmt.Errorf("logistic model has no coefficients")
	}
	if len(m.Intercept) != len(m.Coef) {
		return fmt.Errorf("logistic model has %d intercepts for %d coefficient rows", len(m.Intercept), len(m.Coef))
	}
	for i, row := range m.Coef {
		if len(row) != m.NFeatures {
			return fmt.Errorf("logistic coefficient row %d has %d values, want %d", i, len(row), m.NFeatures)
		}
	}
	return nil
}

func (m *Logistic) InputDim() int { return m.NFeatures }

func (m *Logistic) NumClasses() int {
	if len(m.Coef) == 1 {
		return 2
	}
	return len(m.Coef)
}

func (m *Logistic) Classify(x []float64) (int, error) {
	if len(x) != m.NFeatures {
		return 0, &ShapeError{Stage: StageClassify, Want: m.NFeatures, Got: len(x)}
	}
	scores := make([]float64, len(m.Coef))
	for c, row := range m.Coef {
		z := m.Intercept[c]
		for i, w := range row {
			z += w * x[i]
		}
		scores[c] = z
	}
	if len(scores) == 1 {
		if math.IsNaN(scores[0]) {
			return 0, ErrNotFinite
		}
		if scores[0] > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return argmax(scores)
}

// argmax returns the first index of the largest value; ties go to the lower index.
func argmax(xs []float64) (int, error) {
	best := -1
	for i, v := range xs {
		if math.IsNaN(v) {
			return 0, ErrNotFinite
		}
		if best < 0 || v > xs[best] {
			best = i
		}
	}
	return best, nil
}

// ParseClassifier decodes a classifier artifact, dispatching on its kind.
func ParseClassifier(data []byte) (Classifier, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	switch head.Kind {
	case ModelTreeEnsemble:
		var m TreeEnsemble
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode tree ensemble: %w", err)
		}
		if err := m.compile(); err != nil {
			return nil, err
		}
		return &m, nil
	case ModelLogistic:
		var m Logistic
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode logistic model: %w", err)
		}
		if err := m.compile(); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", head.Kind)
	}
}

// LabelEncoder decodes class indices to rating labels in training order.
type LabelEncoder struct {
	Classes []string `json:"classes"`
}

// ParseLabelEncoder decodes and validates a label encoder artifact.
func ParseLabelEncoder(data []byte) (*LabelEncoder, error) {
	var le LabelEncoder
	if err := json.Unmarshal(data, &le); err != nil {
		return nil, fmt.Errorf("decode label encoder: %w", err)
	}
	if len(le.Classes) == 0 {
		return nil, fmt.Errorf("label encoder has no classes")
	}
	seen := make(map[string]struct{}, len(le.Classes))
	for _, c := range le.Classes {
		if c == "" {
			return nil, fmt.Errorf("label encoder contains an empty class label")
		}
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("label encoder contains duplicate class %q", c)
		}
		seen[c] = struct{}{}
	}
	return &le, nil
}

func (le *LabelEncoder) NumClasses() int { return len(le.Classes) }

func (le *LabelEncoder) Decode(idx int) (string, error) {
	if idx < 0 || idx >= len(le.Classes) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrUnknownClass, idx, len(le.Classes))
	}
	return le.Classes[idx], nil
}
