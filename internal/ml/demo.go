package ml

import (
	"math"
	"time"

	"credit-rater/internal/features"
)

// DemoClasses are the rating labels of the demo artifact set, in encoder order.
var DemoClasses = []string{"A", "AA", "AAA", "B", "BB", "BBB"}

// demo profit-margin bands in scaled units, per class index
var demoBands = map[int][2]float64{
	3: {math.Inf(-1), -1.0}, // B
	4: {-1.0, -0.4},         // BB
	5: {-0.4, 0.2},          // BBB
	0: {0.2, 0.8},           // A
	1: {0.8, 1.5},           // AA
	2: {1.5, math.Inf(1)},   // AAA
}

// DemoArtifacts returns a small, internally consistent artifact set: a standard scaler,
// a support selector that drops asset turnover, and a tree ensemble that rates mostly on
// profit margin with a leverage penalty.
func DemoArtifacts() (*Scaler, *Selector, *TreeEnsemble, *LabelEncoder, *Metadata) {
	scaler := &Scaler{
		Kind:  ScalerStandard,
		Mean:  []float64{1.6, 2.5, 0.08, 0.9, 1.3, 0.45},
		Scale: []float64{0.7, 1.2, 0.07, 0.4, 0.9, 0.15},
	}
	selector := &Selector{
		Kind:    SelectorSupport,
		Support: []bool{true, true, true, false, true, true},
	}

	// selected layout: liquidity, leverage, profit, debt/equity, debt ratio
	const profit, debtToEquity = 2, 3

	model := &TreeEnsemble{
		Kind:      ModelTreeEnsemble,
		NFeatures: 5,
		NClasses:  len(DemoClasses),
	}
	for class := 0; class < len(DemoClasses); class++ {
		band := demoBands[class]
		model.Trees = append(model.Trees, Tree{
			Class: class,
			Nodes: []TreeNode{
				{Feature: profit, Threshold: finite(band[0]), Left: 1, Right: 2},
				{Left: -1, Value: -1},
				{Feature: profit, Threshold: finite(band[1]), Left: 3, Right: 4},
				{Left: -1, Value: 1},
				{Left: -1, Value: -1},
			},
		})
	}
	// heavy leverage moves AAA and AA down and B up
	for _, adj := range []struct {
		class   int
		penalty float64
	}{{2, -2.5}, {1, -1.5}, {3, 1.5}} {
		model.Trees = append(model.Trees, Tree{
			Class: adj.class,
			Nodes: []TreeNode{
				{Feature: debtToEquity, Threshold: 1.5, Left: 1, Right: 2},
				{Left: -1, Value: 0},
				{Left: -1, Value: adj.penalty},
			},
		})
	}

	labels := &LabelEncoder{Classes: append([]string(nil), DemoClasses...)}
	md := &Metadata{
		Version:   "demo",
		TrainedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Features:  features.Names[:],
		Classes:   labels.Classes,
		Notes:     "synthetic demo artifacts; not trained on real data",
	}
	return scaler, selector, model, labels, md
}

func finite(x float64) float64 {
	switch {
	case math.IsInf(x, -1):
		return -1e12
	case math.IsInf(x, 1):
		return 1e12
	}
	return x
}

// DemoArtifactSet returns the demo artifacts compiled and validated in memory.
func DemoArtifactSet() (*ArtifactSet, error) {
	scaler, selector, model, labels, md := DemoArtifacts()
	if err := scaler.validate(); err != nil {
		return nil, err
	}
	if err := selector.compile(); err != nil {
		return nil, err
	}
	if err := model.compile(); err != nil {
		return nil, err
	}
	set := &ArtifactSet{
		Dir:        "demo",
		Scaler:     scaler,
		Selector:   selector,
		Classifier: model,
		Labels:     labels,
		Metadata:   *md,
		LoadedAt:   time.Now(),
	}
	return set, set.Validate()
}

// WriteDemoArtifacts writes the demo artifact set into dir.
func WriteDemoArtifacts(dir string) error {
	scaler, selector, model, labels, md := DemoArtifacts()
	return SaveArtifacts(dir, scaler, selector, model, labels, md)
}
