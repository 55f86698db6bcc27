// Package evaluate scores an artifact set against a labeled table and reports accuracy,
// per-class precision and recall, a confusion matrix and permutation feature importance.
package evaluate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"credit-rater/internal/common"
	"credit-rater/internal/features"
	"credit-rater/internal/ml"
)

// Config controls an evaluation run.
type Config struct {
	// LabelColumn names the column holding the true rating. Defaults to "rating".
	LabelColumn string
	Normalize   features.Options
	// Importance enables permutation feature importance.
	Importance bool
}

// Engine evaluates one pipeline.
type Engine struct {
	pipeline *ml.Pipeline
	cfg      Config
	metrics  ml.MetricsInterface
}

// RowResult is the outcome for one labeled row. Row is the index in the input table.
type RowResult struct {
	Row       int                `json:"row"`
	Actual    string             `json:"actual"`
	Predicted string             `json:"predicted"`
	Features  map[string]float64 `json:"features"`
}

// Correct reports whether the prediction matches the label.
func (r RowResult) Correct() bool { return r.Actual == r.Predicted }

// ClassStats holds the per-class scores.
type ClassStats struct {
	Label     string  `json:"label"`
	Support   int     `json:"support"`
	Predicted int     `json:"predicted"`
	Correct   int     `json:"correct"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// FeatureImportance is the accuracy lost when one feature's values are permuted.
type FeatureImportance struct {
	Name     string  `json:"name"`
	Accuracy float64 `json:"permuted_accuracy"`
	Drop     float64 `json:"importance"`
}

// Results holds a finished evaluation.
type Results struct {
	Source         string              `json:"source"`
	ModelVersion   string              `json:"model_version"`
	Rows           int                 `json:"rows"`
	Skipped        int                 `json:"skipped"`
	ImputedCells   int                 `json:"imputed_cells"`
	Correct        int                 `json:"correct"`
	Accuracy       float64             `json:"accuracy"`
	MacroPrecision float64             `json:"macro_precision"`
	MacroRecall    float64             `json:"macro_recall"`
	Classes        []string            `json:"classes"`
	Confusion      [][]int             `json:"confusion"`
	PerClass       []ClassStats        `json:"per_class"`
	Importance     []FeatureImportance `json:"importance,omitempty"`
	Predictions    []RowResult         `json:"-"`
	StartTime      time.Time           `json:"start_time"`
	EndTime        time.Time           `json:"end_time"`
}

// NewEngine creates an evaluation engine. metrics may be nil.
func NewEngine(p *ml.Pipeline, cfg Config, metrics ml.MetricsInterface) *Engine {
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = common.DefaultLabelColumn
	}
	return &Engine{pipeline: p, cfg: cfg, metrics: metrics}
}

// Run rates every labeled row of t and scores the predictions. Rows with an empty label
// are skipped; the remaining rows are normalized together, so imputation medians come
// from labeled rows only.
func (e *Engine) Run(ctx context.Context, t features.Table) (*Results, error) {
	if e.pipeline == nil {
		return nil, ml.ErrNoPipeline
	}
	start := time.Now()

	labelIdx := -1
	for i, c := range t.Columns {
		if strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")) == e.cfg.LabelColumn {
			labelIdx = i
			break
		}
	}
	if labelIdx < 0 {
		return nil, &features.SchemaError{
			Table:    t.Name,
			Missing:  []string{e.cfg.LabelColumn},
			Required: append(append([]string(nil), features.Names[:]...), e.cfg.LabelColumn),
			Err:      features.ErrMissingColumns,
		}
	}

	labeled := features.Table{Name: t.Name, Columns: t.Columns}
	var actual []string
	var rowIdx []int
	for i, row := range t.Rows {
		label := ""
		if labelIdx < len(row) {
			label = strings.TrimSpace(row[labelIdx])
		}
		if label == "" {
			continue
		}
		labeled.Rows = append(labeled.Rows, row)
		actual = append(actual, label)
		rowIdx = append(rowIdx, i)
	}

	log.Info().
		Str("source", t.Name).
		Str("label_column", e.cfg.LabelColumn).
		Int("rows", len(labeled.Rows)).
		Int("skipped", len(t.Rows)-len(labeled.Rows)).
		Msg("Starting evaluation")

	batch, err := features.NormalizeBatch(labeled, e.cfg.Normalize)
	if err != nil {
		return nil, err
	}

	predicted, err := e.predict(ctx, batch.Vectors)
	if err != nil {
		return nil, err
	}

	res := &Results{
		Source:       t.Name,
		ModelVersion: e.pipeline.Artifacts().Metadata.Version,
		Rows:         len(actual),
		Skipped:      len(t.Rows) - len(actual),
		ImputedCells: batch.ImputedCells(),
		Predictions:  make([]RowResult, len(actual)),
		StartTime:    start,
	}
	for i := range actual {
		res.Predictions[i] = RowResult{
			Row:       rowIdx[i],
			Actual:    actual[i],
			Predicted: predicted[i],
			Features:  batch.Vectors[i].Map(),
		}
	}
	e.score(res, actual, predicted)

	if e.cfg.Importance {
		imp, err := e.permutationImportance(ctx, batch.Vectors, actual, res.Accuracy)
		if err != nil {
			return nil, err
		}
		res.Importance = imp
	}

	res.EndTime = time.Now()
	if e.metrics != nil {
		e.metrics.AccuracyObserve(res.Accuracy)
	}

	log.Info().
		Str("source", t.Name).
		Float64("accuracy", res.Accuracy).
		Float64("macro_precision", res.MacroPrecision).
		Float64("macro_recall", res.MacroRecall).
		Msg("Evaluation complete")
	return res, nil
}

func (e *Engine) predict(ctx context.Context, vs []features.Vector) ([]string, error) {
	out := make([]string, len(vs))
	for i, v := range vs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation stopped at row %d: %w", i, err)
		}
		tr, err := e.pipeline.Explain(v, i)
		if err != nil {
			return nil, err
		}
		out[i] = tr.Label
	}
	return out, nil
}

// classes returns the encoder classes followed by any other observed labels, sorted.
func (e *Engine) classes(observed ...[]string) []string {
	known := e.pipeline.Artifacts().Metadata.Classes
	classes := append([]string(nil), known...)
	seen := make(map[string]bool, len(classes))
	for _, c := range classes {
		seen[c] = true
	}
	var extra []string
	for _, labels := range observed {
		for _, l := range labels {
			if !seen[l] {
				seen[l] = true
				extra = append(extra, l)
			}
		}
	}
	sort.Strings(extra)
	return append(classes, extra...)
}

func (e *Engine) score(res *Results, actual, predicted []string) {
	res.Classes = e.classes(actual, predicted)
	index := make(map[string]int, len(res.Classes))
	for i, c := range res.Classes {
		index[c] = i
	}

	n := len(res.Classes)
	res.Confusion = make([][]int, n)
	for i := range res.Confusion {
		res.Confusion[i] = make([]int, n)
	}
	for i := range actual {
		res.Confusion[index[actual[i]]][index[predicted[i]]]++
		if actual[i] == predicted[i] {
			res.Correct++
		}
	}
	if len(actual) > 0 {
		res.Accuracy = float64(res.Correct) / float64(len(actual))
	}

	res.PerClass = make([]ClassStats, n)
	var sumP, sumR float64
	active := 0
	for c := range res.Classes {
		s := ClassStats{Label: res.Classes[c], Correct: res.Confusion[c][c]}
		for k := 0; k < n; k++ {
			s.Support += res.Confusion[c][k]
			s.Predicted += res.Confusion[k][c]
		}
		if s.Predicted > 0 {
			s.Precision = float64(s.Correct) / float64(s.Predicted)
		}
		if s.Support > 0 {
			s.Recall = float64(s.Correct) / float64(s.Support)
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		// classes absent from both labels and predictions do not count toward macro scores
		if s.Support > 0 || s.Predicted > 0 {
			sumP += s.Precision
			sumR += s.Recall
			active++
		}
		res.PerClass[c] = s
	}
	if active > 0 {
		res.MacroPrecision = sumP / float64(active)
		res.MacroRecall = sumR / float64(active)
	}
}

// permutationImportance rotates one feature column at a time by one row and measures the
// accuracy lost. The rotation is deterministic so repeated runs agree.
func (e *Engine) permutationImportance(ctx context.Context, vs []features.Vector, actual []string, baseline float64) ([]FeatureImportance, error) {
	out := make([]FeatureImportance, 0, features.Count)
	if len(vs) < 2 {
		return out, nil
	}

	permuted := make([]features.Vector, len(vs))
	for f, name := range features.Names {
		copy(permuted, vs)
		for i := range permuted {
			permuted[i][f] = vs[(i+1)%len(vs)][f]
		}

		predicted, err := e.predict(ctx, permuted)
		if err != nil {
			return nil, fmt.Errorf("permute %s: %w", name, err)
		}
		correct := 0
		for i := range predicted {
			if predicted[i] == actual[i] {
				correct++
			}
		}
		acc := float64(correct) / float64(len(vs))
		out = append(out, FeatureImportance{Name: name, Accuracy: acc, Drop: baseline - acc})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Drop > out[j].Drop })
	return out, nil
}

// TopFeatures returns the n most important feature names.
func (r *Results) TopFeatures(n int) []string {
	if n > len(r.Importance) {
		n = len(r.Importance)
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = r.Importance[i].Name
	}
	return names
}
