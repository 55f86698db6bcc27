package ml

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"credit-rater/internal/features"
	"credit-rater/internal/storage"
)

// MetricsInterface defines metrics methods needed by the predictor
type MetricsInterface interface {
	PredictionsAdd(mode string, n int)
	LabelInc(label string)
	FailuresInc(kind string)
	LatencyObserve(mode string, seconds float64)
	BatchRowsObserve(rows int)
	ImputedCellsAdd(n int)
	ModelAgeSet(seconds float64)
	ModelReloadsInc(result string)
	AccuracyObserve(v float64)
	DriftSet(feature string, mean float64)
}

// HistoryRecorder persists rated records. *storage.Store implements it.
type HistoryRecorder interface {
	StorePrediction(rec storage.PredictionRecord) error
	StoreBatch(batch storage.BatchRecord, recs []storage.PredictionRecord) error
}

// Error kinds used for metrics labels and HTTP status mapping.
const (
	KindSchema     = "schema"
	KindParse      = "parse"
	KindShape      = "shape"
	KindPrediction = "prediction"
	KindCanceled   = "canceled"
	KindOther      = "other"
	// KindNoPipeline marks error responses sent while no artifact set is loaded. It is
	// not a metrics label; those failures count as KindPrediction.
	KindNoPipeline = "no_pipeline"
)

// ErrorKind classifies an error returned by the predictor.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, features.ErrSchema):
		return KindSchema
	case errors.Is(err, features.ErrParse):
		return KindParse
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrShape):
		return KindShape
	case errors.Is(err, ErrPrediction):
		return KindPrediction
	default:
		return KindOther
	}
}

// PredictorConfig carries the optional collaborators of a Predictor.
type PredictorConfig struct {
	Normalize features.Options
	Metrics   MetricsInterface
	History   HistoryRecorder
	Drift     *DriftMonitor
}

// Predictor is the call boundary around the rating pipeline. It normalizes input,
// runs the current pipeline snapshot, and records metrics, drift and history.
// The pipeline can be swapped at any time; a call always completes on the snapshot
// it started with.
type Predictor struct {
	pipeline atomic.Pointer[Pipeline]
	opts     features.Options
	metrics  MetricsInterface
	history  HistoryRecorder
	drift    *DriftMonitor
}

// Result is the outcome of a single manual prediction.
type Result struct {
	ID           string             `json:"id"`
	Label        string             `json:"label"`
	Features     map[string]float64 `json:"features"`
	ModelVersion string             `json:"model_version"`
	LatencyMs    float64            `json:"latency_ms"`
}

// BatchResult is the outcome of a batch prediction. Labels[i] belongs to input row i.
type BatchResult struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Rows         int            `json:"rows"`
	Labels       []string       `json:"labels"`
	Imputed      map[string]int `json:"imputed,omitempty"`
	ImputedCells int            `json:"imputed_cells"`
	ModelVersion string         `json:"model_version"`
	LatencyMs    float64        `json:"latency_ms"`
}

// NewPredictor creates a predictor serving p. p may be nil until the first Swap.
func NewPredictor(p *Pipeline, cfg PredictorConfig) *Predictor {
	pr := &Predictor{
		opts:    cfg.Normalize,
		metrics: cfg.Metrics,
		history: cfg.History,
		drift:   cfg.Drift,
	}
	if p != nil {
		pr.pipeline.Store(p)
		pr.updateModelAge()
	}
	return pr
}

// Swap installs next as the serving pipeline and returns the previous one.
func (pr *Predictor) Swap(next *Pipeline) *Pipeline {
	prev := pr.pipeline.Swap(next)
	if pr.drift != nil {
		pr.drift.Reset()
	}
	pr.updateModelAge()
	version := ""
	if next != nil {
		version = next.Artifacts().Metadata.Version
	}
	log.Info().Str("model_version", version).Msg("Serving pipeline swapped")
	return prev
}

// Pipeline returns the serving snapshot, or nil.
func (pr *Predictor) Pipeline() *Pipeline {
	return pr.pipeline.Load()
}

// Ready reports whether a pipeline is loaded.
func (pr *Predictor) Ready() bool {
	return pr.pipeline.Load() != nil
}

// Options returns the normalizer options.
func (pr *Predictor) Options() features.Options {
	return pr.opts
}

// Drift returns the drift monitor, or nil when disabled.
func (pr *Predictor) Drift() *DriftMonitor {
	return pr.drift
}

// Metrics returns the metrics sink, or nil.
func (pr *Predictor) Metrics() MetricsInterface {
	return pr.metrics
}

// Metadata returns the metadata of the serving artifact set.
func (pr *Predictor) Metadata() (Metadata, bool) {
	p := pr.pipeline.Load()
	if p == nil {
		return Metadata{}, false
	}
	return p.Artifacts().Metadata, true
}

func (pr *Predictor) updateModelAge() {
	if pr.metrics == nil {
		return
	}
	if p := pr.pipeline.Load(); p != nil {
		pr.metrics.ModelAgeSet(time.Since(p.Artifacts().LoadedAt).Seconds())
	}
}

// PredictManual normalizes and rates one manually entered record.
func (pr *Predictor) PredictManual(ctx context.Context, in features.ManualInput) (res *Result, err error) {
	start := time.Now()
	defer pr.finish(storage.ModeManual, start, &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := pr.pipeline.Load()
	if p == nil {
		return nil, &PredictionError{Stage: StageScale, Row: -1, Err: ErrNoPipeline}
	}

	v, err := features.NormalizeManual(in)
	if err != nil {
		return nil, err
	}
	tr, err := p.Explain(v, -1)
	if err != nil {
		return nil, err
	}
	if pr.drift != nil {
		pr.drift.Observe(tr.Scaled)
	}

	res = &Result{
		ID:           uuid.NewString(),
		Label:        tr.Label,
		Features:     v.Map(),
		ModelVersion: p.Artifacts().Metadata.Version,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
	}

	if pr.metrics != nil {
		pr.metrics.PredictionsAdd(storage.ModeManual, 1)
		pr.metrics.LabelInc(res.Label)
	}
	if pr.history != nil {
		rec := storage.PredictionRecord{
			ID:           res.ID,
			Timestamp:    start,
			Mode:         storage.ModeManual,
			Row:          -1,
			Features:     res.Features,
			Label:        res.Label,
			ModelVersion: res.ModelVersion,
		}
		if herr := pr.history.StorePrediction(rec); herr != nil {
			log.Warn().Err(herr).Str("id", res.ID).Msg("Failed to store prediction history")
		}
	}

	log.Debug().Str("id", res.ID).Str("label", res.Label).Msg("Manual prediction")
	return res, nil
}

// PredictTable validates, normalizes and rates a whole table. Any schema or parse error
// rejects the table before the pipeline runs; any pipeline error aborts the batch. The
// context is checked between rows.
func (pr *Predictor) PredictTable(ctx context.Context, t features.Table) (res *BatchResult, err error) {
	start := time.Now()
	defer pr.finish(storage.ModeBatch, start, &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := pr.pipeline.Load()
	if p == nil {
		return nil, &PredictionError{Stage: StageScale, Row: -1, Err: ErrNoPipeline}
	}

	batch, err := features.NormalizeBatch(t, pr.opts)
	if err != nil {
		return nil, err
	}

	labels := make([]string, len(batch.Vectors))
	scaled := make([][]float64, len(batch.Vectors))
	for i, v := range batch.Vectors {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("batch %q stopped at row %d: %w", t.Name, i, err)
		}
		tr, err := p.Explain(v, i)
		if err != nil {
			return nil, err
		}
		labels[i] = tr.Label
		scaled[i] = tr.Scaled
	}

	if pr.drift != nil {
		pr.drift.ObserveBatch(scaled)
	}

	res = &BatchResult{
		ID:           uuid.NewString(),
		Source:       t.Name,
		Rows:         len(labels),
		Labels:       labels,
		Imputed:      batch.Imputed,
		ImputedCells: batch.ImputedCells(),
		ModelVersion: p.Artifacts().Metadata.Version,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
	}

	if pr.metrics != nil {
		pr.metrics.PredictionsAdd(storage.ModeBatch, res.Rows)
		pr.metrics.BatchRowsObserve(res.Rows)
		pr.metrics.ImputedCellsAdd(res.ImputedCells)
		for _, l := range labels {
			pr.metrics.LabelInc(l)
		}
	}
	if pr.history != nil {
		pr.recordBatch(res, batch.Vectors, start)
	}

	log.Info().
		Str("id", res.ID).
		Str("source", res.Source).
		Int("rows", res.Rows).
		Int("imputed_cells", res.ImputedCells).
		Msg("Batch prediction")
	return res, nil
}

func (pr *Predictor) recordBatch(res *BatchResult, vectors []features.Vector, ts time.Time) {
	counts := make(map[string]int)
	recs := make([]storage.PredictionRecord, len(res.Labels))
	for i, label := range res.Labels {
		counts[label]++
		recs[i] = storage.PredictionRecord{
			ID:           fmt.Sprintf("%s-%d", res.ID, i),
			Timestamp:    ts,
			Mode:         storage.ModeBatch,
			BatchID:      res.ID,
			Row:          i,
			Features:     vectors[i].Map(),
			Label:        label,
			ModelVersion: res.ModelVersion,
		}
	}
	batch := storage.BatchRecord{
		ID:           res.ID,
		Timestamp:    ts,
		Source:       res.Source,
		Rows:         res.Rows,
		ImputedCells: res.ImputedCells,
		Labels:       counts,
		ModelVersion: res.ModelVersion,
	}
	if err := pr.history.StoreBatch(batch, recs); err != nil {
		log.Warn().Err(err).Str("batch_id", res.ID).Msg("Failed to store batch history")
	}
}

// finish converts a panic into a PredictionError and records latency and failures.
func (pr *Predictor) finish(mode string, start time.Time, errp *error) {
	if r := recover(); r != nil {
		*errp = &PredictionError{Stage: "normalize", Row: -1, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		log.Error().Interface("panic", r).Str("mode", mode).Msg("Recovered panic in predictor")
	}
	if pr.metrics == nil {
		return
	}
	pr.metrics.LatencyObserve(mode, time.Since(start).Seconds())
	if *errp != nil {
		pr.metrics.FailuresInc(ErrorKind(*errp))
	}
}
