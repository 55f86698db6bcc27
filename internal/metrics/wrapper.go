package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MetricsWrapper adapts Metrics to the narrow interface the predictor and HTTP server
// depend on, so those packages never import Prometheus types directly.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Metrics returns the underlying collectors.
func (w *MetricsWrapper) Metrics() *Metrics {
	return w.m
}

func (w *MetricsWrapper) PredictionsAdd(mode string, n int) {
	w.m.Predictions.WithLabelValues(mode).Add(float64(n))
}

func (w *MetricsWrapper) LabelInc(label string) {
	w.m.PredictionLabels.WithLabelValues(label).Inc()
}

func (w *MetricsWrapper) FailuresInc(kind string) {
	w.m.PredictionErrors.WithLabelValues(kind).Inc()
}

func (w *MetricsWrapper) LatencyObserve(mode string, seconds float64) {
	w.m.PredictionLatency.WithLabelValues(mode).Observe(seconds)
}

func (w *MetricsWrapper) BatchRowsObserve(rows int) {
	w.m.BatchRows.Observe(float64(rows))
}

func (w *MetricsWrapper) ImputedCellsAdd(n int) {
	if n > 0 {
		w.m.ImputedCells.Add(float64(n))
	}
}

func (w *MetricsWrapper) ModelAgeSet(seconds float64) {
	w.m.ModelAge.Set(seconds)
}

func (w *MetricsWrapper) ModelReloadsInc(result string) {
	w.m.ModelReloads.WithLabelValues(result).Inc()
}

func (w *MetricsWrapper) AccuracyObserve(v float64) {
	w.m.ModelAccuracy.Observe(v)
}

func (w *MetricsWrapper) DriftSet(feature string, mean float64) {
	w.m.FeatureDrift.WithLabelValues(feature).Set(mean)
}

func (w *MetricsWrapper) HTTPRequestInc(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
