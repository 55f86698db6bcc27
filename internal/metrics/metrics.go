// Package metrics provides Prometheus metrics collection for the credit rating service.
// It defines the prediction, ingestion, artifact and HTTP metrics exposed via the
// Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the rating service.
type Metrics struct {
	// Prediction metrics
	Predictions       *prometheus.CounterVec   // Predictions made, by mode (manual, batch)
	PredictionLabels  *prometheus.CounterVec   // Predicted rating labels
	PredictionErrors  *prometheus.CounterVec   // Failed requests, by error kind
	PredictionLatency *prometheus.HistogramVec // End-to-end prediction latency, by mode
	BatchRows         prometheus.Histogram     // Rows per batch upload
	ImputedCells      prometheus.Counter       // Cells filled by median imputation

	// Artifact metrics
	ModelAge      prometheus.Gauge       // Seconds since the active artifact set was loaded
	ModelReloads  *prometheus.CounterVec // Artifact reloads, by result
	ModelAccuracy prometheus.Histogram   // Accuracy of offline evaluations
	FeatureDrift  *prometheus.GaugeVec   // Sliding-window mean of scaled features

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec // HTTP requests, by route and status
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// This allows for isolated metric collection in tests without affecting
// the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rater_predictions_total",
			Help: "Total number of rated records",
		}, []string{"mode"}),
		PredictionLabels: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rater_prediction_labels_total",
			Help: "Predicted rating labels",
		}, []string{"label"}),
		PredictionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rater_prediction_errors_total",
			Help: "Total number of rejected or failed predictions by error kind",
		}, []string{"kind"}),
		PredictionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rater_prediction_latency_seconds",
			Help:    "Prediction latency in seconds (normalize to decode)",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"mode"}),
		BatchRows: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rater_batch_rows",
			Help:    "Number of rows per batch upload",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ImputedCells: factory.NewCounter(prometheus.CounterOpts{
			Name: "rater_imputed_cells_total",
			Help: "Total number of batch cells filled with the column median",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rater_model_age_seconds",
			Help: "Seconds since the active artifact set was loaded",
		}),
		ModelReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rater_model_reloads_total",
			Help: "Artifact reload attempts by result",
		}, []string{"result"}),
		ModelAccuracy: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rater_model_accuracy",
			Help:    "Accuracy measured by offline evaluation runs",
			Buckets: []float64{0.5, 0.55, 0.6, 0.65, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0},
		}),
		FeatureDrift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rater_feature_drift_mean",
			Help: "Sliding-window mean of scaled input features (0 = training mean)",
		}, []string{"feature"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rater_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// ErrorRate returns failed requests over all rated records plus failures, or 0 when
// nothing has been recorded yet.
func (m *Metrics) ErrorRate() float64 {
	var total, failed float64
	for _, mode := range []string{"manual", "batch"} {
		total += counterValue(m.Predictions.WithLabelValues(mode))
	}
	for _, kind := range []string{"schema", "parse", "shape", "prediction", "canceled", "other"} {
		failed += counterValue(m.PredictionErrors.WithLabelValues(kind))
	}
	if total+failed == 0 {
		return 0
	}
	return failed / (total + failed)
}
