// Package ml runs the credit rating pipeline: a fitted feature scaler, a feature
// selector, a classifier and a label encoder, applied in that order to normalized
// financial-ratio vectors.
//
// Artifacts are loaded once into an immutable ArtifactSet. A Predictor serves the
// current set behind an atomic pointer so a ModelManager can activate, reload or roll
// back versions while requests are in flight. ModelServer exposes it over HTTP.
package ml

import (
	"context"

	"credit-rater/internal/features"
)

// Rater rates manual records and tables. *Predictor implements it in-process and the
// HTTP client implements it against a running server.
type Rater interface {
	// PredictManual rates one manually entered record.
	PredictManual(ctx context.Context, in features.ManualInput) (*Result, error)

	// PredictTable rates every row of a table, preserving row order.
	PredictTable(ctx context.Context, t features.Table) (*BatchResult, error)
}

var _ Rater = (*Predictor)(nil)
