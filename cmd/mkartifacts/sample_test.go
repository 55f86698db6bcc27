package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-rater/internal/evaluate"
	"credit-rater/internal/features"
	"credit-rater/internal/ml"
)

func demoPipeline(t *testing.T) *ml.Pipeline {
	t.Helper()
	set, err := ml.DemoArtifactSet()
	require.NoError(t, err)
	p, err := ml.NewPipeline(set)
	require.NoError(t, err)
	return p
}

func TestGenerateSample_LabelsMatchPipeline(t *testing.T) {
	p := demoPipeline(t)
	table, err := generateSample(p, sampleConfig{Rows: 150, Seed: 7})
	require.NoError(t, err)
	require.Len(t, table.Rows, 150)
	assert.Equal(t, "company", table.Columns[0])
	assert.Equal(t, "rating", table.Columns[len(table.Columns)-1])

	// without label noise the table scores perfectly against the pipeline that made it
	res, err := evaluate.NewEngine(p, evaluate.Config{}, nil).Run(context.Background(), table)
	require.NoError(t, err)
	assert.Equal(t, 150, res.Rows)
	assert.InDelta(t, 1.0, res.Accuracy, 1e-12)
	assert.Zero(t, res.ImputedCells)

	for _, row := range table.Rows {
		assert.Contains(t, ml.DemoClasses, row[len(row)-1])
		assert.Regexp(t, `^-?\d+\.\d{2}%$`, row[1+features.IndexOf(features.NetProfitMargin)])
	}
}

func TestGenerateSample_Deterministic(t *testing.T) {
	p := demoPipeline(t)
	a, err := generateSample(p, sampleConfig{Rows: 20, LabelNoise: 0.5, Seed: 3})
	require.NoError(t, err)
	b, err := generateSample(p, sampleConfig{Rows: 20, LabelNoise: 0.5, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, a.Rows, b.Rows)

	c, err := generateSample(p, sampleConfig{Rows: 20, LabelNoise: 0.5, Seed: 4})
	require.NoError(t, err)
	assert.NotEqual(t, a.Rows, c.Rows)
}
