package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"credit-rater/internal/common"
	"credit-rater/internal/features"
	"credit-rater/internal/ml"
)

// sampleConfig controls the synthetic labeled table.
type sampleConfig struct {
	Rows int
	// LabelNoise is the share of rows whose label is replaced by a random class.
	LabelNoise float64
	Seed       uint64
}

// generateSample draws companies around the demo scaler's training distribution and
// labels them with p. Profit margins are written as percentages, like spreadsheet
// exports.
func generateSample(p *ml.Pipeline, cfg sampleConfig) (features.Table, error) {
	scaler, _, _, _, _ := ml.DemoArtifacts()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	classes := p.Artifacts().Metadata.Classes

	columns := append([]string{"company"}, features.Names[:]...)
	columns = append(columns, common.DefaultLabelColumn)
	t := features.Table{Name: "sample", Columns: columns, Rows: make([][]string, 0, cfg.Rows)}
	profit := features.IndexOf(features.NetProfitMargin)

	for i := 0; i < cfg.Rows; i++ {
		var v features.Vector
		for j := range v {
			v[j] = scaler.Mean[j] + scaler.Scale[j]*rng.NormFloat64()
		}
		// ratios other than the profit margin are non-negative; the debt ratio is a share
		for j := range v {
			if j != profit {
				v[j] = math.Max(v[j], 0)
			}
		}
		dr := features.IndexOf(features.DebtToTotalLiabilitiesRatio)
		v[dr] = math.Min(v[dr], 1)

		// label the values as written so a reader of the table sees the same inputs
		row := []string{fmt.Sprintf("company-%04d", i+1)}
		for j, x := range v {
			var (
				cell string
				err  error
			)
			if j == profit {
				cell = strconv.FormatFloat(x*100, 'f', 2, 64) + "%"
				v[j], err = features.ParsePercent(cell, features.Options{})
			} else {
				cell = strconv.FormatFloat(x, 'f', 4, 64)
				v[j], err = strconv.ParseFloat(cell, 64)
			}
			if err != nil {
				return features.Table{}, fmt.Errorf("sample row %d: %w", i, err)
			}
			row = append(row, cell)
		}

		label, err := p.Predict(v)
		if err != nil {
			return features.Table{}, fmt.Errorf("label sample row %d: %w", i, err)
		}
		if len(classes) > 0 && rng.Float64() < cfg.LabelNoise {
			label = classes[rng.IntN(len(classes))]
		}
		row = append(row, label)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
