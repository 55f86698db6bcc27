package evaluate

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// labeledTable rates AAA, AA, BB, AA against labels AAA, AA, BB, A. The unlabeled last
// row would pull the imputed median into the AAA band if it were not skipped.
func labeledTable(labelColumn string) features.Table {
	return features.Table{
		Name:    "labeled.csv",
		Columns: []string{"liquidity_ratio", "financial_leverage", "net_profit_margin", "asset_turnover", "debt_to_equity_ratio", "debt_to_total_liabilities_ratio", labelColumn},
		Rows: [][]string{
			{"1.5", "2.0", "25%", "0.8", "1.0", "0.4", "AAA"},
			{"1.5", "2.0", "", "0.8", "1.0", "0.4", "AA"},
			{"1.5", "2.0", "5", "0.8", "1.0", "0.4", " BB "},
			{"1.5", "2.0", "14%", "0.8", "1.0", "0.4", "A"},
			{"1.5", "2.0", "90%", "0.8", "1.0", "0.4", ""},
		},
	}
}

func runDemo(t *testing.T, cfg Config, metrics ml.MetricsInterface) *Results {
	t.Helper()
	res, err := NewEngine(demoPipeline(t), cfg, metrics).Run(context.Background(), labeledTable("rating"))
	require.NoError(t, err)
	return res
}

func TestEngine_Scores(t *testing.T) {
	metrics := ml.NewMockMetrics()
	res := runDemo(t, Config{}, metrics)

	assert.Equal(t, "demo", res.ModelVersion)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.ImputedCells)
	assert.Equal(t, 3, res.Correct)
	assert.InDelta(t, 0.75, res.Accuracy, 1e-12)
	assert.Equal(t, []float64{0.75}, metrics.Accuracy())

	// A, AA, AAA and BB take part; B and BBB never occur
	assert.InDelta(t, (0+0.5+1+1)/4.0, res.MacroPrecision, 1e-12)
	assert.InDelta(t, (0+1+1+1)/4.0, res.MacroRecall, 1e-12)

	require.Len(t, res.Predictions, 4)
	got := make([]string, len(res.Predictions))
	for i, p := range res.Predictions {
		got[i] = p.Predicted
	}
	assert.Equal(t, []string{"AAA", "AA", "BB", "AA"}, got)
	assert.Equal(t, "BB", res.Predictions[2].Actual)
	assert.Equal(t, 3, res.Predictions[3].Row)
	assert.False(t, res.Predictions[3].Correct())
}

func TestEngine_ConfusionMatrix(t *testing.T) {
	res := runDemo(t, Config{}, nil)

	assert.Equal(t, ml.DemoClasses, res.Classes)
	idx := func(label string) int {
		for i, c := range res.Classes {
			if c == label {
				return i
			}
		}
		t.Fatalf("class %s not found", label)
		return -1
	}

	assert.Equal(t, 1, res.Confusion[idx("A")][idx("AA")])
	assert.Equal(t, 1, res.Confusion[idx("AA")][idx("AA")])
	assert.Equal(t, 1, res.Confusion[idx("AAA")][idx("AAA")])
	assert.Equal(t, 1, res.Confusion[idx("BB")][idx("BB")])

	total := 0
	for _, row := range res.Confusion {
		for _, n := range row {
			total += n
		}
	}
	assert.Equal(t, res.Rows, total)

	aa := res.PerClass[idx("AA")]
	assert.Equal(t, 1, aa.Support)
	assert.Equal(t, 2, aa.Predicted)
	assert.InDelta(t, 0.5, aa.Precision, 1e-12)
	assert.InDelta(t, 1.0, aa.Recall, 1e-12)
	assert.InDelta(t, 2*0.5/1.5, aa.F1, 1e-12)
}

func TestEngine_UnknownLabelsGetTheirOwnClass(t *testing.T) {
	table := labeledTable("rating")
	table.Rows[0][6] = "CCC"

	res, err := NewEngine(demoPipeline(t), Config{}, nil).Run(context.Background(), table)
	require.NoError(t, err)
	assert.Equal(t, "CCC", res.Classes[len(res.Classes)-1])
	assert.Len(t, res.Confusion, len(ml.DemoClasses)+1)
	assert.InDelta(t, 0.5, res.Accuracy, 1e-12)
}

func TestEngine_PermutationImportance(t *testing.T) {
	res := runDemo(t, Config{Importance: true}, nil)

	require.Len(t, res.Importance, features.Count)
	assert.Equal(t, features.NetProfitMargin, res.Importance[0].Name)
	assert.InDelta(t, 0.75, res.Importance[0].Drop, 1e-12)
	assert.InDelta(t, 0.0, res.Importance[0].Accuracy, 1e-12)
	for _, f := range res.Importance[1:] {
		assert.InDelta(t, 0.0, f.Drop, 1e-12, f.Name)
	}
	assert.Equal(t, []string{features.NetProfitMargin}, res.TopFeatures(1))
	assert.Len(t, res.TopFeatures(10), features.Count)
}

func TestEngine_LabelColumn(t *testing.T) {
	_, err := NewEngine(demoPipeline(t), Config{}, nil).Run(context.Background(), labeledTable("grade"))
	var se *features.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []string{"rating"}, se.Missing)

	res, err := NewEngine(demoPipeline(t), Config{LabelColumn: "grade"}, nil).Run(context.Background(), labeledTable("grade"))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
}

func TestEngine_Failures(t *testing.T) {
	_, err := NewEngine(nil, Config{}, nil).Run(context.Background(), labeledTable("rating"))
	assert.True(t, errors.Is(err, ml.ErrNoPipeline))

	table := labeledTable("rating")
	for _, row := range table.Rows {
		row[6] = ""
	}
	_, err = NewEngine(demoPipeline(t), Config{}, nil).Run(context.Background(), table)
	assert.True(t, errors.Is(err, features.ErrEmptyTable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine(demoPipeline(t), Config{}, nil).Run(ctx, labeledTable("rating"))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReporter_GenerateReport(t *testing.T) {
	res := runDemo(t, Config{Importance: true}, nil)
	out := filepath.Join(t.TempDir(), "report")

	require.NoError(t, NewReporter(res, out).GenerateReport())

	summary, err := os.ReadFile(filepath.Join(out, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Accuracy: 75.00%")
	assert.Contains(t, string(summary), "CONFUSION MATRIX")
	assert.Contains(t, string(summary), features.NetProfitMargin)

	f, err := os.Open(filepath.Join(out, PredictionsFile))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, []string{"row", "actual", "predicted", "correct"}, records[0][:4])
	assert.Equal(t, []string{"3", "A", "AA", "false"}, records[4][:4])
	assert.Equal(t, "0.14", records[2][4+2])

	data, err := os.ReadFile(filepath.Join(out, JSONFile))
	require.NoError(t, err)
	var report struct {
		Summary struct {
			Accuracy  float64 `json:"accuracy"`
			Confusion [][]int `json:"confusion"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.InDelta(t, 0.75, report.Summary.Accuracy, 1e-12)
	assert.Len(t, report.Summary.Confusion, len(ml.DemoClasses))
}

func TestReporter_PrintSummary(t *testing.T) {
	res := runDemo(t, Config{Importance: true}, nil)
	var buf bytes.Buffer
	NewReporter(res, t.TempDir()).PrintSummary(&buf)

	assert.Contains(t, buf.String(), "Accuracy: 75.00%")
	assert.Contains(t, buf.String(), "Top features: "+features.NetProfitMargin)
}
