package evaluate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"credit-rater/internal/features"
)

// Report file names written into the output directory.
const (
	SummaryFile     = "evaluation_summary.txt"
	PredictionsFile = "predictions.csv"
	JSONFile        = "evaluation.json"
)

// Reporter generates evaluation reports
type Reporter struct {
	results    *Results
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes the summary, the per-row predictions and the JSON report.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generatePredictions(); err != nil {
		return err
	}
	return r.generateJSONReport()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	if err := r.WriteSummary(file); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

// WriteSummary writes the human-readable summary to w.
func (r *Reporter) WriteSummary(w io.Writer) error {
	res := r.results
	var b strings.Builder

	fmt.Fprintf(&b, "EVALUATION SUMMARY\n")
	fmt.Fprintf(&b, "==================\n\n")
	fmt.Fprintf(&b, "Source: %s\n", res.Source)
	fmt.Fprintf(&b, "Model version: %s\n", res.ModelVersion)
	fmt.Fprintf(&b, "Evaluated: %s (%s)\n\n", res.EndTime.Format("2006-01-02 15:04:05"), res.EndTime.Sub(res.StartTime).Round(time.Millisecond))

	fmt.Fprintf(&b, "OVERALL\n")
	fmt.Fprintf(&b, "-------\n")
	fmt.Fprintf(&b, "Rows: %d (skipped without label: %d, imputed cells: %d)\n", res.Rows, res.Skipped, res.ImputedCells)
	fmt.Fprintf(&b, "Correct: %d\n", res.Correct)
	fmt.Fprintf(&b, "Accuracy: %.2f%%\n", res.Accuracy*100)
	fmt.Fprintf(&b, "Macro precision: %.2f%%\n", res.MacroPrecision*100)
	fmt.Fprintf(&b, "Macro recall: %.2f%%\n\n", res.MacroRecall*100)

	fmt.Fprintf(&b, "PER CLASS\n")
	fmt.Fprintf(&b, "---------\n")
	fmt.Fprintf(&b, "%-8s %8s %9s %10s %8s %8s\n", "Class", "Support", "Predicted", "Precision", "Recall", "F1")
	for _, c := range res.PerClass {
		fmt.Fprintf(&b, "%-8s %8d %9d %10.3f %8.3f %8.3f\n", c.Label, c.Support, c.Predicted, c.Precision, c.Recall, c.F1)
	}

	fmt.Fprintf(&b, "\nCONFUSION MATRIX (rows: actual, columns: predicted)\n")
	fmt.Fprintf(&b, "%-8s", "")
	for _, c := range res.Classes {
		fmt.Fprintf(&b, " %6s", c)
	}
	b.WriteString("\n")
	for i, row := range res.Confusion {
		fmt.Fprintf(&b, "%-8s", res.Classes[i])
		for _, n := range row {
			fmt.Fprintf(&b, " %6d", n)
		}
		b.WriteString("\n")
	}

	if len(res.Importance) > 0 {
		fmt.Fprintf(&b, "\nFEATURE IMPORTANCE (accuracy drop when permuted)\n")
		fmt.Fprintf(&b, "-----------------------------------------------\n")
		for _, f := range res.Importance {
			fmt.Fprintf(&b, "%-32s %+.4f\n", f.Name, f.Drop)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Reporter) generatePredictions() error {
	csvPath := filepath.Join(r.outputPath, PredictionsFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := append([]string{"row", "actual", "predicted", "correct"}, features.Names[:]...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range r.results.Predictions {
		record := []string{
			strconv.Itoa(p.Row),
			p.Actual,
			p.Predicted,
			strconv.FormatBool(p.Correct()),
		}
		for _, name := range features.Names {
			record = append(record, strconv.FormatFloat(p.Features[name], 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	log.Info().Str("file", csvPath).Msg("Predictions written")
	return nil
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, JSONFile)

	report := map[string]any{
		"summary":      r.results,
		"generated_at": time.Now(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// PrintSummary prints a short summary to w
func (r *Reporter) PrintSummary(w io.Writer) {
	res := r.results
	fmt.Fprintln(w, "\n=== EVALUATION RESULTS ===")
	fmt.Fprintf(w, "Source: %s\n", res.Source)
	fmt.Fprintf(w, "Model version: %s\n", res.ModelVersion)
	fmt.Fprintf(w, "Rows: %d\n", res.Rows)
	fmt.Fprintf(w, "Accuracy: %.2f%%\n", res.Accuracy*100)
	fmt.Fprintf(w, "Macro precision: %.2f%%\n", res.MacroPrecision*100)
	fmt.Fprintf(w, "Macro recall: %.2f%%\n", res.MacroRecall*100)
	if top := res.TopFeatures(3); len(top) > 0 {
		fmt.Fprintf(w, "Top features: %s\n", strings.Join(top, ", "))
	}
	fmt.Fprintln(w, "==========================")
}
