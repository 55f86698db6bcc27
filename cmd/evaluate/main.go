package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"credit-rater/internal/cfg"
	"credit-rater/internal/common"
	"credit-rater/internal/evaluate"
	"credit-rater/internal/features"
	"credit-rater/internal/metrics"
	"credit-rater/internal/ml"
	"credit-rater/internal/tabular"
)

func main() {
	var (
		artifactDir = flag.String("artifacts", "", "Artifact set to evaluate (defaults to ARTIFACT_DIR)")
		dataFile    = flag.String("data", "", "Labeled CSV or XLSX file")
		outputPath  = flag.String("output", "", "Output directory for reports")
		labelColumn = flag.String("label", common.DefaultLabelColumn, "Column holding the true rating")
		sheet       = flag.String("sheet", "", "XLSX sheet name (default: first sheet)")
		importance  = flag.Bool("importance", true, "Compute permutation feature importance")
		register    = flag.String("register", "", "Models directory to register the evaluated set in")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *dataFile == "" {
		fmt.Fprintln(os.Stderr, "usage: evaluate -data labeled.csv [-artifacts dir] [-output dir]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *artifactDir == "" {
		*artifactDir = config.ArtifactDir
	}

	fmt.Println("=== Evaluation Configuration ===")
	fmt.Printf("Artifacts: %s\n", *artifactDir)
	fmt.Printf("Data: %s\n", *dataFile)
	fmt.Printf("Label column: %s\n", *labelColumn)
	fmt.Printf("Output Directory: %s\n", *outputPath)
	fmt.Println("================================")

	pipeline, err := ml.LoadPipeline(*artifactDir)
	if err != nil {
		log.Fatal().Err(err).Str("artifact_dir", *artifactDir).Msg("Failed to load artifacts")
	}

	table, err := readTable(*dataFile, *sheet)
	if err != nil {
		log.Fatal().Err(err).Str("file", *dataFile).Msg("Failed to read data")
	}
	log.Info().Int("rows", len(table.Rows)).Strs("columns", table.Columns).Msg("Data loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := evaluate.NewEngine(pipeline, evaluate.Config{
		LabelColumn: *labelColumn,
		Normalize: features.Options{
			DecimalSeparator:  config.DecimalRune(),
			EmptyColumnPolicy: config.EmptyColumnPolicy,
			Aliases:           config.ColumnAliases,
		},
		Importance: *importance,
	}, metrics.NewWrapper(metrics.New()))

	results, err := engine.Run(ctx, table)
	if err != nil {
		log.Fatal().Err(err).Msg("Evaluation failed")
	}

	reporter := evaluate.NewReporter(results, *outputPath)
	reporter.PrintSummary(os.Stdout)

	if *outputPath != "" {
		if err := reporter.GenerateReport(); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate report")
		}
		fmt.Printf("\nReports written to %s\n", *outputPath)
	}

	if *register != "" {
		if err := registerVersion(*register, *artifactDir, results); err != nil {
			log.Fatal().Err(err).Msg("Failed to register version")
		}
	}
}

func readTable(path, sheet string) (features.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return features.Table{}, err
	}
	defer f.Close()
	return tabular.Read(path, f, tabular.Options{Sheet: sheet})
}

// registerVersion records the evaluated set with its scores in the models registry.
func registerVersion(modelsDir, artifactDir string, res *evaluate.Results) error {
	mm, err := ml.NewModelManager(modelsDir, nil)
	if err != nil {
		return err
	}

	path := artifactDir
	if rel, err := filepath.Rel(modelsDir, artifactDir); err == nil && filepath.IsLocal(rel) {
		path = rel
	} else if abs, err := filepath.Abs(artifactDir); err == nil {
		path = abs
	}

	v, err := mm.AddVersion(path, ml.ModelMetrics{
		Accuracy:       res.Accuracy,
		MacroPrecision: res.MacroPrecision,
		MacroRecall:    res.MacroRecall,
		Samples:        res.Rows,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Registered version %s\n", v.Version)
	return nil
}
