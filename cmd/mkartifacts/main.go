package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"credit-rater/internal/common"
	"credit-rater/internal/ml"
	"credit-rater/internal/tabular"
)

// mkartifacts writes the built-in demo artifact set and, optionally, a labeled sample
// table rated by it, for local runs and smoke tests of the evaluate command.
func main() {
	var (
		out    = flag.String("out", common.DefaultArtifactDir, "Directory to write the artifact set to")
		sample = flag.String("sample", "", "Also write a labeled sample table to this .csv or .xlsx file")
		rows   = flag.Int("rows", 200, "Rows in the sample table")
		noise  = flag.Float64("noise", 0.1, "Share of sample rows with a random label")
		seed   = flag.Uint64("seed", 1, "Random seed for the sample table")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := ml.WriteDemoArtifacts(*out); err != nil {
		log.Fatal().Err(err).Str("dir", *out).Msg("Failed to write demo artifacts")
	}
	fmt.Printf("Demo artifacts written to %s\n", *out)

	if *sample == "" {
		return
	}

	pipeline, err := ml.LoadPipeline(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load the written artifacts")
	}
	table, err := generateSample(pipeline, sampleConfig{Rows: *rows, LabelNoise: *noise, Seed: *seed})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate sample")
	}

	f, err := os.Create(*sample)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sample file")
	}
	if err := tabular.Write(*sample, f, table); err != nil {
		f.Close()
		log.Fatal().Err(err).Msg("Failed to write sample")
	}
	if err := f.Close(); err != nil {
		log.Fatal().Err(err).Msg("Failed to write sample")
	}
	fmt.Printf("Generated %d labeled rows in %s\n", len(table.Rows), *sample)
}
