package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"credit-rater/internal/cfg"
	"credit-rater/internal/client"
	"credit-rater/internal/features"
	"credit-rater/internal/ml"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	artifactDir string
	serverURL   string
	remote      bool
	timeout     time.Duration
	verbose     bool
	jsonOut     bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "ratectl",
		Short: "Rate companies from their financial ratios",
		Long: `ratectl predicts credit ratings from six financial ratios.

By default it loads the artifact set locally. With --remote (or --server) it sends
requests to a running rater service instead.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if g.verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
			if cmd.Flags().Changed("server") {
				g.remote = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.artifactDir, "artifacts", "a", "", "Artifact directory for local rating (default: ARTIFACT_DIR)")
	rootCmd.PersistentFlags().StringVarP(&g.serverURL, "server", "s", "", "Rater service URL (default: RATER_SERVER_URL)")
	rootCmd.PersistentFlags().BoolVarP(&g.remote, "remote", "r", false, "Use the rater service instead of local artifacts")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "Operation timeout")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(newPredictCmd(g))
	rootCmd.AddCommand(newBatchCmd(g))
	rootCmd.AddCommand(newHistoryCmd(g))
	rootCmd.AddCommand(newModelsCmd(g))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRater returns the local predictor or the remote client, depending on the flags.
func newRater(g *globalFlags, settings cfg.Settings) (ml.Rater, error) {
	if g.remote {
		return remoteClient(g, settings), nil
	}

	dir := g.artifactDir
	if dir == "" {
		dir = settings.ArtifactDir
	}
	p, err := ml.LoadPipeline(dir)
	if err != nil {
		return nil, fmt.Errorf("load artifacts from %s: %w", dir, err)
	}
	return ml.NewPredictor(p, ml.PredictorConfig{Normalize: normalizeOptions(settings)}), nil
}

func remoteClient(g *globalFlags, settings cfg.Settings) *client.Client {
	url := g.serverURL
	if url == "" {
		url = settings.ServerURL
	}
	return client.New(url, g.timeout)
}

func normalizeOptions(settings cfg.Settings) features.Options {
	return features.Options{
		DecimalSeparator:  settings.DecimalRune(),
		EmptyColumnPolicy: settings.EmptyColumnPolicy,
		Aliases:           settings.ColumnAliases,
	}
}
