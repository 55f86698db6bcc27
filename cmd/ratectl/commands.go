package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"credit-rater/internal/cfg"
	"credit-rater/internal/features"
	"credit-rater/internal/storage"
	"credit-rater/internal/tabular"
)

func newPredictCmd(g *globalFlags) *cobra.Command {
	var in features.ManualInput

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Rate one company from its ratios",
		Long: `Rate one company. Every ratio defaults to 0, like an untouched entry form.
The net profit margin is given in percent, e.g. --profit 12.5 for 12.5%.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := cfg.Load()
			if err != nil {
				return err
			}
			rater, err := newRater(g, settings)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			res, err := rater.PredictManual(ctx, in)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rating: %s\n", res.Label)
			fmt.Fprintf(out, "Model version: %s\n", res.ModelVersion)
			for _, name := range features.Names {
				fmt.Fprintf(out, "  %-32s %g\n", name, res.Features[name])
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&in.LiquidityRatio, "liquidity", 0, "Liquidity ratio")
	f.Float64Var(&in.FinancialLeverage, "leverage", 0, "Financial leverage")
	f.Float64Var(&in.NetProfitMargin, "profit", 0, "Net profit margin in percent")
	f.Float64Var(&in.AssetTurnover, "turnover", 0, "Asset turnover")
	f.Float64Var(&in.DebtToEquityRatio, "debt-equity", 0, "Debt to equity ratio")
	f.Float64Var(&in.DebtToTotalLiabilitiesRatio, "debt-liabilities", 0, "Debt to total liabilities ratio")
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	var (
		outPath     string
		sheet       string
		ratingTitle string
	)

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Rate every row of a CSV or XLSX file",
		Long: `Rate every row of a CSV or XLSX file. Missing cells are imputed with the
column median. With --out the input is written back with a rating column appended.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := cfg.Load()
			if err != nil {
				return err
			}

			table, err := readTable(args[0], sheet)
			if err != nil {
				return err
			}

			rater, err := newRater(g, settings)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			res, err := rater.PredictTable(ctx, table)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := writeLabeled(outPath, table, res.Labels, ratingTitle); err != nil {
					return err
				}
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Source: %s\n", res.Source)
			fmt.Fprintf(out, "Rows: %d (imputed cells: %d)\n", res.Rows, res.ImputedCells)
			fmt.Fprintf(out, "Model version: %s\n", res.ModelVersion)
			printLabelCounts(out, res.Labels)
			if outPath != "" {
				fmt.Fprintf(out, "Written to %s\n", outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the rated rows to this path (.csv, .tsv or .xlsx)")
	cmd.Flags().StringVar(&sheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	cmd.Flags().StringVar(&ratingTitle, "rating-column", "rating", "Title of the appended rating column")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		dataPath string
		since    time.Duration
		asCSV    bool
		batches  bool
		batchID  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored predictions",
		Long:  `Show predictions recorded by the rater service in its data directory.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataPath == "" {
				settings, err := cfg.Load()
				if err != nil {
					return err
				}
				dataPath = settings.DataPath
			}
			if dataPath == "" {
				return fmt.Errorf("no data directory: pass --data or set DATA_PATH")
			}

			store, err := storage.New(dataPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			end := time.Now()

			switch {
			case batchID != "":
				b, err := store.GetBatch(batchID)
				if err != nil {
					return err
				}
				return writeJSON(out, b)
			case batches:
				list, err := store.GetBatchesInRange(end.Add(-since), end)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return writeJSON(out, list)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTime\tSource\tRows\tImputed\tVersion")
				for _, b := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", b.ID, b.Timestamp.Format(time.RFC3339), b.Source, b.Rows, b.ImputedCells, b.ModelVersion)
				}
				return tw.Flush()
			}

			recs, err := store.GetPredictionsInRange(end.Add(-since), end)
			if err != nil {
				return err
			}

			switch {
			case asCSV:
				return storage.ExportPredictionsCSV(out, recs, features.Names[:])
			case g.jsonOut:
				return writeJSON(out, map[string]any{
					"predictions": recs,
					"labels":      storage.LabelCounts(recs),
				})
			}

			fmt.Fprintf(out, "Predictions in the last %s: %d\n", since, len(recs))
			for _, lc := range storage.LabelCounts(recs) {
				fmt.Fprintf(out, "  %-6s %d\n", lc.Label, lc.Count)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "Data directory of the rater service (default: DATA_PATH)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "Export the records as CSV")
	cmd.Flags().BoolVar(&batches, "batches", false, "List batch uploads instead of single records")
	cmd.Flags().StringVar(&batchID, "batch", "", "Show one batch upload by id")
	return cmd
}

func newModelsCmd(g *globalFlags) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage artifact versions on the rater service",
		Long: `Manage artifact versions on a running rater service.

Available subcommands:
  list     - List registered versions
  info     - Show the serving artifact set
  activate - Switch to a version
  rollback - Switch back to the previous version
  drift    - Show the input drift report`,
	}

	run := func(call func(ctx context.Context, cmd *cobra.Command, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			v, err := call(ctx, cmd, args)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v)
		}
	}
	settings := func() (cfg.Settings, error) { return cfg.Load() }

	modelsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered versions",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, args []string) (any, error) {
			s, err := settings()
			if err != nil {
				return nil, err
			}
			return remoteClient(g, s).Versions(ctx)
		}),
	})
	modelsCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the serving artifact set",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, args []string) (any, error) {
			s, err := settings()
			if err != nil {
				return nil, err
			}
			return remoteClient(g, s).ModelInfo(ctx)
		}),
	})
	modelsCmd.AddCommand(&cobra.Command{
		Use:   "activate <version>",
		Short: "Switch the service to a version",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, cmd *cobra.Command, args []string) (any, error) {
			s, err := settings()
			if err != nil {
				return nil, err
			}
			return remoteClient(g, s).Activate(ctx, args[0])
		}),
	})
	modelsCmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Switch the service back to the previous version",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, args []string) (any, error) {
			s, err := settings()
			if err != nil {
				return nil, err
			}
			return remoteClient(g, s).Rollback(ctx)
		}),
	})
	modelsCmd.AddCommand(&cobra.Command{
		Use:   "drift",
		Short: "Show the input drift report",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, args []string) (any, error) {
			s, err := settings()
			if err != nil {
				return nil, err
			}
			return remoteClient(g, s).Drift(ctx)
		}),
	})
	return modelsCmd
}

func readTable(path, sheet string) (features.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return features.Table{}, err
	}
	defer f.Close()
	return tabular.Read(path, f, tabular.Options{Sheet: sheet})
}

// writeLabeled writes the input table with the labels as an extra last column. The
// format follows the extension of path.
func writeLabeled(path string, t features.Table, labels []string, title string) error {
	if len(labels) != len(t.Rows) {
		return fmt.Errorf("got %d labels for %d rows", len(labels), len(t.Rows))
	}

	out := features.Table{
		Name:    t.Name,
		Columns: append(append([]string{}, t.Columns...), title),
		Rows:    make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		rec := make([]string, len(t.Columns)+1)
		copy(rec, row)
		rec[len(t.Columns)] = labels[i]
		out.Rows[i] = rec
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tabular.Write(path, f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printLabelCounts(w io.Writer, labels []string) {
	counts := make(map[string]int)
	for _, l := range labels {
		counts[l]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Rating\tCount")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, strconv.Itoa(counts[k]))
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
