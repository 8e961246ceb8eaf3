package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/pipeline"
	"github.com/deadonfilm/enrich-cli/internal/report"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

var (
	batchLimit       int
	batchOffset      int
	batchConcurrency int
	batchThreshold   int
	batchDryRun      bool
	batchAll         bool
	batchIDs         []int64
	batchSources     []string
	batchReport      string
	batchJSON        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Backfill enrichment for stored subjects",
	Long:  "Enriches subjects from the store concurrently. The run stops once the configured number of consecutive source-level failures is reached and exits with status 3.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := batchOptions()
		filter := store.SubjectFilter{
			IDs:        batchIDs,
			Unenriched: !batchAll && len(batchIDs) == 0,
			Limit:      opts.Limit,
			Offset:     batchOffset,
		}

		sum, runErr := env.Pipeline.BackfillFromStore(ctx, filter, opts)
		if sum == nil {
			return runErr
		}

		if batchReport != "" {
			if err := report.WriteBatch(batchReport, sum); err != nil {
				zap.L().Error("write batch report", zap.Error(err))
			} else {
				zap.L().Info("batch report written", zap.String("path", batchReport))
			}
		}
		if batchJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return eris.Wrap(err, "encode summary")
			}
		} else {
			printBatch(cmd.OutOrStdout(), sum)
		}
		return runErr
	},
}

func init() {
	f := batchCmd.Flags()
	f.IntVar(&batchLimit, "limit", 0, "max subjects to process (default from config)")
	f.IntVar(&batchOffset, "offset", 0, "skip this many subjects")
	f.IntVar(&batchConcurrency, "concurrency", 0, "subjects enriched in parallel (default from config)")
	f.IntVar(&batchThreshold, "circuit-threshold", 0, "consecutive source-level failures that abort the batch (default from config)")
	f.BoolVar(&batchDryRun, "dry-run", false, "print intended changes without writing")
	f.BoolVar(&batchAll, "all", false, "include subjects that were already enriched")
	f.Int64SliceVar(&batchIDs, "ids", nil, "only these subject ids")
	f.StringSliceVar(&batchSources, "sources", nil, "restrict the walk to these source types")
	f.StringVar(&batchReport, "report", "", "write an xlsx report to this path")
	f.BoolVar(&batchJSON, "json", false, "print the summary as JSON")
	rootCmd.AddCommand(batchCmd)
}

func batchOptions() pipeline.BatchOptions {
	opts := pipeline.BatchOptionsFromConfig(cfg)
	if batchLimit > 0 {
		opts.Limit = batchLimit
	}
	if batchConcurrency > 0 {
		opts.Concurrency = batchConcurrency
	}
	if batchThreshold > 0 {
		opts.CircuitThreshold = batchThreshold
	}
	opts.DryRun = batchDryRun
	opts.Sources = parseSourceTypes(batchSources)
	return opts
}

func printBatch(w io.Writer, sum *pipeline.BatchSummary) {
	s := sum.Summary
	fmt.Fprintf(w, "run %s: %s\n", sum.RunID, sum.Status)
	fmt.Fprintf(w, "  processed %d  enriched %d  not found %d  errored %d  fill rate %.1f%%\n",
		s.Processed, s.Enriched, s.NotFound, s.Errored, s.FillRate*100)
	fmt.Fprintf(w, "  cost $%.4f  duration %dms\n", s.TotalCostUSD, s.DurationMs)
	for _, it := range sum.Items {
		if it.Changes == 0 && it.Error == "" {
			continue
		}
		line := fmt.Sprintf("  - %d %s: %s", it.SubjectID, it.Name, it.Status)
		if it.Changes > 0 {
			line += fmt.Sprintf(" (%d changes)", it.Changes)
		}
		if it.Error != "" {
			line += "  " + it.Error
		}
		fmt.Fprintln(w, line)
	}
	if sum.CircuitOpen {
		fmt.Fprintf(w, "circuit open after %d subjects\n", sum.Attempted)
	}
}
