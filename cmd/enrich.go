package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/pipeline"
)

var (
	enrichDryRun  bool
	enrichSources []string
	enrichJSON    bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <subject-id>",
	Short: "Enrich one subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("invalid subject id %q", args[0])
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.RunByID(cmd.Context(), id, pipeline.RunOptions{
			DryRun:  enrichDryRun,
			Sources: parseSourceTypes(enrichSources),
		})
		if err != nil {
			return err
		}

		if enrichJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	enrichCmd.Flags().BoolVar(&enrichDryRun, "dry-run", false, "print intended changes without writing")
	enrichCmd.Flags().StringSliceVar(&enrichSources, "sources", nil, "restrict the walk to these source types")
	enrichCmd.Flags().BoolVar(&enrichJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(enrichCmd)
}

func parseSourceTypes(values []string) []model.SourceType {
	var out []model.SourceType
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, model.SourceType(v))
		}
	}
	return out
}

func printResult(w io.Writer, res *pipeline.Result) {
	o := res.Outcome
	fmt.Fprintf(w, "%s (%d)\n", res.Subject.Name, res.Subject.ID)
	fmt.Fprintf(w, "  found: %t  confidence: %.2f  cost: $%.4f  stop: %s\n",
		o.Found, o.Confidence(), o.TotalCostUSD, o.StopReason)
	for _, a := range o.Attempts {
		line := fmt.Sprintf("  - %-18s %s", a.Source, a.Status)
		if a.Cached {
			line += " (cached)"
		}
		if a.Error != "" {
			line += "  " + a.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(res.Changes) == 0 {
		fmt.Fprintln(w, "  no changes")
		return
	}
	verb := "updated"
	if res.DryRun {
		verb = "would update"
	}
	fmt.Fprintf(w, "  %s %d field(s):\n", verb, len(res.Changes))
	for _, c := range res.Changes {
		fmt.Fprintf(w, "    %s: %q -> %q\n", c.Field, c.Old, c.New)
	}
	if !res.Persisted && !res.DryRun {
		zap.L().Warn("changes not persisted", zap.Int64("actor_id", res.Subject.ID))
	}
}

