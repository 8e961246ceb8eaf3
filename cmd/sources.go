package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the source registry in walk order",
	RunE: func(cmd *cobra.Command, args []string) error {
		calc := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
		fetcher, closeFetch, err := source.NewFetcher(cfg, calc)
		if err != nil {
			return err
		}
		defer closeFetch() //nolint:errcheck

		deps := source.DepsFromConfig(cfg, fetcher)
		deps.Calc = calc
		reg, err := source.BuildRegistry(cfg, deps)
		if err != nil {
			return err
		}
		printSources(cmd.OutOrStdout(), reg, fetcher.Strategies())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func printSources(w io.Writer, reg *source.Registry, strategies []string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTYPE\tNAME\tTIER\tCOST/QUERY\tMIN DELAY\tTIMEOUT\tAVAILABLE")
	for i, s := range reg.All() {
		d := s.Descriptor()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t$%.4f\t%s\t%s\t%t\n",
			i+1, d.Type, d.Name, d.ReliabilityTier, d.EstimatedCostPerQuery, d.MinDelay, d.Timeout, s.IsAvailable())
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "fetch strategies: %v\n", strategies)
}
