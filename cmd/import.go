package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/deadonfilm/enrich-cli/internal/fetcher"
	"github.com/deadonfilm/enrich-cli/internal/imdb"
)

var (
	importURL       string
	importFile      string
	importBatchSize int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed subjects from external datasets",
}

var importIMDbCmd = &cobra.Command{
	Use:   "imdb",
	Short: "Import deceased people from the IMDb name.basics dump",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opts := imdb.Options{URL: cfg.IMDb.URL, BatchSize: cfg.IMDb.BatchSize}
		if importURL != "" {
			opts.URL = importURL
		}
		if importBatchSize > 0 {
			opts.BatchSize = importBatchSize
		}
		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 30 * time.Minute})
		im := imdb.NewImporter(f, st, opts)

		var stats *imdb.Stats
		if importFile != "" {
			stats, err = im.ImportFile(ctx, importFile)
		} else {
			stats, err = im.Import(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "import imdb")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "rows %d  deceased %d  inserted %d  malformed %d\n",
			stats.Rows, stats.Deceased, stats.Inserted, stats.Malformed)
		return nil
	},
}

func init() {
	f := importIMDbCmd.Flags()
	f.StringVar(&importURL, "url", "", "dump URL (default from config)")
	f.StringVar(&importFile, "file", "", "read a local dump instead of downloading")
	f.IntVar(&importBatchSize, "batch-size", 0, "rows per insert batch (default from config)")
	importCmd.AddCommand(importIMDbCmd)
	rootCmd.AddCommand(importCmd)
}
