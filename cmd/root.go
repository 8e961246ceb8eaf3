package main

import (
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// Process exit statuses. A batch aborted by its breaker exits 3 so
// schedulers can tell it apart from a crash.
const (
	exitOK          = 0
	exitError       = 1
	exitCircuitOpen = 3
)

var (
	cfg *config.Config

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "enrich-cli",
	Short: "Death-record enrichment for deceased public figures",
	Long: `Walks a curated registry of reference, news, search and AI sources to
enrich death records. Work runs inline or through a persistent job queue,
behind a query cache and a batch circuit breaker.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { _ = zap.L().Sync() },
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "override log.format (json, console)")
}

func setup(*cobra.Command, []string) error {
	c, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := config.InitLogger(c.Log); err != nil {
		return eris.Wrap(err, "init logger")
	}
	cfg = c
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return exitCircuitOpen
	}
	return exitError
}

func main() {
	os.Exit(exitCode(rootCmd.Execute()))
}
