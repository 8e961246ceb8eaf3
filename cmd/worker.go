package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerShutdownTimeout time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rt, err := initRuntime(ctx, env)
		if err != nil {
			return err
		}
		if err := rt.Start(ctx); err != nil {
			return eris.Wrap(err, "start runtime")
		}
		zap.L().Info("worker started", zap.Any("queues", rt.Stats()))

		<-ctx.Done()
		zap.L().Info("shutting down worker")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workerShutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			return err
		}
		zap.L().Info("worker stopped", zap.Any("queues", rt.Stats()))
		return nil
	},
}

func init() {
	workerCmd.Flags().DurationVar(&workerShutdownTimeout, "shutdown-timeout", 30*time.Second, "wait this long for in-flight jobs")
	rootCmd.AddCommand(workerCmd)
}
