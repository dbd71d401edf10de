package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oarkflow/vitalsguard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := vitalsguard.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		logger, err := vitalsguard.NewLogger(cfg.Log.Level, cfg.Log.Format, "vitalsguard")
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := vitalsguard.NewServer(ctx, cfg, vitalsguard.ServerOptions{Logger: logger})
		if err != nil {
			logger.Error("failed to initialize gateway", zap.Error(err))
			return err
		}
		return srv.Run(ctx)
	},
}
