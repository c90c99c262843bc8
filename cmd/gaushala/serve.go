package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gaushala/shelter/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web server and background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := app.New(cfg, log, version)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.WithError(err).Warn("close failed")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.WithFields(map[string]interface{}{
				"version": version,
				"addr":    cfg.Addr(),
				"store":   cfg.Store.Kind,
			}).Info("starting gaushala")
			return a.Run(ctx)
		},
	}
}
