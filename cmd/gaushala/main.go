// Command gaushala runs the cow shelter management service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gaushala/shelter/internal/config"
	"github.com/gaushala/shelter/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	envFile    string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gaushala",
		Short:         "Cow shelter management service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: $"+config.ConfigPathEnvVar+" or the standard paths)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCmd(), newSetupCmd(), newResetAdminCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger from it.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: configPath, EnvFile: envFile})
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, logging.New("gaushala", cfg.Logging.Level, cfg.Logging.Format), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gaushala", version)
		},
	}
}
