package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"triggerpay/config"
	"triggerpay/logger"
)

// rootOptions holds flags shared by every subcommand
type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "triggerpay",
		Short:         "Parametric payout triggers backed by signed flight attestations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config/config.yaml", "path to the YAML config file (empty for defaults and environment only)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newAgentCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Logger.Error("Command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logger.Logger.Sync()
}
