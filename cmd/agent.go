package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"triggerpay/attestor"
	"triggerpay/lifecycle"
	"triggerpay/logger"
)

func newAgentCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the flight attestor agent against an engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts)
		},
	}
}

func runAgent(opts *rootOptions) error {
	cfg := opts.cfg.Agent

	signer, err := attestor.NewSigner(cfg.SigningSeed)
	if err != nil {
		return err
	}
	if cfg.SigningSeed == "" {
		logger.Logger.Warn("agent.signing_seed is empty; using an ephemeral key")
	}
	logger.Logger.Info("Starting attestor agent",
		zap.String("public_key", signer.PublicKeyHex()),
		zap.String("engine_url", cfg.EngineURL),
		zap.String("flight_api_url", cfg.FlightAPIURL),
		zap.Duration("poll_interval", cfg.PollInterval))

	m := attestor.NewMonitor(
		attestor.NewFlightClient(cfg.FlightAPIURL, cfg.RequestsPerSecond, cfg.Burst),
		attestor.NewEngineClient(cfg.EngineURL, cfg.Token),
		signer,
		lifecycle.SystemClock,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx, cfg.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Logger.Info("Shutdown signal received, exiting...")
	return nil
}
