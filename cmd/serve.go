package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"triggerpay/access"
	"triggerpay/db"
	"triggerpay/dispatch"
	"triggerpay/handlers"
	"triggerpay/lifecycle"
	"triggerpay/logger"
	"triggerpay/payout"
	"triggerpay/repository"
	"triggerpay/routers"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger engine HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
}

func serve(opts *rootOptions) error {
	cfg := opts.cfg
	logger.Logger.Info("Starting TriggerPay engine...")

	engineCfg, err := cfg.Engine.Lifecycle()
	if err != nil {
		return err
	}
	if cfg.Engine.ContractOwner == "" {
		return errors.New("engine.contract_owner is required")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Logger.Warn("auth.jwt_secret is empty; every mutating request will be rejected")
	}

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		return fmt.Errorf("failed to open leveldb: %w", err)
	}
	defer ldb.Close()

	repo := repository.NewTriggerRepository(ldb)
	policy := access.NewPolicy(cfg.Engine.ContractOwner, cfg.Engine.AttestorSubject)
	engine := lifecycle.NewEngine(repo, policy, payout.NewBuilder(cfg.Engine.KeyVersion), lifecycle.SystemClock, engineCfg)
	if !policy.Restricted() {
		logger.Logger.Warn("engine.attestor_subject is empty; any authenticated caller may submit attestations")
	}

	var pub dispatch.Publisher = &dispatch.NoopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := dispatch.NewNATSPublisher(cfg.NATS.URL, nats.Name("triggerpay-engine"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		pub = np
		logger.Logger.Info("Dispatching over NATS", zap.String("url", cfg.NATS.URL))
	} else {
		logger.Logger.Warn("nats.url is empty; payout and refund requests will be dropped")
	}
	dispatcher := dispatch.NewDispatcher(pub, cfg.NATS.SignSubject, cfg.NATS.RefundSubject)
	defer dispatcher.Close()

	h := handlers.NewHandler(engine, dispatcher)

	r := mux.NewRouter()
	routers.RegisterRoutes(r, h, access.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Logger.Info("Server running on port",
		zap.Int("port", cfg.Server.Port),
		zap.String("contract_owner", cfg.Engine.ContractOwner),
		zap.String("attestor", cfg.Engine.AttestorSubject))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-sigCh:
	}
	logger.Logger.Info("Shutdown signal received, exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
