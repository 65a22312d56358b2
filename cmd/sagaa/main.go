package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sagaa-go/internal/app"
	"sagaa-go/internal/config"
	"sagaa-go/internal/identity"
	"sagaa-go/internal/logging"
)

// service is a long-running process started by serve or relay.
type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "sagaa",
		Short:         "Sagaa Epic MyChart connector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("SAGAA_CONFIG", ""), "path to a JSON config file (env SAGAA_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web application",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath, "web")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			application, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			return run(cmd.Context(), logger, application)
		},
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the token-exchange relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath, "relay")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Epic.ClientSecret == "" {
				logger.Warn("no epic client secret configured; exchanging as a public client")
			}
			svc, err := app.NewRelayService(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}
			return run(cmd.Context(), logger, svc)
		},
	}

	var (
		tokenUser  string
		tokenEmail string
		tokenTTL   time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an app-user credential for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if tokenUser == "" {
				tokenUser = uuid.NewString()
			}
			ttl := cfg.Identity.TTL.Duration
			if tokenTTL > 0 {
				ttl = tokenTTL
			}
			tok, err := identity.NewIssuer(cfg.Identity.Issuer, []byte(cfg.Identity.Secret), ttl).Mint(tokenUser, tokenEmail)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "subject of the credential (default: random uuid)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "credential lifetime (default: identity.ttl)")

	root.AddCommand(serveCmd, relayCmd, tokenCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func setup(configPath, service string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: service})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// run starts svc and blocks until ctx is cancelled by a signal.
func run(ctx context.Context, logger *zap.Logger, svc service) error {
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	if err := svc.Stop(context.Background()); err != nil {
		logger.Error("error during graceful shutdown", zap.Error(err))
		return err
	}
	logger.Info("stopped")
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
