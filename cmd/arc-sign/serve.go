package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sign/internal/config"
	"github.com/gezibash/arc-sign/internal/node"
	"github.com/gezibash/arc-sign/internal/observability"
)

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the signing API",
		Long: `Start the REST and WebSocket API over the configured ledger.

Examples:
  arc-sign serve                                  # local ledger in ~/.arc-sign
  arc-sign serve --ledger-store memory            # throwaway in-memory ledger
  arc-sign serve --ledger ethereum --config prod.yaml
  ARC_SIGN_AUTH_SECRET=... arc-sign serve --addr :8443`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = version
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		SampleRatio:    cfg.Observability.SampleRatio,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	n, err := node.New(ctx, cfg, obs)
	if err != nil {
		_ = obs.Close(context.Background())
		return err
	}

	slog.Info("components initialized",
		"ledger", cfg.Ledger.Backend,
		"ledger_store", cfg.Ledger.Store.Backend,
		"metadata", cfg.Metadata.Backend,
		"events", cfg.Events.Backend,
		"ephemeral", cfg.Ephemeral.Backend,
	)

	if cfg.Observability.MetricsAddr != "" {
		obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr, n.HealthChecks())
	}

	if err := n.Start(ctx); err != nil {
		_ = obs.Close(context.Background())
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	slog.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := obs.Close(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}
	return nil
}
