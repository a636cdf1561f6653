package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/llmgate/internal/attachment"
	"github.com/felixgeelhaar/llmgate/internal/checkpoint"
	"github.com/felixgeelhaar/llmgate/internal/config"
	"github.com/felixgeelhaar/llmgate/internal/health"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/metrics"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/router"
	"github.com/felixgeelhaar/llmgate/internal/server"
	"github.com/felixgeelhaar/llmgate/internal/telemetry"
	"github.com/felixgeelhaar/llmgate/internal/usage"
	"github.com/felixgeelhaar/llmgate/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway HTTP server.

Endpoints:
  /api/v1/ws/chat?provider=<id>&client_id=<id>  websocket chat channel
  /api/v1/providers                             provider table and backup chain
  /health/live, /health/ready, /health/startup  Kubernetes probes
  /metrics                                      Prometheus metrics

SIGINT or SIGTERM starts a graceful shutdown: readiness fails, chat
sessions are stopped and open requests drain.

Examples:
  llmgate serve
  llmgate serve --config /etc/llmgate.yaml --port 8080`,
	RunE: runServe,
}

var (
	serveAddress string
	servePort    int
)

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address host:port (overrides server.address)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides the port of server.address)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}
	if servePort != 0 {
		if err := cfg.SetPort(servePort); err != nil {
			return err
		}
	}

	info := version.GetInfo()
	logger := log.New(cfg.LogConfig(info.Version))
	log.SetDefaultLogger(logger)

	tracing := cfg.Tracing
	tracing.ServiceVersion = info.Version
	shutdownTracing, err := telemetry.InitProvider(ctx, tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("flushing traces failed")
		}
	}()

	srv, closeStore, err := buildServer(ctx, cfg, info.Version, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	printBanner(cmd, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// buildServer wires every gateway component from cfg. The returned func
// closes the checkpoint store.
func buildServer(ctx context.Context, cfg *config.Config, ver string, logger *log.Logger) (*server.Server, func(), error) {
	table, err := cfg.Table()
	if err != nil {
		return nil, nil, err
	}

	creds, err := provider.ResolveAll(ctx, provider.EnvResolver{}, table, table.IDs())
	if err != nil {
		// sessions resolve again when they start; this snapshot feeds the
		// readiness check and the warning
		logger.WithError(err).Warn("some providers have no credential")
	}

	adapters, err := provider.NewRegistryFromTable(table, provider.NewHTTPClient(), provider.NewTokenCounter())
	if err != nil {
		return nil, nil, err
	}

	registry, m := metrics.NewRegistry()
	policy := cfg.RetryPolicy()
	r, err := router.New(table, adapters, router.Config{
		Retry:       policy,
		IdleTimeout: cfg.Stream.IdleTimeout,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := checkpoint.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	checkpoints := checkpoint.NewManager(store)
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("closing checkpoint store failed")
		}
	}

	var attachments attachment.Resolver
	if cfg.Attachments.Dir != "" {
		attachments = attachment.NewDirResolver(cfg.Attachments.Dir, logger)
	}

	gateway, err := server.NewGateway(server.GatewayConfig{
		Table:          table,
		Chain:          cfg.BackupChain,
		Resolver:       provider.EnvResolver{},
		Router:         r,
		Accountant:     usage.NewAccountant(table),
		Checkpoints:    checkpoints,
		Attachments:    attachments,
		SystemPrompt:   cfg.SystemPrompt,
		MaxHistory:     cfg.History.MaxMessages,
		WriteTimeout:   cfg.Server.MessageWriteTimeout,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	probes := health.NewProbeManager(ver)
	probes.AddChecker(health.NewProviderChecker(table, cfg.BackupChain, creds))
	probes.AddChecker(health.NewStoreChecker(checkpoints))

	srv := server.NewServer(server.Config{
		Address:         cfg.Server.Address,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
	}, probes, gateway, registry, logger)
	return srv, closeStore, nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	addr := cfg.Server.Address
	fmt.Fprintln(out, titleStyle.Render("llmgate "+version.GetInfo().Short()))
	fmt.Fprintf(out, "  chat:      ws://%s/api/v1/ws/chat?provider=%s\n", addr, cfg.BackupChain[0])
	fmt.Fprintf(out, "  providers: http://%s/api/v1/providers\n", addr)
	fmt.Fprintf(out, "  health:    http://%s/health/ready\n", addr)
	fmt.Fprintf(out, "  metrics:   http://%s/metrics\n", addr)
	fmt.Fprintln(out, dimStyle.Render("  backup chain: "+fmt.Sprint(cfg.BackupChain)))
}
