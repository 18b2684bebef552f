package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/llm-proxier/internal/auth"
	"github.com/tjfontaine/llm-proxier/internal/config"
	"github.com/tjfontaine/llm-proxier/internal/metrics"
	"github.com/tjfontaine/llm-proxier/internal/proxy"
	"github.com/tjfontaine/llm-proxier/internal/recorder"
	"github.com/tjfontaine/llm-proxier/internal/server"
	"github.com/tjfontaine/llm-proxier/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

var rootFlags struct {
	configFile string
	host       string
	port       int
}

var rootCmd = &cobra.Command{
	Use:   "proxier",
	Short: "Authenticating, logging reverse proxy for LLM APIs",
	Long: `proxier accepts POST /v1/* requests carrying the proxy API key, forwards
them to the configured upstream and streams the response back byte for byte.
Each completed exchange is appended to the interaction log.

Configuration is read from config.yaml (or --config), a .env file and the
environment. PROXY_API_KEY and UPSTREAM_BASE_URL are required.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&rootFlags.configFile, "config", "c", "", "config file path (default config.yaml when present)")
	rootCmd.Flags().StringVar(&rootFlags.host, "host", "", "override listen host")
	rootCmd.Flags().IntVar(&rootFlags.port, "port", 0, "override listen port")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootFlags.configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = rootFlags.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = rootFlags.port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		ServiceName: cfg.Tracing.ServiceName,
		Enabled:     cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	rec := recorder.New(store,
		recorder.WithLogger(logger),
		recorder.WithMetrics(collector),
		recorder.WithWriteTimeout(cfg.Storage.WriteTimeout),
	)

	fwdOpts := []proxy.ForwarderOption{proxy.WithTimeout(cfg.Upstream.Timeout)}
	if cfg.Upstream.APIKey != "" {
		fwdOpts = append(fwdOpts, proxy.WithUpstreamAPIKey(cfg.Upstream.APIKey))
	}
	forwarder := proxy.NewForwarder(cfg.Upstream.BaseURL, fwdOpts...)

	opts := server.Options{
		Addr:          cfg.Server.Addr(),
		Logger:        logger,
		Authenticator: auth.NewAuthenticator(cfg.Auth.APIKey),
		Health:        store,
	}
	if collector != nil {
		opts.MetricsPath = cfg.Metrics.Path
		opts.MetricsHandler = collector.Handler()
	}
	srv := server.New(opts)
	srv.MountProxy(proxy.NewHandler(forwarder, rec,
		proxy.WithLogger(logger),
		proxy.WithMetrics(collector),
	))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("proxy started",
		slog.String("addr", opts.Addr),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("storage", redactURL(cfg.Storage.URL)),
		slog.Bool("metrics", collector != nil),
		slog.Bool("tracing", cfg.Tracing.Enabled),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server stopped", slog.String("error", serveErr.Error()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// In-flight streams finish first so their records reach the recorder.
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	forwarder.CloseIdleConnections()
	if err := rec.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recorder drain: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if err := shutdownTracer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}

	if err := errors.Join(append([]error{serveErr}, errs...)...); err != nil {
		return err
	}
	logger.Info("proxy shutdown complete")
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
