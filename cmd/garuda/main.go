package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"garuda/internal/install"
	"garuda/internal/shell"
)

var (
	configPath string
	devLogs    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "garuda",
		Short:        "Offline app-shell cache and install helper for the Garuda web app",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getenvDefault("GARUDA_CONFIG", "./garuda.yaml"), "path to garuda.yaml")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "human-readable debug logging")

	rootCmd.AddCommand(serveCmd(), bucketsCmd(), instructionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if devLogs {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the app shell cache-first in front of the origin",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := shell.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	svc, err := shell.NewService(cfg, logger,
		shell.WithMeterProvider(mp),
		shell.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("garuda listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("version", cfg.Cache.Version),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	go func() {
		if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("install gave up, serving from origin only", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func bucketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "Inspect cache buckets in the configured storage",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cache buckets; the current version is marked with *",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(func(cfg shell.Config, st shell.CacheStorage, _ *zap.Logger) error {
				names, err := st.Keys(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					mark := " "
					if n == cfg.Cache.Version {
						mark = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, n)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete every bucket except the current version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(func(cfg shell.Config, st shell.CacheStorage, logger *zap.Logger) error {
				removed, err := shell.PruneBuckets(cmd.Context(), st, cfg.Cache.Version, logger)
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d bucket(s)\n", len(removed))
				return err
			})
		},
	})
	return cmd
}

func withStorage(fn func(shell.Config, shell.CacheStorage, *zap.Logger) error) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := shell.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := shell.OpenStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(cfg, st, logger)
}

func instructionsCmd() *cobra.Command {
	var env install.Environment
	cmd := &cobra.Command{
		Use:   "instructions",
		Short: "Print the manual install hint for a browser",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), install.Instructions(env))
		},
	}
	cmd.Flags().StringVar(&env.UserAgent, "ua", "", "browser user agent")
	cmd.Flags().StringVar(&env.Vendor, "vendor", "", "navigator.vendor, e.g. \"Google Inc.\"")
	cmd.Flags().StringVar(&env.Protocol, "protocol", "https", "page protocol")
	return cmd
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
