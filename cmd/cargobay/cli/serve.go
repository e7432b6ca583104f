package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cargobay/cargobay/internal/cache"
	"github.com/cargobay/cargobay/internal/config"
	"github.com/cargobay/cargobay/internal/profiling"
	"github.com/cargobay/cargobay/internal/proxy"
	"github.com/cargobay/cargobay/internal/resolver"
	"github.com/cargobay/cargobay/internal/tokenauth"
	"github.com/cargobay/cargobay/internal/upstream"
)

const defaultSweepInterval = 5 * time.Minute

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry proxy HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logger := newLogger()

	path := configPath
	if path == "" {
		path = config.ResolvedPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	blobCache, err := cache.New(cfg.Cache.Directory, cfg.Cache.MaxSizeBytes, time.Duration(cfg.Cache.MaxAgeSeconds)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer blobCache.Close()

	sweepInterval := defaultSweepInterval
	if cfg.Cache.SweepInterval > 0 {
		sweepInterval = time.Duration(cfg.Cache.SweepInterval) * time.Second
	}
	blobCache.StartSweeper(sweepInterval)

	clients := make(map[string]*upstream.Client, len(cfg.Registries))
	for _, rd := range cfg.RegistryDescriptors() {
		clients[rd.ID] = upstream.New(rd, upstream.WithUserAgent("cargobay/1.0"))
	}

	verifier := tokenauth.New(cfg.Auth.JWTSecret)
	repoResolver := resolver.New(cfg.RepositoryMappings())

	selfURL := fmt.Sprintf("http://%s:%d", cfg.Server.BindAddress, cfg.Server.Port)

	var (
		metrics *proxy.Metrics
		reg     *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metrics = proxy.NewMetrics(reg)
	}

	profileHandle, err := profiling.Start(cfg.Profiling)
	if err != nil {
		logger.Warn("continuous profiling disabled", "error", err)
	}
	defer profileHandle.Stop()

	handler := proxy.New(blobCache, clients, verifier, repoResolver, selfURL, logger, metrics)
	mux := proxy.Routes(handler, logger, proxy.RoutesOptions{MetricsRegisterer: reg, EnableProfiling: true})

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("cargobay listening", "addr", addr, "registries", len(cfg.Registries), "repositories", len(cfg.Repositories))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("RUST_LOG")) {
	case "debug", "trace":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
