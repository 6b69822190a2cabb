// Command cloudquery is the demo HTTP host around pkg/engine: it wires the
// embedded SQL engine, the reference columnar runtime, and an optional
// compute module behind the HTTP surface in internal/httpserver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wisbric/cloudquery/internal/config"
	"github.com/wisbric/cloudquery/internal/httpserver"
	"github.com/wisbric/cloudquery/internal/telemetry"
	"github.com/wisbric/cloudquery/pkg/columnar"
	"github.com/wisbric/cloudquery/pkg/engine"
	"github.com/wisbric/cloudquery/pkg/proxy"
	"github.com/wisbric/cloudquery/pkg/sqlengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cloudquery", "listen", cfg.ListenAddr())

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	var endpoints []*proxy.Endpoint
	for i, url := range cfg.ProxyEndpoints {
		endpoints = append(endpoints, proxy.NewEndpoint(url, i))
	}

	eng := engine.New(engine.Options{
		Logger: logger,
		SQLEngineLoader: func(ctx context.Context) (any, error) {
			return sqlengine.NewMemEngine(), nil
		},
		ColumnarLoader: func(ctx context.Context) (any, error) {
			return columnar.Load(ctx, columnar.NewReferenceSource())
		},
		ProxyEndpoints:       endpoints,
		DependencyTimeoutMs:  cfg.DependencyTimeoutMs,
		DependencyMaxRetries: cfg.DependencyMaxRetries,
	})

	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("closing engine", "error", err)
		}
	}()

	srv := httpserver.NewServer(cfg, logger, eng, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down cloudquery")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
