// Command corsproxy is the reference relay server pkg/proxy.Service talks
// to (spec.md §6 "Proxy protocol"). It accepts a target URL as a query
// parameter, fetches it server-side (where no CORS policy applies), and
// mirrors the upstream status, body, and headers back verbatim.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/wisbric/cloudquery/internal/telemetry"
)

// relayConfig is this binary's own small env-backed config; it is not the
// Config in internal/config, which configures cmd/cloudquery and has no
// opinion on a standalone relay process.
type relayConfig struct {
	Host string `env:"CORSPROXY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CORSPROXY_PORT" envDefault:"8081"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// ExposedHeaders are echoed on every relayed response in addition to
	// whatever the upstream sent, satisfying callers that need permissive
	// CORS response headers on the hop back to the browser's own fetch of
	// this proxy (spec.md §4.3 "permissive response headers").
	ExposedHeaders []string `env:"CORSPROXY_EXPOSED_HEADERS" envSeparator:","`
}

func (c relayConfig) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func main() {
	cfg := relayConfig{}
	if err := env.Parse(&cfg); err != nil {
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

func run(ctx context.Context, cfg relayConfig) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	relay := &relay{
		logger:         logger,
		client:         &http.Client{Timeout: 30 * time.Second},
		exposedHeaders: cfg.ExposedHeaders,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/fetch", relay.handleFetch)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:         cfg.listenAddr(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("corsproxy listening", "addr", cfg.listenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down corsproxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// relay implements the receiving half of spec.md §6's proxy protocol: the
// core sends "GET <endpoint>?url=<encoded-target>" with an optional
// X-Proxy-Authorization header, and expects the upstream response mirrored
// back untouched.
type relay struct {
	logger         *slog.Logger
	client         *http.Client
	exposedHeaders []string
}

func (rl *relay) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url query parameter", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "invalid target url: "+err.Error(), http.StatusBadRequest)
		return
	}
	if auth := r.Header.Get("X-Proxy-Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		rl.logger.Warn("relaying request failed", "target", target, "error", err)
		http.Error(w, "upstream fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	for _, h := range rl.exposedHeaders {
		w.Header().Add("Access-Control-Expose-Headers", h)
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		rl.logger.Warn("streaming relayed response failed", "target", target, "error", err)
	}
}
