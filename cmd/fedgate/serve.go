package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/polisai/polis-federation/pkg/config"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve federation requests",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, logger, err := loadFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		ServerName:  cfg.Federation.ServerName,
		WorkerApp:   cfg.Worker.App,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	gw, err := newGateway(ctx, cfg, otel.GetTracerProvider(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("Failed to close gateway", "error", err)
		}
	}()
	gw.start(ctx)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, func(next *config.Config) {
			gw.applyReload(ctx, next)
		}, logger)
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	tlsConfig, err := cfg.Server.TLS.ServerTLS()
	if err != nil {
		return err
	}

	dataServer := &http.Server{
		Handler:           gw.federationHandler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Handler:           gw.adminRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	if err := listen(dataServer, cfg.Server.DataAddress, tlsConfig != nil, "federation", logger, errCh); err != nil {
		return err
	}
	if err := listen(adminServer, cfg.Server.AdminAddress, false, "admin", logger, errCh); err != nil {
		_ = dataServer.Close()
		return err
	}

	logger.Info("Starting fedgate",
		"server_name", cfg.Federation.ServerName,
		"version", version,
		"instance", gw.instance,
		"worker", cfg.Worker.IsWorker())

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{dataServer, adminServer} {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("Shutdown error", "error", shutdownErr)
		}
	}
	return err
}

func listen(srv *http.Server, addr string, useTLS bool, name string, logger *slog.Logger, errCh chan<- error) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s listener on %s: %w", name, addr, err)
	}
	logger.Info("Server listening", "listener", name, "addr", listener.Addr().String(), "tls", useTLS)

	go func() {
		var err error
		if useTLS {
			err = srv.ServeTLS(listener, "", "")
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}
