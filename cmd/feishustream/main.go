// Package main runs the Feishu event ingestion pipeline: the long connection, the
// webhook gateway, and the health and metrics endpoints on one HTTP listener.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mudtools/MudFeishu-sub002/config"
	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/pipeline"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "feishustream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cliCfg, err := parseFlags(args, stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	return serve(ctx, cfg, cliCfg, logger, ln)
}

// loadConfig layers the files in order over the defaults, then the environment.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	return loader.Load()
}

// serve runs the pipeline until ctx is cancelled or the long connection gives up.
func serve(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger, ln net.Listener) error {
	p, err := pipeline.New(ctx, cfg, pipeline.WithLogger(logger))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer func() {
		if err := p.Stop(); err != nil {
			logger.Error("Error stopping pipeline", "error", err)
		}
	}()

	for _, eventType := range cliCfg.EventTypes {
		p.Registry().MustRegister(eventType, dispatch.LogHandler(logger.With("subscription", eventType)))
	}

	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if err := p.Start(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("start pipeline: %w", err)
	}
	logger.Info("Feishu event ingestion started",
		"listen_addr", ln.Addr().String(),
		"websocket", cfg.WebSocket.Enabled,
		"webhook", cfg.Webhook.Enabled,
		"subscriptions", cliCfg.EventTypes)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-p.Done():
		runErr = p.Err()
		logger.Error("Long connection stopped", "error", runErr)
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if runErr == nil {
		logger.Info("Feishu event ingestion shutdown complete")
	}
	return runErr
}
