// Command server runs the collaborative note sharing server: the share HTTP
// API and the per-document WebSocket collaboration hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"noteshare/internal/cache"
	"noteshare/internal/config"
	"noteshare/internal/httputil"
	"noteshare/internal/hub"
	"noteshare/internal/sanitize"
	"noteshare/internal/share"
	"noteshare/internal/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.NewMongoStore(ctx, store.MongoOptions{
		URI:              cfg.Storage.URL,
		Database:         cfg.Storage.Database,
		Collection:       cfg.Storage.Collection,
		OperationTimeout: cfg.Storage.OpTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = st.Close(closeCtx)
	}()

	coord, err := cache.NewRedisCoordinator(cfg.Cache.URL, logger)
	if err != nil {
		return fmt.Errorf("failed to open coordination cache: %w", err)
	}
	defer func() { _ = coord.Close() }()

	collabHub := hub.New(st, coord, cfg.Hub, cfg.Cache.StateTTL, cfg.Server.OriginAllowList, logger)

	handler, err := share.NewHandler(st, coord, sanitize.New(), collabHub, share.Options{
		BaseURL:            cfg.Server.BaseURL,
		MaxMarkdownBytes:   cfg.Limits.MaxMarkdownBytes,
		MaxHTMLBytes:       cfg.Limits.MaxHTMLBytes,
		MaxTitleLength:     cfg.Limits.MaxTitleLength,
		ShareRatePerMinute: cfg.Limits.ShareRatePerMinute,
		TrustProxyHeader:   cfg.Limits.TrustProxyHeader,
		Version:            version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build share api: %w", err)
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	collabHub.Register(mux)

	root := httputil.ApplyMiddleware(mux,
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("instance_id", collabHub.InstanceID()),
			zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	// Flush live documents first so no dirty CRDT state is lost, then stop
	// accepting HTTP traffic.
	if err := collabHub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Hub shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
