package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonwraymond/toolproxy/config"
	"github.com/jonwraymond/toolproxy/metrics"
	"github.com/jonwraymond/toolproxy/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAddr string
	watchCfg   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start every configured backend and serve the router",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override the router listen address")
	serveCmd.Flags().BoolVar(&watchCfg, "watch", true, "reload backends when the config file changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	o, err := orchestrator.New(*cfg, orchestrator.Options{
		Logger:        newZapLogger(logger.Named("proxy")),
		Metrics:       metrics.New(nil),
		ClientName:    "toolproxy",
		ClientVersion: Version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting backends",
		zap.String("config", loader.Path()),
		zap.Int("backends", len(cfg.Backends)))
	if err := o.Start(ctx); err != nil {
		// Failed backends retry under their restart policy; the rest are serving.
		logger.Warn("some backends failed to start", zap.Error(err))
	}

	if watchCfg {
		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				logger.Warn("config reload rejected", zap.Error(err))
				return
			}
			if err := o.Reload(ctx, *next); err != nil {
				logger.Warn("config reload incomplete", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.Int("backends", len(next.Backends)))
		})
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("router listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("router failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("router shutdown", zap.Error(err))
	}
	if err := o.Stop(shutdownCtx); err != nil {
		logger.Warn("backend shutdown", zap.Error(err))
	}
	if serveErr != nil {
		return fmt.Errorf("serve %s: %w", cfg.Listen, serveErr)
	}
	return nil
}
