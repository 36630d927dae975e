// Package main is the entry point for the anti-truncation relay server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"antitrunc-relay/internal/app"
	"antitrunc-relay/internal/config"
	"antitrunc-relay/internal/relaylog"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	relaylog.Setup(cfg)

	application := app.New(cfg)
	application.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logrus.Infof("received signal: %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		application.Stop(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("graceful shutdown completed successfully")
	case <-quit:
		logrus.Warn("second interrupt signal received, forcing immediate exit")
		os.Exit(1)
	case <-shutdownCtx.Done():
		logrus.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}
