// Package app wires the relay's constructed pieces into a running HTTP
// server with a graceful shutdown path.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"antitrunc-relay/internal/config"
	"antitrunc-relay/internal/relay"
	"antitrunc-relay/internal/upstream"
	"antitrunc-relay/internal/version"

	"github.com/sirupsen/logrus"
)

// App owns the HTTP server and the upstream client it closes on shutdown.
type App struct {
	cfg        *config.Config
	httpServer *http.Server
	client     *upstream.Client
}

// New builds an App from cfg, constructing the router and upstream client.
func New(cfg *config.Config) *App {
	client := upstream.New(cfg.UpstreamConnectTimeout)
	router := relay.New(cfg, client).Router()

	return &App{
		cfg:    cfg,
		client: client,
		httpServer: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:        router,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: 1 << 20,
		},
	}
}

// Start launches the HTTP server in a background goroutine. It returns
// immediately; a failure during ListenAndServe is fatal, matching the
// teacher's behavior of treating a bind failure as unrecoverable.
func (a *App) Start() {
	logrus.Infof("antitrunc-relay starting, version %s", version.Version)
	logrus.Infof("listening on %s", a.httpServer.Addr)

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server startup failed: %v", err)
		}
	}()
}

// Stop gracefully shuts the HTTP server down within ctx's deadline, then
// releases pooled upstream connections.
func (a *App) Stop(ctx context.Context) {
	logrus.Info("shutting down server...")

	start := time.Now()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logrus.Warn("graceful shutdown timed out, forcing remaining connections closed")
		if closeErr := a.httpServer.Close(); closeErr != nil {
			logrus.WithError(closeErr).Error("error forcing server closed")
		}
	}
	logrus.Infof("http server shut down (took %v)", time.Since(start))

	a.client.CloseIdleConnections()
}
