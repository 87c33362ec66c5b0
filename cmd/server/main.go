// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/traceledger/internal/bootstrap"
	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	bootstrap.ConfigureLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize services")
	}
	defer app.Close()

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.Initialize(ctx, router.Services{
		Products:     app.Products,
		Sync:         app.Sync,
		Verification: app.Verification,
		Scans:        app.Scans,
		Metrics:      app.Metrics,
		Gatherer:     app.Registry,
	}, cfg)

	var reconcilerDone <-chan struct{}
	if cfg.Reconciler.Enabled {
		reconcilerDone = app.Reconciler.Start(ctx)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	// Stop the reconciler, then let detached operations record their outcome.
	cancel()
	if reconcilerDone != nil {
		<-reconcilerDone
	}
	if err := app.Sync.Close(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("In-flight operations did not finish before shutdown, the reconciler will resume them")
	}

	logrus.Info("Server exited")
}
