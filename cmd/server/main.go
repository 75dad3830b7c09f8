package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nadmax/lancachectl/internal/api"
	"github.com/nadmax/lancachectl/internal/config"
	"github.com/nadmax/lancachectl/internal/console"
	"github.com/nadmax/lancachectl/internal/logging"
	"github.com/nadmax/lancachectl/internal/middleware"
)

const metricsInterval = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("LANCACHE_CONFIG"))
	if err != nil {
		logging.New(logging.Config{}).WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := console.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start console")
	}
	defer c.Close()

	if err := c.RecoverAll(ctx); err != nil {
		logger.WithError(err).Warn("Some operations could not be recovered")
	}

	go startMetricsCollector(ctx, c, metricsInterval)

	handler := middleware.LoggingMiddleware(logger)(
		middleware.MetricsMiddleware(api.NewAPI(c, c.Notifications(), c.History(), logger)),
	)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("Server starting")
		logger.WithField("backend", cfg.Backend.URL).Info("Tracking operations on backend")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shut down server cleanly")
	}
}
