// Package main provides the webhook receiver entry point for the mirror service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scm-mirror/internal/api"
	"github.com/scm-mirror/internal/app"
	"github.com/scm-mirror/internal/config"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/worker"
)

func main() {
	withScheduler := flag.Bool("scheduler", false, "Run the sync scheduler in this process")
	flag.Parse()

	fmt.Println("SCM Mirror Webhook Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateReceiver(); err != nil {
		log.Fatalf("Invalid receiver configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	logger.Info("Connecting to databases...")
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer a.Close()
	a.Start(ctx)

	dispatcher := a.NewDispatcher()
	dispatcher.Start(ctx)

	var status api.StatusReporter
	var scheduler *worker.Scheduler
	if *withScheduler {
		scheduler, err = a.NewScheduler(dispatcher)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create sync scheduler")
		}
		if err := scheduler.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start sync scheduler")
		}
		status = scheduler
	}

	serverConfig := a.ServerConfig()
	server := api.NewServer(serverConfig, dispatcher, a.Backfill, status)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":      serverConfig.Host,
		"port":      serverConfig.Port,
		"scheduler": *withScheduler,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	// stop accepting deliveries before draining the queues
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Sync scheduler did not stop cleanly")
		}
	}
	dispatcher.Stop()

	logger.Info("Server exited")
}
