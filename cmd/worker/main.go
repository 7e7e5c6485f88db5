// Package main provides the sync worker entry point for the mirror service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scm-mirror/internal/app"
	"github.com/scm-mirror/internal/config"
	"github.com/scm-mirror/internal/logging"
)

func main() {
	once := flag.Bool("once", false, "Run a single sync cycle and exit")
	flag.Parse()

	fmt.Println("SCM Mirror Sync Worker")
	log.Println("Worker starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer a.Close()
	a.Start(ctx)

	scheduler, err := a.NewScheduler(nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sync scheduler")
	}

	if *once {
		report := scheduler.RunCycle(ctx)
		logger.WithFields(map[string]interface{}{
			"scopes":   report.Scopes,
			"synced":   report.TargetsSynced,
			"deferred": report.TargetsDeferred,
			"backfill": report.Backfill.RepositoriesProcessed,
		}).Info("Single cycle complete")
		return
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync scheduler")
	}
	logger.WithFields(map[string]interface{}{
		"interval":      cfg.Sync.CycleInterval.String(),
		"scope_workers": cfg.Sync.ScopeWorkers,
		"backfill":      cfg.Backfill.Enabled,
	}).Info("Sync worker started")

	// Wait for interrupt signal to gracefully shutdown the worker
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down sync worker...")

	stopCtx, stopCancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), 30*time.Second)
	defer stopCancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Sync worker forced to stop")
	}

	logger.Info("Sync worker exited")
}
