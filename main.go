package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stateflow/config"
	"stateflow/internal/dashboard"
	"stateflow/internal/metrics"
	"stateflow/listener"
	"stateflow/logger"
	"stateflow/pipeline"
	"stateflow/reconciler"
	"stateflow/redisstore"
	"stateflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Stateflow.Name,
		"version":     cfg.Stateflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting stateflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Logging.CWRegion, cfg.Logging.CWNamespace)
	}
	if cfg.Logging.Report {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Init()

	rdb := redisstore.NewClient(cfg.Redis)
	if err := redisstore.HealthCheck(ctx, rdb); err != nil {
		log.WithError(err).Error("redis is unreachable")
		os.Exit(1)
	}
	defer rdb.Close()

	// Best effort: managed Redis deployments often reject CONFIG SET, in
	// which case the operator must enable notifications out of band.
	if err := redisstore.EnableKeyspaceNotifications(ctx, rdb, log); err != nil {
		log.WithError(err).Warn("could not enable keyspace notifications")
	}

	store := redisstore.NewMetadataStore(rdb, log)

	// Seed derived state before consuming any traffic.
	if err := reconciler.NewStartupReconciler(cfg.Reconciler, store, log).Run(ctx); err != nil {
		log.WithError(err).Error("startup reconciliation failed")
		os.Exit(1)
	}

	var publisher pipeline.FlushPublisher
	var events *writer.EventWriter
	if cfg.Events.Enabled {
		events, err = writer.NewEventWriter(cfg.Events, log)
		if err != nil {
			log.WithError(err).Error("failed to create event writer")
			os.Exit(1)
		}
		defer events.Close()
		publisher = events
	}

	counters := pipeline.New(cfg.Batcher, store, publisher, log)
	counters.Start(ctx)

	change := listener.New(cfg.Listener, cfg.Redis.DB, rdb, store, counters.Batcher(), log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := change.Listen(ctx); err != nil {
			log.WithError(err).Warn("change listener exited")
		}
	}()

	windows := reconciler.NewWindowReconciler(cfg.Reconciler, store, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := windows.Run(ctx); err != nil {
			log.WithError(err).Warn("window reconciler exited")
		}
	}()

	var archiver *writer.HistoryArchiver
	if cfg.Archive.Enabled {
		archiver, err = writer.NewHistoryArchiver(cfg.Archive, store, log)
		if err != nil {
			log.WithError(err).Error("failed to create history archiver")
			os.Exit(1)
		}
		archiver.Start(ctx)
	}

	dash := dashboard.NewServer(cfg.Dashboard, store, log)
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// Stop accepting new events first so the final flush is complete.
	change.RequestShutdown()
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := counters.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("counter pipeline did not flush cleanly")
	}

	if archiver != nil {
		archiver.Stop()
	}

	log.Info("graceful shutdown complete")
}
