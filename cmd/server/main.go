package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/config"
	"github.com/t77yq/promptcron/internal/engine"
	"github.com/t77yq/promptcron/internal/events"
	"github.com/t77yq/promptcron/internal/executor"
	"github.com/t77yq/promptcron/internal/handler"
	"github.com/t77yq/promptcron/internal/monitor"
	"github.com/t77yq/promptcron/internal/notify"
	"github.com/t77yq/promptcron/internal/scheduler"
	"github.com/t77yq/promptcron/internal/service"
	"github.com/t77yq/promptcron/internal/storage"
	"github.com/t77yq/promptcron/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("app", cfg.App.Name))

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	// NATS is optional: it carries run events, nats notifications and status
	var nc *nats.Conn
	var publisher executor.Publisher
	if cfg.NATS.URL != "" {
		nc = connectNATS(cfg, logger)
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		p, err := events.NewPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		publisher = p
	}

	recipients, err := notify.BuildRecipients(cfg.Notify.Recipients, nc, logger)
	if err != nil {
		logger.Fatal("Invalid notification recipients", zap.Error(err))
	}
	notifier := notify.New(notify.Config{
		MaxChunk:   cfg.Notify.MaxChunk,
		RatePerSec: cfg.Notify.RatePerSec,
	}, recipients, logger)

	eng := engine.NewProcessEngine(engine.ProcessConfig{
		Command:        cfg.Engine.Command,
		Args:           cfg.Engine.Args,
		WorkDir:        cfg.Engine.WorkDir,
		BrowserArgs:    cfg.Engine.BrowserArgs,
		InterruptGrace: cfg.Supervisor.InterruptGrace,
	}, logger)

	sup := supervisor.New(eng, store, supervisor.Config{
		StaleTimeout:      cfg.Supervisor.StaleTimeout,
		MaxTurns:          cfg.Supervisor.MaxTurns,
		MessageMultiplier: cfg.Supervisor.MessageMultiplier,
		InterruptGrace:    cfg.Supervisor.InterruptGrace,
		DefaultModel:      cfg.Engine.DefaultModel,
		DisallowedTools:   cfg.Engine.DisallowedTools,
	}, logger)

	exec := executor.New(store, sup, notifier, publisher, logger)

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid scheduler timezone", zap.Error(err))
	}
	sched := scheduler.NewCronScheduler(store, exec, scheduler.Config{Location: loc}, logger)

	jobs := service.NewJobService(store, sched, logger)
	stats := monitor.NewStatsCollector(sup, nc, cfg.Status.Interval, logger)
	api := handler.New(jobs, store, sup, stats, logger)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.API.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	go stats.Run(ctx)
	go cleanupLoop(ctx, store, cfg.Storage.RunRetention, cfg.Storage.CleanupPeriod, logger)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	inflight := sup.InFlight()
	if len(inflight) > 0 {
		logger.Info("Waiting for running jobs to complete", zap.Int("count", len(inflight)))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout reached, some runs were interrupted", zap.Error(err))
	}

	logger.Info("Server shut down gracefully")
}

func connectNATS(cfg *config.Config, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}

// cleanupLoop prunes run history older than retention
func cleanupLoop(ctx context.Context, store *storage.SQLiteStore, retention, period time.Duration, logger *zap.Logger) {
	if retention <= 0 || period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if err := store.DeleteRunsBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to cleanup old runs", zap.Error(err))
			}
		}
	}
}
