package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/queuing-system/internal/app"
	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/metrics"
	"github.com/cuongbtq/queuing-system/internal/notification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	app.LoadEnv()

	configPath := flag.String("config", app.DefaultConfigPath(), "Path to configuration file")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath, os.Getenv)
	if err != nil {
		return err
	}

	if err := cfg.ValidateQueueConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting job processor",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("broker", cfg.Broker.Driver),
		slog.Int("concurrency", cfg.Queue.Concurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := jobqueue.OptionsFromConfig(&cfg.Queue, appLogger.Logger)
	opts.Store = store

	queue, err := jobqueue.Dial(ctx, cfg, opts)
	if err != nil {
		appLogger.Error("Failed to connect job queue", slog.Any("error", err))
		return err
	}

	queue.OnReady(func() {
		appLogger.Info("Kue connected to Redis")
	})
	queue.OnError(func(err error) {
		appLogger.Error("Job queue connection error", slog.Any("error", err))
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	m.ObserveQueue(queue)

	handler := notification.NewHandler(appLogger.Logger, cfg.Queue.Blacklist)
	if err := handler.Register(queue); err != nil {
		return err
	}

	if err := queue.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsPort > 0 {
		metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.Server.MetricsPort), registry)

		g.Go(func() error {
			appLogger.Info("Metrics server listening", slog.Int("port", cfg.Server.MetricsPort))
			return metricsServer.ListenAndServe()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down job processor")

		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer cancel()
		return queue.Close(closeCtx)
	})

	appLogger.Info("Job processor started",
		slog.String("worker_id", queue.WorkerID()),
		slog.String("job_type", notification.JobType),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Job processor shutdown complete")
	return nil
}
