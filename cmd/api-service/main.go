package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/queuing-system/internal/api/handler"
	"github.com/cuongbtq/queuing-system/internal/api/router"
	"github.com/cuongbtq/queuing-system/internal/app"
	"github.com/cuongbtq/queuing-system/internal/config"
	"github.com/cuongbtq/queuing-system/internal/jobqueue"
	"github.com/cuongbtq/queuing-system/internal/metrics"
	"github.com/gin-gonic/gin"
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

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}

	appLogger.Info("Job queue connection established", slog.String("broker", cfg.Broker.Driver))

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

	r := initRouter(cfg, appLogger.Logger, queue, store, registry)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			return err
		}

		closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer cancelClose()
		return queue.Close(closeCtx)
	})

	appLogger.Info("API service is running", slog.String("address", addr))

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, queue *jobqueue.Queue, store *app.Store, g prometheus.Gatherer) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:      logger,
		Queue:       queue,
		Store:       store,
		HealthCheck: store.HealthCheck,
	}

	return router.SetupRouter(deps, g)
}
