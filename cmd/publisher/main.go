package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/queuing-system/internal/app"
	"github.com/cuongbtq/queuing-system/internal/metrics"
	"github.com/cuongbtq/queuing-system/internal/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// schedule is the demo sequence; the shutdown message stops subscribers
// before the last student is announced
var schedule = []struct {
	message string
	delay   time.Duration
}{
	{"Holberton Student #1 starts course", 100 * time.Millisecond},
	{"Holberton Student #2 starts course", 200 * time.Millisecond},
	{pubsub.ShutdownMessage, 300 * time.Millisecond},
	{"Holberton Student #3 starts course", 400 * time.Millisecond},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	app.LoadEnv()

	configPath := flag.String("config", app.DefaultConfigPath(), "Path to configuration file")
	metricsPort := flag.Int("metrics-port", -1, "Port serving /metrics; -1 uses server.metrics_port, 0 disables")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath, os.Getenv)
	if err != nil {
		return err
	}

	if *metricsPort >= 0 {
		cfg.Server.MetricsPort = *metricsPort
	}

	if err := cfg.ValidateBrokerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := pubsub.Dial(ctx, &cfg.Broker, appLogger.Logger)
	if err != nil {
		appLogger.Error("Redis client not connected to the server: " + err.Error())
		return err
	}
	defer pub.Close()

	pub.OnConnect(func() {
		appLogger.Info("Redis client connected to the server")
	})
	pub.OnError(func(err error) {
		appLogger.Error("Redis client not connected to the server: " + err.Error())
	})

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	m.ObservePublisher(pub)

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Server.MetricsPort), registry)
		g.Go(metricsServer.ListenAndServe)
	}

	channel := cfg.Publisher.Channel
	for _, s := range schedule {
		if err := pub.PublishAfter(channel, s.message, s.delay); err != nil {
			return fmt.Errorf("failed to schedule message: %w", err)
		}
	}

	if err := pub.Wait(gctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if err := pub.Close(); err != nil {
		appLogger.Error("Failed to close publisher connection", slog.Any("error", err))
		return err
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Publisher connection closed gracefully")
	return nil
}
