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

	"github.com/cuongbtq/queuing-system/internal/app"
	"github.com/cuongbtq/queuing-system/internal/pubsub"
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

	sub, err := pubsub.Dial(ctx, &cfg.Broker, appLogger.Logger)
	if err != nil {
		appLogger.Error("Redis client not connected to the server: " + err.Error())
		return err
	}
	defer sub.Close()

	sub.OnConnect(func() {
		appLogger.Info("Redis client connected to the server")
	})
	sub.OnError(func(err error) {
		appLogger.Error("Redis client not connected to the server: " + err.Error())
	})

	channel := cfg.Publisher.Channel
	err = sub.Listen(ctx, channel, func(msg pubsub.Message) {
		appLogger.Info(msg.Payload, slog.String("channel", msg.Channel))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if err := sub.Close(); err != nil {
		return fmt.Errorf("failed to close subscriber connection: %w", err)
	}

	appLogger.Info("Subscriber connection closed gracefully")
	return nil
}
