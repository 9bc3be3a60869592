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
	"github.com/cuongbtq/queuing-system/internal/notification"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	app.LoadEnv()

	configPath := flag.String("config", app.DefaultConfigPath(), "Path to configuration file")
	phone := flag.String("phone", "0123456789", "Phone number to notify")
	message := flag.String("message", "Hey, this is from the job creator!", "Notification message")
	wait := flag.Bool("wait", true, "Wait for the job outcome before exiting")
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
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer cancel()
		if err := queue.Close(closeCtx); err != nil {
			appLogger.Error("Failed to close job queue", slog.Any("error", err))
		}
	}()

	queue.OnError(func(err error) {
		appLogger.Error("Job queue connection error", slog.Any("error", err))
	})

	payload := notification.Payload{PhoneNumber: *phone, Message: *message}
	job := queue.Create(notification.JobType, payload.Data())

	outcome := make(chan struct{})
	job.OnEnqueue(func(id int64) {
		appLogger.Info(fmt.Sprintf("Notification job created: %d", id))
	})
	job.OnComplete(func(*jobqueue.Job) {
		appLogger.Info("Notification job completed")
		close(outcome)
	})
	job.OnFailed(func(_ *jobqueue.Job, err error) {
		appLogger.Info("Notification job failed", slog.String("error", err.Error()))
		close(outcome)
	})

	if _, err := job.Save(ctx); err != nil {
		return err
	}

	if !*wait {
		return nil
	}

	select {
	case <-outcome:
	case <-ctx.Done():
		appLogger.Info("Interrupted before the job finished",
			slog.Int64("job_id", job.ID()),
			slog.String("state", string(job.State())),
		)
	}

	return nil
}
