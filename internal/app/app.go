// Package app holds the startup steps shared by every command
package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/queuing-system/internal/config"
	"github.com/cuongbtq/queuing-system/internal/jobqueue/storage"
	"github.com/cuongbtq/queuing-system/shared/logger"
	"github.com/cuongbtq/queuing-system/shared/postgresql"
	"github.com/joho/godotenv"
)

// ConfigPathEnv names the variable holding the default -config value
const ConfigPathEnv = "QUEUE_CONFIG_PATH"

const defaultConfigPath = "configs/config.yaml"

// LoadEnv loads a .env file if it exists
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}
}

// DefaultConfigPath returns the -config default
func DefaultConfigPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return defaultConfigPath
}

// LoadConfig reads the configuration file and applies environment overrides
func LoadConfig(path string, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	return cfg, nil
}

// NewLogger initializes the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// Store is an open job record store
type Store struct {
	storage.Store
	db *postgresql.Client
}

// HealthCheck pings the database; the in-memory store is always healthy
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.HealthCheck(ctx)
}

// Close releases the database connection, if any
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenStore connects the PostgreSQL record store when the database is
// enabled and falls back to an in-memory store otherwise
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		logger.Info("Database disabled, keeping job records in memory")
		return &Store{Store: storage.NewMemoryStore()}, nil
	}

	db, err := postgresql.NewClient(ctx, &postgresql.Config{
		URL:             cfg.URL,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	pg := storage.NewPostgresStore(db.GetDB(), logger)
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{Store: pg, db: db}, nil
}
