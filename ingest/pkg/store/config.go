package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/tide/utils/pkg/retry"
)

// PGConfig holds the Postgres connection settings. It is an explicit value
// passed into construction so parallel pipelines can point at different
// destinations in one process without shared global state.
type PGConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// PGConfigFromEnv reads the POSTGRES_* environment variables.
func PGConfigFromEnv() (PGConfig, error) {
	cfg := PGConfig{
		Host:     envOr("POSTGRES_HOST", "localhost"),
		Port:     envOr("POSTGRES_PORT", "5432"),
		Database: os.Getenv("POSTGRES_DB"),
		Username: os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:  envOr("POSTGRES_SSLMODE", "disable"),
	}
	if cfg.Database == "" {
		return PGConfig{}, fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.Username == "" {
		return PGConfig{}, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.Password == "" {
		return PGConfig{}, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	return cfg, nil
}

func (cfg PGConfig) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
}

// Connect builds a pgx pool and verifies connectivity.
func Connect(ctx context.Context, cfg PGConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// The database may still be coming up when running under compose.
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
