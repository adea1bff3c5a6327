// Package storetest provides a shared Postgres testcontainer for store and
// pipeline tests.
package storetest

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/tide/ingest/pkg/store"
	"github.com/malbeclabs/tide/utils/pkg/retry"
)

// DBConfig holds the Postgres test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		// NULLS NOT DISTINCT needs Postgres 15+.
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB is a migrated Postgres test container.
type DB struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

func (db *DB) ConnStr() string { return db.connStr }

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate postgres container", "error", err)
	}
}

// NewDB starts a Postgres container and applies the schema migrations.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcpostgres.PostgresContainer
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	if err := store.RunMigrations(log, connStr); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to migrate test database: %w", err)
	}

	return &DB{log: log, connStr: connStr, container: container}, nil
}

// NewTestPool creates a pgx pool connected to the test container, closed on
// test cleanup.
func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	ctx := t.Context()

	poolConfig, err := pgxpool.ParseConfig(db.connStr)
	require.NoError(t, err, "failed to parse pool config")

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err, "failed to create pool")

	t.Cleanup(func() {
		pool.Close()
	})
	return pool
}
