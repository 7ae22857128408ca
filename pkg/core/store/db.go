package store

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Options say where a command's repository lives and how its pool is sized.
// Zero pool settings keep the pgx defaults.
type Options struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	ConnectTimeout    time.Duration
	HealthCheckPeriod time.Duration

	// DryRun keeps all state in memory, restored from and saved to Snapshot when set.
	DryRun   bool
	Snapshot string
}

// PoolConfig parses the URL, or DATABASE_URL when it is empty, and applies the pool settings.
func (o Options) PoolConfig() (*pgxpool.Config, error) {
	url := o.URL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if o.MinConns > 0 && o.MaxConns > 0 && o.MinConns > o.MaxConns {
		return nil, fmt.Errorf("min conns %d exceeds max conns %d", o.MinConns, o.MaxConns)
	}

	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if o.MaxConns > 0 {
		config.MaxConns = o.MaxConns
	}
	if o.MinConns > 0 {
		config.MinConns = o.MinConns
	}
	if o.ConnectTimeout > 0 {
		config.ConnConfig.ConnectTimeout = o.ConnectTimeout
	}
	if o.HealthCheckPeriod > 0 {
		config.HealthCheckPeriod = o.HealthCheckPeriod
	}
	return config, nil
}

// Connect opens a pool, checks it answers and brings the schema up to date.
func Connect(ctx context.Context, o Options) (*pgxpool.Pool, error) {
	config, err := o.PoolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, p *pgxpool.Pool) error {
	if _, err := p.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
