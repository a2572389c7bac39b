package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "clickstream"

// poolConfig parses databaseURL and fills in pool defaults. pool_* and
// application_name parameters present in the URL win.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if !strings.Contains(databaseURL, "pool_max_conns") {
		poolCfg.MaxConns = 20
	}
	if !strings.Contains(databaseURL, "pool_min_conns") {
		poolCfg.MinConns = 2
	}
	if !strings.Contains(databaseURL, "pool_max_conn_idle_time") {
		poolCfg.MaxConnIdleTime = 5 * time.Minute
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return poolCfg, nil
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create DB pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", classifyPgError(err))
	}

	return pool, nil
}
