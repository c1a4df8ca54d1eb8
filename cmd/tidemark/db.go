package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	connectRetries    = 30
	connectRetryDelay = 2 * time.Second
)

// connectPool opens a pool with the host tuning, retrying while the
// database comes up. A ping per attempt catches pools that construct fine
// but cannot reach the server.
func connectPool(ctx context.Context, log zerolog.Logger, url string, v *viper.Viper) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	config.MaxConns = int32(v.GetInt("db.max_conns"))
	config.MinConns = int32(v.GetInt("db.min_conns"))
	config.MaxConnLifetime = 10 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= connectRetries; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		if attempt == connectRetries {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("database not reachable; retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectRetries, err)
}
