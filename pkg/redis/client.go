// Package redis builds and health-checks the shared Redis connection used
// as both the upstream pub/sub transport and the time-series store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientConfig holds the connection parameters for the shared client.
type ClientConfig struct {
	Addr     string
	DB       int
	Password string
	PoolSize int
}

// Connect builds a *redis.Client and verifies connectivity with a bounded
// ping before returning it, matching the teacher's connect-then-verify
// idiom.
func Connect(cfg ClientConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	logger.Info("redis client connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))

	return rdb, nil
}

// HealthCheck pings rdb with a short deadline, used by the /health
// endpoint.
func HealthCheck(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: health check failed: %w", err)
	}
	return nil
}
