// Package history implements the History Adapter (spec.md §4.5): a
// Redis-backed time-series store plus the warmup logic that seeds the
// Aggregator on startup and lazily on first higher-timeframe subscribe.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pulseintel/internal/candle"
)

// Store is a thin Redis-backed time-series store. Candles are kept as a
// per (symbol, interval) sorted set scored by epoch milliseconds, the
// idiom grounded on the teacher's historical_data_fetcher.go / Redis
// client wrapper.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger.Named("history_store")}
}

func key(symbol string, interval candle.Interval) string {
	return fmt.Sprintf("candles:%s:%s", symbol, interval)
}

// Put persists c for (symbol, interval), replacing any prior candle at the
// same bucket score.
func (s *Store) Put(ctx context.Context, symbol string, interval candle.Interval, c candle.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("history: marshal candle: %w", err)
	}

	k := key(symbol, interval)
	score := float64(c.Time.UnixMilli())

	pipe := s.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, fmt.Sprintf("%v", score), fmt.Sprintf("%v", score))
	pipe.ZAdd(ctx, k, redis.Z{Score: score, Member: data})
	pipe.ZRemRangeByRank(ctx, k, 0, -int64(candle.MaxWindow)-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: store candle: %w", err)
	}
	return nil
}

// Fetch returns up to limit candles for (symbol, interval), ascending by
// time, restricted to the most recent entries in the store.
func (s *Store) Fetch(ctx context.Context, symbol string, interval candle.Interval, limit int) ([]candle.Candle, error) {
	k := key(symbol, interval)

	raw, err := s.rdb.ZRevRangeByScore(ctx, k, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "+inf",
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("history: fetch %s %s: %w", symbol, interval, err)
	}

	out := make([]candle.Candle, 0, len(raw))
	for _, item := range raw {
		var c candle.Candle
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			s.logger.Warn("dropping malformed stored candle", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out = append(out, c)
	}

	// raw is descending (most recent first); reverse to ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
