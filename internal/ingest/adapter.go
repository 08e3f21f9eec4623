// Package ingest implements the Ingest Adapter (spec.md §4.4): it
// subscribes to the upstream pub/sub bus for 1m candles, feeds the
// Aggregator, and signals the Broadcaster to refresh.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pulseintel/internal/broadcaster"
	"pulseintel/internal/candle"
	"pulseintel/internal/errs"
	"pulseintel/internal/metrics"
	"pulseintel/internal/wire"
)

// Store is the slice of the History Adapter's time-series store the Ingest
// Adapter needs: persisting each accepted 1m candle so the store has a
// writer in-process instead of relying on an external, out-of-scope
// producer. Declared here, not in package history, to keep this package
// free to test against a fake.
type Store interface {
	Put(ctx context.Context, symbol string, interval candle.Interval, c candle.Candle) error
}

const (
	// InitialBackoff is the first retry delay after a dropped upstream
	// connection, per spec.md §4.4.
	InitialBackoff = 500 * time.Millisecond
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff = 30 * time.Second
	backoffFactor = 2.0

	// PutTimeout bounds the store write issued after each accepted candle.
	PutTimeout = 2 * time.Second
)

// Adapter consumes candles:{symbol}:1m channels and drives the Aggregator
// and Broadcaster.
type Adapter struct {
	rdb         *redis.Client
	aggregator  *candle.Aggregator
	broadcaster *broadcaster.Broadcaster
	store       Store
	logger      *zap.Logger
	metrics     *metrics.Metrics
	symbols     []string

	rand *rand.Rand
}

// New builds an Ingest Adapter tracking the given symbols. store persists
// every accepted 1m candle; it may be nil in tests that don't care about
// persistence.
func New(rdb *redis.Client, agg *candle.Aggregator, b *broadcaster.Broadcaster, store Store, m *metrics.Metrics, logger *zap.Logger, symbols []string) *Adapter {
	return &Adapter{
		rdb:         rdb,
		aggregator:  agg,
		broadcaster: b,
		store:       store,
		metrics:     m,
		logger:      logger.Named("ingest"),
		symbols:     symbols,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func channelName(symbol string) string {
	return fmt.Sprintf("candles:%s:1m", symbol)
}

func symbolFromChannel(channel string) (string, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "candles" || parts[2] != "1m" {
		return "", false
	}
	return parts[1], true
}

// Run subscribes and processes messages until ctx is canceled,
// reconnecting with exponential backoff and jitter on any transport
// failure, and resubscribing to every tracked channel each time.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := InitialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.subscribeAndConsume(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if a.metrics != nil {
			for _, s := range a.symbols {
				a.metrics.IngestReconnects.WithLabelValues(s).Inc()
			}
		}
		a.logger.Error("upstream subscription failed, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.jitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}

func (a *Adapter) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// Up to +/-20% jitter around d, never below InitialBackoff.
	delta := time.Duration((a.rand.Float64()*0.4 - 0.2) * float64(d))
	out := d + delta
	if out < InitialBackoff {
		out = InitialBackoff
	}
	return out
}

func (a *Adapter) subscribeAndConsume(ctx context.Context) error {
	channels := make([]string, len(a.symbols))
	for i, s := range a.symbols {
		channels[i] = channelName(s)
	}

	pubsub := a.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("ingest: subscribe confirmation failed: %w", err)
	}
	a.logger.Info("subscribed to upstream candle channels", zap.Strings("channels", channels))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("ingest: upstream channel closed")
			}
			a.handleMessage(msg)
		}
	}
}

func (a *Adapter) handleMessage(msg *redis.Message) {
	symbol, ok := symbolFromChannel(msg.Channel)
	if !ok {
		a.logger.Warn("dropping message on unrecognized channel", zap.String("channel", msg.Channel))
		return
	}

	var wc wire.Candle
	if err := json.Unmarshal([]byte(msg.Payload), &wc); err != nil {
		a.logger.Warn("dropping malformed candle payload", zap.String("symbol", symbol),
			zap.Error(errs.Integrity(fmt.Errorf("parse candle payload: %w", err))))
		if a.metrics != nil {
			a.metrics.IngestRejected.WithLabelValues(symbol, "parse_error").Inc()
		}
		return
	}

	c := wc.ToCandle()
	if !validCandle(c) {
		a.logger.Warn("dropping invalid candle", zap.String("symbol", symbol), zap.Any("candle", c),
			zap.Error(errs.Integrity(fmt.Errorf("invalid OHLC bar for %s", symbol))))
		if a.metrics != nil {
			a.metrics.IngestRejected.WithLabelValues(symbol, "invalid_bar").Inc()
		}
		return
	}

	a.aggregator.Ingest(symbol, c)
	a.broadcaster.Refresh(symbol)

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), PutTimeout)
		err := a.store.Put(ctx, symbol, candle.Interval1m, c)
		cancel()
		if err != nil {
			a.logger.Warn("failed to persist candle", zap.String("symbol", symbol),
				zap.Error(errs.TransientBackend(fmt.Errorf("persist candle: %w", err))))
		}
	}

	if a.metrics != nil {
		a.metrics.IngestAccepted.WithLabelValues(symbol).Inc()
	}
}

// validCandle enforces the finite, non-negative, low<=open,close<=high
// invariant from spec.md §3. Out-of-order rejection happens inside the
// aggregator itself.
func validCandle(c candle.Candle) bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close || c.Low > c.High {
		return false
	}
	if c.Open > c.High || c.Close > c.High {
		return false
	}
	return true
}
