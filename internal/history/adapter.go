package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pulseintel/internal/candle"
	"pulseintel/internal/errs"
)

// FetchTimeout bounds a subscribe handler's history fetch, per spec.md §5.
const FetchTimeout = 10 * time.Second

// Adapter is the History Adapter of spec.md §4.5: it queries the
// time-series store and is responsible for warming the Aggregator.
type Adapter struct {
	store      *Store
	aggregator *candle.Aggregator
	logger     *zap.Logger
}

// NewAdapter builds a History Adapter over store, warming agg as needed.
func NewAdapter(store *Store, agg *candle.Aggregator, logger *zap.Logger) *Adapter {
	return &Adapter{store: store, aggregator: agg, logger: logger.Named("history_adapter")}
}

// WarmUp populates the Aggregator's 1m window for symbol from the store.
// Failures are non-fatal: logged, and the service continues with an empty
// window.
func (a *Adapter) WarmUp(ctx context.Context, symbol string) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	candles, err := a.store.Fetch(ctx, symbol, candle.Interval1m, candle.MaxWindow)
	if err != nil {
		a.logger.Warn("warmup fetch failed, continuing with empty window",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}

	a.aggregator.Initialize(symbol, candles)
	a.logger.Info("aggregator warmed up", zap.String("symbol", symbol), zap.Int("candles", len(candles)))
}

// FetchInitial returns the bars for a subscribe's initial snapshot. If the
// aggregator's 1m window is empty and interval != 1m, it is lazily warmed
// first, per spec.md §4.5.
func (a *Adapter) FetchInitial(ctx context.Context, symbol string, interval candle.Interval, limit int) ([]candle.Candle, error) {
	if interval != candle.Interval1m && len(a.aggregator.Window(symbol)) == 0 {
		a.WarmUp(ctx, symbol)
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	bars, err := a.store.Fetch(ctx, symbol, interval, limit)
	if err != nil {
		return nil, errs.TransientBackend(fmt.Errorf("history: fetch initial snapshot: %w", err))
	}
	return bars, nil
}
