package candle

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxWindow is the maximum number of 1m candles retained per symbol.
const MaxWindow = 1440

// Aggregator holds a rolling window of 1m candles per symbol and derives
// higher-timeframe candles from it on demand. It is pure in-memory and
// never blocks. A single RWMutex covers every symbol: Ingest and
// Initialize take it exclusively, Current and Window share the read lock.
type Aggregator struct {
	logger *zap.Logger

	mu      sync.RWMutex
	windows map[string][]Candle // symbol -> ascending-time 1m candles
}

// NewAggregator builds an empty Aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger:  logger.Named("aggregator"),
		windows: make(map[string][]Candle),
	}
}

// Ingest appends or overwrites the tail 1m candle for symbol. If the
// window's tail shares c.Time, it is overwritten in place; otherwise c is
// appended and the head is evicted once the window exceeds MaxWindow.
// Out-of-order candles (c.Time strictly before the tail's time) are
// rejected: logged and dropped, never propagated.
func (a *Aggregator) Ingest(symbol string, c Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windows[symbol]
	if len(w) == 0 {
		a.windows[symbol] = append(w, c)
		return
	}

	tail := w[len(w)-1]
	switch {
	case c.Time.Equal(tail.Time):
		w[len(w)-1] = c
	case c.Time.After(tail.Time):
		w = append(w, c)
		if len(w) > MaxWindow {
			w = w[len(w)-MaxWindow:]
		}
		a.windows[symbol] = w
	default:
		a.logger.Warn("rejecting out-of-order 1m candle",
			zap.String("symbol", symbol),
			zap.Time("candle_time", c.Time),
			zap.Time("tail_time", tail.Time))
	}
}

// Initialize replaces the window for symbol with the sorted-by-time tail
// of candles, truncated to the last MaxWindow elements. Idempotent with
// respect to content.
func (a *Aggregator) Initialize(symbol string, candles []Candle) {
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	if len(sorted) > MaxWindow {
		sorted = sorted[len(sorted)-MaxWindow:]
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.windows[symbol] = sorted
}

// Window returns a read-only copy of the 1m candles currently held for
// symbol, in ascending time order.
func (a *Aggregator) Window(symbol string) []Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w := a.windows[symbol]
	out := make([]Candle, len(w))
	copy(out, w)
	return out
}

// Current returns the aggregated candle for the bar of interval that
// contains now, or ok == false if the window has no 1m candles in that
// bar. For Interval1m it returns the tail candle directly.
func (a *Aggregator) Current(symbol string, interval Interval, now time.Time) (Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w := a.windows[symbol]
	if len(w) == 0 {
		return Candle{}, false
	}

	if interval == Interval1m {
		tail := w[len(w)-1]
		barStart := AlignBar(now, Interval1m)
		if !tail.Time.Equal(barStart) {
			return Candle{}, false
		}
		return tail, true
	}

	barStart := AlignBar(now, interval)
	barEndExclusive := time.UnixMilli(barStart.UnixMilli() + interval.Millis())

	// Window is ascending by time; binary-search the contributing slice.
	lo := sort.Search(len(w), func(i int) bool { return !w[i].Time.Before(barStart) })
	hi := sort.Search(len(w), func(i int) bool { return !w[i].Time.Before(barEndExclusive) })
	if lo >= hi {
		return Candle{}, false
	}

	return aggregate(w[lo:hi], barStart), true
}

// aggregate folds a contiguous, ascending-by-time slice of 1m candles into
// a single higher-timeframe candle rebased to barStart.
func aggregate(contributors []Candle, barStart time.Time) Candle {
	first := contributors[0]
	out := Candle{
		Time:  barStart,
		Open:  first.Open,
		High:  first.High,
		Low:   first.Low,
		Close: first.Close,
	}

	anyQuoteVolume := false
	for _, c := range contributors {
		if c.High > out.High {
			out.High = c.High
		}
		if c.Low < out.Low {
			out.Low = c.Low
		}
		out.Volume += c.Volume
		if c.HasQuoteVolume {
			out.QuoteVolume += c.QuoteVolume
			anyQuoteVolume = true
		}
	}
	out.Close = contributors[len(contributors)-1].Close
	out.HasQuoteVolume = anyQuoteVolume

	return out
}
