package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pulseintel/internal/broadcaster"
	"pulseintel/internal/candle"
	"pulseintel/internal/metrics"
)

func TestChannelName(t *testing.T) {
	if got := channelName("BTC/USDT"); got != "candles:BTC/USDT:1m" {
		t.Fatalf("got %q", got)
	}
}

func TestSymbolFromChannel(t *testing.T) {
	cases := []struct {
		channel string
		want    string
		ok      bool
	}{
		{"candles:BTC/USDT:1m", "BTC/USDT", true},
		{"candles:ETH/USDT:1m", "ETH/USDT", true},
		{"other:channel", "", false},
		{"candles:BTC/USDT:5m", "", false},
		{"candles:BTC/USDT:1m:extra", "", false},
	}
	for _, c := range cases {
		got, ok := symbolFromChannel(c.channel)
		if ok != c.ok || got != c.want {
			t.Fatalf("symbolFromChannel(%q) = (%q, %v), want (%q, %v)", c.channel, got, ok, c.want, c.ok)
		}
	}
}

func TestValidCandle(t *testing.T) {
	cases := []struct {
		name string
		c    candle.Candle
		want bool
	}{
		{"ok", candle.Candle{Open: 10, High: 15, Low: 9, Close: 14, Volume: 1}, true},
		{"negative volume", candle.Candle{Open: 10, High: 15, Low: 9, Close: 14, Volume: -1}, false},
		{"low above open", candle.Candle{Open: 10, High: 15, Low: 11, Close: 14, Volume: 1}, false},
		{"close above high", candle.Candle{Open: 10, High: 15, Low: 9, Close: 16, Volume: 1}, false},
		{"open above high", candle.Candle{Open: 16, High: 15, Low: 9, Close: 14, Volume: 1}, false},
	}
	for _, tc := range cases {
		if got := validCandle(tc.c); got != tc.want {
			t.Errorf("%s: validCandle() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestJitter_StaysWithinBoundsAndNeverBelowInitialBackoff(t *testing.T) {
	a := &Adapter{rand: rand.New(rand.NewSource(1))}
	d := 2 * time.Second
	for i := 0; i < 100; i++ {
		got := a.jitter(d)
		if got < InitialBackoff {
			t.Fatalf("jitter returned %v, below InitialBackoff %v", got, InitialBackoff)
		}
		if got > d+d/2 {
			t.Fatalf("jitter returned %v, implausibly far from %v", got, d)
		}
	}
}

func TestJitter_ZeroIsUnchanged(t *testing.T) {
	a := &Adapter{rand: rand.New(rand.NewSource(1))}
	if got := a.jitter(0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

// fakeStore records every Put call for assertions, standing in for
// *history.Store in tests that don't need a real Redis connection.
type fakeStore struct {
	mu    sync.Mutex
	calls []candle.Candle
	err   error
}

func (f *fakeStore) Put(ctx context.Context, symbol string, interval candle.Interval, c candle.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func newTestAdapter(store Store) *Adapter {
	logger := zap.NewNop()
	agg := candle.NewAggregator(logger)
	m := metrics.New()
	return &Adapter{
		aggregator:  agg,
		broadcaster: broadcaster.New(logger, agg, m),
		store:       store,
		metrics:     m,
		logger:      logger,
	}
}

func TestHandleMessage_AcceptedCandlePersistsToStore(t *testing.T) {
	store := &fakeStore{}
	a := newTestAdapter(store)

	payload := `{"time":1700000000000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":10}`
	a.handleMessage(&redis.Message{Channel: "candles:BTC/USDT:1m", Payload: payload})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.calls) != 1 {
		t.Fatalf("expected 1 store.Put call, got %d", len(store.calls))
	}
	if store.calls[0].Close != 1.5 {
		t.Fatalf("unexpected persisted candle: %+v", store.calls[0])
	}
}

func TestHandleMessage_RejectedCandleNeverReachesStore(t *testing.T) {
	store := &fakeStore{}
	a := newTestAdapter(store)

	a.handleMessage(&redis.Message{Channel: "candles:BTC/USDT:1m", Payload: "not json"})
	a.handleMessage(&redis.Message{Channel: "candles:BTC/USDT:1m", Payload: `{"open":5,"high":1,"low":0,"close":2,"volume":1}`})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.calls) != 0 {
		t.Fatalf("expected no store.Put calls, got %d", len(store.calls))
	}
}

func TestHandleMessage_StoreFailureDoesNotPanic(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("connection reset")}
	a := newTestAdapter(store)

	payload := `{"time":1700000000000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":10}`
	a.handleMessage(&redis.Message{Channel: "candles:BTC/USDT:1m", Payload: payload})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.calls) != 1 {
		t.Fatalf("expected the failed call to still be recorded, got %d", len(store.calls))
	}
}
