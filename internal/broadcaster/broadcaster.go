// Package broadcaster groups connected clients into rooms keyed by
// (symbol, interval) and dispatches the current candle of each room to its
// members on a throttled, single periodic tick. See spec.md §4.2.
package broadcaster

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pulseintel/internal/candle"
	"pulseintel/internal/metrics"
	"pulseintel/internal/wire"
)

// Period is the global broadcast tick: no room emits more than once per
// this duration.
const Period = 1 * time.Second

// Client is the minimal surface the broadcaster needs from a session. The
// broadcaster never owns session state beyond this; Send reports whether
// the message was delivered. Send is called synchronously while the
// registry mutex is held, so a slow Send delays the rest of the dispatch
// pass; there is no per-client queue, and session.Session.Send bounds each
// write with a 5-second deadline rather than returning immediately.
type Client interface {
	ID() string
	Send(message []byte) bool
}

// Subscription identifies a room: a symbol and the interval a client
// wants it aggregated at.
type Subscription struct {
	Symbol   string
	Interval candle.Interval
}

// Key renders the canonical room key "symbol:interval".
func (s Subscription) Key() string {
	return fmt.Sprintf("%s:%s", s.Symbol, s.Interval)
}

// Room holds the client set and cached current candle for one
// subscription. A room with zero clients is never registered; it is
// destroyed on the leave that empties it.
type Room struct {
	Sub             Subscription
	clients         map[string]Client
	currentCandle   *candle.Candle
	lastBroadcastAt time.Time
}

// Broadcaster owns the room registry and the 1-second dispatch loop. All
// mutating methods are serialized by a single mutex; Stats takes the same
// mutex while it copies the snapshot.
type Broadcaster struct {
	logger     *zap.Logger
	aggregator *candle.Aggregator
	metrics    *metrics.Metrics
	now        func() time.Time

	mu    sync.Mutex
	rooms map[string]*Room

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Broadcaster reading aggregated candles from agg.
func New(logger *zap.Logger, agg *candle.Aggregator, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		logger:     logger.Named("broadcaster"),
		aggregator: agg,
		metrics:    m,
		now:        time.Now,
		rooms:      make(map[string]*Room),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Join creates the room if absent, adds client, and is idempotent for
// repeated joins of the same client to the same subscription.
func (b *Broadcaster) Join(client Client, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[sub.Key()]
	if !ok {
		room = &Room{Sub: sub, clients: make(map[string]Client)}
		b.rooms[sub.Key()] = room
	}
	room.clients[client.ID()] = client

	if b.metrics != nil {
		b.metrics.ActiveRooms.Set(float64(len(b.rooms)))
		b.metrics.RoomClients.WithLabelValues(sub.Key()).Set(float64(len(room.clients)))
	}
}

// Leave removes client from sub's room and destroys the room if it
// becomes empty. No-op if client was not a member.
func (b *Broadcaster) Leave(client Client, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(client, sub.Key())
}

func (b *Broadcaster) leaveLocked(client Client, key string) {
	room, ok := b.rooms[key]
	if !ok {
		return
	}
	delete(room.clients, client.ID())
	if len(room.clients) == 0 {
		delete(b.rooms, key)
	}

	if b.metrics != nil {
		b.metrics.ActiveRooms.Set(float64(len(b.rooms)))
		if ok && len(room.clients) > 0 {
			b.metrics.RoomClients.WithLabelValues(key).Set(float64(len(room.clients)))
		} else {
			b.metrics.RoomClients.DeleteLabelValues(key)
		}
	}
}

// LeaveAll removes client from every room it belongs to, destroying any
// room that becomes empty.
func (b *Broadcaster) LeaveAll(client Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, room := range b.rooms {
		if _, member := room.clients[client.ID()]; member {
			b.leaveLocked(client, key)
		}
	}
}

// Refresh re-reads the aggregator for every room whose subscription
// symbol matches, storing the current candle if present.
func (b *Broadcaster) Refresh(symbol string) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, room := range b.rooms {
		if room.Sub.Symbol != symbol {
			continue
		}
		if c, ok := b.aggregator.Current(room.Sub.Symbol, room.Sub.Interval, now); ok {
			c := c
			room.currentCandle = &c
		}
	}
}

// Start launches the periodic dispatch tick in its own goroutine. Call
// Stop to terminate it.
func (b *Broadcaster) Start() {
	go b.loop()
}

// Stop terminates the dispatch loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Broadcaster) loop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(Period)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.dispatch()
		}
	}
}

// dispatch walks every room once. A room emits iff it has clients, a
// cached current candle, and the throttle window has elapsed.
func (b *Broadcaster) dispatch() {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.DispatchTicks.Inc()
	}

	for key, room := range b.rooms {
		if len(room.clients) == 0 || room.currentCandle == nil {
			continue
		}
		if !room.lastBroadcastAt.IsZero() && now.Sub(room.lastBroadcastAt) < Period {
			continue
		}

		msg := wire.NewUpdate(room.Sub.Symbol, room.Sub.Interval, *room.currentCandle)
		payload, err := wire.Marshal(msg)
		if err != nil {
			b.logger.Error("failed to marshal update message", zap.Error(err), zap.String("room", key))
			room.lastBroadcastAt = now
			continue
		}

		for _, client := range room.clients {
			if client.Send(payload) {
				if b.metrics != nil {
					b.metrics.UpdatesSent.WithLabelValues(key).Inc()
				}
			} else if b.metrics != nil {
				b.metrics.SendFailures.WithLabelValues(key).Inc()
			}
		}

		room.lastBroadcastAt = now
	}
}

// Stats is a read-only snapshot of the registry; tolerates eventual
// consistency per spec.md §5.
type Stats struct {
	TotalRooms   int
	TotalClients int
	Rooms        []RoomStats
}

// RoomStats is the per-room slice of a Stats snapshot.
type RoomStats struct {
	Key             string
	ClientCount     int
	HasCandle       bool
	LastBroadcastAt time.Time
}

// Stats returns a point-in-time snapshot of the room registry.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Stats{TotalRooms: len(b.rooms)}
	for key, room := range b.rooms {
		out.TotalClients += len(room.clients)
		out.Rooms = append(out.Rooms, RoomStats{
			Key:             key,
			ClientCount:     len(room.clients),
			HasCandle:       room.currentCandle != nil,
			LastBroadcastAt: room.lastBroadcastAt,
		})
	}
	return out
}
