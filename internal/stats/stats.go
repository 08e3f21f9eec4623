// Package stats implements the read-only Stats/Health surface of
// spec.md §4.6: a pure combination of Aggregator and Broadcaster state,
// with no side effects.
package stats

import (
	"time"

	"pulseintel/internal/broadcaster"
	"pulseintel/internal/candle"
)

// Snapshot is the point-in-time view served by /health/ws-stats.
type Snapshot struct {
	Sessions      int                     `json:"sessions"`
	TotalRooms    int                     `json:"totalRooms"`
	TotalClients  int                     `json:"totalClients"`
	Rooms         []broadcaster.RoomStats `json:"rooms"`
	WindowLengths map[string]int          `json:"windowLengths"`
	GeneratedAt   time.Time               `json:"generatedAt"`
}

// SessionCounter is the slice of the Session Manager this package reads.
type SessionCounter interface {
	SessionCount() int
}

// Collector reads the Aggregator, Broadcaster and Session Manager to
// build a Snapshot. It holds no state of its own.
type Collector struct {
	aggregator  *candle.Aggregator
	broadcaster *broadcaster.Broadcaster
	sessions    SessionCounter
	symbols     []string
	now         func() time.Time
}

// NewCollector builds a Collector over the given symbol set, used to
// report each symbol's 1m window length.
func NewCollector(agg *candle.Aggregator, b *broadcaster.Broadcaster, sessions SessionCounter, symbols []string) *Collector {
	return &Collector{aggregator: agg, broadcaster: b, sessions: sessions, symbols: symbols, now: time.Now}
}

// Snapshot returns the current Stats/Health view.
func (c *Collector) Snapshot() Snapshot {
	bstats := c.broadcaster.Stats()

	windows := make(map[string]int, len(c.symbols))
	for _, s := range c.symbols {
		windows[s] = len(c.aggregator.Window(s))
	}

	return Snapshot{
		Sessions:      c.sessions.SessionCount(),
		TotalRooms:    bstats.TotalRooms,
		TotalClients:  bstats.TotalClients,
		Rooms:         bstats.Rooms,
		WindowLengths: windows,
		GeneratedAt:   c.now().UTC(),
	}
}
