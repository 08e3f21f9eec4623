// Package wire defines the JSON client<->server protocol: the candle wire
// shape and the tagged message unions described in spec.md §6.
package wire

import (
	"encoding/json"
	"fmt"

	"pulseintel/internal/candle"
)

// Candle is the wire representation of a candle.Candle. Time is emitted as
// ISO-8601 UTC by jsonTime's MarshalJSON, which also accepts epoch
// milliseconds on input.
// QuoteVolume is omitted entirely when absent rather than emitted as 0 or
// null, matching the "optional" contract in spec.md §3.
type Candle struct {
	Time        jsonTime `json:"time"`
	Open        float64  `json:"open"`
	High        float64  `json:"high"`
	Low         float64  `json:"low"`
	Close       float64  `json:"close"`
	Volume      float64  `json:"volume"`
	QuoteVolume *float64 `json:"quoteVolume,omitempty"`
}

// FromCandle converts a domain candle into its wire shape.
func FromCandle(c candle.Candle) Candle {
	out := Candle{
		Time:   jsonTime(c.Time),
		Open:   c.Open,
		High:   c.High,
		Low:    c.Low,
		Close:  c.Close,
		Volume: c.Volume,
	}
	if c.HasQuoteVolume {
		qv := c.QuoteVolume
		out.QuoteVolume = &qv
	}
	return out
}

// ToCandle converts a wire candle back into the domain type, used when
// accepting a candle over the ingest bus.
func (c Candle) ToCandle() candle.Candle {
	out := candle.Candle{
		Time:   c.Time.Time(),
		Open:   c.Open,
		High:   c.High,
		Low:    c.Low,
		Close:  c.Close,
		Volume: c.Volume,
	}
	if c.QuoteVolume != nil {
		out.QuoteVolume = *c.QuoteVolume
		out.HasQuoteVolume = true
	}
	return out
}

// Inbound is the union of client->server messages, discriminated on Type.
// The discriminant must be validated before any other field is read.
type Inbound struct {
	Type        string `json:"type"`
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	InitialBars *int   `json:"initialBars"`
}

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"

	TypeInitial = "initial"
	TypeUpdate  = "update"
	TypeError   = "error"
	TypePong    = "pong"
)

// InitialMessage is sent once per successful subscribe, before any update
// on that subscription.
type InitialMessage struct {
	Type     string   `json:"type"`
	Symbol   string   `json:"symbol"`
	Interval string   `json:"interval"`
	Bars     []Candle `json:"bars"`
}

// NewInitial builds an InitialMessage for symbol/interval from bars in
// ascending time order.
func NewInitial(symbol string, interval candle.Interval, bars []candle.Candle) InitialMessage {
	wireBars := make([]Candle, len(bars))
	for i, b := range bars {
		wireBars[i] = FromCandle(b)
	}
	return InitialMessage{Type: TypeInitial, Symbol: symbol, Interval: string(interval), Bars: wireBars}
}

// UpdateMessage carries the current candle for one room to one client.
type UpdateMessage struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Bar      Candle `json:"bar"`
}

// NewUpdate builds an UpdateMessage.
func NewUpdate(symbol string, interval candle.Interval, bar candle.Candle) UpdateMessage {
	return UpdateMessage{Type: TypeUpdate, Symbol: symbol, Interval: string(interval), Bar: FromCandle(bar)}
}

// ErrorMessage is the reply to any protocol or transient failure. The
// session stays open after sending it.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an ErrorMessage.
func NewError(format string, args ...interface{}) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// PongMessage replies to a client ping.
type PongMessage struct {
	Type string `json:"type"`
}

// Pong is the single shared pong reply value.
var Pong = PongMessage{Type: TypePong}

// Marshal is a small convenience wrapper so callers don't import
// encoding/json just to serialize an outbound message.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
