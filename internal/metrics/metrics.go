// Package metrics exposes the Prometheus instrumentation surface for the
// candle fan-out core: session lifecycle, room membership, dispatch
// throttling and ingest health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every Prometheus vector the core registers, mirroring the
// teacher's grouped-by-concern PrometheusMetrics struct.
type Metrics struct {
	SessionsOpened   prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	ActiveRooms      prometheus.Gauge
	RoomClients      *prometheus.GaugeVec
	DispatchTicks    prometheus.Counter
	UpdatesSent      *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	IngestAccepted   *prometheus.CounterVec
	IngestRejected   *prometheus.CounterVec
	IngestReconnects *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulseintel_sessions_opened_total",
			Help: "Total number of WebSocket sessions accepted.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_sessions_closed_total",
			Help: "Total number of WebSocket sessions closed, by reason.",
		}, []string{"reason"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulseintel_active_sessions",
			Help: "Number of currently live WebSocket sessions.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulseintel_active_rooms",
			Help: "Number of rooms with at least one client.",
		}),
		RoomClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulseintel_room_clients",
			Help: "Number of clients subscribed to a room.",
		}, []string{"room"}),
		DispatchTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulseintel_dispatch_ticks_total",
			Help: "Total number of broadcaster dispatch ticks executed.",
		}),
		UpdatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_updates_sent_total",
			Help: "Total number of update messages sent to clients, by room.",
		}, []string{"room"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_send_failures_total",
			Help: "Total number of failed non-blocking sends to clients, by room.",
		}, []string{"room"}),
		IngestAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_ingest_accepted_total",
			Help: "Total number of 1m candles accepted by the aggregator, by symbol.",
		}, []string{"symbol"}),
		IngestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_ingest_rejected_total",
			Help: "Total number of 1m candles rejected, by symbol and reason.",
		}, []string{"symbol", "reason"}),
		IngestReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_ingest_reconnects_total",
			Help: "Total number of upstream pub/sub reconnect attempts, by symbol.",
		}, []string{"symbol"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulseintel_protocol_errors_total",
			Help: "Total number of protocol errors replied to clients, by kind.",
		}, []string{"kind"}),
		registry: reg,
	}

	reg.MustRegister(
		m.SessionsOpened, m.SessionsClosed, m.ActiveSessions, m.ActiveRooms,
		m.RoomClients, m.DispatchTicks, m.UpdatesSent, m.SendFailures,
		m.IngestAccepted, m.IngestRejected, m.IngestReconnects, m.ProtocolErrors,
	)

	return m
}

// Handler returns the http.Handler serving this registry's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
