// Package session implements the Subscription Protocol & Session Manager
// (spec.md §4.3): WebSocket upgrade, JSON message dispatch,
// subscribe/unsubscribe/ping handling, and the 30-second heartbeat.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulseintel/internal/broadcaster"
	"pulseintel/internal/candle"
	"pulseintel/internal/errs"
	"pulseintel/internal/metrics"
	"pulseintel/internal/wire"
)

// HistoryFetcher is the slice of the History Adapter the Session Manager
// needs: the bounded initial-snapshot fetch used by subscribe. Declared
// here, not in package history, so this package can be tested against a
// fake without pulling in Redis.
type HistoryFetcher interface {
	FetchInitial(ctx context.Context, symbol string, interval candle.Interval, limit int) ([]candle.Candle, error)
}

// HeartbeatPeriod is the interval the Manager walks every session testing
// liveness, per spec.md §4.3.
const HeartbeatPeriod = 30 * time.Second

// SubscribeFetchTimeout bounds a subscribe handler's history fetch, per
// spec.md §5 (implementer default 10 s).
const SubscribeFetchTimeout = 10 * time.Second

const (
	defaultInitialBars = 100
	minInitialBars     = 1
	maxInitialBars     = 1000
)

// Upgrader is shared by every accepted connection. Origin checking is left
// open, matching the teacher's WebSocket handler.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is one accepted WebSocket connection and its mutable state. The
// room set is tracked only for bookkeeping; membership itself lives in
// the Broadcaster.
type Session struct {
	id   string
	conn *websocket.Conn

	alive int32 // atomic bool, 1 == true

	mu   sync.Mutex
	subs map[string]broadcaster.Subscription

	sendMu sync.Mutex
}

// ID satisfies broadcaster.Client.
func (s *Session) ID() string { return s.id }

// Send writes message as a single text frame. It is safe for concurrent
// use and never blocks indefinitely: a write-deadline bounds it so a
// stalled client is reported as a failure rather than hanging the
// dispatch loop.
func (s *Session) Send(message []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return false
	}
	return true
}

func (s *Session) markAlive()    { atomic.StoreInt32(&s.alive, 1) }
func (s *Session) clearAlive()   { atomic.StoreInt32(&s.alive, 0) }
func (s *Session) isAlive() bool { return atomic.LoadInt32(&s.alive) == 1 }

// Manager owns the set of live sessions and drives the heartbeat tick. It
// is the Session Manager of spec.md §4.3.
type Manager struct {
	logger      *zap.Logger
	broadcaster *broadcaster.Broadcaster
	history     HistoryFetcher
	metrics     *metrics.Metrics
	symbols     map[string]struct{}

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a Manager. symbols is the allow-list validated on
// subscribe. m may be nil in tests that don't care about instrumentation.
func NewManager(logger *zap.Logger, b *broadcaster.Broadcaster, h HistoryFetcher, m *metrics.Metrics, symbols []string) *Manager {
	allow := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		allow[s] = struct{}{}
	}
	return &Manager{
		logger:      logger.Named("session_manager"),
		broadcaster: b,
		history:     h,
		metrics:     m,
		symbols:     allow,
		sessions:    make(map[string]*Session),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// allowedSymbolsJoined renders the allow-list for protocol error messages
// in a stable order.
func (m *Manager) allowedSymbolsJoined() string {
	names := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		names = append(names, s)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ServeHTTP upgrades the request to a WebSocket and runs the session's
// read loop until the connection closes, per the state machine in
// spec.md §4.3.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := m.register(conn)
	m.logger.Debug("session opened", zap.String("session_id", sess.id))
	if m.metrics != nil {
		m.metrics.SessionsOpened.Inc()
		m.metrics.ActiveSessions.Set(float64(m.SessionCount()))
	}

	conn.SetPongHandler(func(string) error {
		sess.markAlive()
		return nil
	})

	reason := "closed"
	defer func() { m.closeSession(sess, reason) }()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				reason = "error"
			}
			return
		}
		m.handleFrame(sess, payload)
	}
}

func (m *Manager) register(conn *websocket.Conn) *Session {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("sess-%d", m.nextID)
	sess := &Session{
		id:   id,
		conn: conn,
		subs: make(map[string]broadcaster.Subscription),
	}
	sess.markAlive()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess
}

func (m *Manager) closeSession(sess *Session, reason string) {
	m.broadcaster.LeaveAll(sess)

	m.mu.Lock()
	_, existed := m.sessions[sess.id]
	delete(m.sessions, sess.id)
	count := len(m.sessions)
	m.mu.Unlock()

	sess.conn.Close()

	if existed {
		m.logger.Debug("session closed", zap.String("session_id", sess.id), zap.String("reason", reason))
		if m.metrics != nil {
			m.metrics.SessionsClosed.WithLabelValues(reason).Inc()
			m.metrics.ActiveSessions.Set(float64(count))
		}
	}
}

// handleFrame parses one inbound text frame and dispatches it, replying
// with a protocol error for anything malformed. The session always stays
// open after an error reply.
func (m *Manager) handleFrame(sess *Session, payload []byte) {
	var in wire.Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		m.replyError(sess, "malformed JSON: %v", err)
		return
	}

	switch in.Type {
	case wire.TypeSubscribe:
		m.handleSubscribe(sess, in)
	case wire.TypeUnsubscribe:
		m.handleUnsubscribe(sess, in)
	case wire.TypePing:
		sess.markAlive()
		m.send(sess, wire.Pong)
	default:
		m.replyError(sess, "unknown message type: %q", in.Type)
	}
}

func (m *Manager) handleSubscribe(sess *Session, in wire.Inbound) {
	interval := candle.Interval(in.Interval)
	if !interval.Valid() {
		m.replyError(sess, "Invalid interval: %s. Valid: %s", in.Interval, candle.ValidIntervalsJoined())
		return
	}

	if _, ok := m.symbols[in.Symbol]; !ok {
		m.replyError(sess, "Invalid symbol: %s. Only %s is supported.", in.Symbol, m.allowedSymbolsJoined())
		return
	}

	limit := defaultInitialBars
	if in.InitialBars != nil {
		limit = *in.InitialBars
		if limit < minInitialBars {
			limit = minInitialBars
		}
		if limit > maxInitialBars {
			limit = maxInitialBars
		}
	}

	sub := broadcaster.Subscription{Symbol: in.Symbol, Interval: interval}
	m.broadcaster.Join(sess, sub)

	sess.mu.Lock()
	sess.subs[sub.Key()] = sub
	sess.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), SubscribeFetchTimeout)
	bars, err := m.history.FetchInitial(ctx, in.Symbol, interval, limit)
	cancel()
	if err != nil {
		// FetchInitial already wraps backend failures via errs.TransientBackend;
		// fall back to wrapping here in case a caller ever returns a bare error.
		cerr, ok := err.(*errs.Error)
		if !ok {
			cerr = errs.TransientBackend(err)
		}
		m.logger.Warn("initial history fetch failed, room membership retained",
			zap.String("session_id", sess.id), zap.String("symbol", in.Symbol), zap.Error(cerr))
		m.replyKind(sess, cerr.Kind, "Failed to subscribe to candles")
		return
	}

	m.send(sess, wire.NewInitial(in.Symbol, interval, bars))
}

func (m *Manager) handleUnsubscribe(sess *Session, in wire.Inbound) {
	interval := candle.Interval(in.Interval)
	sub := broadcaster.Subscription{Symbol: in.Symbol, Interval: interval}

	m.broadcaster.Leave(sess, sub)

	sess.mu.Lock()
	delete(sess.subs, sub.Key())
	sess.mu.Unlock()
}

// replyError builds a KindProtocol error from format/args and sends its
// message to the client, per the taxonomy in spec.md §7.
func (m *Manager) replyError(sess *Session, format string, args ...interface{}) {
	cerr := errs.Protocolf(format, args...)
	m.replyKind(sess, cerr.Kind, cerr.Err.Error())
}

// replyKind sends message to the client and records it against kind, used
// for both protocol errors (malformed input) and transient-backend errors
// (upstream fetch failures) that still need a client-visible reply.
func (m *Manager) replyKind(sess *Session, kind errs.Kind, message string) {
	if m.metrics != nil {
		m.metrics.ProtocolErrors.WithLabelValues(string(kind)).Inc()
	}
	m.send(sess, wire.NewError("%s", message))
}

func (m *Manager) send(sess *Session, v interface{}) {
	payload, err := wire.Marshal(v)
	if err != nil {
		m.logger.Error("failed to marshal outbound message", zap.Error(err), zap.String("session_id", sess.id))
		return
	}
	sess.Send(payload)
}

// Start launches the heartbeat loop in its own goroutine.
func (m *Manager) Start() {
	go m.heartbeatLoop()
}

// Stop terminates the heartbeat loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) heartbeatLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeatTick()
		}
	}
}

// heartbeatTick implements the single-missed-cycle termination policy: a
// session not marked alive since the previous tick is force-closed; every
// surviving session is cleared and pinged.
func (m *Manager) heartbeatTick() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		if !sess.isAlive() {
			m.logger.Info("heartbeat timeout, terminating session", zap.String("session_id", sess.id))
			m.closeSession(sess, "heartbeat_timeout")
			continue
		}

		sess.clearAlive()
		sess.sendMu.Lock()
		sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := sess.conn.WriteMessage(websocket.PingMessage, nil)
		sess.sendMu.Unlock()
		if err != nil {
			m.logger.Debug("ping write failed", zap.String("session_id", sess.id), zap.Error(err))
		}
	}
}

// CloseAll closes every live session with a normal close frame, used
// during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.sendMu.Lock()
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		sess.sendMu.Unlock()
		m.closeSession(sess, "shutdown")
	}
}

// SessionCount reports the number of currently tracked sessions, used by
// the /health/ws-stats endpoint.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
