package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulseintel/internal/broadcaster"
	"pulseintel/internal/candle"
	"pulseintel/internal/metrics"
	"pulseintel/internal/wire"
)

type fakeHistory struct {
	bars []candle.Candle
	err  error
}

func (f *fakeHistory) FetchInitial(ctx context.Context, symbol string, interval candle.Interval, limit int) ([]candle.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func newTestServer(t *testing.T, m *Manager) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(m.ServeHTTP))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func newManager(h HistoryFetcher) (*Manager, *broadcaster.Broadcaster) {
	logger := zap.NewNop()
	agg := candle.NewAggregator(logger)
	m := metrics.New()
	b := broadcaster.New(logger, agg, m)
	mgr := NewManager(logger, b, h, m, []string{"BTC/USDT"})
	return mgr, b
}

func TestManager_PingRepliesPong(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply wire.PongMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypePong {
		t.Fatalf("expected pong, got %q", reply.Type)
	}
}

func TestManager_MalformedJSONYieldsProtocolError(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply wire.ErrorMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", reply.Type)
	}
}

func TestManager_UnknownTypeYieldsProtocolError(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.WriteJSON(map[string]string{"type": "bogus"})

	var reply wire.ErrorMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypeError {
		t.Fatalf("expected error, got %q", reply.Type)
	}
}

func TestManager_SubscribeInvalidIntervalYieldsProtocolError(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.WriteJSON(wire.Inbound{Type: wire.TypeSubscribe, Symbol: "BTC/USDT", Interval: "2m"})

	var reply wire.ErrorMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypeError || !strings.Contains(reply.Message, "Invalid interval") {
		t.Fatalf("expected invalid interval error, got %+v", reply)
	}
}

func TestManager_SubscribeInvalidSymbolYieldsProtocolError(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.WriteJSON(wire.Inbound{Type: wire.TypeSubscribe, Symbol: "ETH/USDT", Interval: "1m"})

	var reply wire.ErrorMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypeError || !strings.Contains(reply.Message, "Invalid symbol") {
		t.Fatalf("expected invalid symbol error, got %+v", reply)
	}
}

func TestManager_SubscribeSuccessSendsInitialAndJoinsRoom(t *testing.T) {
	bars := []candle.Candle{{Time: time.Unix(0, 0).UTC(), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}
	mgr, b := newManager(&fakeHistory{bars: bars})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.WriteJSON(wire.Inbound{Type: wire.TypeSubscribe, Symbol: "BTC/USDT", Interval: "1m"})

	var reply wire.InitialMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypeInitial || reply.Symbol != "BTC/USDT" || len(reply.Bars) != 1 {
		t.Fatalf("unexpected initial message: %+v", reply)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Stats().TotalRooms == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected session to be joined to one room, stats: %+v", b.Stats())
}

func TestManager_SubscribeHistoryFailureKeepsRoomMembership(t *testing.T) {
	mgr, b := newManager(&fakeHistory{err: context.DeadlineExceeded})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.WriteJSON(wire.Inbound{Type: wire.TypeSubscribe, Symbol: "BTC/USDT", Interval: "1m"})

	var reply wire.ErrorMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypeError || !strings.Contains(reply.Message, "Failed to subscribe") {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Stats().TotalRooms == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected room membership to be retained despite fetch failure")
}

func TestManager_UnsubscribeNotAMemberIsNoop(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	conn.WriteJSON(wire.Inbound{Type: wire.TypeUnsubscribe, Symbol: "BTC/USDT", Interval: "1m"})

	conn.WriteJSON(map[string]string{"type": "ping"})
	var reply wire.PongMessage
	readJSON(t, conn, &reply)
	if reply.Type != wire.TypePong {
		t.Fatalf("expected connection to remain usable after no-op unsubscribe")
	}
}

func TestManager_DisconnectInvokesLeaveAll(t *testing.T) {
	bars := []candle.Candle{{Time: time.Unix(0, 0).UTC()}}
	mgr, b := newManager(&fakeHistory{bars: bars})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)

	conn.WriteJSON(wire.Inbound{Type: wire.TypeSubscribe, Symbol: "BTC/USDT", Interval: "1m"})
	var reply wire.InitialMessage
	readJSON(t, conn, &reply)

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Stats().TotalRooms == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected room to be destroyed after disconnect, stats: %+v", b.Stats())
}

func TestManager_HeartbeatTerminatesUnresponsiveSession(t *testing.T) {
	mgr, _ := newManager(&fakeHistory{})
	srv, url := newTestServer(t, mgr)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	// Let the server register the session before we force its heartbeat.
	conn.WriteJSON(map[string]string{"type": "ping"})
	var reply wire.PongMessage
	readJSON(t, conn, &reply)

	if mgr.SessionCount() != 1 {
		t.Fatalf("expected one session, got %d", mgr.SessionCount())
	}

	// First tick: alive (from the ping) survives and is cleared.
	mgr.heartbeatTick()
	if mgr.SessionCount() != 1 {
		t.Fatalf("session should survive the first tick after a ping")
	}

	// Second tick: never responded since, so it is terminated.
	mgr.heartbeatTick()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mgr.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected session to be terminated after a missed heartbeat cycle")
}
