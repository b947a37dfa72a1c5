package wsservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/pubsub"
)

type fakeRegistry struct {
	registered   []string
	unregistered []string
	upgraded     []string
}

func (f *fakeRegistry) RegisterConnection(ctx context.Context, clientID string, sub model.Subscription) (string, error) {
	f.registered = append(f.registered, clientID)
	return "", nil
}

func (f *fakeRegistry) UpdateSubscription(ctx context.Context, clientID string, old, newSub model.Subscription) error {
	return nil
}

func (f *fakeRegistry) UnregisterConnection(ctx context.Context, clientID string) error {
	f.unregistered = append(f.unregistered, clientID)
	return nil
}

func (f *fakeRegistry) RefreshActivity(ctx context.Context, clientID string) error { return nil }

func (f *fakeRegistry) UpgradeToActiveTier(ctx context.Context, userID string) error {
	f.upgraded = append(f.upgraded, userID)
	return nil
}

type fakeBridge struct{}

func (fakeBridge) Publish(ctx context.Context, channel string, payload interface{}) error {
	return nil
}

func (fakeBridge) Subscribe(ctx context.Context, channels ...string) *pubsub.Subscription {
	return &pubsub.Subscription{}
}

func newTestServer(reg *fakeRegistry) *Server {
	logger := logging.New("test", "error", "text")
	m := metrics.NewWithRegistry("test", prometheus.NewRegistry())
	return New(DefaultConfig(), reg, fakeBridge{}, m, logger)
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/leaderboard" + query
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func TestServeHTTP_AcceptsConnectionAndSendsConnected(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(reg)
	httpSrv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv, "?mode=global&timeframe=daily&language=en")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env map[string]interface{}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["type"] != "connected" {
		t.Errorf("expected connected envelope, got %+v", env)
	}
	if len(reg.registered) != 1 {
		t.Errorf("expected one registration, got %d", len(reg.registered))
	}
}

func TestServeHTTP_PingRepliesWithPong(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(reg)
	httpSrv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv, "")
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	ws.ReadMessage() // discard "connected"

	ws.WriteJSON(map[string]string{"type": "ping"})
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var env map[string]interface{}
	json.Unmarshal(payload, &env)
	if env["type"] != "pong" {
		t.Errorf("expected pong, got %+v", env)
	}
}

func TestBroadcastLocal_DeliversToSubscribedConnection(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(reg)
	httpSrv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv, "?mode=global&timeframe=daily&language=en")
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	ws.ReadMessage() // discard "connected"

	time.Sleep(20 * time.Millisecond) // allow addConn to land before broadcast

	delta := model.Delta{Version: 1, Mode: model.ModeGlobal, Timeframe: model.TimeframeDaily, Language: "en",
		Changes: []model.Change{{UserID: "u1", NewRank: 1, ChangeType: model.ChangeNew}}}
	if err := s.BroadcastLocal(context.Background(), delta); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read update: %v", err)
	}
	var env map[string]interface{}
	json.Unmarshal(payload, &env)
	if env["type"] != "leaderboard_update" {
		t.Errorf("expected leaderboard_update, got %+v", env)
	}
}

func TestServeHTTP_UnregistersOnClose(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(reg)
	httpSrv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv, "")
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	ws.ReadMessage()
	ws.Close()

	time.Sleep(50 * time.Millisecond)
	if len(reg.unregistered) != 1 {
		t.Errorf("expected one unregistration after close, got %d", len(reg.unregistered))
	}
}
