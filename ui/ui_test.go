package ui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookkiosk/session"
)

func startServer(t *testing.T) (*Server, *httptest.Server, chan session.InputKind) {
	t.Helper()
	inputs := make(chan session.InputKind, 4)
	s := New(Config{}, metrics.NewRegistry(), func(k session.InputKind) { inputs <- k })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, inputs
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) Msg {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Msg
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestBroadcastScreen(t *testing.T) {
	s, ts, _ := startServer(t)
	ws := dial(t, ts)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	obs := s.Observer(
		func() session.Deadline { return session.Deadline{At: at, Target: session.Menu} },
		func() bool { return true },
	)
	obs(session.Transition{From: session.WaitBookTake, To: session.Success, Mode: session.ModeCheckOut, SessionID: "s-1", Reason: "issued"})

	m := readMsg(t, ws)
	assert.Equal(t, ActionScreen, m.Action)
	assert.Equal(t, "success", m.Screen)
	assert.Equal(t, "checkout", m.Mode)
	assert.Equal(t, "s-1", m.Session)
	assert.True(t, m.DryRun)
	require.NotNil(t, m.Deadline)
	assert.True(t, at.Equal(*m.Deadline))
}

func TestLateClientGetsLastScreen(t *testing.T) {
	s, ts, _ := startServer(t)

	s.Hub().Broadcast(Msg{Action: ActionScreen, Screen: "wait_card_return"})
	first := dial(t, ts)
	assert.Equal(t, "wait_card_return", readMsg(t, first).Screen)

	late := dial(t, ts)
	assert.Equal(t, "wait_card_return", readMsg(t, late).Screen)
}

func TestUIActions(t *testing.T) {
	_, ts, inputs := startServer(t)
	ws := dial(t, ts)

	require.NoError(t, ws.WriteJSON(Msg{Action: "return"}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteJSON(Msg{Action: "DANCE"}))
	require.NoError(t, ws.WriteJSON(Msg{Action: ActionMenu}))

	for _, want := range []session.InputKind{session.InputPickReturn, session.InputBackToMenu} {
		select {
		case got := <-inputs:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no input %v", want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, ts, _ := startServer(t)
	metrics.GetOrRegisterCounter("router.routed", s.reg).Inc(3)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out exportMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(3), out.Metrics["router.routed"])
	assert.Contains(t, out.Metrics, "ui.clients")
	assert.NotZero(t, out.PID)
}

func TestSnapshot(t *testing.T) {
	reg := metrics.NewRegistry()
	metrics.GetOrRegisterCounter("a", reg).Inc(2)
	metrics.GetOrRegisterGauge("b", reg).Update(7)
	metrics.GetOrRegisterMeter("c", reg)

	assert.Equal(t, map[string]int64{"a": 2, "b": 7}, Snapshot(reg))
}

func TestInputKind(t *testing.T) {
	k, ok := inputKind("checkout")
	assert.True(t, ok)
	assert.Equal(t, session.InputPickCheckOut, k)
	_, ok = inputKind("SCREEN")
	assert.False(t, ok)
}
