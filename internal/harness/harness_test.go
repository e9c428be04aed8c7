package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuelab/poscheck/internal/session"
	"github.com/venuelab/poscheck/internal/venue"
)

// mockVenue plays a single account's side of the wire protocol: the
// websocket handshake events, a ticker channel, order fills and the
// positions query, with a live position ledger updated on every fill.
type mockVenue struct {
	t *testing.T

	mu       sync.Mutex
	position decimal.Decimal
	orders   int

	// fillOrders false drops order frames on the floor: submissions are
	// accepted but never reach a terminal status.
	fillOrders bool
	// sendTicker false subscribes the ticker but never sends a frame.
	sendTicker bool

	wsServer   *httptest.Server
	restServer *httptest.Server

	nextOrderID int64
}

func newMockVenue(t *testing.T, startPosition string) *mockVenue {
	t.Helper()

	v := &mockVenue{
		t:           t,
		position:    decimal.RequireFromString(startPosition),
		fillOrders:  true,
		sendTicker:  true,
		nextOrderID: 9000,
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	v.wsServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"info","version":2}`))

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			v.handle(conn, msg)
		}
	}))
	t.Cleanup(v.wsServer.Close)

	v.restServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		amount := v.position.String()
		v.mu.Unlock()
		fmt.Fprintf(w, `[[%q,"ACTIVE",%q]]`, testSymbol, amount)
	}))
	t.Cleanup(v.restServer.Close)

	return v
}

func (v *mockVenue) handle(conn *websocket.Conn, msg []byte) {
	if strings.HasPrefix(strings.TrimSpace(string(msg)), "[") {
		v.handleOrderFrame(conn, msg)
		return
	}

	var req map[string]any
	if err := json.Unmarshal(msg, &req); err != nil {
		v.t.Logf("mock venue: bad message %s", msg)
		return
	}

	switch req["event"] {
	case "auth":
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"auth","status":"OK","chanId":0,"userId":7}`))
	case "conf":
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"conf","status":"OK"}`))
	case "subscribe":
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"event":"subscribed","channel":"ticker","chanId":42,"symbol":%q}`, req["symbol"])))
		if v.sendTicker {
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`[42,["10.4","50","10.6","40","0.1","0.01","10.5","1000","11","10"]]`))
		}
	case "unsubscribe":
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"unsubscribed","status":"OK","chanId":42}`))
	}
}

func (v *mockVenue) handleOrderFrame(conn *websocket.Conn, msg []byte) {
	var frame []any
	dec := json.NewDecoder(strings.NewReader(string(msg)))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil || len(frame) < 4 || frame[1] != "on" {
		return
	}
	order, ok := frame[3].(map[string]any)
	if !ok {
		return
	}

	cid, _ := order["cid"].(json.Number)
	amount := decimal.RequireFromString(order["amount"].(string))

	v.mu.Lock()
	v.orders++
	v.position = v.position.Add(amount)
	v.nextOrderID++
	id := v.nextOrderID
	v.mu.Unlock()

	if !v.fillOrders {
		return
	}

	conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
		`[0,"oc",[%d,null,%s,%q,0,0,%q,%q,"LIMIT",null,null,null,null,"EXECUTED @ 10.15(%s)"]]`,
		id, cid.String(), testSymbol, amount.String(), amount.String(), amount.String())))
}

func (v *mockVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orders
}

func (v *mockVenue) newSession(t *testing.T, id int) *session.Session {
	t.Helper()

	cfg := venue.DefaultStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(v.wsServer.URL, "http")
	cfg.APIKey = fmt.Sprintf("key-%d", id)
	cfg.APISecret = fmt.Sprintf("secret-%d", id)
	cfg.AutoReconnect = false
	cfg.RequestTimeout = 2 * time.Second
	cfg.WatchdogDelay = time.Minute

	stream := venue.NewStream(cfg, discardLogger())
	t.Cleanup(func() { stream.Close() })

	rest := venue.NewRest(v.restServer.URL, cfg.APIKey, cfg.APISecret)
	return session.New(id, stream, rest, discardLogger())
}

func pipelineConfig(trades int) Config {
	cfg := DefaultConfig()
	cfg.Symbol = testSymbol
	cfg.Trades = trades
	cfg.TickerTimeout = 2 * time.Second
	cfg.FillTimeout = 2 * time.Second
	cfg.SettleDelay = 0
	return cfg
}

func TestRunFullPipeline(t *testing.T) {
	long := newMockVenue(t, "1.0")
	short := newMockVenue(t, "2.0")

	sessions := []*session.Session{
		long.newSession(t, 2),
		short.newSession(t, 1),
	}

	h := New(pipelineConfig(3), sessions, discardLogger(), WithRand(testRand(11)))
	require.NoError(t, h.Run(context.Background()))

	assert.True(t, h.ReferencePrice().Equal(decimal.RequireFromString("10.5")),
		"reference price = %s", h.ReferencePrice())
	require.Len(t, h.Trades(), 3)
	assert.Equal(t, 3, long.orderCount())
	assert.Equal(t, 3, short.orderCount())

	results := h.Results()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Match, "account %d: expected %s observed %s", r.AccountID, r.Expected, r.Observed)
	}
	assert.Equal(t, session.Long, results[0].Role)
	assert.Equal(t, session.Short, results[1].Role)

	total := SumAmounts(h.Trades())
	assert.True(t, results[0].Observed.Equal(total))
	assert.True(t, results[1].Observed.Equal(total.Neg()))
}

func TestRunZeroTrades(t *testing.T) {
	long := newMockVenue(t, "0")
	short := newMockVenue(t, "0")

	sessions := []*session.Session{
		long.newSession(t, 2),
		short.newSession(t, 1),
	}

	h := New(pipelineConfig(0), sessions, discardLogger())
	require.NoError(t, h.Run(context.Background()))

	assert.Empty(t, h.Trades())
	assert.Equal(t, 0, long.orderCount())
	for _, r := range h.Results() {
		assert.True(t, r.Match)
		assert.True(t, r.Observed.IsZero())
	}
}

func TestRunUnevenVenueFailsReconciliation(t *testing.T) {
	long := newMockVenue(t, "0")
	short := newMockVenue(t, "0")
	// The short venue books a position but a stale read shows no movement.
	short.restServer.Close()
	short.restServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[[%q,"ACTIVE","0"]]`, testSymbol)
	}))
	t.Cleanup(short.restServer.Close)

	sessions := []*session.Session{
		long.newSession(t, 2),
		short.newSession(t, 1),
	}

	h := New(pipelineConfig(1), sessions, discardLogger(), WithRand(testRand(12)))
	err := h.Run(context.Background())
	require.Error(t, err)

	var rerr *ReconcileError
	require.ErrorAs(t, err, &rerr)
	require.Len(t, rerr.Mismatches, 1)
	assert.Equal(t, 1, rerr.Mismatches[0].AccountID)
	assert.Contains(t, err.Error(), "stage checkTrades")
}

func TestRunTickerTimeout(t *testing.T) {
	v := newMockVenue(t, "0")
	v.sendTicker = false
	peer := newMockVenue(t, "0")

	sessions := []*session.Session{
		v.newSession(t, 2),
		peer.newSession(t, 1),
	}

	cfg := pipelineConfig(1)
	cfg.TickerTimeout = 100 * time.Millisecond

	h := New(cfg, sessions, discardLogger())
	err := h.Run(context.Background())
	require.ErrorIs(t, err, ErrTickerTimeout)
	assert.Contains(t, err.Error(), "stage ticker")
}

func TestRunFillTimeout(t *testing.T) {
	long := newMockVenue(t, "0")
	short := newMockVenue(t, "0")
	short.fillOrders = false

	sessions := []*session.Session{
		long.newSession(t, 2),
		short.newSession(t, 1),
	}

	cfg := pipelineConfig(1)
	cfg.FillTimeout = 200 * time.Millisecond

	h := New(cfg, sessions, discardLogger())
	err := h.Run(context.Background())
	require.ErrorIs(t, err, ErrFillTimeout)
	assert.Contains(t, err.Error(), "stage trade")
}

func TestRunNoSessions(t *testing.T) {
	h := New(pipelineConfig(1), nil, discardLogger())
	require.Error(t, h.Run(context.Background()))
}
