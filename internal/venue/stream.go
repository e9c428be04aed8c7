package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream is one authenticated websocket connection to the venue. It carries
// JSON event messages (auth, conf, subscribe) and array-shaped channel
// frames (ticker data, account order updates).
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	ctx context.Context

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
	authed    bool
	lastMsgAt time.Time

	done chan struct{}
	errs chan error

	// Event request/response waiters
	waitMu  sync.Mutex
	waiters []*waiter

	// Ticker subscriptions. Pending entries are promoted by the read loop
	// when the subscribed event arrives, so data frames that follow it
	// immediately are never dropped.
	subMu      sync.RWMutex
	pendingSub map[string]*tickerSub // symbol -> awaiting confirmation
	tickerSub  map[int64]*tickerSub  // chanID -> subscription
	tickerIDs  map[string]int64      // symbol -> chanID

	// Account-channel order update listeners
	lisMu    sync.Mutex
	nextLis  int
	orderLis map[int]func(OrderUpdate)
}

type waiter struct {
	match func(event) bool
	ch    chan event
}

type tickerSub struct {
	symbol string
	ch     chan Ticker
}

// NewStream creates a stream for the given endpoint and credentials.
func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}

	return &Stream{
		cfg:        cfg,
		logger:     logger,
		done:       make(chan struct{}),
		errs:       make(chan error, 1),
		pendingSub: make(map[string]*tickerSub),
		tickerSub:  make(map[int64]*tickerSub),
		tickerIDs:  make(map[string]int64),
		orderLis:   make(map[int]func(OrderUpdate)),
	}
}

// Open establishes the websocket connection and starts the read and
// watchdog loops. Dial success is the "open" signal.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.conn = conn
	s.connected = true
	s.lastMsgAt = time.Now()
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.watchdogLoop()

	s.logger.Debug("stream connected", "url", s.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	conn := s.conn
	s.mu.Unlock()

	close(s.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}

	return nil
}

// IsConnected returns current connection state.
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Errors returns a channel of connection-level errors.
func (s *Stream) Errors() <-chan error {
	return s.errs
}

// Auth performs the authentication handshake and waits for the one-shot
// auth acknowledgment.
func (s *Stream) Auth(ctx context.Context) error {
	nonce := strconv.FormatInt(time.Now().UnixMicro(), 10)
	payload := "AUTH" + nonce

	mac := hmac.New(sha512.New384, []byte(s.cfg.APISecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	req := map[string]any{
		"event":       "auth",
		"apiKey":      s.cfg.APIKey,
		"authNonce":   nonce,
		"authPayload": payload,
		"authSig":     sig,
	}

	ev, err := s.request(ctx, req, func(ev event) bool {
		return ev.Event == "auth"
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if ev.Status != "OK" {
		return fmt.Errorf("%w: %s (code %d)", ErrAuthFailed, ev.Msg, ev.Code)
	}

	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()

	s.logger.Debug("stream authenticated", "user_id", ev.UserID)

	return nil
}

// EnableFlags sends a conf event with the given feature-flag bitmask and
// waits for acknowledgment.
func (s *Stream) EnableFlags(ctx context.Context, mask int) error {
	req := map[string]any{
		"event": "conf",
		"flags": mask,
	}

	ev, err := s.request(ctx, req, func(ev event) bool {
		return ev.Event == "conf"
	})
	if err != nil {
		return fmt.Errorf("conf flags %d: %w", mask, err)
	}
	if ev.Status != "OK" {
		return fmt.Errorf("conf flags %d: status %s", mask, ev.Status)
	}

	return nil
}

// SubscribeTicker subscribes to the symbol's ticker channel and returns a
// delivery channel for its frames.
func (s *Stream) SubscribeTicker(ctx context.Context, symbol string) (<-chan Ticker, error) {
	sub := &tickerSub{symbol: symbol, ch: make(chan Ticker, s.cfg.BufferSize)}

	s.subMu.Lock()
	s.pendingSub[symbol] = sub
	s.subMu.Unlock()

	req := map[string]any{
		"event":   "subscribe",
		"channel": "ticker",
		"symbol":  symbol,
	}

	ev, err := s.request(ctx, req, func(ev event) bool {
		return ev.Event == "subscribed" && ev.Channel == "ticker" && ev.Symbol == symbol
	})
	if err != nil {
		s.subMu.Lock()
		if s.pendingSub[symbol] == sub {
			delete(s.pendingSub, symbol)
		}
		s.subMu.Unlock()
		return nil, fmt.Errorf("subscribe ticker %s: %w", symbol, err)
	}

	s.logger.Debug("ticker subscribed", "symbol", symbol, "chan_id", ev.ChanID)

	return sub.ch, nil
}

// UnsubscribeTicker tears down the symbol's ticker subscription.
func (s *Stream) UnsubscribeTicker(ctx context.Context, symbol string) error {
	s.subMu.RLock()
	chanID, ok := s.tickerIDs[symbol]
	s.subMu.RUnlock()
	if !ok {
		return fmt.Errorf("unsubscribe ticker %s: not subscribed", symbol)
	}

	req := map[string]any{
		"event":  "unsubscribe",
		"chanId": chanID,
	}

	_, err := s.request(ctx, req, func(ev event) bool {
		return ev.Event == "unsubscribed" && ev.ChanID == chanID
	})
	if err != nil {
		return fmt.Errorf("unsubscribe ticker %s: %w", symbol, err)
	}

	s.subMu.Lock()
	if sub, ok := s.tickerSub[chanID]; ok {
		delete(s.tickerSub, chanID)
		delete(s.tickerIDs, sub.symbol)
		close(sub.ch)
	}
	s.subMu.Unlock()

	return nil
}

// SendOrder writes a new-order frame on the account channel. Submission is
// acknowledged at write time; fills arrive later as order updates.
func (s *Stream) SendOrder(p OrderParams) error {
	frame := []any{0, "on", nil, map[string]any{
		"cid":    p.CID,
		"type":   p.Type,
		"symbol": p.Symbol,
		"price":  p.Price,
		"amount": p.Amount,
	}}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	return s.send(data)
}

// OnOrderUpdate registers a listener for account-channel order updates and
// returns its removal function. Removal during dispatch is safe.
func (s *Stream) OnOrderUpdate(fn func(OrderUpdate)) (remove func()) {
	s.lisMu.Lock()
	s.nextLis++
	id := s.nextLis
	s.orderLis[id] = fn
	s.lisMu.Unlock()

	return func() {
		s.lisMu.Lock()
		delete(s.orderLis, id)
		s.lisMu.Unlock()
	}
}

// request sends an event payload and waits for the first matching response
// event, bounded by ctx and the configured request timeout.
func (s *Stream) request(ctx context.Context, payload any, match func(event) bool) (event, error) {
	w := &waiter{match: match, ch: make(chan event, 1)}
	s.addWaiter(w)
	defer s.removeWaiter(w)

	data, err := json.Marshal(payload)
	if err != nil {
		return event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := s.send(data); err != nil {
		return event{}, err
	}

	select {
	case <-ctx.Done():
		return event{}, ctx.Err()
	case <-s.done:
		return event{}, ErrAlreadyClosed
	case <-time.After(s.cfg.RequestTimeout):
		return event{}, ErrTimeout
	case ev := <-w.ch:
		if ev.Event == "error" {
			return event{}, fmt.Errorf("stream error %d: %s", ev.Code, ev.Msg)
		}
		return ev, nil
	}
}

func (s *Stream) addWaiter(w *waiter) {
	s.waitMu.Lock()
	s.waiters = append(s.waiters, w)
	s.waitMu.Unlock()
}

func (s *Stream) removeWaiter(w *waiter) {
	s.waitMu.Lock()
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.waitMu.Unlock()
}

// send writes raw bytes with the configured write deadline.
func (s *Stream) send(data []byte) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection drops or the stream closes.
func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Errors after Close are expected.
			default:
				s.handleDisconnect(err)
			}
			return
		}

		s.mu.Lock()
		s.lastMsgAt = time.Now()
		s.mu.Unlock()

		s.dispatch(data)
	}
}

// dispatch routes one raw message: array frames to channel handlers, JSON
// objects to event waiters.
func (s *Stream) dispatch(data []byte) {
	if body := bytes.TrimLeft(data, " \t\r\n"); len(body) > 0 && body[0] == '[' {
		s.dispatchFrame(body)
		return
	}

	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("unparseable stream message", "error", err)
		return
	}

	switch ev.Event {
	case "info":
		s.logger.Debug("stream info", "msg", string(data))
		return
	case "error":
		s.logger.Error("stream error event", "code", ev.Code, "msg", ev.Msg)
		select {
		case s.errs <- fmt.Errorf("stream error %d: %s", ev.Code, ev.Msg):
		default:
		}
		s.deliverToWaiters(ev, true)
		return
	case "subscribed":
		// Promote the pending subscription before the waiter wakes, so a
		// data frame right behind this event finds its channel.
		if ev.Channel == "ticker" {
			s.subMu.Lock()
			if sub, ok := s.pendingSub[ev.Symbol]; ok {
				delete(s.pendingSub, ev.Symbol)
				s.tickerSub[ev.ChanID] = sub
				s.tickerIDs[ev.Symbol] = ev.ChanID
			}
			s.subMu.Unlock()
		}
	}

	s.deliverToWaiters(ev, false)
}

// deliverToWaiters hands an event to the first matching waiter, or to every
// waiter when broadcast is set (used for error events).
func (s *Stream) deliverToWaiters(ev event, broadcast bool) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	for _, w := range s.waiters {
		if broadcast || w.match(ev) {
			select {
			case w.ch <- ev:
			default:
			}
			if !broadcast {
				return
			}
		}
	}
}

// dispatchFrame routes one array frame: [chanID, ...].
func (s *Stream) dispatchFrame(data []byte) {
	var raw []any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		s.logger.Warn("unparseable channel frame", "error", err)
		return
	}
	if len(raw) < 2 {
		return
	}

	chanID, err := toInt64(raw[0])
	if err != nil {
		s.logger.Warn("channel frame with non-numeric id", "error", err)
		return
	}

	// Heartbeats keep the watchdog fed; nothing else to do.
	if tag, ok := raw[1].(string); ok && tag == "hb" {
		return
	}

	if chanID == 0 {
		s.dispatchAccountFrame(raw)
		return
	}

	s.dispatchTickerFrame(chanID, raw)
}

// dispatchAccountFrame handles order lifecycle frames [0, "on"|"ou"|"oc", [...]].
func (s *Stream) dispatchAccountFrame(raw []any) {
	tag, ok := raw[1].(string)
	if !ok {
		return
	}

	switch tag {
	case "on", "ou", "oc":
	default:
		// Notifications, wallet updates and the like are not the
		// harness's concern.
		return
	}

	if len(raw) < 3 {
		return
	}
	fields, ok := raw[2].([]any)
	if !ok {
		return
	}

	update, err := parseOrderUpdate(fields)
	if err != nil {
		s.logger.Warn("malformed order update", "error", err)
		return
	}

	s.lisMu.Lock()
	fns := make([]func(OrderUpdate), 0, len(s.orderLis))
	for _, fn := range s.orderLis {
		fns = append(fns, fn)
	}
	s.lisMu.Unlock()

	for _, fn := range fns {
		fn(update)
	}
}

// dispatchTickerFrame handles ticker data frames [chanID, [..., lastPrice@6, ...]].
func (s *Stream) dispatchTickerFrame(chanID int64, raw []any) {
	s.subMu.RLock()
	sub, ok := s.tickerSub[chanID]
	s.subMu.RUnlock()
	if !ok {
		return
	}

	payload, ok := raw[1].([]any)
	if !ok || len(payload) < 7 {
		s.logger.Warn("malformed ticker frame", "chan_id", chanID)
		return
	}

	last, err := toDecimal(payload[6])
	if err != nil {
		s.logger.Warn("malformed ticker last price", "error", err)
		return
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	if cur, still := s.tickerSub[chanID]; !still || cur != sub {
		return
	}

	select {
	case sub.ch <- Ticker{Symbol: sub.symbol, LastPrice: last}:
	default:
		s.logger.Warn("ticker buffer full, dropping frame", "symbol", sub.symbol)
	}
}

// parseOrderUpdate converts a raw order array. Index 0 is the venue order
// ID, 2 the client order ID, 3 the symbol, 6 the remaining amount and 13
// the status string.
func parseOrderUpdate(fields []any) (OrderUpdate, error) {
	if len(fields) < 14 {
		return OrderUpdate{}, fmt.Errorf("order array too short: %d fields", len(fields))
	}

	id, err := toInt64(fields[0])
	if err != nil {
		return OrderUpdate{}, fmt.Errorf("order id: %w", err)
	}
	cid, err := toInt64(fields[2])
	if err != nil {
		return OrderUpdate{}, fmt.Errorf("order cid: %w", err)
	}
	symbol, _ := fields[3].(string)
	amount, err := toDecimal(fields[6])
	if err != nil {
		return OrderUpdate{}, fmt.Errorf("order amount: %w", err)
	}
	status, _ := fields[13].(string)

	return OrderUpdate{
		ID:     id,
		CID:    cid,
		Symbol: symbol,
		Amount: amount,
		Status: status,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

// watchdogLoop sends keepalive pings and flags a stale connection when no
// packets arrive within the configured watchdog delay.
func (s *Stream) watchdogLoop() {
	interval := s.cfg.WatchdogDelay / 2
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			connected := s.connected
			last := s.lastMsgAt
			s.mu.RUnlock()

			if !connected {
				continue
			}

			if conn != nil {
				deadline := time.Now().Add(s.cfg.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
					s.logger.Debug("failed to send ping", "error", err)
				}
			}

			if time.Since(last) > s.cfg.WatchdogDelay {
				s.logger.Warn("no packets received, connection stale",
					"last_packet", last,
					"watchdog_delay", s.cfg.WatchdogDelay,
				)
				select {
				case s.errs <- ErrStaleConnection:
				default:
				}
			}
		}
	}
}

// handleDisconnect surfaces a read error and, when auto-reconnect is on,
// starts the redial loop.
func (s *Stream) handleDisconnect(err error) {
	s.mu.Lock()
	s.connected = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.logger.Warn("stream disconnected", "error", err)
	select {
	case s.errs <- err:
	default:
	}

	if s.cfg.AutoReconnect {
		go s.reconnect()
	}
}

// reconnect redials with exponential backoff and re-authenticates if the
// stream was authenticated before the drop. Ticker subscriptions are not
// replayed; callers observing Errors() decide whether to re-subscribe.
func (s *Stream) reconnect() {
	wait := s.cfg.ReconnectBaseWait

	for {
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		s.logger.Info("attempting reconnection", "url", s.cfg.URL)

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, nil)
		if err != nil {
			s.logger.Warn("reconnection failed", "error", err)
			wait *= 2
			if wait > s.cfg.ReconnectMaxWait {
				wait = s.cfg.ReconnectMaxWait
			}
			continue
		}

		s.mu.Lock()
		wasAuthed := s.authed
		s.authed = false
		s.conn = conn
		s.connected = true
		s.lastMsgAt = time.Now()
		s.mu.Unlock()

		go s.readLoop(conn)

		if wasAuthed {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
			if err := s.Auth(ctx); err != nil {
				s.logger.Error("re-authentication failed", "error", err)
				select {
				case s.errs <- err:
				default:
				}
			}
			cancel()
		}

		s.logger.Info("reconnected", "url", s.cfg.URL)
		return
	}
}
