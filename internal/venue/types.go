package venue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no packets)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAuthFailed      = errors.New("authentication failed")
)

// Feature flag bitmasks accepted by the conf event.
const (
	FlagDecimalStrings = 8     // numeric fields delivered as strings
	FlagSeqAudit       = 65536 // per-connection sequence numbers
)

// event is a JSON event message on the stream (as opposed to a channel
// data frame, which is a JSON array).
type event struct {
	Event   string `json:"event"`
	Status  string `json:"status"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Flags   int    `json:"flags"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	UserID  int64  `json:"userId"`
}

// Ticker is one ticker frame for a subscribed symbol. LastPrice is field 6
// of the venue's ticker payload array.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
}

// OrderUpdate is a parsed order frame (on/ou/oc) from the account channel.
type OrderUpdate struct {
	ID     int64
	CID    int64
	Symbol string
	Amount decimal.Decimal
	Status string
}

// Terminal reports whether the update's status marks the order done
// (executed or filled, matched case-insensitively).
func (u OrderUpdate) Terminal() bool {
	return IsTerminalStatus(u.Status)
}

// IsTerminalStatus reports whether an order status string indicates a
// filled/executed order. The venue embeds fill details in the status
// ("EXECUTED @ 10.15(0.25)"), so this is a substring match.
func IsTerminalStatus(status string) bool {
	s := strings.ToUpper(status)
	return strings.Contains(s, "EXECUTED") || strings.Contains(s, "FILLED")
}

// Position is one parsed record from the positions query. The wire format
// is an array whose index 0 is the symbol, index 1 the status and index 2
// the signed held amount in base-currency units.
type Position struct {
	Symbol string
	Status string
	Amount decimal.Decimal
}

// ZeroPosition is the synthetic snapshot used when an account has no
// position record for the instrument.
func ZeroPosition(symbol string) Position {
	return Position{Symbol: symbol, Status: "", Amount: decimal.Zero}
}

// ParsePosition converts a raw array-shaped position record.
func ParsePosition(raw []any) (Position, error) {
	if len(raw) < 3 {
		return Position{}, fmt.Errorf("position record too short: %d fields", len(raw))
	}

	symbol, ok := raw[0].(string)
	if !ok {
		return Position{}, fmt.Errorf("position symbol: expected string, got %T", raw[0])
	}

	status, _ := raw[1].(string)

	amount, err := toDecimal(raw[2])
	if err != nil {
		return Position{}, fmt.Errorf("position amount: %w", err)
	}

	return Position{Symbol: symbol, Status: status, Amount: amount}, nil
}

// toDecimal converts a decoded JSON value (string with the decimal-strings
// flag enabled, json.Number otherwise) to an exact decimal.
func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case json.Number:
		return decimal.NewFromString(x.String())
	case float64:
		// Only reached if the decoder was not configured with UseNumber.
		return decimal.NewFromFloat(x), nil
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot convert %T to decimal", v)
	}
}

// StreamConfig configures a websocket Stream.
type StreamConfig struct {
	URL       string // websocket endpoint
	APIKey    string
	APISecret string

	AutoReconnect     bool          // redial with backoff after an abnormal drop
	SeqAudit          bool          // request per-connection sequence numbers at conf time
	WatchdogDelay     time.Duration // max silence before the connection is considered stale
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration // event request/response wait (auth, conf, subscribe)
	BufferSize        int           // ticker delivery buffer
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		AutoReconnect:     true,
		SeqAudit:          true,
		WatchdogDelay:     10 * time.Second,
		WriteTimeout:      5 * time.Second,
		RequestTimeout:    10 * time.Second,
		BufferSize:        100,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
	}
}
