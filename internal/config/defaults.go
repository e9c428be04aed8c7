package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultSymbol        = "tETHF0:USTF0"
	DefaultTrades        = 5
	DefaultWatchdogDelay = 10 * time.Second
	DefaultFlagMask      = 8 // decimal strings
	DefaultTickerTimeout = 10 * time.Second
	DefaultFillTimeout   = 15 * time.Second
	DefaultSettleDelay   = 50 * time.Millisecond
	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
)

func (c *Config) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = DefaultSymbol
	}
	if c.Trades == nil {
		n := DefaultTrades
		c.Trades = &n
	}

	// Common venue defaults
	if c.Common.AutoReconnect == nil {
		t := true
		c.Common.AutoReconnect = &t
	}
	if c.Common.SeqAudit == nil {
		t := true
		c.Common.SeqAudit = &t
	}
	if c.Common.WatchdogDelay == 0 {
		c.Common.WatchdogDelay = DefaultWatchdogDelay
	}

	// Harness defaults
	if c.Harness.FlagMask == 0 {
		c.Harness.FlagMask = DefaultFlagMask
	}
	if c.Harness.TickerTimeout == 0 {
		c.Harness.TickerTimeout = DefaultTickerTimeout
	}
	if c.Harness.FillTimeout == 0 {
		c.Harness.FillTimeout = DefaultFillTimeout
	}
	if c.Harness.SettleDelay == 0 {
		c.Harness.SettleDelay = DefaultSettleDelay
	}

	// Database defaults (journal is optional)
	if c.Database != nil {
		applyDBDefaults(c.Database)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
