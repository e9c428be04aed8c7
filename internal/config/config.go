package config

import "time"

// Config is the root configuration for a harness run.
type Config struct {
	Symbol string `yaml:"symbol"`

	// Trades is a pointer so an explicit zero-length sequence can be
	// configured; nil means "use the default".
	Trades   *int            `yaml:"trades"`
	Common   CommonConfig    `yaml:"common"`
	Accounts []AccountConfig `yaml:"accounts"`
	Harness  HarnessConfig   `yaml:"harness"`
	Database *DBConfig       `yaml:"database"`
}

// CommonConfig holds venue settings shared by every account.
type CommonConfig struct {
	WSURL         string        `yaml:"ws_url"`
	RestURL       string        `yaml:"rest_url"`
	AutoReconnect *bool         `yaml:"auto_reconnect"`
	SeqAudit      *bool         `yaml:"seq_audit"`
	WatchdogDelay time.Duration `yaml:"watchdog_delay"`
}

// AccountConfig holds one participant's credentials, plus optional
// per-account overrides of the common venue settings.
type AccountConfig struct {
	ID        int    `yaml:"id"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	WSURL     string `yaml:"ws_url"`
	RestURL   string `yaml:"rest_url"`
}

// HarnessConfig holds pipeline timing and venue flag settings.
type HarnessConfig struct {
	FlagMask      int           `yaml:"flag_mask"`
	TickerTimeout time.Duration `yaml:"ticker_timeout"`
	FillTimeout   time.Duration `yaml:"fill_timeout"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
}

// DBConfig holds the optional run-journal database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WSURLFor resolves the streaming endpoint for an account, preferring the
// per-account override over the common setting.
func (c *Config) WSURLFor(a AccountConfig) string {
	if a.WSURL != "" {
		return a.WSURL
	}
	return c.Common.WSURL
}

// RestURLFor resolves the query endpoint for an account.
func (c *Config) RestURLFor(a AccountConfig) string {
	if a.RestURL != "" {
		return a.RestURL
	}
	return c.Common.RestURL
}
