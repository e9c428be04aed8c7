package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("symbol is required")
	}
	if c.Trades != nil && *c.Trades < 0 {
		return fmt.Errorf("trades must be >= 0, got %d", *c.Trades)
	}

	if len(c.Accounts) < 2 {
		return fmt.Errorf("at least 2 accounts are required, got %d", len(c.Accounts))
	}

	seen := make(map[int]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID < 1 {
			return fmt.Errorf("accounts[%d].id must be a positive integer, got %d", i, a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts[%d].id %d is duplicated", i, a.ID)
		}
		seen[a.ID] = struct{}{}

		if a.APIKey == "" {
			return fmt.Errorf("accounts[%d].api_key is required", i)
		}
		if a.APISecret == "" {
			return fmt.Errorf("accounts[%d].api_secret is required", i)
		}
		if c.WSURLFor(a) == "" {
			return fmt.Errorf("accounts[%d]: no ws_url set (common or per-account)", i)
		}
		if c.RestURLFor(a) == "" {
			return fmt.Errorf("accounts[%d]: no rest_url set (common or per-account)", i)
		}
	}

	if c.Harness.TickerTimeout <= 0 {
		return errors.New("harness.ticker_timeout must be > 0")
	}
	if c.Harness.FillTimeout <= 0 {
		return errors.New("harness.fill_timeout must be > 0")
	}

	if c.Database != nil {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
