// Package session holds the per-participant state of a harness run: one
// authenticated pair of stream and query clients plus the last known
// position snapshot.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/venuelab/poscheck/internal/venue"
)

// Role is the side an account takes on every synthetic trade. It is fixed
// at construction from the account ID's parity, never re-derived from a
// position in a collection.
type Role int

const (
	// Long submits the positive amount of each trade.
	Long Role = iota
	// Short submits the negated amount.
	Short
)

// RoleForID assigns even IDs the long role and odd IDs the short role.
func RoleForID(id int) Role {
	if id%2 == 0 {
		return Long
	}
	return Short
}

func (r Role) String() string {
	if r == Long {
		return "long"
	}
	return "short"
}

// Apply signs an amount according to the role.
func (r Role) Apply(d decimal.Decimal) decimal.Decimal {
	if r == Short {
		return d.Neg()
	}
	return d
}

// Session is one participant: id, role, clients and the mutable position
// snapshot. Sessions live for the whole process; the snapshot is written
// only by this session's own query path.
type Session struct {
	ID     int
	Role   Role
	Stream *venue.Stream
	Rest   *venue.Rest

	Position venue.Position

	logger *slog.Logger
}

// New creates a session. The role follows from the ID's parity.
func New(id int, stream *venue.Stream, rest *venue.Rest, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		ID:     id,
		Role:   RoleForID(id),
		Stream: stream,
		Rest:   rest,
		logger: logger.With("account", id),
	}
}

// RefreshPosition queries the account's positions and replaces the
// snapshot with the record for the given symbol. A missing record is
// normalized to an all-zero snapshot rather than treated as an error.
func (s *Session) RefreshPosition(ctx context.Context, symbol string) error {
	records, err := s.Rest.Positions(ctx)
	if err != nil {
		return fmt.Errorf("account %d positions: %w", s.ID, err)
	}

	s.Position = pickPosition(records, symbol)

	s.logger.Debug("position refreshed",
		"symbol", s.Position.Symbol,
		"amount", s.Position.Amount.String(),
	)

	return nil
}

func pickPosition(records []venue.Position, symbol string) venue.Position {
	for _, p := range records {
		if p.Symbol == symbol {
			return p
		}
	}
	return venue.ZeroPosition(symbol)
}
