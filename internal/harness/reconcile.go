package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/venuelab/poscheck/internal/session"
	"github.com/venuelab/poscheck/internal/venue"
)

// AccountResult is one account's reconciliation outcome.
type AccountResult struct {
	AccountID int
	Role      session.Role
	Expected  decimal.Decimal
	Observed  decimal.Decimal
	Match     bool
}

// Mismatch is a recorded expected/observed disagreement.
type Mismatch struct {
	AccountID   int
	Role        session.Role
	Expected    decimal.Decimal
	Observed    decimal.Decimal
	OldPosition venue.Position
	NewPosition venue.Position
}

// ReconcileError aggregates every mismatch of a run. It is returned once,
// after all accounts have been checked.
type ReconcileError struct {
	Mismatches []Mismatch
	Trades     []Trade
}

func (e *ReconcileError) Error() string {
	ids := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		ids[i] = fmt.Sprintf("%d", m.AccountID)
	}
	return fmt.Sprintf("uneven result: %d account(s) mismatched (accounts %s)",
		len(e.Mismatches), strings.Join(ids, ", "))
}

// checkTrades re-queries every account's position sequentially in account
// order (one in-flight query per session at a time) and compares observed
// deltas against the role-signed aggregate of the trade sequence, as exact
// decimals. All accounts are checked before any failure is returned.
func (h *Harness) checkTrades(ctx context.Context) error {
	total := SumAmounts(h.trades)
	h.results = h.results[:0]

	var mismatches []Mismatch

	for _, s := range h.sessions {
		old := s.Position

		if err := s.RefreshPosition(ctx, h.cfg.Symbol); err != nil {
			return err
		}

		observed := s.Position.Amount.Sub(old.Amount)
		expected := s.Role.Apply(total)
		match := observed.Equal(expected)

		h.results = append(h.results, AccountResult{
			AccountID: s.ID,
			Role:      s.Role,
			Expected:  expected,
			Observed:  observed,
			Match:     match,
		})

		if match {
			h.logger.Info("account reconciled",
				"account", s.ID,
				"role", s.Role.String(),
				"delta", observed.String(),
			)
			continue
		}

		h.logger.Error("position delta mismatch",
			"account", s.ID,
			"role", s.Role.String(),
			"expected", expected.String(),
			"observed", observed.String(),
			"old_amount", old.Amount.String(),
			"new_amount", s.Position.Amount.String(),
		)
		for i, tr := range h.trades {
			h.logger.Error("trade in sequence", "index", i, "trade", tr.String())
		}

		mismatches = append(mismatches, Mismatch{
			AccountID:   s.ID,
			Role:        s.Role,
			Expected:    expected,
			Observed:    observed,
			OldPosition: old,
			NewPosition: s.Position,
		})
	}

	if len(mismatches) > 0 {
		return &ReconcileError{Mismatches: mismatches, Trades: h.trades}
	}

	return nil
}
