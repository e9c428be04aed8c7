package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/venuelab/poscheck/internal/venue"
)

// ErrFillTimeout is returned when a trade round's orders do not all reach a
// terminal status within the configured wait.
var ErrFillTimeout = errors.New("timed out waiting for order fills")

// submitTrades generates the sequence and plays it against all accounts,
// fully completing one trade's round before starting the next.
func (h *Harness) submitTrades(ctx context.Context) error {
	h.trades = GenerateTrades(h.refPrice, h.cfg.Trades, h.rng)
	h.logger.Info("trade sequence generated",
		"count", len(h.trades),
		"reference_price", h.refPrice.String(),
	)

	for i, tr := range h.trades {
		if err := h.submitRound(ctx, i, tr); err != nil {
			return fmt.Errorf("trade %d: %w", i, err)
		}
	}

	// Let the venue settle the final pair before positions are re-read.
	if h.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.SettleDelay):
		}
	}

	return nil
}

// submitRound submits one trade's matched pair of orders, one per account
// in account order, sign determined by role. Per-account submission is
// acknowledged at write, not at fill; the round then waits for every
// order's terminal status with a bounded timeout.
func (h *Harness) submitRound(ctx context.Context, idx int, tr Trade) error {
	fills := make([]chan struct{}, 0, len(h.sessions))

	for _, s := range h.sessions {
		amount := s.Role.Apply(tr.Amount)
		logger := h.logger.With("account", s.ID, "trade", idx)

		o := venue.NewOrder(s.Stream, venue.OrderParams{
			CID:    h.nextCID(),
			Symbol: h.cfg.Symbol,
			Price:  tr.Price.String(),
			Amount: amount.String(),
			Type:   venue.OrderTypeLimit,
		}, logger)

		filled := make(chan struct{}, 1)

		// The listener detaches itself at the terminal status; its
		// logging is observational, the fill signal is the gate.
		var once sync.Once
		var remove func()
		remove = o.OnUpdate(func(u venue.OrderUpdate) {
			logger.Info("order update", "status", u.Status, "order_id", u.ID)
			if u.Terminal() {
				once.Do(func() {
					remove()
					filled <- struct{}{}
				})
			}
		})

		logger.Debug("submitting order",
			"amount", amount.String(),
			"price", tr.Price.String(),
			"cid", o.CID(),
		)

		if err := o.Submit(); err != nil {
			remove()
			return fmt.Errorf("account %d submit: %w", s.ID, err)
		}

		fills = append(fills, filled)
	}

	// All accounts dispatched; the round completes when both sides of the
	// pair confirm terminal, or times out as a distinct error.
	deadline := time.NewTimer(h.cfg.FillTimeout)
	defer deadline.Stop()

	for _, filled := range fills {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrFillTimeout, h.cfg.FillTimeout)
		case <-filled:
		}
	}

	return nil
}
