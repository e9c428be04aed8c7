package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/venuelab/poscheck/internal/venue"
)

// ErrTickerTimeout is returned when no ticker frame arrives within the
// configured wait.
var ErrTickerTimeout = errors.New("timed out waiting for ticker")

// fetchReferencePrice samples one market price on the first account's
// stream: subscribe the ticker, take the first frame's last price,
// unsubscribe. The wait is bounded; a run must not stall on a quiet market.
func (h *Harness) fetchReferencePrice(ctx context.Context) error {
	s := h.sessions[0]

	ch, err := s.Stream.SubscribeTicker(ctx, h.cfg.Symbol)
	if err != nil {
		return err
	}

	var tk venue.Ticker
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(h.cfg.TickerTimeout):
		if err := s.Stream.UnsubscribeTicker(ctx, h.cfg.Symbol); err != nil {
			h.logger.Warn("ticker unsubscribe after timeout failed", "error", err)
		}
		return fmt.Errorf("%w after %s", ErrTickerTimeout, h.cfg.TickerTimeout)
	case tk = <-ch:
	}

	if err := s.Stream.UnsubscribeTicker(ctx, h.cfg.Symbol); err != nil {
		h.logger.Warn("ticker unsubscribe failed", "error", err)
	}

	h.refPrice = tk.LastPrice
	h.logger.Info("reference price captured",
		"symbol", tk.Symbol,
		"last_price", tk.LastPrice.String(),
	)

	return nil
}
