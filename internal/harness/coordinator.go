package harness

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/venuelab/poscheck/internal/venue"
)

// connect brings every session to an authenticated state: open the stream,
// then the auth handshake with its one-shot acknowledgment. The first
// account error fails the stage; siblings already in flight are not
// cancelled synchronously.
func (h *Harness) connect(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range h.sessions {
		g.Go(func() error {
			if err := s.Stream.Open(ctx); err != nil {
				return fmt.Errorf("account %d open: %w", s.ID, err)
			}
			if err := s.Stream.Auth(ctx); err != nil {
				return fmt.Errorf("account %d: %w", s.ID, err)
			}

			h.logger.Info("account ready", "account", s.ID, "role", s.Role.String())
			return nil
		})
	}

	return g.Wait()
}

// positions captures every account's starting snapshot. These are the "old"
// values reconciliation subtracts from.
func (h *Harness) positions(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range h.sessions {
		g.Go(func() error {
			return s.RefreshPosition(ctx, h.cfg.Symbol)
		})
	}

	return g.Wait()
}

// flags enables the venue feature flags on every stream; the next stage is
// gated on every acknowledgment.
func (h *Harness) flags(ctx context.Context) error {
	mask := h.cfg.FlagMask
	if h.cfg.SeqAudit {
		mask |= venue.FlagSeqAudit
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, s := range h.sessions {
		g.Go(func() error {
			if err := s.Stream.EnableFlags(ctx, mask); err != nil {
				return fmt.Errorf("account %d: %w", s.ID, err)
			}
			return nil
		})
	}

	return g.Wait()
}
