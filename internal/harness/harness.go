package harness

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/venuelab/poscheck/internal/session"
)

// Config holds pipeline settings.
type Config struct {
	Symbol        string        // traded instrument, one per run
	Trades        int           // length of the synthetic trade sequence
	FlagMask      int           // venue feature flags enabled in the flags stage
	SeqAudit      bool          // fold sequence auditing into the flag mask
	TickerTimeout time.Duration // max wait for the first ticker frame
	FillTimeout   time.Duration // max wait for a trade round's fills
	SettleDelay   time.Duration // trailing pause after the full sequence
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Trades:        5,
		FlagMask:      8,
		SeqAudit:      true,
		TickerTimeout: 10 * time.Second,
		FillTimeout:   15 * time.Second,
		SettleDelay:   50 * time.Millisecond,
	}
}

// Harness runs the six-stage pipeline across a fixed set of account
// sessions: connect, positions, flags, ticker, trade, checkTrades. Stages
// execute strictly in order; the first stage error aborts the run.
type Harness struct {
	cfg      Config
	sessions []*session.Session
	logger   *slog.Logger
	rng      *rand.Rand

	lastCID int64

	refPrice decimal.Decimal
	trades   []Trade
	results  []AccountResult
}

// Option configures a Harness.
type Option func(*Harness)

// WithRand sets the random source for trade generation (tests pin this).
func WithRand(rng *rand.Rand) Option {
	return func(h *Harness) {
		h.rng = rng
	}
}

// New creates a harness over the given sessions. Session order fixes the
// submission and reconciliation order; roles are carried by the sessions
// themselves.
func New(cfg Config, sessions []*session.Session, logger *slog.Logger, opts ...Option) *Harness {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Harness{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.rng == nil {
		h.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return h
}

type stage struct {
	name string
	run  func(ctx context.Context) error
}

func (h *Harness) stages() []stage {
	return []stage{
		{"connect", h.connect},
		{"positions", h.positions},
		{"flags", h.flags},
		{"ticker", h.fetchReferencePrice},
		{"trade", h.submitTrades},
		{"checkTrades", h.checkTrades},
	}
}

// Run executes the pipeline. It returns nil only if every stage completed
// and every account's position delta reconciled.
func (h *Harness) Run(ctx context.Context) error {
	if len(h.sessions) == 0 {
		return fmt.Errorf("no sessions configured")
	}

	for _, st := range h.stages() {
		h.logger.Info("stage started", "stage", st.name)

		start := time.Now()
		if err := st.run(ctx); err != nil {
			return fmt.Errorf("stage %s: %w", st.name, err)
		}

		h.logger.Info("stage complete", "stage", st.name, "elapsed", time.Since(start))
	}

	return nil
}

// ReferencePrice returns the price sample the trade sequence was centered
// on. Zero before the ticker stage runs.
func (h *Harness) ReferencePrice() decimal.Decimal {
	return h.refPrice
}

// Trades returns the generated trade sequence.
func (h *Harness) Trades() []Trade {
	return h.trades
}

// Results returns the per-account reconciliation outcomes, populated by the
// checkTrades stage regardless of verdict.
func (h *Harness) Results() []AccountResult {
	return h.results
}

// nextCID returns a strictly increasing client order ID. The submitter is
// sequential, so no locking is needed.
func (h *Harness) nextCID() int64 {
	cid := time.Now().UnixMilli()
	if cid <= h.lastCID {
		cid = h.lastCID + 1
	}
	h.lastCID = cid
	return cid
}
