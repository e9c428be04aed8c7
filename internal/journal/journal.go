// Package journal persists harness runs to PostgreSQL for later audit:
// one row per run plus the generated trade sequence and the per-account
// reconciliation outcomes. The journal is optional; record-keeping never
// affects a run's verdict.
//
// Tables:
//
//	runs(id uuid primary key, symbol text, reference_price numeric,
//	     passed boolean, started_at timestamptz, finished_at timestamptz)
//	run_trades(run_id uuid, seq int, amount numeric, price numeric)
//	run_results(run_id uuid, account_id int, role text,
//	            expected numeric, observed numeric, matched boolean)
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/venuelab/poscheck/internal/config"
	"github.com/venuelab/poscheck/internal/harness"
)

// Journal writes run records to the database.
type Journal struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// Open connects the journal using the configured pool settings.
func Open(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Journal{db: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (j *Journal) Close() {
	if j.db != nil {
		j.db.Close()
	}
}

// RunRecord is everything the journal keeps about one harness run.
type RunRecord struct {
	ID             uuid.UUID
	Symbol         string
	ReferencePrice decimal.Decimal
	Passed         bool
	StartedAt      time.Time
	FinishedAt     time.Time
	Trades         []harness.Trade
	Results        []harness.AccountResult
}

// NewRunID returns a fresh run identifier.
func NewRunID() uuid.UUID {
	return uuid.New()
}

// RecordRun inserts the run row and batch-inserts its trades and results
// in a single transaction.
func (j *Journal) RecordRun(ctx context.Context, rec RunRecord) error {
	tx, err := j.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, symbol, reference_price, passed, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Symbol, rec.ReferencePrice.String(), rec.Passed,
		rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for i, tr := range rec.Trades {
		batch.Queue(
			`INSERT INTO run_trades (run_id, seq, amount, price) VALUES ($1, $2, $3, $4)`,
			rec.ID, i, tr.Amount.String(), tr.Price.String(),
		)
	}
	for _, res := range rec.Results {
		batch.Queue(
			`INSERT INTO run_results (run_id, account_id, role, expected, observed, matched)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, res.AccountID, res.Role.String(),
			res.Expected.String(), res.Observed.String(), res.Match,
		)
	}

	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert batch row %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	j.logger.Info("run journaled",
		"run_id", rec.ID,
		"trades", len(rec.Trades),
		"results", len(rec.Results),
		"passed", rec.Passed,
	)

	return nil
}
