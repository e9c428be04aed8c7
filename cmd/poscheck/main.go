// poscheck drives two or more authenticated accounts against a shared
// market, injects perfectly offsetting synthetic trades between them and
// verifies every account's position delta against the trades it was
// assigned, using exact decimal arithmetic.
//
// Usage: poscheck --config configs/poscheck.yaml
//
// Credentials are usually supplied through environment variables expanded
// in the config file (e.g. ${USER1_API_KEY}).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/venuelab/poscheck/internal/config"
	"github.com/venuelab/poscheck/internal/harness"
	"github.com/venuelab/poscheck/internal/journal"
	"github.com/venuelab/poscheck/internal/session"
	"github.com/venuelab/poscheck/internal/venue"
	"github.com/venuelab/poscheck/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/poscheck.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	sessions := buildSessions(cfg, logger)
	defer func() {
		for _, s := range sessions {
			s.Stream.Close()
		}
	}()

	// Surface connection-level errors from every stream while the run is
	// in flight; they are pass-through, not recovered.
	for _, s := range sessions {
		go func(s *session.Session) {
			for {
				select {
				case <-ctx.Done():
					return
				case err, ok := <-s.Stream.Errors():
					if !ok {
						return
					}
					logger.Error("stream error", "account", s.ID, "error", err)
				}
			}
		}(s)
	}

	h := harness.New(harness.Config{
		Symbol:        cfg.Symbol,
		Trades:        *cfg.Trades,
		FlagMask:      cfg.Harness.FlagMask,
		SeqAudit:      *cfg.Common.SeqAudit,
		TickerTimeout: cfg.Harness.TickerTimeout,
		FillTimeout:   cfg.Harness.FillTimeout,
		SettleDelay:   cfg.Harness.SettleDelay,
	}, sessions, logger)

	startedAt := time.Now()
	runErr := h.Run(ctx)
	finishedAt := time.Now()

	recordRun(ctx, cfg, h, runErr == nil, startedAt, finishedAt, logger)

	if runErr != nil {
		logger.Error("run failed", "error", runErr)
		os.Exit(1)
	}

	logger.Info("done", "elapsed", finishedAt.Sub(startedAt))
}

// buildSessions constructs one session per configured account, shared
// defaults merged with per-account overrides.
func buildSessions(cfg *config.Config, logger *slog.Logger) []*session.Session {
	sessions := make([]*session.Session, 0, len(cfg.Accounts))

	for _, a := range cfg.Accounts {
		streamCfg := venue.DefaultStreamConfig()
		streamCfg.URL = cfg.WSURLFor(a)
		streamCfg.APIKey = a.APIKey
		streamCfg.APISecret = a.APISecret
		streamCfg.AutoReconnect = *cfg.Common.AutoReconnect
		streamCfg.SeqAudit = *cfg.Common.SeqAudit
		streamCfg.WatchdogDelay = cfg.Common.WatchdogDelay

		stream := venue.NewStream(streamCfg, logger.With("account", a.ID))
		rest := venue.NewRest(cfg.RestURLFor(a), a.APIKey, a.APISecret,
			venue.WithRestLogger(logger.With("account", a.ID)))

		sessions = append(sessions, session.New(a.ID, stream, rest, logger))
	}

	return sessions
}

// recordRun journals the run when a database is configured. Journal
// failures are logged, never fatal to the verdict.
func recordRun(
	ctx context.Context,
	cfg *config.Config,
	h *harness.Harness,
	passed bool,
	startedAt, finishedAt time.Time,
	logger *slog.Logger,
) {
	if cfg.Database == nil {
		return
	}

	// The run context may already be cancelled (signal or failure); give
	// the journal its own bounded window.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	j, err := journal.Open(jctx, *cfg.Database, logger)
	if err != nil {
		logger.Warn("journal unavailable", "error", err)
		return
	}
	defer j.Close()

	rec := journal.RunRecord{
		ID:             journal.NewRunID(),
		Symbol:         cfg.Symbol,
		ReferencePrice: h.ReferencePrice(),
		Passed:         passed,
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
		Trades:         h.Trades(),
		Results:        h.Results(),
	}

	if err := j.RecordRun(jctx, rec); err != nil {
		logger.Warn("failed to journal run", "error", err)
	}
}
