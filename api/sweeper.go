/*
sweeper.go - Periodic tier re-evaluation

PURPOSE:
  Tier thresholds change after users were last evaluated (an admin raises
  Gold's minimum spend, deactivates a tier, adds a new top tier). Users are
  only re-evaluated when their own ledger changes, so the sweeper runs
  PointsLedger.ReevaluateAll on an interval to bring every user in line
  with the current catalog.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run is independent; a failed run is logged and retried next tick
  - Records the last run for the admin UI

USAGE:
  sweeper := NewTierSweeper(engine.Ledger, time.Hour, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: ReevaluateAll endpoint (manual sweep)
  - loyalty/ledger.go: ReevaluateAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reevaluator re-runs tier evaluation for every user.
type Reevaluator interface {
	ReevaluateAll(ctx context.Context) (int, error)
}

// SweepRun describes one completed sweep.
type SweepRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Changed   int
	Err       error
}

// TierSweeper periodically re-evaluates every user's tier.
type TierSweeper struct {
	Reevaluator   Reevaluator
	CheckInterval time.Duration
	Logger        *zap.Logger

	ticker  *time.Ticker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *SweepRun
}

// NewTierSweeper creates a sweeper. An interval of 0 disables it.
func NewTierSweeper(r Reevaluator, interval time.Duration, logger *zap.Logger) *TierSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierSweeper{
		Reevaluator:   r,
		CheckInterval: interval,
		Logger:        logger,
	}
}

// Start begins the sweeper.
func (ts *TierSweeper) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.CheckInterval <= 0 {
		ts.Logger.Info("tier sweeper disabled")
		return
	}
	if ts.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	ts.ticker = time.NewTicker(ts.CheckInterval)
	ts.wg.Add(1)

	go ts.run(ctx, ts.ticker)

	ts.Logger.Info("tier sweeper started", zap.Duration("interval", ts.CheckInterval))
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (ts *TierSweeper) Stop() {
	ts.mu.Lock()
	ticker, cancel := ts.ticker, ts.cancel
	ts.ticker, ts.cancel = nil, nil
	ts.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	cancel()
	ts.wg.Wait()
	ts.Logger.Info("tier sweeper stopped")
}

func (ts *TierSweeper) run(ctx context.Context, ticker *time.Ticker) {
	defer ts.wg.Done()

	// Run immediately on start
	ts.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			ts.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ts *TierSweeper) RunNow(ctx context.Context) SweepRun {
	return ts.sweep(ctx)
}

// LastRun returns the most recent sweep, or nil before the first one.
func (ts *TierSweeper) LastRun() *SweepRun {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.lastRun == nil {
		return nil
	}
	run := *ts.lastRun
	return &run
}

func (ts *TierSweeper) sweep(ctx context.Context) SweepRun {
	run := SweepRun{StartedAt: time.Now()}
	run.Changed, run.Err = ts.Reevaluator.ReevaluateAll(ctx)
	run.Duration = time.Since(run.StartedAt)

	if run.Err != nil {
		ts.Logger.Error("tier sweep failed",
			zap.Int("changed", run.Changed), zap.Error(run.Err))
	} else if run.Changed > 0 {
		ts.Logger.Info("tier sweep completed",
			zap.Int("changed", run.Changed), zap.Duration("duration", run.Duration))
	}

	ts.mu.Lock()
	ts.lastRun = &run
	ts.mu.Unlock()
	return run
}
