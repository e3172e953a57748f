/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Runs the ledger audit (initialBalance + sum(entries) == creditBalance)
  on an interval and freezes members that diverge. The same audit is
  available on demand at POST /api/admin/audit.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each run is bounded by the scheduler's context; Stop waits for it

USAGE:
  scheduler := NewAuditScheduler(handler, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Audit, RunAudit
  - studio/ledger.go: AuditLedger
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditScheduler handles the automated ledger audit.
type AuditScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	logger zerolog.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu   sync.Mutex
	lastRun time.Time
}

func NewAuditScheduler(handler *Handler, interval time.Duration) *AuditScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &AuditScheduler{
		Handler:       handler,
		CheckInterval: interval,
		Enabled:       true,
		logger:        handler.logger.With().Str("component", "audit-scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run(ctx, s.ticker)

	s.logger.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info().Msg("stopped")
}

func (s *AuditScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one audit synchronously.
func (s *AuditScheduler) RunNow(ctx context.Context) {
	report, err := s.Handler.Audit(ctx)
	s.runMu.Lock()
	s.lastRun = time.Now()
	s.runMu.Unlock()
	if err != nil {
		return
	}
	s.logger.Debug().
		Int("checked", report.Checked).
		Int("diverged", len(report.Diverged)).
		Int("newly_frozen", len(report.NewlyFrozen)).
		Msg("ledger audit complete")
}

// NextRunTime is zero before the first run.
func (s *AuditScheduler) NextRunTime() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.lastRun.IsZero() {
		return time.Time{}
	}
	return s.lastRun.Add(s.CheckInterval)
}
