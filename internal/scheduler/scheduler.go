// Package scheduler runs periodic proficiency test cycles and ledger housekeeping.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/events"
	"github.com/opencode-ai/proctor/internal/exam"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
)

// pruneBatchSize bounds a single history deletion statement.
const pruneBatchSize = 500

// housekeepingTimeout bounds one housekeeping pass.
const housekeepingTimeout = 5 * time.Minute

// Config contains scheduler configuration.
type Config struct {
	// TickInterval is how often active agents are offered a test cycle.
	// Default: 60 seconds.
	TickInterval time.Duration

	// HousekeepingInterval is how often budget resets and history
	// pruning run. Default: 1 hour.
	HousekeepingInterval time.Duration

	// CycleTimeout is the maximum time allowed for a single test cycle.
	// Default: 3 minutes.
	CycleTimeout time.Duration

	// MaxConcurrentCycles limits how many cycles run at once.
	// Default: 2.
	MaxConcurrentCycles int

	// RetentionMonths is how many billing months of usage and event
	// history to keep, counting the current one. Default: 2.
	RetentionMonths int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:         60 * time.Second,
		HousekeepingInterval: 1 * time.Hour,
		CycleTimeout:         3 * time.Minute,
		MaxConcurrentCycles:  2,
		RetentionMonths:      2,
	}
}

// CycleEvent describes one scheduled test cycle's conclusion.
type CycleEvent struct {
	// AgentRef is the agent the cycle ran for.
	AgentRef string

	// AttemptID is the recorded attempt, when the cycle concluded.
	AttemptID string

	// Outcome is the attempt outcome, when the cycle concluded.
	Outcome models.AttemptOutcome

	// Denied reports an admission refusal.
	Denied bool

	// DenialReason is the admission refusal reason.
	DenialReason string

	// Error contains error details when the cycle failed outright.
	Error string

	// Timestamp is when the cycle started.
	Timestamp time.Time

	// Duration is how long the cycle took.
	Duration time.Duration
}

// Stats contains scheduler statistics.
type Stats struct {
	// Running indicates if the scheduler is active.
	Running bool

	// StartedAt is when the scheduler was started.
	StartedAt *time.Time

	// Ticks is the number of dispatch ticks performed.
	Ticks int64

	// TotalCycles is the number of cycles attempted.
	TotalCycles int64

	// CompletedCycles is the number of cycles that recorded an attempt.
	CompletedCycles int64

	// DeniedCycles is the number of cycles refused by admission.
	DeniedCycles int64

	// FailedCycles is the number of cycles that errored.
	FailedCycles int64

	// LastCycleAt is when the last cycle concluded.
	LastCycleAt *time.Time

	// LastHousekeepingAt is when housekeeping last ran.
	LastHousekeepingAt *time.Time

	// BudgetResets is the number of monthly resets applied.
	BudgetResets int64

	// PrunedRows is the number of history rows deleted.
	PrunedRows int64
}

// Deps bundles the collaborators the scheduler drives.
type Deps struct {
	Exam   *exam.Service
	Agents *db.AgentRepository
	Ledger budget.Ledger
	Usage  *db.UsageRepository
	Events *db.EventRepository
}

// Scheduler triggers governed test cycles for every active agent and keeps
// the usage ledger tidy.
type Scheduler struct {
	config Config
	deps   Deps
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cycleSem chan struct{}
	inFlight map[string]struct{}

	scheduleNow chan string

	stats   Stats
	statsMu sync.RWMutex
	cycleCh chan CycleEvent
}

// New creates a new Scheduler.
func New(config Config, deps Deps) *Scheduler {
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.HousekeepingInterval <= 0 {
		config.HousekeepingInterval = defaults.HousekeepingInterval
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = defaults.CycleTimeout
	}
	if config.MaxConcurrentCycles <= 0 {
		config.MaxConcurrentCycles = defaults.MaxConcurrentCycles
	}
	if config.RetentionMonths <= 0 {
		config.RetentionMonths = defaults.RetentionMonths
	}

	return &Scheduler{
		config:      config,
		deps:        deps,
		logger:      logging.Component("scheduler"),
		cycleSem:    make(chan struct{}, config.MaxConcurrentCycles),
		inFlight:    make(map[string]struct{}),
		scheduleNow: make(chan string, 64),
		cycleCh:     make(chan CycleEvent, 64),
	}
}

// Start begins the scheduler's background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	now := time.Now().UTC()
	s.statsMu.Lock()
	s.stats.Running = true
	s.stats.StartedAt = &now
	s.statsMu.Unlock()

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Dur("housekeeping_interval", s.config.HousekeepingInterval).
		Int("max_concurrent", s.config.MaxConcurrentCycles).
		Msg("scheduler starting")

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop halts the scheduler and waits for running cycles to conclude.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}

	s.logger.Info().Msg("scheduler stopping")

	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// ScheduleNow triggers an immediate test cycle for an agent, bypassing
// the tick interval. Admission still governs the cycle itself.
func (s *Scheduler) ScheduleNow(agentRef string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return ErrSchedulerNotRunning
	}

	select {
	case s.scheduleNow <- agentRef:
		s.logger.Debug().Str("agent", agentRef).Msg("immediate cycle triggered")
		return nil
	default:
		// Channel full, the next tick covers it anyway.
		s.logger.Debug().Str("agent", agentRef).Msg("schedule channel full, deferring to next tick")
		return nil
	}
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Events returns the channel of cycle conclusions. Events are dropped
// when no consumer keeps up.
func (s *Scheduler) Events() <-chan CycleEvent {
	return s.cycleCh
}

// runLoop is the main scheduling loop.
func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	// An immediate pass rolls the billing period forward when the
	// daemon was down across a month boundary.
	s.housekeep(s.ctx)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(s.config.HousekeepingInterval)
	defer housekeeping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case agentRef := <-s.scheduleNow:
			s.tryCycle(agentRef)

		case <-ticker.C:
			s.tick()

		case <-housekeeping.C:
			s.housekeep(s.ctx)
		}
	}
}

// tick offers one test cycle to every active agent.
func (s *Scheduler) tick() {
	s.statsMu.Lock()
	s.stats.Ticks++
	s.statsMu.Unlock()

	agents, err := s.deps.Agents.List(s.ctx, false)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list agents")
		return
	}

	for _, agent := range agents {
		s.tryCycle(agent.ID)
	}
}

// tryCycle starts a cycle for the agent unless one is already running
// for it or all cycle slots are taken.
func (s *Scheduler) tryCycle(agentRef string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, busy := s.inFlight[agentRef]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[agentRef] = struct{}{}
	s.mu.Unlock()

	select {
	case s.cycleSem <- struct{}{}:
	default:
		s.mu.Lock()
		delete(s.inFlight, agentRef)
		s.mu.Unlock()
		s.logger.Debug().Str("agent", agentRef).Msg("cycle slots full, deferring to next tick")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			<-s.cycleSem
			s.mu.Lock()
			delete(s.inFlight, agentRef)
			s.mu.Unlock()
		}()

		s.runCycle(agentRef)
	}()
}

// runCycle administers one test under the cycle timeout.
func (s *Scheduler) runCycle(agentRef string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.CycleTimeout)
	defer cancel()

	start := time.Now()
	event := CycleEvent{AgentRef: agentRef, Timestamp: start}

	result, err := s.deps.Exam.AdministerTest(ctx, agentRef)

	var denied *budget.DeniedError
	switch {
	case err == nil:
		event.AttemptID = result.AttemptID
		event.Outcome = result.Outcome
		s.logger.Debug().
			Str("agent", agentRef).
			Str("attempt_id", result.AttemptID).
			Str("outcome", string(result.Outcome)).
			Msg("cycle concluded")

	case errors.As(err, &denied):
		event.Denied = true
		event.DenialReason = string(denied.Reason)
		s.logger.Debug().
			Str("agent", agentRef).
			Str("reason", string(denied.Reason)).
			Dur("retry_after", denied.RetryAfter).
			Msg("cycle deferred by admission")

	case errors.Is(err, context.Canceled):
		// Shutdown mid-cycle, nothing to record.
		return

	default:
		event.Error = err.Error()
		s.logger.Error().Err(err).Str("agent", agentRef).Msg("test cycle failed")
	}

	event.Duration = time.Since(start)
	s.recordCycle(event)
}

// recordCycle folds a cycle conclusion into stats and publishes it.
func (s *Scheduler) recordCycle(event CycleEvent) {
	now := event.Timestamp.Add(event.Duration)

	s.statsMu.Lock()
	s.stats.TotalCycles++
	switch {
	case event.Denied:
		s.stats.DeniedCycles++
	case event.Error != "":
		s.stats.FailedCycles++
	default:
		s.stats.CompletedCycles++
	}
	s.stats.LastCycleAt = &now
	s.statsMu.Unlock()

	select {
	case s.cycleCh <- event:
	default:
		// Channel full, drop the event.
	}
}

// housekeep rolls billing periods forward and prunes stale history.
func (s *Scheduler) housekeep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, housekeepingTimeout)
	defer cancel()

	now := time.Now().UTC()
	s.resetBudgets(ctx, now)
	s.pruneHistory(ctx, now)

	s.statsMu.Lock()
	s.stats.LastHousekeepingAt = &now
	s.statsMu.Unlock()
}

// resetBudgets starts a fresh billing period for every account whose
// stored period predates the current month. Re-running is a no-op.
func (s *Scheduler) resetBudgets(ctx context.Context, now time.Time) {
	report, err := s.deps.Ledger.Distribution(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read accounts for budget reset")
		return
	}

	period := monthStart(now)
	for _, usage := range report {
		reset, err := s.deps.Ledger.ResetMonthly(ctx, usage.Provider, period)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("provider", string(usage.Provider)).
				Msg("failed to reset monthly budget")
			continue
		}
		if !reset {
			continue
		}

		s.statsMu.Lock()
		s.stats.BudgetResets++
		s.statsMu.Unlock()

		if err := events.LogBudgetReset(ctx, s.deps.Events, usage.Provider, usage.MonthlyUsed, period); err != nil {
			s.logger.Warn().Err(err).Str("provider", string(usage.Provider)).Msg("failed to record budget reset event")
		}
	}
}

// pruneHistory deletes usage records and events older than the
// retention window, in batches.
func (s *Scheduler) pruneHistory(ctx context.Context, now time.Time) {
	cutoff := monthStart(now).AddDate(0, -(s.config.RetentionMonths - 1), 0)

	var usageRows, eventRows int64
	for {
		deleted, err := s.deps.Usage.DeleteOlderThan(ctx, cutoff, pruneBatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune usage records")
			break
		}
		usageRows += deleted
		if deleted < pruneBatchSize {
			break
		}
	}
	for {
		deleted, err := s.deps.Events.DeleteOlderThan(ctx, cutoff, pruneBatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune events")
			break
		}
		eventRows += deleted
		if deleted < pruneBatchSize {
			break
		}
	}

	if usageRows == 0 && eventRows == 0 {
		return
	}

	s.statsMu.Lock()
	s.stats.PrunedRows += usageRows + eventRows
	s.statsMu.Unlock()

	s.logger.Info().
		Int64("usage_rows", usageRows).
		Int64("event_rows", eventRows).
		Time("cutoff", cutoff).
		Msg("history pruned")

	if err := events.LogUsagePruned(ctx, s.deps.Events, usageRows, eventRows, cutoff); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record pruning event")
	}
}

// monthStart returns the first instant of the UTC month containing t.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
