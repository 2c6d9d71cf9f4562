package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
)

// DenialReason classifies why admission was refused.
type DenialReason string

// Denial reasons, in the order the checks run.
const (
	DenialCooldown    DenialReason = "cooldown"
	DenialConcurrency DenialReason = "concurrency"
	DenialHourlyCap   DenialReason = "hourly_cap"
	DenialDailyCap    DenialReason = "daily_cap"
)

// DeniedError reports a refused admission. A denial is not a failure of
// the agent under test; callers record no attempt for it.
type DeniedError struct {
	// Reason is which check refused the request.
	Reason DenialReason

	// RetryAfter is a hint for when the request could succeed, zero
	// when unknown.
	RetryAfter time.Duration

	// Detail describes the refusal in human terms.
	Detail string
}

func (e *DeniedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("admission denied (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("admission denied (%s)", e.Reason)
}

// Options tunes the admission checks.
type Options struct {
	// CooldownPeriod is the minimum gap between one agent's admissions.
	CooldownPeriod time.Duration

	// MaxConcurrent caps simultaneously held slots across all agents.
	MaxConcurrent int

	// MaxHourlyFraction caps hourly consumption as a fraction of the
	// monthly limit.
	MaxHourlyFraction float64

	// MaxDailyFraction caps daily consumption as a fraction of the
	// monthly limit.
	MaxDailyFraction float64

	// MinDailyFraction is the average daily consumption below which the
	// catch-up window relaxes the daily cap.
	MinDailyFraction float64

	// CatchUpEnabled toggles the end-of-period relaxation.
	CatchUpEnabled bool

	// CatchUpDays is how many trailing days of the billing month the
	// relaxation covers.
	CatchUpDays int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		CooldownPeriod:    300 * time.Second,
		MaxConcurrent:     2,
		MaxHourlyFraction: 0.005,
		MaxDailyFraction:  0.08,
		MinDailyFraction:  0.02,
		CatchUpEnabled:    true,
		CatchUpDays:       7,
	}
}

// Controller admits or refuses test cycles. Checks run in a fixed
// order: per-agent cooldown, global concurrency, hourly budget cap,
// daily budget cap. The first refusal wins.
type Controller struct {
	ledger Ledger
	agents *db.AgentRepository
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	held        int
	lastRequest map[string]time.Time
}

// NewController creates an admission controller.
func NewController(ledger Ledger, agents *db.AgentRepository, opts Options) *Controller {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Controller{
		ledger:      ledger,
		agents:      agents,
		opts:        opts,
		logger:      logging.Component("admission"),
		now:         time.Now,
		lastRequest: make(map[string]time.Time),
	}
}

// Slot is a held admission. Release returns it; releasing more than
// once is harmless.
type Slot struct {
	controller *Controller
	once       sync.Once

	// AgentID is the admitted agent.
	AgentID string

	// Provider is the provider the budget checks ran against.
	Provider models.Provider

	// AdmittedAt is when the slot was granted.
	AdmittedAt time.Time
}

// Release returns the slot to the controller.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.controller.release()
	})
}

// Admit runs the admission checks for one test cycle. The estimate is
// the tokens the cycle is expected to consume; a request is refused
// when a window is already at its cap or the estimate would push it
// over. On refusal the returned error is a *DeniedError.
func (c *Controller) Admit(ctx context.Context, agentID string, provider models.Provider, estimate int64) (*Slot, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	now := c.now().UTC()

	// Cooldown first. The in-memory map is authoritative for this
	// process; the persisted timestamp seeds it across restarts.
	last, err := c.lastSeen(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("cooldown check failed: %w", err)
	}
	if !last.IsZero() {
		elapsed := now.Sub(last)
		if elapsed < c.opts.CooldownPeriod {
			retryAfter := c.opts.CooldownPeriod - elapsed
			c.logger.Debug().
				Str("agent_id", agentID).
				Dur("retry_after", retryAfter).
				Msg("admission refused: cooldown")
			return nil, &DeniedError{
				Reason:     DenialCooldown,
				RetryAfter: retryAfter,
				Detail:     fmt.Sprintf("agent tested %s ago, cooldown is %s", elapsed.Round(time.Second), c.opts.CooldownPeriod),
			}
		}
	}

	// Reserve a concurrency slot before the budget reads so the cap
	// holds under concurrent admits. The reservation is rolled back on
	// any later refusal.
	c.mu.Lock()
	if c.held >= c.opts.MaxConcurrent {
		held := c.held
		c.mu.Unlock()
		c.logger.Debug().
			Str("agent_id", agentID).
			Int("held", held).
			Msg("admission refused: concurrency")
		return nil, &DeniedError{
			Reason: DenialConcurrency,
			Detail: fmt.Sprintf("%d of %d slots in use", held, c.opts.MaxConcurrent),
		}
	}
	c.held++
	c.mu.Unlock()

	slot, err := c.checkBudgets(ctx, agentID, provider, estimate, now)
	if err != nil {
		c.release()
		return nil, err
	}
	return slot, nil
}

func (c *Controller) checkBudgets(ctx context.Context, agentID string, provider models.Provider, estimate int64, now time.Time) (*Slot, error) {
	account, err := c.ledger.Account(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("budget check failed: %w", err)
	}
	limit := account.MonthlyLimit

	hourlyUsed, err := c.ledger.HourlyUsage(ctx, provider, now)
	if err != nil {
		return nil, fmt.Errorf("hourly usage check failed: %w", err)
	}
	hourlyCap := int64(c.opts.MaxHourlyFraction * float64(limit))
	if overCap(hourlyUsed, estimate, hourlyCap) {
		c.logger.Debug().
			Str("provider", string(provider)).
			Int64("used", hourlyUsed).
			Int64("cap", hourlyCap).
			Msg("admission refused: hourly cap")
		return nil, &DeniedError{
			Reason:     DenialHourlyCap,
			RetryAfter: nextHour(now).Sub(now),
			Detail:     fmt.Sprintf("%d of %d hourly tokens used", hourlyUsed, hourlyCap),
		}
	}

	if c.dailyCapApplies(account, now) {
		dailyUsed, err := c.ledger.DailyUsage(ctx, provider, now)
		if err != nil {
			return nil, fmt.Errorf("daily usage check failed: %w", err)
		}
		dailyCap := int64(c.opts.MaxDailyFraction * float64(limit))
		if overCap(dailyUsed, estimate, dailyCap) {
			c.logger.Debug().
				Str("provider", string(provider)).
				Int64("used", dailyUsed).
				Int64("cap", dailyCap).
				Msg("admission refused: daily cap")
			return nil, &DeniedError{
				Reason:     DenialDailyCap,
				RetryAfter: dayStart(now).Add(24 * time.Hour).Sub(now),
				Detail:     fmt.Sprintf("%d of %d daily tokens used", dailyUsed, dailyCap),
			}
		}
	}

	c.mu.Lock()
	c.lastRequest[agentID] = now
	c.mu.Unlock()

	// Persist so cooldowns survive restarts. The admission stands even
	// if the write fails.
	if err := c.agents.TouchLastRequest(ctx, agentID, now); err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to persist admission time")
	}

	c.logger.Debug().
		Str("agent_id", agentID).
		Str("provider", string(provider)).
		Int64("estimate", estimate).
		Msg("admission granted")

	return &Slot{
		controller: c,
		AgentID:    agentID,
		Provider:   provider,
		AdmittedAt: now,
	}, nil
}

// dailyCapApplies reports whether the daily cap binds right now. In the
// trailing days of the billing month an underconsuming account is
// allowed to catch up, bounded only by the hourly cap and the monthly
// allowance.
func (c *Controller) dailyCapApplies(account *models.Account, now time.Time) bool {
	if !c.opts.CatchUpEnabled {
		return true
	}

	periodEnd := account.PeriodStart.AddDate(0, 1, 0)
	remaining := periodEnd.Sub(now)
	if remaining <= 0 || remaining > time.Duration(c.opts.CatchUpDays)*24*time.Hour {
		return true
	}

	daysElapsed := now.Sub(account.PeriodStart).Hours() / 24
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	averageDaily := float64(account.MonthlyUsed) / daysElapsed
	minDaily := c.opts.MinDailyFraction * float64(account.MonthlyLimit)

	if averageDaily < minDaily {
		c.logger.Debug().
			Str("provider", string(account.Provider)).
			Float64("average_daily", averageDaily).
			Float64("min_daily", minDaily).
			Msg("daily cap relaxed for catch-up")
		return false
	}
	return true
}

// lastSeen returns when the agent was last admitted, preferring the
// in-memory record and falling back to the persisted timestamp.
func (c *Controller) lastSeen(ctx context.Context, agentID string) (time.Time, error) {
	c.mu.Lock()
	last, ok := c.lastRequest[agentID]
	c.mu.Unlock()
	if ok {
		return last, nil
	}

	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return time.Time{}, err
	}
	if agent.LastRequestAt == nil {
		return time.Time{}, nil
	}
	return agent.LastRequestAt.UTC(), nil
}

func (c *Controller) release() {
	c.mu.Lock()
	if c.held > 0 {
		c.held--
	}
	c.mu.Unlock()
}

// Held returns how many slots are currently held.
func (c *Controller) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Options returns the admission limits the controller enforces.
func (c *Controller) Options() Options {
	return c.opts
}

// overCap reports whether a window is already at its cap or the
// estimate would push it over.
func overCap(used, estimate, limit int64) bool {
	if limit <= 0 {
		return true
	}
	return used >= limit || used+estimate > limit
}

// nextHour returns the start of the hour after t.
func nextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}
