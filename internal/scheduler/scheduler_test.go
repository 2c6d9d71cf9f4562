package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/exam"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/progress"
	"github.com/opencode-ai/proctor/internal/prompts"
	"github.com/opencode-ai/proctor/internal/provider"
	"github.com/opencode-ai/proctor/internal/router"
)

// scriptedInvoker answers every invocation with the same text. The text
// doubles as the grader reply, so "SCORE: 80" passes a basic test. An
// optional gate blocks invocations until it is closed.
type scriptedInvoker struct {
	name models.Provider
	text string
	gate chan struct{}

	mu     sync.Mutex
	calls  int
	active int
	peak   int
}

func (f *scriptedInvoker) Name() models.Provider { return f.name }

func (f *scriptedInvoker) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &provider.Response{
		Text:  f.text,
		Model: "fake-model",
		Usage: provider.Usage{InputTokens: 100, OutputTokens: 10},
	}, nil
}

func (f *scriptedInvoker) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type fixture struct {
	scheduler *Scheduler
	service   *exam.Service
	agents    *db.AgentRepository
	attempts  *db.AttemptRepository
	eventRepo *db.EventRepository
	accounts  *db.AccountRepository
	usage     *db.UsageRepository
	primary   *scriptedInvoker
}

func newFixture(t *testing.T, admissionOpts budget.Options, schedCfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	agents := db.NewAgentRepository(database)
	attempts := db.NewAttemptRepository(database)
	eventRepo := db.NewEventRepository(database)
	accounts := db.NewAccountRepository(database)
	usage := db.NewUsageRepository(database)

	if err := accounts.Ensure(ctx, models.ProviderAnthropic, 1_000_000); err != nil {
		t.Fatalf("failed to ensure account: %v", err)
	}
	if err := accounts.Ensure(ctx, models.ProviderOpenAI, 1_000_000); err != nil {
		t.Fatalf("failed to ensure account: %v", err)
	}

	ledger := budget.NewSQLLedger(database)
	primary := &scriptedInvoker{name: models.ProviderAnthropic, text: "SCORE: 80"}
	registry := provider.NewRegistry()
	registry.MustRegister(primary)

	rt := router.New(ledger, registry, provider.NewPacer(), router.Options{
		Order:         []models.Provider{models.ProviderAnthropic},
		InvokeTimeout: 5 * time.Second,
	})

	builtins, err := prompts.LoadBuiltins()
	if err != nil {
		t.Fatalf("failed to load builtin templates: %v", err)
	}

	service := exam.NewService(exam.Deps{
		Agents:    agents,
		Attempts:  attempts,
		Events:    eventRepo,
		Tracker:   progress.NewTracker(database, agents, attempts),
		Admission: budget.NewController(ledger, agents, admissionOpts),
		Router:    rt,
		Ledger:    ledger,
		Library:   prompts.NewLibrary(builtins),
	})

	sched := New(schedCfg, Deps{
		Exam:   service,
		Agents: agents,
		Ledger: ledger,
		Usage:  usage,
		Events: eventRepo,
	})

	return &fixture{
		scheduler: sched,
		service:   service,
		agents:    agents,
		attempts:  attempts,
		eventRepo: eventRepo,
		accounts:  accounts,
		usage:     usage,
		primary:   primary,
	}
}

func (f *fixture) enroll(t *testing.T, name string) *models.Agent {
	t.Helper()
	agent, err := f.service.EnrollAgent(context.Background(), name, "You are a backend engineer.")
	if err != nil {
		t.Fatalf("failed to enroll %s: %v", name, err)
	}
	return agent
}

func (f *fixture) attemptCount(t *testing.T, agentID string) int {
	t.Helper()
	history, err := f.attempts.ListByAgent(context.Background(), agentID, 50)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	return len(history)
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TickInterval != 60*time.Second {
		t.Errorf("expected TickInterval 60s, got %v", cfg.TickInterval)
	}
	if cfg.HousekeepingInterval != 1*time.Hour {
		t.Errorf("expected HousekeepingInterval 1h, got %v", cfg.HousekeepingInterval)
	}
	if cfg.CycleTimeout != 3*time.Minute {
		t.Errorf("expected CycleTimeout 3m, got %v", cfg.CycleTimeout)
	}
	if cfg.MaxConcurrentCycles != 2 {
		t.Errorf("expected MaxConcurrentCycles 2, got %d", cfg.MaxConcurrentCycles)
	}
	if cfg.RetentionMonths != 2 {
		t.Errorf("expected RetentionMonths 2, got %d", cfg.RetentionMonths)
	}
}

func TestNewDefaultsApplied(t *testing.T) {
	sched := New(Config{}, Deps{})

	if sched.config.TickInterval != DefaultConfig().TickInterval {
		t.Errorf("expected default TickInterval, got %v", sched.config.TickInterval)
	}
	if sched.config.MaxConcurrentCycles != DefaultConfig().MaxConcurrentCycles {
		t.Errorf("expected default MaxConcurrentCycles, got %d", sched.config.MaxConcurrentCycles)
	}
	if sched.config.RetentionMonths != DefaultConfig().RetentionMonths {
		t.Errorf("expected default RetentionMonths, got %d", sched.config.RetentionMonths)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, budget.DefaultOptions(), Config{TickInterval: time.Hour})

	if err := f.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}

	stats := f.scheduler.Stats()
	if !stats.Running {
		t.Error("expected scheduler to be running")
	}
	if stats.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	if err := f.scheduler.Start(context.Background()); err != ErrSchedulerAlreadyRunning {
		t.Errorf("expected ErrSchedulerAlreadyRunning, got %v", err)
	}

	if err := f.scheduler.Stop(); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}

	stats = f.scheduler.Stats()
	if stats.Running {
		t.Error("expected scheduler to be stopped")
	}

	if err := f.scheduler.Stop(); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}

	if err := f.scheduler.ScheduleNow("anyone"); err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning from ScheduleNow, got %v", err)
	}
}

func TestTickCyclesActiveAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, budget.DefaultOptions(), Config{
		TickInterval:        25 * time.Millisecond,
		CycleTimeout:        5 * time.Second,
		MaxConcurrentCycles: 2,
	})

	first := f.enroll(t, "first")
	second := f.enroll(t, "second")
	third := f.enroll(t, "third")
	dormant := f.enroll(t, "dormant")
	if err := f.agents.SetActive(ctx, dormant.ID, false); err != nil {
		t.Fatalf("failed to deactivate agent: %v", err)
	}

	if err := f.scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer f.scheduler.Stop()

	waitUntil(t, 5*time.Second, "every active agent to be tested", func() bool {
		return f.attemptCount(t, first.ID) == 1 &&
			f.attemptCount(t, second.ID) == 1 &&
			f.attemptCount(t, third.ID) == 1
	})

	// Cooldown turns later ticks into counted denials, never errors.
	waitUntil(t, 5*time.Second, "a cooldown denial to be counted", func() bool {
		return f.scheduler.Stats().DeniedCycles > 0
	})

	if got := f.attemptCount(t, dormant.ID); got != 0 {
		t.Errorf("inactive agent was tested %d times", got)
	}

	stats := f.scheduler.Stats()
	if stats.CompletedCycles != 3 {
		t.Errorf("expected 3 completed cycles, got %d", stats.CompletedCycles)
	}
	if stats.FailedCycles != 0 {
		t.Errorf("expected no failed cycles, got %d", stats.FailedCycles)
	}
	if stats.Ticks == 0 {
		t.Error("expected tick counter to advance")
	}
}

func TestCycleSemaphoreBoundsConcurrency(t *testing.T) {
	ctx := context.Background()

	opts := budget.DefaultOptions()
	opts.MaxConcurrent = 10

	f := newFixture(t, opts, Config{
		TickInterval:        20 * time.Millisecond,
		CycleTimeout:        10 * time.Second,
		MaxConcurrentCycles: 2,
	})
	f.primary.gate = make(chan struct{})

	agents := make([]*models.Agent, 0, 5)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		agents = append(agents, f.enroll(t, name))
	}

	if err := f.scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer f.scheduler.Stop()

	waitUntil(t, 5*time.Second, "two cycles to be in flight", func() bool {
		return f.primary.peakActive() == 2
	})

	// Give further ticks a chance to overshoot the limit.
	time.Sleep(150 * time.Millisecond)
	if peak := f.primary.peakActive(); peak != 2 {
		t.Fatalf("cycle concurrency reached %d, limit is 2", peak)
	}

	close(f.primary.gate)

	waitUntil(t, 10*time.Second, "every agent to be tested once", func() bool {
		for _, agent := range agents {
			if f.attemptCount(t, agent.ID) != 1 {
				return false
			}
		}
		return true
	})

	if peak := f.primary.peakActive(); peak > 2 {
		t.Errorf("cycle concurrency reached %d, limit is 2", peak)
	}
}

func TestScheduleNowBypassesTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, budget.DefaultOptions(), Config{TickInterval: time.Hour})

	agent := f.enroll(t, "solo")

	if err := f.scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer f.scheduler.Stop()

	if err := f.scheduler.ScheduleNow(agent.Name); err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}

	select {
	case event := <-f.scheduler.Events():
		if event.AttemptID == "" {
			t.Error("expected a recorded attempt")
		}
		if event.Outcome != models.OutcomePassed {
			t.Errorf("expected a passed cycle, got %s", event.Outcome)
		}
		if event.Denied {
			t.Error("expected no denial")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle event received")
	}

	if got := f.attemptCount(t, agent.ID); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestHousekeepingResetsAndPrunes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, budget.DefaultOptions(), Config{TickInterval: time.Hour})

	now := time.Now().UTC()

	// Age the anthropic account into the previous billing period.
	account, err := f.accounts.GetByProvider(ctx, models.ProviderAnthropic)
	if err != nil {
		t.Fatalf("failed to load account: %v", err)
	}
	account.PeriodStart = monthStart(now).AddDate(0, -1, 0)
	account.MonthlyUsed = 84021
	if err := f.accounts.Update(ctx, account); err != nil {
		t.Fatalf("failed to age account: %v", err)
	}

	// History from three months back falls past the retention window.
	old := monthStart(now).AddDate(0, -3, 0)
	for i := 0; i < 3; i++ {
		record := &models.UsageRecord{
			Provider:     models.ProviderAnthropic,
			Kind:         models.UsageKindExecution,
			InputTokens:  100,
			OutputTokens: 10,
			TotalTokens:  110,
			RecordedAt:   old.Add(time.Duration(i) * time.Hour),
		}
		if err := f.usage.Create(ctx, record); err != nil {
			t.Fatalf("failed to seed old usage: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		event := &models.Event{
			Type:       models.EventTypeTestCompleted,
			EntityType: models.EntityTypeAgent,
			EntityID:   "bygone",
			Timestamp:  old.Add(time.Duration(i) * time.Hour),
		}
		if err := f.eventRepo.Create(ctx, event); err != nil {
			t.Fatalf("failed to seed old event: %v", err)
		}
	}
	fresh := &models.UsageRecord{
		Provider:     models.ProviderAnthropic,
		Kind:         models.UsageKindExecution,
		InputTokens:  50,
		OutputTokens: 5,
		TotalTokens:  55,
		RecordedAt:   now,
	}
	if err := f.usage.Create(ctx, fresh); err != nil {
		t.Fatalf("failed to seed fresh usage: %v", err)
	}

	f.scheduler.housekeep(ctx)

	refreshed, err := f.accounts.GetByProvider(ctx, models.ProviderAnthropic)
	if err != nil {
		t.Fatalf("failed to reload account: %v", err)
	}
	if !refreshed.PeriodStart.Equal(monthStart(now)) {
		t.Errorf("expected period start %v, got %v", monthStart(now), refreshed.PeriodStart)
	}
	if refreshed.MonthlyUsed != 0 {
		t.Errorf("expected monthly counter reset, got %d", refreshed.MonthlyUsed)
	}

	resetEvents, err := f.eventRepo.ListByEntity(ctx, models.EntityTypeAccount, string(models.ProviderAnthropic), 10)
	if err != nil {
		t.Fatalf("failed to list reset events: %v", err)
	}
	var payload models.BudgetResetPayload
	found := false
	for _, event := range resetEvents {
		if event.Type == models.EventTypeBudgetReset {
			found = true
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				t.Fatalf("failed to decode reset payload: %v", err)
			}
		}
	}
	if !found {
		t.Fatal("expected a budget.reset event")
	}
	if payload.PreviousUsed != 84021 {
		t.Errorf("expected previous_used 84021, got %d", payload.PreviousUsed)
	}

	pruneEvents, err := f.eventRepo.ListByEntity(ctx, models.EntityTypeSystem, "housekeeping", 10)
	if err != nil {
		t.Fatalf("failed to list prune events: %v", err)
	}
	found = false
	for _, event := range pruneEvents {
		if event.Type == models.EventTypeUsagePruned {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a usage.pruned event")
	}

	oldSum, err := f.usage.SumInWindow(ctx, models.ProviderAnthropic, old.Add(-time.Hour), old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("failed to sum old window: %v", err)
	}
	if oldSum != 0 {
		t.Errorf("expected old usage pruned, still %d tokens", oldSum)
	}

	freshSum, err := f.usage.SumInWindow(ctx, models.ProviderAnthropic, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to sum fresh window: %v", err)
	}
	if freshSum != 55 {
		t.Errorf("expected fresh usage kept, got %d tokens", freshSum)
	}

	stats := f.scheduler.Stats()
	if stats.BudgetResets != 1 {
		t.Errorf("expected 1 budget reset, got %d", stats.BudgetResets)
	}
	if stats.PrunedRows != 5 {
		t.Errorf("expected 5 pruned rows, got %d", stats.PrunedRows)
	}

	// Re-running changes nothing.
	f.scheduler.housekeep(ctx)

	stats = f.scheduler.Stats()
	if stats.BudgetResets != 1 {
		t.Errorf("expected reset to stay idempotent, got %d", stats.BudgetResets)
	}
	if stats.PrunedRows != 5 {
		t.Errorf("expected pruning to stay idempotent, got %d", stats.PrunedRows)
	}
}

func TestMonthStart(t *testing.T) {
	at := time.Date(2026, 8, 23, 17, 45, 12, 0, time.UTC)
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if got := monthStart(at); !got.Equal(want) {
		t.Errorf("monthStart(%v) = %v, expected %v", at, got, want)
	}
}
