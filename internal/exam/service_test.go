package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/progress"
	"github.com/opencode-ai/proctor/internal/prompts"
	"github.com/opencode-ai/proctor/internal/provider"
	"github.com/opencode-ai/proctor/internal/router"
)

type invokeResult struct {
	resp *provider.Response
	err  error
}

// fakeInvoker replays a scripted sequence of responses. The last entry
// repeats once the queue drains.
type fakeInvoker struct {
	provider models.Provider

	mu    sync.Mutex
	queue []invokeResult
	calls int
}

func (f *fakeInvoker) Name() models.Provider { return f.provider }

func (f *fakeInvoker) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s", f.provider)
	}
	next := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return next.resp, next.err
}

func (f *fakeInvoker) script(results ...invokeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = results
}

func answer(text string) invokeResult {
	return invokeResult{resp: &provider.Response{
		Text:  text,
		Model: "fake-model",
		Usage: provider.Usage{InputTokens: 100, OutputTokens: 10},
	}}
}

func invokeFailure(msg string) invokeResult {
	return invokeResult{err: errors.New(msg)}
}

// structuredAnswer scores at least 70 under the deterministic fallback
// grader regardless of the question it is paired with.
const structuredAnswer = `The deadline propagates through the context chain, so every downstream
call inherits the remaining time instead of its own unbounded wait.

Key points:
- the caller derives a child context and passes it down
- each layer checks ctx.Err() before starting expensive work
- cancellation releases goroutines blocked on I/O

` + "```go" + `
func handle(ctx context.Context) error {
    ctx, cancel := context.WithTimeout(ctx, time.Second)
    defer cancel()
    return fetch(ctx)
}
` + "```"

type serviceFixture struct {
	deps      Deps
	service   *Service
	agents    *db.AgentRepository
	attempts  *db.AttemptRepository
	events    *db.EventRepository
	admission *budget.Controller
	primary   *fakeInvoker
	secondary *fakeInvoker
}

func newServiceFixture(t *testing.T, admissionOpts budget.Options) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(ctx))

	agents := db.NewAgentRepository(database)
	attempts := db.NewAttemptRepository(database)
	eventRepo := db.NewEventRepository(database)
	accounts := db.NewAccountRepository(database)

	require.NoError(t, accounts.Ensure(ctx, models.ProviderAnthropic, 1_000_000))
	require.NoError(t, accounts.Ensure(ctx, models.ProviderOpenAI, 1_000_000))

	ledger := budget.NewSQLLedger(database)
	admission := budget.NewController(ledger, agents, admissionOpts)

	primary := &fakeInvoker{provider: models.ProviderAnthropic}
	secondary := &fakeInvoker{provider: models.ProviderOpenAI}
	registry := provider.NewRegistry()
	registry.MustRegister(primary)
	registry.MustRegister(secondary)

	rt := router.New(ledger, registry, provider.NewPacer(), router.Options{
		Order:         []models.Provider{models.ProviderAnthropic, models.ProviderOpenAI},
		InvokeTimeout: 5 * time.Second,
	})

	builtins, err := prompts.LoadBuiltins()
	require.NoError(t, err)

	deps := Deps{
		Agents:    agents,
		Attempts:  attempts,
		Events:    eventRepo,
		Tracker:   progress.NewTracker(database, agents, attempts),
		Admission: admission,
		Router:    rt,
		Ledger:    ledger,
		Library:   prompts.NewLibrary(builtins),
	}

	return &serviceFixture{
		deps:      deps,
		service:   NewService(deps),
		agents:    agents,
		attempts:  attempts,
		events:    eventRepo,
		admission: admission,
		primary:   primary,
		secondary: secondary,
	}
}

// fastAdmission removes the cooldown so back-to-back cycles are allowed.
func fastAdmission() budget.Options {
	opts := budget.DefaultOptions()
	opts.CooldownPeriod = 0
	return opts
}

func (f *serviceFixture) enroll(t *testing.T, name string) *models.Agent {
	t.Helper()
	agent, err := f.service.EnrollAgent(context.Background(), name, "You are a careful backend engineer.")
	require.NoError(t, err)
	return agent
}

func (f *serviceFixture) eventTypes(t *testing.T, entityID string) []models.EventType {
	t.Helper()
	recorded, err := f.events.ListByEntity(context.Background(), models.EntityTypeAgent, entityID, 50)
	require.NoError(t, err)
	types := make([]models.EventType, 0, len(recorded))
	for _, event := range recorded {
		types = append(types, event.Type)
	}
	return types
}

func TestAdministerTestPassingCycle(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "alice")

	f.primary.script(answer("Deadlines propagate through the context chain."), answer("SCORE: 88"))

	result, err := f.service.AdministerTest(ctx, "alice")
	require.NoError(t, err)

	require.Equal(t, models.DifficultyBasic, result.Difficulty)
	require.Equal(t, 1, result.Layers)
	require.Equal(t, 70, result.Threshold)
	require.Equal(t, 88, result.Score)
	require.True(t, result.Passed)
	require.Equal(t, models.OutcomePassed, result.Outcome)
	require.Equal(t, models.ProviderAnthropic, result.Provider)
	require.False(t, result.Fallback)
	require.NotEmpty(t, result.AttemptID)

	updated, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ConsecutiveSuccesses)
	require.Equal(t, 0, updated.ConsecutiveFailures)
	require.Equal(t, int64(88), updated.XP)
	require.Equal(t, int64(1), updated.TotalAttempts)
	require.NotNil(t, updated.LastRequestAt)

	attempt, err := f.attempts.Get(ctx, result.AttemptID)
	require.NoError(t, err)
	require.Equal(t, models.OutcomePassed, attempt.Outcome)
	require.Equal(t, "knowledge", attempt.Category)

	require.Contains(t, f.eventTypes(t, agent.ID), models.EventTypeTestCompleted)
}

func TestAdministerTestFailingCycle(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "bob")

	f.primary.script(answer("The cache is probably fine."), answer("SCORE: 40"))

	result, err := f.service.AdministerTest(ctx, "bob")
	require.NoError(t, err)

	require.Equal(t, 40, result.Score)
	require.False(t, result.Passed)
	require.Equal(t, models.OutcomeFailed, result.Outcome)

	updated, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ConsecutiveFailures)
	require.Equal(t, 0, updated.ConsecutiveSuccesses)
	require.Equal(t, int64(0), updated.XP)

	require.Contains(t, f.eventTypes(t, agent.ID), models.EventTypeTestFailed)
}

func TestAdministerTestUnknownAgent(t *testing.T) {
	f := newServiceFixture(t, fastAdmission())

	_, err := f.service.AdministerTest(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAdministerTestCooldownDenial(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, budget.DefaultOptions())
	agent := f.enroll(t, "carol")

	f.primary.script(answer("First answer."), answer("SCORE: 90"))

	_, err := f.service.AdministerTest(ctx, "carol")
	require.NoError(t, err)

	_, err = f.service.AdministerTest(ctx, "carol")
	var denied *budget.DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, budget.DenialCooldown, denied.Reason)
	require.Greater(t, denied.RetryAfter, time.Duration(0))

	// A refusal records nothing and holds nothing.
	history, err := f.attempts.ListByAgent(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 0, f.admission.Held())

	updated, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.TotalAttempts)
}

func TestAdministerTestAllProvidersDown(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "dave")

	f.primary.script(invokeFailure("upstream 500"))
	f.secondary.script(invokeFailure("upstream 503"))

	result, err := f.service.AdministerTest(ctx, "dave")
	require.NoError(t, err)

	require.Equal(t, models.OutcomeProviderError, result.Outcome)
	require.True(t, result.Fallback)
	require.Equal(t, 0, result.Score)
	require.False(t, result.Passed)
	require.Empty(t, result.Provider)

	// Provider trouble charges neither streak.
	updated, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, 0, updated.ConsecutiveFailures)
	require.Equal(t, 0, updated.ConsecutiveSuccesses)
	require.Equal(t, int64(1), updated.TotalAttempts)

	require.Contains(t, f.eventTypes(t, agent.ID), models.EventTypeProvidersExhausted)
}

func TestAdministerTestGradingFallsBackDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "erin")

	// The execution succeeds, then both providers refuse the grading call.
	f.primary.script(answer(structuredAnswer), invokeFailure("upstream 500"))
	f.secondary.script(invokeFailure("upstream 503"))

	result, err := f.service.AdministerTest(ctx, "erin")
	require.NoError(t, err)

	require.True(t, result.Fallback)
	require.Equal(t, models.ProviderAnthropic, result.Provider)
	require.Equal(t, models.OutcomePassed, result.Outcome)
	require.GreaterOrEqual(t, result.Score, 70)

	updated, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ConsecutiveSuccesses)
}

func TestGetAgentStatus(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "frank")

	f.primary.script(answer("A fine answer."), answer("SCORE: 88"))
	_, err := f.service.AdministerTest(ctx, "frank")
	require.NoError(t, err)

	status, err := f.service.GetAgentStatus(ctx, "frank")
	require.NoError(t, err)
	require.Equal(t, agent.ID, status.AgentID)
	require.Equal(t, "frank", status.Name)
	require.Equal(t, models.DifficultyBasic, status.Difficulty)
	require.Equal(t, 1, status.Layers)
	require.Equal(t, 70, status.Threshold)
	require.Equal(t, 1, status.Level)
	require.Equal(t, int64(88), status.XP)
	require.Equal(t, 1, status.ConsecutiveSuccesses)
	require.Equal(t, int64(1), status.TotalAttempts)
	require.NotNil(t, status.LastRequestAt)
}

func TestGetUsageDistribution(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	f.enroll(t, "grace")

	f.primary.script(answer("An answer."), answer("SCORE: 75"))
	_, err := f.service.AdministerTest(ctx, "grace")
	require.NoError(t, err)

	dist, err := f.service.GetUsageDistribution(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, dist.ActiveConcurrency)
	require.Equal(t, 2, dist.RateLimits.MaxConcurrent)

	var anthropic *models.ProviderUsage
	for _, usage := range dist.Providers {
		if usage.Provider == models.ProviderAnthropic {
			anthropic = usage
		}
	}
	require.NotNil(t, anthropic)

	// Execution plus grading, 110 tokens each.
	require.Equal(t, int64(220), anthropic.MonthlyUsed)
	require.Equal(t, int64(1_000_000), anthropic.MonthlyLimit)
}

func TestEnrollAgent(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())

	agent := f.enroll(t, "hank")
	require.Equal(t, 1, agent.Level)
	require.True(t, agent.IsActive)
	require.Contains(t, f.eventTypes(t, agent.ID), models.EventTypeAgentEnrolled)

	_, err := f.service.EnrollAgent(ctx, "hank", "")
	require.ErrorIs(t, err, ErrAgentExists)

	_, err = f.service.EnrollAgent(ctx, "   ", "")
	require.Error(t, err)
}

func TestAgentHistoryLimits(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "iris")

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		attempt := &models.Attempt{
			ID:         uuid.New().String(),
			AgentID:    agent.ID,
			Difficulty: models.DifficultyBasic,
			Layers:     1,
			Threshold:  70,
			Category:   "knowledge",
			Score:      60 + i,
			Outcome:    models.OutcomeFailed,
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.attempts.Create(ctx, attempt))
	}

	history, err := f.service.AgentHistory(ctx, "iris", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 66, history[0].Score)

	limited := NewService(f.deps, WithHistoryLimit(5))
	history, err = limited.AgentHistory(ctx, "iris", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)

	_, err = f.service.AgentHistory(ctx, "nobody", 0)
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestListAgentsIncludesInactive(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	first := f.enroll(t, "jack")
	f.enroll(t, "kate")

	require.NoError(t, f.agents.SetActive(ctx, first.ID, false))

	listed, err := f.service.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
}

func TestAdministerTestPromotionAfterStreak(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	agent := f.enroll(t, "liam")

	// Three passes in a row, then the next test is pitched one level up.
	for i := 0; i < 3; i++ {
		f.primary.script(answer("A solid answer."), answer("SCORE: 95"))
		result, err := f.service.AdministerTest(ctx, "liam")
		require.NoError(t, err)
		require.Equal(t, models.DifficultyBasic, result.Difficulty)
	}

	f.primary.script(answer("A solid answer."), answer("SCORE: 95"))
	result, err := f.service.AdministerTest(ctx, "liam")
	require.NoError(t, err)
	require.Equal(t, models.DifficultyIntermediate, result.Difficulty)

	updated, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, 4, updated.ConsecutiveSuccesses)
}

func TestAdministerTestCyclesThroughCategories(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	f.enroll(t, "mona")

	want := []string{"knowledge", "code-review", "debugging", "architecture", "knowledge"}
	for i, expected := range want {
		f.primary.script(answer("An answer."), answer("SCORE: 80"))
		result, err := f.service.AdministerTest(ctx, "mona")
		require.NoError(t, err, "cycle %d", i)

		attempt, err := f.attempts.Get(ctx, result.AttemptID)
		require.NoError(t, err)
		require.Equal(t, expected, attempt.Category, "cycle %d", i)
	}
}

func TestAdministerTestQuestionReachesProvider(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, fastAdmission())
	f.enroll(t, "nina")

	var gotSystem, gotPrompt string
	f.primary.script(answer("An answer."), answer("SCORE: 80"))
	capture := &captureInvoker{inner: f.primary, onFirst: func(req *provider.Request) {
		gotSystem = req.System
		gotPrompt = req.Prompt
	}}
	registry := provider.NewRegistry()
	registry.MustRegister(capture)
	registry.MustRegister(f.secondary)
	rt := router.New(f.deps.Ledger, registry, provider.NewPacer(), router.Options{
		Order:         []models.Provider{models.ProviderAnthropic, models.ProviderOpenAI},
		InvokeTimeout: 5 * time.Second,
	})
	deps := f.deps
	deps.Router = rt
	service := NewService(deps)

	_, err := service.AdministerTest(ctx, "nina")
	require.NoError(t, err)

	require.Equal(t, "You are a careful backend engineer.", gotSystem)
	require.NotEmpty(t, gotPrompt)
	require.False(t, strings.Contains(gotPrompt, "{{"), "unrendered template: %s", gotPrompt)
}

type captureInvoker struct {
	inner   *fakeInvoker
	onFirst func(*provider.Request)
	seen    bool
}

func (c *captureInvoker) Name() models.Provider { return c.inner.Name() }

func (c *captureInvoker) Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if !c.seen {
		c.seen = true
		c.onFirst(req)
	}
	return c.inner.Invoke(ctx, req)
}
