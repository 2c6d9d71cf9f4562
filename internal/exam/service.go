package exam

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/events"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/progress"
	"github.com/opencode-ai/proctor/internal/prompts"
	"github.com/opencode-ai/proctor/internal/provider"
	"github.com/opencode-ai/proctor/internal/router"
)

// Service errors.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already enrolled")
)

// DefaultHistoryLimit bounds attempt history listings.
const DefaultHistoryLimit = 50

// defaultAnswerTokens bounds the persona's exam answer.
const defaultAnswerTokens = 2048

// Deps bundles the collaborators the exam service orchestrates.
type Deps struct {
	Agents    *db.AgentRepository
	Attempts  *db.AttemptRepository
	Events    events.Repository
	Tracker   *progress.Tracker
	Admission *budget.Controller
	Router    *router.Router
	Ledger    budget.Ledger
	Library   *prompts.Library
}

// Service administers proficiency tests: it derives the test shape from the
// agent's counters, passes admission, invokes the persona, grades the answer
// and folds the attempt back into progression state.
type Service struct {
	deps            Deps
	scorer          *Scorer
	promotionStreak int
	historyLimit    int
	answerTokens    int
	logger          zerolog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithPromotionStreak overrides the pass run required for promotion.
func WithPromotionStreak(streak int) ServiceOption {
	return func(s *Service) {
		if streak > 0 {
			s.promotionStreak = streak
		}
	}
}

// WithHistoryLimit overrides the default history listing size.
func WithHistoryLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithAnswerTokens overrides the answer token budget.
func WithAnswerTokens(tokens int) ServiceOption {
	return func(s *Service) {
		if tokens > 0 {
			s.answerTokens = tokens
		}
	}
}

// NewService creates the exam service.
func NewService(deps Deps, opts ...ServiceOption) *Service {
	s := &Service{
		deps:            deps,
		scorer:          NewScorer(deps.Router),
		promotionStreak: DefaultPromotionStreak,
		historyLimit:    DefaultHistoryLimit,
		answerTokens:    defaultAnswerTokens,
		logger:          logging.Component("exam"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttemptResult is what one administered test produced.
type AttemptResult struct {
	AttemptID  string                `json:"attempt_id"`
	Difficulty models.Difficulty     `json:"difficulty"`
	Layers     int                   `json:"layers"`
	Threshold  int                   `json:"threshold"`
	Score      int                   `json:"score"`
	Passed     bool                  `json:"passed"`
	Provider   models.Provider       `json:"provider,omitempty"`
	Fallback   bool                  `json:"fallback"`
	Outcome    models.AttemptOutcome `json:"outcome"`
}

// AdministerTest runs one full test cycle for an agent. Admission denials
// surface as *budget.DeniedError without recording an attempt; provider
// exhaustion and deadline expiry record a provider_error attempt scored by
// the deterministic path, so the cycle always concludes with a decision.
func (s *Service) AdministerTest(ctx context.Context, agentRef string) (*AttemptResult, error) {
	agent, err := s.loadAgent(ctx, agentRef)
	if err != nil {
		return nil, err
	}

	difficulty := computeDifficulty(agent.ConsecutiveFailures, agent.ConsecutiveSuccesses, BaseForLevel(agent.Level), s.promotionStreak)
	layers := ComputeLayers(difficulty, agent.ConsecutiveFailures)
	threshold := Threshold(difficulty, agent.ConsecutiveFailures)
	category := prompts.CategoryFor(int(agent.TotalAttempts))

	tmpl, err := s.deps.Library.Select(difficulty, category)
	if err != nil {
		return nil, fmt.Errorf("failed to select question: %w", err)
	}
	question, err := prompts.Render(tmpl, map[string]string{
		"difficulty": string(difficulty),
		"layers":     strconv.Itoa(layers),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render question: %w", err)
	}

	slot, err := s.deps.Admission.Admit(ctx, agent.ID, s.primaryProvider(), estimateTokens(question, s.answerTokens))
	if err != nil {
		var denied *budget.DeniedError
		if errors.As(err, &denied) {
			s.logger.Debug().
				Str("agent_id", agent.ID).
				Str("reason", string(denied.Reason)).
				Msg("test deferred by admission")
		}
		return nil, err
	}
	defer slot.Release()

	s.logger.Debug().
		Str("agent_id", agent.ID).
		Str("difficulty", string(difficulty)).
		Str("category", string(category)).
		Int("layers", layers).
		Int("threshold", threshold).
		Msg("administering test")

	attemptID := uuid.New().String()
	result, invokeErr := s.deps.Router.SelectAndInvoke(ctx, &router.Invocation{
		Request: &provider.Request{
			System:    agent.Persona,
			Prompt:    question,
			MaxTokens: s.answerTokens,
		},
		Kind:      models.UsageKindExecution,
		AgentID:   agent.ID,
		AttemptID: attemptID,
	})

	attempt := &models.Attempt{
		ID:         attemptID,
		AgentID:    agent.ID,
		Difficulty: difficulty,
		Layers:     layers,
		Threshold:  threshold,
		Category:   string(category),
		RecordedAt: time.Now().UTC(),
	}

	switch {
	case invokeErr == nil:
		score, passed, fallback, scoreErr := s.scorer.Score(ctx, question, result.Text, difficulty, agent.ConsecutiveFailures)
		if scoreErr != nil {
			return nil, scoreErr
		}
		attempt.Provider = result.Provider
		attempt.Score = score
		attempt.Passed = passed
		attempt.Fallback = fallback
		attempt.Outcome = models.OutcomeFailed
		if passed {
			attempt.Outcome = models.OutcomePassed
		}
	case errors.Is(invokeErr, router.ErrAllProvidersExhausted) || errors.Is(invokeErr, context.DeadlineExceeded):
		attempt.Score = FallbackScore(question, "")
		attempt.Fallback = true
		attempt.Outcome = models.OutcomeProviderError
		s.logger.Warn().
			Err(invokeErr).
			Str("agent_id", agent.ID).
			Msg("no provider served the test, recording provider error")
	default:
		return nil, fmt.Errorf("test invocation failed: %w", invokeErr)
	}

	// The attempt must land even when the cycle deadline has already passed.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	updated, err := s.deps.Tracker.ApplyAttempt(persistCtx, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to apply attempt: %w", err)
	}

	s.emitEvents(persistCtx, agent, updated, attempt)

	s.logger.Info().
		Str("agent_id", agent.ID).
		Str("attempt_id", attempt.ID).
		Str("outcome", string(attempt.Outcome)).
		Int("score", attempt.Score).
		Bool("fallback", attempt.Fallback).
		Msg("test concluded")

	return &AttemptResult{
		AttemptID:  attempt.ID,
		Difficulty: difficulty,
		Layers:     layers,
		Threshold:  threshold,
		Score:      attempt.Score,
		Passed:     attempt.Passed,
		Provider:   attempt.Provider,
		Fallback:   attempt.Fallback,
		Outcome:    attempt.Outcome,
	}, nil
}

// AgentStatus is the progression read-model for one agent.
type AgentStatus struct {
	AgentID              string            `json:"agent_id"`
	Name                 string            `json:"name"`
	Difficulty           models.Difficulty `json:"difficulty"`
	Layers               int               `json:"layers"`
	Threshold            int               `json:"threshold"`
	Level                int               `json:"level"`
	XP                   int64             `json:"xp"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
	TotalAttempts        int64             `json:"total_attempts"`
	LastRequestAt        *time.Time        `json:"last_request_at,omitempty"`
}

// GetAgentStatus reports an agent's progression state and the difficulty its
// next test would be administered at.
func (s *Service) GetAgentStatus(ctx context.Context, agentRef string) (*AgentStatus, error) {
	agent, err := s.loadAgent(ctx, agentRef)
	if err != nil {
		return nil, err
	}

	difficulty := computeDifficulty(agent.ConsecutiveFailures, agent.ConsecutiveSuccesses, BaseForLevel(agent.Level), s.promotionStreak)

	return &AgentStatus{
		AgentID:              agent.ID,
		Name:                 agent.Name,
		Difficulty:           difficulty,
		Layers:               ComputeLayers(difficulty, agent.ConsecutiveFailures),
		Threshold:            Threshold(difficulty, agent.ConsecutiveFailures),
		Level:                agent.Level,
		XP:                   agent.XP,
		ConsecutiveFailures:  agent.ConsecutiveFailures,
		ConsecutiveSuccesses: agent.ConsecutiveSuccesses,
		TotalAttempts:        agent.TotalAttempts,
		LastRequestAt:        agent.LastRequestAt,
	}, nil
}

// UsageDistribution pairs per-provider consumption with the admission
// runtime state and its configured limits.
type UsageDistribution struct {
	Providers         []*models.ProviderUsage `json:"providers"`
	ActiveConcurrency int                     `json:"active_concurrency"`
	RateLimits        budget.Options          `json:"rate_limits"`
}

// GetUsageDistribution reports token consumption across providers.
func (s *Service) GetUsageDistribution(ctx context.Context) (*UsageDistribution, error) {
	providers, err := s.deps.Ledger.Distribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage distribution: %w", err)
	}

	return &UsageDistribution{
		Providers:         providers,
		ActiveConcurrency: s.deps.Admission.Held(),
		RateLimits:        s.deps.Admission.Options(),
	}, nil
}

// EnrollAgent adds an agent to the roster at level 1.
func (s *Service) EnrollAgent(ctx context.Context, name, persona string) (*models.Agent, error) {
	agent := &models.Agent{
		Name:     strings.TrimSpace(name),
		Persona:  strings.TrimSpace(persona),
		Level:    1,
		IsActive: true,
	}

	if err := s.deps.Agents.Create(ctx, agent); err != nil {
		if errors.Is(err, db.ErrAgentExists) {
			return nil, ErrAgentExists
		}
		return nil, fmt.Errorf("failed to enroll agent: %w", err)
	}

	if s.deps.Events != nil {
		if err := events.LogAgentEnrolled(ctx, s.deps.Events, agent); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("failed to record enrollment event")
		}
	}

	s.logger.Info().Str("agent_id", agent.ID).Str("name", agent.Name).Msg("agent enrolled")
	return agent, nil
}

// ListAgents returns the full roster, inactive agents included.
func (s *Service) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.deps.Agents.List(ctx, true)
}

// AgentHistory returns an agent's most recent attempts, newest first.
func (s *Service) AgentHistory(ctx context.Context, agentRef string, limit int) ([]*models.Attempt, error) {
	agent, err := s.loadAgent(ctx, agentRef)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyLimit
	}
	return s.deps.Attempts.ListByAgent(ctx, agent.ID, limit)
}

// loadAgent resolves an agent by ID first, then by name.
func (s *Service) loadAgent(ctx context.Context, ref string) (*models.Agent, error) {
	agent, err := s.deps.Agents.Get(ctx, ref)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, db.ErrAgentNotFound) {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}

	agent, err = s.deps.Agents.GetByName(ctx, ref)
	if err != nil {
		if errors.Is(err, db.ErrAgentNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return agent, nil
}

func (s *Service) primaryProvider() models.Provider {
	order := s.deps.Router.Order()
	if len(order) == 0 {
		return ""
	}
	return order[0]
}

func (s *Service) emitEvents(ctx context.Context, before, after *models.Agent, attempt *models.Attempt) {
	if s.deps.Events == nil {
		return
	}

	var err error
	if attempt.Outcome == models.OutcomeProviderError {
		err = events.LogProvidersExhausted(ctx, s.deps.Events, attempt.AgentID, attempt.ID, "no provider could serve the invocation")
	} else {
		err = events.LogTestCompleted(ctx, s.deps.Events, attempt)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("attempt_id", attempt.ID).Msg("failed to record audit event")
	}

	if after.Level > before.Level {
		if err := events.LogAgentLevelUp(ctx, s.deps.Events, after.ID, before.Level, after.Level); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", after.ID).Msg("failed to record level event")
		}
	}
}

// estimateTokens sizes an invocation for admission: a rough four bytes per
// prompt token plus the answer budget.
func estimateTokens(question string, answerTokens int) int64 {
	return int64(len(question)/4 + answerTokens)
}
