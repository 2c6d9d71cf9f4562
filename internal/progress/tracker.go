// Package progress applies graded attempts to agent progression state.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/resilience"
)

// DefaultLevelThreshold is the XP required to advance one level.
const DefaultLevelThreshold int64 = 1000

// Tracker folds attempts into agent progression records. Applying is
// idempotent on the attempt ID: the attempt insert and the agent update
// share one transaction, and the insert's uniqueness is the applied mark.
type Tracker struct {
	database       *db.DB
	agents         *db.AgentRepository
	attempts       *db.AttemptRepository
	levelThreshold int64
	retrier        *resilience.Retrier[*models.Agent]
	logger         zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLevelThreshold overrides the XP required per level.
func WithLevelThreshold(threshold int64) Option {
	return func(t *Tracker) {
		if threshold > 0 {
			t.levelThreshold = threshold
		}
	}
}

// NewTracker creates a tracker over the given repositories.
func NewTracker(database *db.DB, agents *db.AgentRepository, attempts *db.AttemptRepository, opts ...Option) *Tracker {
	t := &Tracker{
		database:       database,
		agents:         agents,
		attempts:       attempts,
		levelThreshold: DefaultLevelThreshold,
		retrier:        resilience.NewRetrier[*models.Agent](resilience.DefaultPersistenceRetry),
		logger:         logging.Component("progress"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ApplyAttempt records an attempt and folds it into the agent's counters,
// returning the updated agent. Re-applying an already-recorded attempt ID is
// a no-op that returns current state. Transient persistence failures are
// retried with bounded backoff.
func (t *Tracker) ApplyAttempt(ctx context.Context, attempt *models.Attempt) (*models.Agent, error) {
	if attempt == nil {
		return nil, fmt.Errorf("attempt is required")
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.RecordedAt.IsZero() {
		attempt.RecordedAt = time.Now().UTC()
	}
	if err := attempt.Validate(); err != nil {
		return nil, err
	}

	return t.retrier.Do(ctx, func() (*models.Agent, error) {
		return t.applyOnce(ctx, attempt)
	})
}

func (t *Tracker) applyOnce(ctx context.Context, attempt *models.Attempt) (*models.Agent, error) {
	tx, err := t.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := t.attempts.CreateWithTx(ctx, tx, attempt); err != nil {
		if errors.Is(err, db.ErrAttemptExists) {
			t.logger.Debug().
				Str("attempt_id", attempt.ID).
				Msg("attempt already applied")
			return t.agents.Get(ctx, attempt.AgentID)
		}
		return nil, err
	}

	agent, err := t.agents.GetWithTx(ctx, tx, attempt.AgentID)
	if err != nil {
		return nil, err
	}

	before := agent.Level
	applyOutcome(agent, attempt, t.levelThreshold)
	agent.TotalAttempts++

	if err := t.agents.UpdateWithTx(ctx, tx, agent); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt: %w", err)
	}

	event := t.logger.Debug().
		Str("attempt_id", attempt.ID).
		Str("agent_id", agent.ID).
		Str("outcome", string(attempt.Outcome)).
		Int("score", attempt.Score)
	if agent.Level > before {
		event = event.Int("level", agent.Level)
	}
	event.Msg("attempt applied")

	return agent, nil
}

// applyOutcome folds one attempt into the agent's counters. Only quality
// outcomes move the streaks or award XP; provider errors are recorded for
// audit and charge nothing.
func applyOutcome(agent *models.Agent, attempt *models.Attempt, levelThreshold int64) {
	switch attempt.Outcome {
	case models.OutcomePassed:
		agent.ConsecutiveFailures = 0
		agent.ConsecutiveSuccesses++
		agent.XP += int64(attempt.Score) * int64(DifficultyWeight(attempt.Difficulty))
		for agent.XP >= levelThreshold {
			agent.XP -= levelThreshold
			agent.Level++
		}
	case models.OutcomeFailed:
		agent.ConsecutiveSuccesses = 0
		agent.ConsecutiveFailures++
	}
}

// DifficultyWeight is the XP multiplier for a passed attempt, 1 for basic
// through 5 for master.
func DifficultyWeight(difficulty models.Difficulty) int {
	if idx := difficulty.Index(); idx >= 0 {
		return idx + 1
	}
	return 1
}

// CountersFromHistory recomputes the consecutive counters by replaying an
// ordered attempt log from empty state. The persisted counters are a derived
// aggregate of the log and must match this derivation exactly.
func CountersFromHistory(attempts []*models.Attempt) (failures, successes int) {
	for _, attempt := range attempts {
		switch attempt.Outcome {
		case models.OutcomePassed:
			failures = 0
			successes++
		case models.OutcomeFailed:
			successes = 0
			failures++
		}
	}
	return failures, successes
}
