package models

import (
	"strings"
	"time"
)

// Difficulty is an ordered test difficulty level. Levels are never persisted
// as authoritative state; they are recomputed from agent counters each cycle.
type Difficulty string

const (
	DifficultyBasic        Difficulty = "basic"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
	DifficultyExpert       Difficulty = "expert"
	DifficultyMaster       Difficulty = "master"
)

// difficultyOrder lists difficulties from easiest to hardest.
var difficultyOrder = []Difficulty{
	DifficultyBasic,
	DifficultyIntermediate,
	DifficultyAdvanced,
	DifficultyExpert,
	DifficultyMaster,
}

// Difficulties returns all difficulty levels in ascending order.
func Difficulties() []Difficulty {
	out := make([]Difficulty, len(difficultyOrder))
	copy(out, difficultyOrder)
	return out
}

// Index returns the position of the difficulty in ascending order,
// or -1 for an unknown value.
func (d Difficulty) Index() int {
	for i, level := range difficultyOrder {
		if level == d {
			return i
		}
	}
	return -1
}

// Valid reports whether the difficulty is one of the known levels.
func (d Difficulty) Valid() bool {
	return d.Index() >= 0
}

// DifficultyAt returns the difficulty at the given order index, clamping
// to the easiest and hardest levels.
func DifficultyAt(index int) Difficulty {
	if index < 0 {
		return difficultyOrder[0]
	}
	if index >= len(difficultyOrder) {
		return difficultyOrder[len(difficultyOrder)-1]
	}
	return difficultyOrder[index]
}

// AttemptOutcome classifies how an attempt concluded. Only quality outcomes
// (passed, failed) feed the consecutive counters; provider errors are
// recorded for audit but never charged against the agent.
type AttemptOutcome string

const (
	OutcomePassed        AttemptOutcome = "passed"
	OutcomeFailed        AttemptOutcome = "failed"
	OutcomeProviderError AttemptOutcome = "provider_error"
)

// Valid reports whether the outcome is one of the known values.
func (o AttemptOutcome) Valid() bool {
	switch o {
	case OutcomePassed, OutcomeFailed, OutcomeProviderError:
		return true
	default:
		return false
	}
}

// Attempt is an immutable record of one administered test. Rows are
// append-only: created once per cycle and never mutated.
type Attempt struct {
	// ID is the unique identifier for the attempt.
	ID string `json:"id"`

	// AgentID is the agent the test was administered to.
	AgentID string `json:"agent_id"`

	// Difficulty is the level the test was administered at.
	Difficulty Difficulty `json:"difficulty"`

	// Layers is the complexity layering the test was generated with.
	Layers int `json:"layers"`

	// Threshold is the minimum passing score for this attempt.
	Threshold int `json:"threshold"`

	// Category is the exam category the question was drawn from.
	Category string `json:"category,omitempty"`

	// Provider is the provider that served the invocation, empty when
	// every provider was exhausted.
	Provider Provider `json:"provider,omitempty"`

	// Score is the graded score in [0, 100].
	Score int `json:"score"`

	// Passed reports whether the score met the threshold.
	Passed bool `json:"passed"`

	// Fallback marks that the deterministic scorer produced the score.
	Fallback bool `json:"fallback"`

	// Outcome classifies the attempt for counter bookkeeping.
	Outcome AttemptOutcome `json:"outcome"`

	// RecordedAt is when the attempt completed.
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks if the attempt is valid.
func (a *Attempt) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(a.AgentID) == "" {
		validation.AddMessage("agent_id", "agent_id is required")
	}
	if !a.Difficulty.Valid() {
		validation.AddMessage("difficulty", "difficulty is required")
	}
	if a.Layers < 1 {
		validation.AddMessage("layers", "layers must be at least 1")
	}
	if a.Threshold < 0 || a.Threshold > 100 {
		validation.AddMessage("threshold", "threshold must be within [0, 100]")
	}
	if a.Score < 0 || a.Score > 100 {
		validation.AddMessage("score", "score must be within [0, 100]")
	}
	if !a.Outcome.Valid() {
		validation.AddMessage("outcome", "outcome is required")
	}
	return validation.Err()
}
